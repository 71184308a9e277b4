package authz

import "github.com/casual-simulation/casualos-sub006/server/records"

type actionSet map[records.ActionKind]struct{}

func newActionSet(actions ...records.ActionKind) actionSet {
	s := make(actionSet, len(actions))
	for _, a := range actions {
		s[a] = struct{}{}
	}
	return s
}

func (s actionSet) contains(a records.ActionKind) bool {
	_, ok := s[a]
	return ok
}

// recordKeyAllowList is the fixed set of (resourceKind, action) combinations
// that a valid record key can grant. Everything else is denied even with a
// valid key.
var recordKeyAllowList = map[records.ResourceKind]actionSet{
	records.ResourceData: newActionSet(
		records.ActionCreate, records.ActionUpdate, records.ActionDelete,
		records.ActionRead, records.ActionList,
	),
	records.ResourceFile: newActionSet(
		records.ActionCreate, records.ActionDelete, records.ActionRead,
	),
	records.ResourceEvent: newActionSet(
		records.ActionCreate, records.ActionIncrement, records.ActionCount,
		records.ActionUpdate,
	),
	records.ResourceInst: newActionSet(
		records.ActionCreate, records.ActionUpdate, records.ActionDelete,
		records.ActionRead, records.ActionUpdateData, records.ActionSendAction,
	),
}

// memberAllowList is the fixed set of combinations granted to studio members
// and to insts reached through an ownership chain. Marker assignment is
// handled separately because it is additionally restricted to the publicRead
// and private markers.
var memberAllowList = map[records.ResourceKind]actionSet{
	records.ResourceData: newActionSet(
		records.ActionCreate, records.ActionRead, records.ActionUpdate,
		records.ActionDelete, records.ActionList,
	),
	records.ResourceFile: newActionSet(
		records.ActionCreate, records.ActionRead, records.ActionDelete,
		records.ActionList,
	),
	records.ResourceEvent: newActionSet(
		records.ActionCreate, records.ActionIncrement, records.ActionCount,
		records.ActionUpdate, records.ActionRead, records.ActionList,
	),
	records.ResourceInst: newActionSet(
		records.ActionCreate, records.ActionRead, records.ActionUpdate,
		records.ActionDelete, records.ActionUpdateData, records.ActionSendAction,
		records.ActionList,
	),
	records.ResourceWebhook: newActionSet(
		records.ActionRead, records.ActionList, records.ActionRun,
	),
	records.ResourcePackage: newActionSet(
		records.ActionRead, records.ActionList, records.ActionRun,
	),
}

// publicReadActions are the actions granted to any subject on a resource
// carrying the publicRead marker.
var publicReadActions = newActionSet(
	records.ActionRead, records.ActionList, records.ActionCount,
	records.ActionRun, records.ActionSubscribe,
)

// publicWriteActions extend publicReadActions with the CRUD-style actions.
var publicWriteActions = newActionSet(
	records.ActionRead, records.ActionList, records.ActionCount,
	records.ActionRun, records.ActionSubscribe,
	records.ActionCreate, records.ActionUpdate, records.ActionDelete,
	records.ActionIncrement, records.ActionUpdateData, records.ActionSendAction,
)

// moderatorActions are the read-style actions a moderator may perform on any
// record.
var moderatorActions = newActionSet(
	records.ActionRead, records.ActionList, records.ActionCount,
	records.ActionListSubscriptions,
)

// writeActions are the actions that publish or mutate state, used by the
// privacy-feature checks.
var writeActions = newActionSet(
	records.ActionCreate, records.ActionUpdate, records.ActionDelete,
	records.ActionIncrement, records.ActionUpdateData, records.ActionSendAction,
	records.ActionAssign, records.ActionUnassign,
	records.ActionGrantPermission, records.ActionRevokePermission,
	records.ActionGrant, records.ActionRevoke,
)

func allowListed(list map[records.ResourceKind]actionSet, kind records.ResourceKind, action records.ActionKind) bool {
	set, ok := list[kind]
	return ok && set.contains(action)
}

// memberAllowed reports whether the member allow-list covers the request.
// Besides the per-kind action sets, members may assign the publicRead and
// private markers.
func memberAllowed(kind records.ResourceKind, action records.ActionKind, markers []string, resourceID *string) bool {
	if allowListed(memberAllowList, kind, action) {
		return true
	}
	if kind == records.ResourceMarker && action == records.ActionAssign {
		candidates := append([]string{}, markers...)
		if resourceID != nil {
			candidates = append(candidates, records.RootMarker(*resourceID))
		}
		if len(candidates) == 0 {
			return false
		}
		for _, m := range candidates {
			if m != records.PublicReadMarker && m != records.PrivateMarker {
				return false
			}
		}
		return true
	}
	return false
}
