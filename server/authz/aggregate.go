package authz

import (
	"context"

	"github.com/casual-simulation/casualos-sub006/server/records"
)

// SubjectsRequest authorizes several subjects against one resource/action
// tuple.
type SubjectsRequest struct {
	Subjects     []Subject
	ResourceKind records.ResourceKind
	Action       records.ActionKind
	ResourceID   *string
	Markers      []string
}

// Subject is one subject inside an aggregated request.
type Subject struct {
	Type records.SubjectType
	ID   *string
}

// MultiAuthorization is the aggregate success result: one Authorization per
// subject (or per subject/resource pair), in input order.
type MultiAuthorization struct {
	RecordName string
	Results    []*Authorization
}

// AuthorizeSubjects authorizes every subject independently against the same
// tuple. All subjects must be allowed; the first denial (in input order)
// short-circuits and becomes the overall failure.
func (a *Authorizer) AuthorizeSubjects(ctx context.Context, azc *Context, req SubjectsRequest) (*MultiAuthorization, error) {
	multi := &MultiAuthorization{RecordName: azc.RecordName}
	for _, subject := range req.Subjects {
		az, err := a.AuthorizeSubject(ctx, azc, Request{
			SubjectType:  subject.Type,
			SubjectID:    subject.ID,
			ResourceKind: req.ResourceKind,
			Action:       req.Action,
			ResourceID:   req.ResourceID,
			Markers:      req.Markers,
		})
		if err != nil {
			return nil, err
		}
		multi.Results = append(multi.Results, az)
	}
	return multi, nil
}

// ResourceRequest is one resource/action tuple inside a batch check.
type ResourceRequest struct {
	ResourceKind records.ResourceKind
	Action       records.ActionKind
	ResourceID   *string
	Markers      []string
}

// UserAndInstancesRequest authorizes a user plus a set of inst clients
// against a batch of resource/action tuples.
type UserAndInstancesRequest struct {
	UserID    *string
	Instances []string
	Resources []ResourceRequest
}

// AuthorizeUserAndInstancesForResources authorizes the user and then every
// instance against each tuple, in input order. Every subject must succeed
// for every tuple; the first failing subject of the first failing tuple is
// reported, which keeps error messages deterministic.
func (a *Authorizer) AuthorizeUserAndInstancesForResources(ctx context.Context, azc *Context, req UserAndInstancesRequest) (*MultiAuthorization, error) {
	multi := &MultiAuthorization{RecordName: azc.RecordName}
	for _, resource := range req.Resources {
		subjects := make([]Subject, 0, len(req.Instances)+1)
		subjects = append(subjects, Subject{Type: records.SubjectUser, ID: req.UserID})
		for _, inst := range req.Instances {
			id := records.NormalizeInstID(inst)
			subjects = append(subjects, Subject{Type: records.SubjectInst, ID: &id})
		}
		result, err := a.AuthorizeSubjects(ctx, azc, SubjectsRequest{
			Subjects:     subjects,
			ResourceKind: resource.ResourceKind,
			Action:       resource.Action,
			ResourceID:   resource.ResourceID,
			Markers:      resource.Markers,
		})
		if err != nil {
			return nil, err
		}
		multi.Results = append(multi.Results, result.Results...)
	}
	return multi, nil
}
