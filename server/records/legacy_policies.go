package records

// PolicyDocument is the legacy marker-policy shape that predates permission
// assignments. Each permitted entry grants a set of actions on a resource
// kind to every subject that can reach the marker. New grants should use
// permission assignments; documents remain supported for the built-in
// defaults and for records that still carry user-defined documents.
type PolicyDocument struct {
	Permissions []PolicyPermission
}

// PolicyPermission is one rule inside a legacy policy document. An empty
// Actions slice permits every action on the resource kind.
type PolicyPermission struct {
	ResourceKind ResourceKind
	Actions      []ActionKind
}

// Permits reports whether the rule covers the resource kind and action.
func (p PolicyPermission) Permits(kind ResourceKind, action ActionKind) bool {
	if p.ResourceKind != kind {
		return false
	}
	if len(p.Actions) == 0 {
		return true
	}
	for _, a := range p.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Permits reports whether any rule in the document covers the resource kind
// and action.
func (d *PolicyDocument) Permits(kind ResourceKind, action ActionKind) bool {
	for _, p := range d.Permissions {
		if p.Permits(kind, action) {
			return true
		}
	}
	return false
}

// DefaultPublicReadPolicyDocument applies to the publicRead marker when no
// user-defined document exists: read-style actions on every resource kind.
func DefaultPublicReadPolicyDocument() *PolicyDocument {
	kinds := []ResourceKind{ResourceData, ResourceFile, ResourceEvent, ResourceInst, ResourceWebhook, ResourcePackage}
	doc := &PolicyDocument{}
	for _, k := range kinds {
		doc.Permissions = append(doc.Permissions, PolicyPermission{
			ResourceKind: k,
			Actions:      []ActionKind{ActionRead, ActionList, ActionCount},
		})
	}
	return doc
}

// DefaultAnyResourcePolicyDocument applies to every marker: it permits
// nothing by itself but anchors user-defined documents that extend it.
func DefaultAnyResourcePolicyDocument() *PolicyDocument {
	return &PolicyDocument{}
}
