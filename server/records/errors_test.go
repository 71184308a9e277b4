package records

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/pkg/errors"
)

func TestErrorCodes(t *testing.T) {
	testCases := []struct {
		err      error
		expected string
	}{
		{&NotLoggedInError{}, CodeNotLoggedIn},
		{NewMissingPermissionError("testRecord", SubjectUser, "user1", ResourceData, ActionRead, ""), CodeNotAuthorized},
		{NewTooManyMarkersError(), CodeNotAuthorized},
		{NewDisabledPrivacyFeatureError("allowPublicData"), CodeNotAuthorized},
		{&RecordNotFoundError{RecordName: "missing"}, CodeRecordNotFound},
		{&InvalidRecordKeyError{}, CodeInvalidRecordKey},
		{&PermissionNotFoundError{ID: "p1"}, CodePermissionNotFound},
		{&NotSupportedError{Capability: "listing"}, CodeNotSupported},
		{NewServerError(errors.New("boom")), CodeServerError},
	}
	for _, tt := range testCases {
		assert.Equal(t, tt.expected, ErrorCode(tt.err))
	}
}

func TestErrorCodeSurvivesWrapping(t *testing.T) {
	err := pkgerrors.Wrap(&RecordNotFoundError{RecordName: "r"}, "build context")
	assert.Equal(t, CodeRecordNotFound, ErrorCode(err))
}

func TestNewServerErrorPassesDomainErrorsThrough(t *testing.T) {
	domain := &NotLoggedInError{}
	assert.Same(t, error(domain), NewServerError(domain))

	wrapped := pkgerrors.Wrap(&PermissionNotFoundError{ID: "p1"}, "revoke")
	assert.Equal(t, error(wrapped), NewServerError(wrapped))

	infra := errors.New("connection reset")
	normalized := NewServerError(infra)
	var se *ServerError
	require.ErrorAs(t, normalized, &se)
	assert.ErrorIs(t, normalized, infra)
}

func TestMissingPermissionCarriesRequestTuple(t *testing.T) {
	err := NewMissingPermissionError("testRecord", SubjectInst, "/r/inst", ResourceFile, ActionDelete, "file1.txt")
	assert.Equal(t, ReasonMissingPermission, err.Reason.Code)
	assert.Equal(t, "testRecord", err.Reason.RecordName)
	assert.Equal(t, SubjectInst, err.Reason.SubjectType)
	assert.Equal(t, "/r/inst", err.Reason.SubjectID)
	assert.Equal(t, ResourceFile, err.Reason.ResourceKind)
	assert.Equal(t, ActionDelete, err.Reason.Action)
	assert.Equal(t, "file1.txt", err.Reason.ResourceID)
}

func TestDisabledPrivacyFeatureNamesTheFlag(t *testing.T) {
	err := NewDisabledPrivacyFeatureError("allowPublicInsts")
	assert.Equal(t, ReasonDisabledPrivacyFeature, err.Reason.Code)
	assert.Equal(t, "allowPublicInsts", err.Reason.PrivacyFeature)
	assert.Contains(t, err.Error(), "allowPublicInsts")
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(&RecordNotFoundError{}))
	assert.True(t, IsNotFound(&PermissionNotFoundError{}))
	assert.False(t, IsNotFound(errors.New("other")))
	assert.True(t, IsNotFound(pkgerrors.Wrap(&RecordNotFoundError{}, "ctx")))
}
