package records

import (
	"errors"
	"fmt"
)

// Error codes returned across the public boundary. Every failure from a
// public entry point is one of these; unexpected faults are normalized to
// CodeServerError at the boundary, never left to propagate.
const (
	CodeNotLoggedIn        = "not_logged_in"
	CodeNotAuthorized      = "not_authorized"
	CodeRecordNotFound     = "record_not_found"
	CodeInvalidRecordKey   = "invalid_record_key"
	CodePermissionNotFound = "permission_not_found"
	CodeNotSupported       = "not_supported"
	CodeServerError        = "server_error"
)

// Denial reasons carried by NotAuthorizedError.
const (
	ReasonMissingPermission      = "missing_permission"
	ReasonTooManyMarkers         = "too_many_markers"
	ReasonDisabledPrivacyFeature = "disabled_privacy_feature"
)

// ErrorCoder is implemented by every domain error so callers can match on
// wire-stable codes without unwrapping concrete types.
type ErrorCoder interface {
	error
	ErrorCode() string
}

// ErrorCode returns the wire-stable code for err, or server_error when err
// is not a domain error.
func ErrorCode(err error) string {
	var ec ErrorCoder
	if errors.As(err, &ec) {
		return ec.ErrorCode()
	}
	return CodeServerError
}

// NotLoggedInError indicates the operation requires a logged-in user and the
// subject id was absent.
type NotLoggedInError struct{}

func (e *NotLoggedInError) Error() string     { return "The user must be logged in in order to perform this action." }
func (e *NotLoggedInError) ErrorCode() string { return CodeNotLoggedIn }

// DenialReason is the structured reason attached to a NotAuthorizedError.
// Code is one of the Reason constants; the remaining fields are populated
// per code for caller-side diagnostics.
type DenialReason struct {
	Code string

	// missing_permission fields.
	RecordName   string
	SubjectType  SubjectType
	SubjectID    string
	ResourceKind ResourceKind
	Action       ActionKind
	ResourceID   string

	// disabled_privacy_feature field, naming the flag that blocked the
	// request ("allowPublicData", "allowPublicInsts", "publishData").
	PrivacyFeature string
}

// NotAuthorizedError indicates no rule in the precedence chain allowed the
// request.
type NotAuthorizedError struct {
	Reason DenialReason
}

func (e *NotAuthorizedError) Error() string {
	switch e.Reason.Code {
	case ReasonTooManyMarkers:
		return "Actions that list resources can only be scoped to a single marker."
	case ReasonDisabledPrivacyFeature:
		return fmt.Sprintf("The %s privacy feature is disabled.", e.Reason.PrivacyFeature)
	default:
		return "You are not authorized to perform this action."
	}
}
func (e *NotAuthorizedError) ErrorCode() string { return CodeNotAuthorized }

// NewMissingPermissionError builds the default denial, carrying the request
// tuple for diagnostics.
func NewMissingPermissionError(recordName string, subjectType SubjectType, subjectID string, resourceKind ResourceKind, action ActionKind, resourceID string) *NotAuthorizedError {
	return &NotAuthorizedError{Reason: DenialReason{
		Code:         ReasonMissingPermission,
		RecordName:   recordName,
		SubjectType:  subjectType,
		SubjectID:    subjectID,
		ResourceKind: resourceKind,
		Action:       action,
		ResourceID:   resourceID,
	}}
}

// NewTooManyMarkersError denies a marker-scoped action that targeted more
// than one marker.
func NewTooManyMarkersError() *NotAuthorizedError {
	return &NotAuthorizedError{Reason: DenialReason{Code: ReasonTooManyMarkers}}
}

// NewDisabledPrivacyFeatureError denies a request blocked by the named
// privacy flag.
func NewDisabledPrivacyFeatureError(feature string) *NotAuthorizedError {
	return &NotAuthorizedError{Reason: DenialReason{
		Code:           ReasonDisabledPrivacyFeature,
		PrivacyFeature: feature,
	}}
}

// RecordNotFoundError indicates the record does not exist.
type RecordNotFoundError struct {
	RecordName string
}

func (e *RecordNotFoundError) Error() string {
	return fmt.Sprintf("record %q was not found", e.RecordName)
}
func (e *RecordNotFoundError) ErrorCode() string { return CodeRecordNotFound }
func (e *RecordNotFoundError) IsNotFound() bool  { return true }

// InvalidRecordKeyError indicates a presented record key failed validation.
type InvalidRecordKeyError struct{}

func (e *InvalidRecordKeyError) Error() string     { return "the record key is invalid" }
func (e *InvalidRecordKeyError) ErrorCode() string { return CodeInvalidRecordKey }

// PermissionNotFoundError indicates a revoke targeted a nonexistent
// assignment id.
type PermissionNotFoundError struct {
	ID string
}

func (e *PermissionNotFoundError) Error() string {
	return fmt.Sprintf("permission assignment %q was not found", e.ID)
}
func (e *PermissionNotFoundError) ErrorCode() string { return CodePermissionNotFound }
func (e *PermissionNotFoundError) IsNotFound() bool  { return true }

// NotSupportedError indicates the configured store does not implement an
// optional capability.
type NotSupportedError struct {
	Capability string
}

func (e *NotSupportedError) Error() string {
	return fmt.Sprintf("this operation is not supported: the store does not implement %s", e.Capability)
}
func (e *NotSupportedError) ErrorCode() string { return CodeNotSupported }

// ServerError wraps an unexpected store or codec fault. Public entry points
// catch such faults once and normalize them to this type; nothing else
// crosses the boundary.
type ServerError struct {
	cause error
}

// NewServerError normalizes err into a ServerError. Domain errors pass
// through unchanged so their codes survive the boundary.
func NewServerError(err error) error {
	if err == nil {
		return nil
	}
	var ec ErrorCoder
	if errors.As(err, &ec) {
		return err
	}
	return &ServerError{cause: err}
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("a server error occurred: %v", e.cause)
}
func (e *ServerError) ErrorCode() string { return CodeServerError }
func (e *ServerError) Unwrap() error     { return e.cause }

// IsNotFound reports whether err is a not-found style error, matching the
// datastore convention of behavior-tagged errors.
func IsNotFound(err error) bool {
	var nf interface {
		error
		IsNotFound() bool
	}
	return errors.As(err, &nf) && nf.IsNotFound()
}
