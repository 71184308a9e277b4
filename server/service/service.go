// Package service implements the write-side operations over the policy
// store: granting and revoking permissions and roles, and the listing APIs.
// Every operation authorizes the caller through the decision engine before
// touching the store, and every entry point normalizes unexpected faults to
// server_error.
package service

import (
	"context"
	"fmt"

	"github.com/WatchBeam/clock"
	kitlog "github.com/go-kit/log"

	"github.com/casual-simulation/casualos-sub006/server/authz"
	"github.com/casual-simulation/casualos-sub006/server/records"
)

// Service exposes the permission and role management operations.
type Service struct {
	ds records.Datastore
	// lister is nil when the configured store does not implement the
	// optional listing capability; affected operations return not_supported.
	lister records.AssignmentLister

	builder    *authz.Builder
	authorizer *authz.Authorizer
	logger     kitlog.Logger
	clock      clock.Clock
}

// NewService creates a service over the given store. The listing capability
// is feature-detected once here.
func NewService(ds records.Datastore, logger kitlog.Logger, c clock.Clock) *Service {
	lister, _ := ds.(records.AssignmentLister)
	return &Service{
		ds:         ds,
		lister:     lister,
		builder:    authz.NewBuilder(ds),
		authorizer: authz.NewAuthorizer(ds, c),
		logger:     logger,
		clock:      c,
	}
}

// normalize converts unexpected faults (including panics) into ServerError
// at the public boundary. Domain errors pass through with their codes.
func normalize(errp *error) {
	if r := recover(); r != nil {
		*errp = records.NewServerError(fmt.Errorf("panic: %v", r))
		return
	}
	*errp = records.NewServerError(*errp)
}

// Authorizer returns the engine the service decides with, for callers that
// issue read-side checks against the same store.
func (svc *Service) Authorizer() *authz.Authorizer {
	return svc.authorizer
}

// BuildContext builds an authorization context, normalizing failures like
// every other entry point.
func (svc *Service) BuildContext(ctx context.Context, req authz.BuildContextRequest) (azc *authz.Context, err error) {
	defer normalize(&err)
	return svc.builder.BuildContext(ctx, req)
}
