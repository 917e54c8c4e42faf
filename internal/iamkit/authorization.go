package iamkit

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"
)

// AuthorizationPipeline checks roles, then permissions, then policies.
type AuthorizationPipeline struct {
	policies *PolicyHandlerRegistry
}

// NewAuthorizationPipeline constructs a pipeline resolving policies through registry.
func NewAuthorizationPipeline(registry *PolicyHandlerRegistry) *AuthorizationPipeline {
	if registry == nil {
		registry = NewPolicyHandlerRegistry()
	}
	return &AuthorizationPipeline{policies: registry}
}

// Authorize returns nil when identity satisfies every requirement in configuration.
// Denials match ErrForbidden. Any policy handler error becomes a *ForbiddenError
// carrying the message of the first policy to fail; a missing handler is not a denial.
func (pipeline *AuthorizationPipeline) Authorize(ctx context.Context, identity ActiveUserData, configuration RouteConfig) error {
	if err := checkRoles(identity, configuration.Roles); err != nil {
		return err
	}
	if err := checkPermissions(identity, configuration.Permissions); err != nil {
		return err
	}
	return pipeline.checkPolicies(ctx, identity, configuration.Policies)
}

func checkRoles(identity ActiveUserData, roles []Role) error {
	if len(roles) == 0 || slices.Contains(roles, identity.Role) {
		return nil
	}
	return fmt.Errorf("iam.authorize.roles: %w", ErrForbidden)
}

func checkPermissions(identity ActiveUserData, permissions []Permission) error {
	for _, permission := range permissions {
		if !identity.HasPermission(permission) {
			return fmt.Errorf("iam.authorize.permissions: %w", ErrForbidden)
		}
	}
	return nil
}

func (pipeline *AuthorizationPipeline) checkPolicies(ctx context.Context, identity ActiveUserData, policies []Policy) error {
	if len(policies) == 0 {
		return nil
	}
	handlers := make([]PolicyHandler, len(policies))
	for index, policy := range policies {
		handler, err := pipeline.policies.Get(policy.PolicyType())
		if err != nil {
			return err
		}
		handlers[index] = handler
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for index, policy := range policies {
		handler := handlers[index]
		group.Go(func() error {
			err := handler.Handle(groupCtx, policy, identity)
			if err == nil {
				return nil
			}
			var forbidden *ForbiddenError
			if errors.As(err, &forbidden) {
				return forbidden
			}
			return &ForbiddenError{Reason: err.Error()}
		})
	}
	return group.Wait()
}
