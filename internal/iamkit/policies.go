package iamkit

import (
	"context"
	"strings"
	"sync"
)

// PolicyType names a policy and selects its handler.
type PolicyType string

// Policy is a named authorization predicate declared on a route.
type Policy interface {
	PolicyType() PolicyType
}

// PolicyHandler evaluates a policy against the authenticated identity.
// A denial should be returned as *ForbiddenError.
type PolicyHandler interface {
	Handle(ctx context.Context, policy Policy, identity ActiveUserData) error
}

// PolicyHandlerFunc adapts a function to PolicyHandler.
type PolicyHandlerFunc func(ctx context.Context, policy Policy, identity ActiveUserData) error

// Handle calls the function.
func (handler PolicyHandlerFunc) Handle(ctx context.Context, policy Policy, identity ActiveUserData) error {
	return handler(ctx, policy, identity)
}

// PolicyHandlerRegistry maps policy types to handlers.
type PolicyHandlerRegistry struct {
	mutex    sync.RWMutex
	handlers map[PolicyType]PolicyHandler
}

// NewPolicyHandlerRegistry creates an empty registry.
func NewPolicyHandlerRegistry() *PolicyHandlerRegistry {
	return &PolicyHandlerRegistry{handlers: make(map[PolicyType]PolicyHandler)}
}

// Add registers handler for policyType, replacing any previous registration.
func (registry *PolicyHandlerRegistry) Add(policyType PolicyType, handler PolicyHandler) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	registry.handlers[policyType] = handler
}

// Get returns the handler for policyType or *MissingPolicyHandlerError.
func (registry *PolicyHandlerRegistry) Get(policyType PolicyType) (PolicyHandler, error) {
	registry.mutex.RLock()
	defer registry.mutex.RUnlock()
	handler, ok := registry.handlers[policyType]
	if !ok {
		return nil, &MissingPolicyHandlerError{PolicyType: policyType}
	}
	return handler, nil
}

const (
	// FrameworkContributorPolicyType identifies the contributor policy.
	FrameworkContributorPolicyType PolicyType = "FrameworkContributor"

	frameworkContributorDomain = "@mail.com"
	notContributorReason       = "User is not a contributor"
)

// FrameworkContributorPolicy admits identities whose email belongs to the contributor domain.
type FrameworkContributorPolicy struct{}

// PolicyType implements Policy.
func (FrameworkContributorPolicy) PolicyType() PolicyType {
	return FrameworkContributorPolicyType
}

// FrameworkContributorPolicyHandler evaluates FrameworkContributorPolicy.
type FrameworkContributorPolicyHandler struct{}

// Handle denies identities outside the contributor domain.
func (FrameworkContributorPolicyHandler) Handle(ctx context.Context, policy Policy, identity ActiveUserData) error {
	if !strings.HasSuffix(identity.Email, frameworkContributorDomain) {
		return &ForbiddenError{Reason: notContributorReason}
	}
	return nil
}
