package iamkit

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type unregisteredPolicy struct{}

func (unregisteredPolicy) PolicyType() PolicyType { return "Unregistered" }

func newTestPipeline(t *testing.T) *AuthorizationPipeline {
	t.Helper()
	registry := NewPolicyHandlerRegistry()
	registry.Add(FrameworkContributorPolicyType, FrameworkContributorPolicyHandler{})
	regoHandler, err := NewRegoPolicyHandler(context.Background(), "")
	if err != nil {
		t.Fatalf("failed to compile default rego module: %v", err)
	}
	registry.Add(RegoPolicyType, regoHandler)
	return NewAuthorizationPipeline(registry)
}

func TestAuthorizeDefaultOpen(t *testing.T) {
	pipeline := newTestPipeline(t)
	identity := ActiveUserData{Subject: "1", Email: "a@x.com", Role: RoleRegular}
	if err := pipeline.Authorize(context.Background(), identity, RouteConfig{}); err != nil {
		t.Fatalf("expected open route to pass, got %v", err)
	}
	empty := RouteConfig{Roles: []Role{}, Permissions: []Permission{}, Policies: []Policy{}}
	if err := pipeline.Authorize(context.Background(), identity, empty); err != nil {
		t.Fatalf("expected empty declarations to pass, got %v", err)
	}
}

func TestAuthorizeRoles(t *testing.T) {
	pipeline := newTestPipeline(t)
	adminOnly := NewRouteConfig(Roles(RoleAdmin))

	regular := ActiveUserData{Subject: "1", Role: RoleRegular}
	err := pipeline.Authorize(context.Background(), regular, adminOnly)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden for regular user, got %v", err)
	}
	var forbidden *ForbiddenError
	if errors.As(err, &forbidden) {
		t.Fatalf("role denials carry no reason")
	}

	admin := ActiveUserData{Subject: "2", Role: RoleAdmin}
	if err := pipeline.Authorize(context.Background(), admin, adminOnly); err != nil {
		t.Fatalf("expected admin to pass, got %v", err)
	}
	either := NewRouteConfig(Roles(RoleAdmin, RoleRegular))
	if err := pipeline.Authorize(context.Background(), regular, either); err != nil {
		t.Fatalf("roles are a disjunction, got %v", err)
	}
}

func TestAuthorizePermissionsAreConjunctive(t *testing.T) {
	pipeline := newTestPipeline(t)
	identity := ActiveUserData{Subject: "1", Role: RoleRegular, Permissions: []Permission{PermissionCreateProduct}}

	both := NewRouteConfig(Permissions(PermissionCreateProduct, PermissionUpdateProduct))
	if err := pipeline.Authorize(context.Background(), identity, both); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden when one permission missing, got %v", err)
	}
	single := NewRouteConfig(Permissions(PermissionCreateProduct))
	if err := pipeline.Authorize(context.Background(), identity, single); err != nil {
		t.Fatalf("expected single permission to pass, got %v", err)
	}
}

func TestAuthorizeFrameworkContributorPolicy(t *testing.T) {
	pipeline := newTestPipeline(t)
	route := NewRouteConfig(Policies(FrameworkContributorPolicy{}))

	contributor := ActiveUserData{Subject: "1", Email: "dev@mail.com"}
	if err := pipeline.Authorize(context.Background(), contributor, route); err != nil {
		t.Fatalf("expected contributor to pass, got %v", err)
	}

	outsider := ActiveUserData{Subject: "2", Email: "dev@example.com"}
	err := pipeline.Authorize(context.Background(), outsider, route)
	var forbidden *ForbiddenError
	if !errors.As(err, &forbidden) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	if forbidden.Reason != "User is not a contributor" {
		t.Fatalf("unexpected reason %q", forbidden.Reason)
	}
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("ForbiddenError should match ErrForbidden")
	}
}

func TestAuthorizeMissingPolicyHandler(t *testing.T) {
	pipeline := newTestPipeline(t)
	route := NewRouteConfig(Policies(unregisteredPolicy{}))

	err := pipeline.Authorize(context.Background(), ActiveUserData{Subject: "1"}, route)
	var missing *MissingPolicyHandlerError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingPolicyHandlerError, got %v", err)
	}
	if err.Error() != `"Unregistered" does not have the associated handler` {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestAuthorizeStopsBeforePolicies(t *testing.T) {
	registry := NewPolicyHandlerRegistry()
	var calls atomic.Int32
	registry.Add(FrameworkContributorPolicyType, PolicyHandlerFunc(func(ctx context.Context, policy Policy, identity ActiveUserData) error {
		calls.Add(1)
		return nil
	}))
	pipeline := NewAuthorizationPipeline(registry)
	route := NewRouteConfig(Roles(RoleAdmin), Policies(FrameworkContributorPolicy{}))

	if err := pipeline.Authorize(context.Background(), ActiveUserData{Subject: "1", Role: RoleRegular}, route); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected role denial, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("policies must not run after a role denial")
	}
}

func TestAuthorizeTurnsHandlerErrorsIntoDenials(t *testing.T) {
	registry := NewPolicyHandlerRegistry()
	registry.Add(FrameworkContributorPolicyType, PolicyHandlerFunc(func(ctx context.Context, policy Policy, identity ActiveUserData) error {
		return errors.New("User is not a partner")
	}))
	pipeline := NewAuthorizationPipeline(registry)

	err := pipeline.Authorize(context.Background(), ActiveUserData{Subject: "1"}, NewRouteConfig(Policies(FrameworkContributorPolicy{})))
	var forbidden *ForbiddenError
	if !errors.As(err, &forbidden) || forbidden.Reason != "User is not a partner" {
		t.Fatalf("expected denial carrying the handler message, got %v", err)
	}
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("handler errors must match ErrForbidden")
	}
}

type namedPolicy struct {
	kind PolicyType
}

func (policy namedPolicy) PolicyType() PolicyType { return policy.kind }

func TestAuthorizeRunsPoliciesConcurrently(t *testing.T) {
	waitFor := func(ctx context.Context, gate <-chan struct{}) error {
		select {
		case <-gate:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return errors.New("policies did not run concurrently")
		}
	}

	testCases := []struct {
		name           string
		handlers       func() (PolicyHandler, PolicyHandler)
		expectedReason string
	}{
		{
			name: "both pass",
			handlers: func() (PolicyHandler, PolicyHandler) {
				firstStarted := make(chan struct{})
				secondStarted := make(chan struct{})
				first := PolicyHandlerFunc(func(ctx context.Context, policy Policy, identity ActiveUserData) error {
					close(firstStarted)
					return waitFor(ctx, secondStarted)
				})
				second := PolicyHandlerFunc(func(ctx context.Context, policy Policy, identity ActiveUserData) error {
					close(secondStarted)
					return waitFor(ctx, firstStarted)
				})
				return first, second
			},
		},
		{
			name: "one pass one deny",
			handlers: func() (PolicyHandler, PolicyHandler) {
				pass := PolicyHandlerFunc(func(ctx context.Context, policy Policy, identity ActiveUserData) error {
					return nil
				})
				deny := PolicyHandlerFunc(func(ctx context.Context, policy Policy, identity ActiveUserData) error {
					return &ForbiddenError{Reason: "User is not a partner"}
				})
				return pass, deny
			},
			expectedReason: "User is not a partner",
		},
		{
			name: "earliest denial wins",
			handlers: func() (PolicyHandler, PolicyHandler) {
				late := PolicyHandlerFunc(func(ctx context.Context, policy Policy, identity ActiveUserData) error {
					<-ctx.Done()
					return errors.New("late denial")
				})
				early := PolicyHandlerFunc(func(ctx context.Context, policy Policy, identity ActiveUserData) error {
					return errors.New("early denial")
				})
				return late, early
			},
			expectedReason: "early denial",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			first, second := testCase.handlers()
			registry := NewPolicyHandlerRegistry()
			registry.Add("First", first)
			registry.Add("Second", second)
			pipeline := NewAuthorizationPipeline(registry)
			route := NewRouteConfig(Policies(namedPolicy{kind: "First"}, namedPolicy{kind: "Second"}))

			err := pipeline.Authorize(context.Background(), ActiveUserData{Subject: "1"}, route)
			if testCase.expectedReason == "" {
				if err != nil {
					t.Fatalf("expected both policies to pass, got %v", err)
				}
				return
			}
			var forbidden *ForbiddenError
			if !errors.As(err, &forbidden) || forbidden.Reason != testCase.expectedReason {
				t.Fatalf("expected reason %q, got %v", testCase.expectedReason, err)
			}
		})
	}
}

func TestPolicyRegistryOverwrites(t *testing.T) {
	registry := NewPolicyHandlerRegistry()
	registry.Add(FrameworkContributorPolicyType, FrameworkContributorPolicyHandler{})
	registry.Add(FrameworkContributorPolicyType, PolicyHandlerFunc(func(ctx context.Context, policy Policy, identity ActiveUserData) error {
		return nil
	}))
	handler, err := registry.Get(FrameworkContributorPolicyType)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if err := handler.Handle(context.Background(), FrameworkContributorPolicy{}, ActiveUserData{Email: "x@example.com"}); err != nil {
		t.Fatalf("expected the later registration to win, got %v", err)
	}
}

func TestRegoPolicyDecisions(t *testing.T) {
	pipeline := newTestPipeline(t)
	route := NewRouteConfig(Policies(RegoPolicy{Rule: "product_manager"}))

	cases := []struct {
		name     string
		identity ActiveUserData
		allowed  bool
	}{
		{name: "admin", identity: ActiveUserData{Subject: "1", Role: RoleAdmin}, allowed: true},
		{name: "permission holder", identity: ActiveUserData{Subject: "2", Role: RoleRegular, Permissions: []Permission{PermissionUpdateProduct}}, allowed: true},
		{name: "regular", identity: ActiveUserData{Subject: "3", Role: RoleRegular}, allowed: false},
	}
	for _, testCase := range cases {
		err := pipeline.Authorize(context.Background(), testCase.identity, route)
		if testCase.allowed && err != nil {
			t.Fatalf("%s: expected allow, got %v", testCase.name, err)
		}
		if !testCase.allowed {
			var forbidden *ForbiddenError
			if !errors.As(err, &forbidden) || forbidden.Reason != "Access denied by policy" {
				t.Fatalf("%s: expected policy denial, got %v", testCase.name, err)
			}
		}
	}
}

func TestRegoPolicyHandlerRejectsInvalidModule(t *testing.T) {
	if _, err := NewRegoPolicyHandler(context.Background(), "package iam.authz\n\ndecision := {"); err == nil {
		t.Fatalf("expected compile error")
	}
}

func TestRouteConfigMerge(t *testing.T) {
	group := NewRouteConfig(Auth(AuthTypeApiKey, AuthTypeBearer), Roles(RoleAdmin))
	route := NewRouteConfig(Roles())

	merged := group.Merge(route)
	if len(merged.AuthTypes) != 2 || merged.AuthTypes[0] != AuthTypeApiKey {
		t.Fatalf("expected group auth types to be inherited, got %v", merged.AuthTypes)
	}
	if merged.Roles == nil || len(merged.Roles) != 0 {
		t.Fatalf("expected route to declare no roles, got %v", merged.Roles)
	}
	sessionOnly := group.Merge(NewRouteConfig(Auth(AuthTypeSession)))
	if got := sessionOnly.EffectiveAuthTypes(); len(got) != 1 || got[0] != AuthTypeSession {
		t.Fatalf("expected route auth types to override the group, got %v", got)
	}
	if len(sessionOnly.Roles) != 1 || sessionOnly.Roles[0] != RoleAdmin {
		t.Fatalf("expected group roles to be inherited, got %v", sessionOnly.Roles)
	}
	if got := (RouteConfig{}).EffectiveAuthTypes(); len(got) != 1 || got[0] != AuthTypeBearer {
		t.Fatalf("expected default bearer, got %v", got)
	}
}
