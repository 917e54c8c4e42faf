package iamkit

import (
	"context"
	"errors"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
)

const (
	// RegoPolicyType identifies policies evaluated by the embedded OPA engine.
	RegoPolicyType PolicyType = "Rego"

	regoDecisionQuery  = "data.iam.authz.decision"
	regoDeniedReason   = "Access denied by policy"
	regoModuleFilename = "iam_authz.rego"
)

// DefaultRegoModule ships the product_manager rule used by the product routes.
const DefaultRegoModule = `package iam.authz

default decision := {"allow": false, "reason": "Access denied by policy"}

decision := {"allow": true} if {
	input.policy.rule == "product_manager"
	input.user.role == "admin"
}

decision := {"allow": true} if {
	input.policy.rule == "product_manager"
	input.user.role != "admin"
	"update_product" in input.user.permissions
}
`

// RegoPolicy names a rule that the Rego module decides on.
type RegoPolicy struct {
	Rule       string
	Attributes map[string]string
}

// PolicyType implements Policy.
func (RegoPolicy) PolicyType() PolicyType {
	return RegoPolicyType
}

// RegoPolicyHandler evaluates RegoPolicy against a prepared data.iam.authz.decision query.
// The decision document is {"allow": bool, "reason": string}.
type RegoPolicyHandler struct {
	query rego.PreparedEvalQuery
}

// NewRegoPolicyHandler compiles moduleSource; an empty source selects DefaultRegoModule.
func NewRegoPolicyHandler(ctx context.Context, moduleSource string) (*RegoPolicyHandler, error) {
	if moduleSource == "" {
		moduleSource = DefaultRegoModule
	}
	prepared, err := rego.New(
		rego.Query(regoDecisionQuery),
		rego.Module(regoModuleFilename, moduleSource),
		rego.StrictBuiltinErrors(true),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy.rego.compile: %w", err)
	}
	return &RegoPolicyHandler{query: prepared}, nil
}

// Handle evaluates the policy; a negative decision is a *ForbiddenError.
func (handler *RegoPolicyHandler) Handle(ctx context.Context, policy Policy, identity ActiveUserData) error {
	regoPolicy, ok := policy.(RegoPolicy)
	if !ok {
		return fmt.Errorf("policy.rego: unexpected policy type %T", policy)
	}
	results, err := handler.query.Eval(ctx, rego.EvalInput(regoInput(regoPolicy, identity)))
	if err != nil {
		return fmt.Errorf("policy.rego.eval: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return errors.New("policy.rego.eval: empty decision")
	}
	decision, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return errors.New("policy.rego.eval: decision is not an object")
	}
	if allowed, _ := decision["allow"].(bool); allowed {
		return nil
	}
	reason, _ := decision["reason"].(string)
	if reason == "" {
		reason = regoDeniedReason
	}
	return &ForbiddenError{Reason: reason}
}

func regoInput(policy RegoPolicy, identity ActiveUserData) map[string]interface{} {
	permissions := make([]interface{}, 0, len(identity.Permissions))
	for _, permission := range identity.Permissions {
		permissions = append(permissions, string(permission))
	}
	attributes := make(map[string]interface{}, len(policy.Attributes))
	for key, value := range policy.Attributes {
		attributes[key] = value
	}
	return map[string]interface{}{
		"user": map[string]interface{}{
			"sub":         identity.Subject,
			"email":       identity.Email,
			"role":        string(identity.Role),
			"permissions": permissions,
		},
		"policy": map[string]interface{}{
			"rule":       policy.Rule,
			"attributes": attributes,
		},
	}
}
