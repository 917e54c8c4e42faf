package iamkit

import "slices"

// RouteConfig declares the authentication schemes and authorization requirements of a route or group.
// A nil field inherits from the enclosing group; an empty non-nil field declares "none".
type RouteConfig struct {
	AuthTypes   []AuthType
	Roles       []Role
	Permissions []Permission
	Policies    []Policy
}

// RouteOption sets one field of a RouteConfig.
type RouteOption func(*RouteConfig)

// NewRouteConfig builds a RouteConfig from options.
func NewRouteConfig(options ...RouteOption) RouteConfig {
	var configuration RouteConfig
	for _, option := range options {
		option(&configuration)
	}
	return configuration
}

// Auth declares the schemes tried in order.
func Auth(authTypes ...AuthType) RouteOption {
	return func(configuration *RouteConfig) {
		configuration.AuthTypes = append([]AuthType{}, authTypes...)
	}
}

// Roles declares roles of which the identity must hold one.
func Roles(roles ...Role) RouteOption {
	return func(configuration *RouteConfig) {
		configuration.Roles = append([]Role{}, roles...)
	}
}

// Permissions declares permissions the identity must hold all of.
func Permissions(permissions ...Permission) RouteOption {
	return func(configuration *RouteConfig) {
		configuration.Permissions = append([]Permission{}, permissions...)
	}
}

// Policies declares policies that must all pass.
func Policies(policies ...Policy) RouteOption {
	return func(configuration *RouteConfig) {
		configuration.Policies = append([]Policy{}, policies...)
	}
}

// Merge overlays route onto the group configuration field by field.
func (group RouteConfig) Merge(route RouteConfig) RouteConfig {
	merged := RouteConfig{
		AuthTypes:   slices.Clone(group.AuthTypes),
		Roles:       slices.Clone(group.Roles),
		Permissions: slices.Clone(group.Permissions),
		Policies:    slices.Clone(group.Policies),
	}
	if route.AuthTypes != nil {
		merged.AuthTypes = slices.Clone(route.AuthTypes)
	}
	if route.Roles != nil {
		merged.Roles = slices.Clone(route.Roles)
	}
	if route.Permissions != nil {
		merged.Permissions = slices.Clone(route.Permissions)
	}
	if route.Policies != nil {
		merged.Policies = slices.Clone(route.Policies)
	}
	return merged
}

// EffectiveAuthTypes returns the declared schemes or [Bearer] when none are declared.
func (configuration RouteConfig) EffectiveAuthTypes() []AuthType {
	if len(configuration.AuthTypes) == 0 {
		return []AuthType{AuthTypeBearer}
	}
	return configuration.AuthTypes
}
