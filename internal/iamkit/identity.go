package iamkit

import (
	"slices"
	"strconv"
)

// Role is the coarse-grained access level of a user.
type Role string

const (
	// RoleRegular is assigned to every new user.
	RoleRegular Role = "regular"
	// RoleAdmin grants administrative routes.
	RoleAdmin Role = "admin"
)

// Permission is a fine-grained capability checked conjunctively by the pipeline.
type Permission string

const (
	PermissionCreateProduct Permission = "create_product"
	PermissionUpdateProduct Permission = "update_product"
	PermissionDeleteProduct Permission = "delete_product"
)

// ActiveUserData is the request-scoped identity produced by any successful authentication scheme.
type ActiveUserData struct {
	Subject        string       `json:"sub"`
	Email          string       `json:"email"`
	Role           Role         `json:"role"`
	Permissions    []Permission `json:"permissions,omitempty"`
	RefreshTokenID string       `json:"refreshTokenId,omitempty"`
}

// HasPermission reports whether the identity carries the permission.
func (identity ActiveUserData) HasPermission(permission Permission) bool {
	return slices.Contains(identity.Permissions, permission)
}

// UserID parses the subject back into a numeric user id.
func (identity ActiveUserData) UserID() (uint, error) {
	return parseSubject(identity.Subject)
}

func identityFromUser(user User) ActiveUserData {
	return ActiveUserData{
		Subject:     formatSubject(user.ID),
		Email:       user.Email,
		Role:        user.Role,
		Permissions: slices.Clone(user.Permissions),
	}
}

func formatSubject(userID uint) string {
	return strconv.FormatUint(uint64(userID), 10)
}

func parseSubject(subject string) (uint, error) {
	parsed, err := strconv.ParseUint(subject, 10, 0)
	if err != nil {
		return 0, ErrInvalidSubject
	}
	return uint(parsed), nil
}
