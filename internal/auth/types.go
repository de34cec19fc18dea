package auth

import (
	"errors"
	"slices"
)

// Role is an authorisation tier carried in a token.
type Role string

const (
	// RoleViewer may read every maintenance resource.
	RoleViewer Role = "viewer"

	// RoleOperator may also run maintenance actions.
	RoleOperator Role = "operator"

	// RoleAdmin may also change entry configuration.
	RoleAdmin Role = "admin"
)

// ValidRoles lists the roles a token may carry.
var ValidRoles = []Role{RoleViewer, RoleOperator, RoleAdmin}

// IsValidRole reports whether r is a known role.
func IsValidRole(r Role) bool {
	return slices.Contains(ValidRoles, r)
}

// Domain errors.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrInvalidRole  = errors.New("invalid role")
	ErrNoSecret     = errors.New("jwt secret is not configured")
	ErrForbidden    = errors.New("insufficient permissions")
)
