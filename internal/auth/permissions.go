package auth

import "slices"

// Permission represents a named capability in the maintenance API.
type Permission string

// Permission constants.
const (
	PermHubRead     Permission = "hub:read"
	PermHubReload   Permission = "hub:reload"
	PermPointManage Permission = "point:manage"
	PermEntryManage Permission = "entry:manage"
	PermMetricsRead Permission = "metrics:read"
	PermAuditRead   Permission = "audit:read"
)

// rolePermissions maps each role to its granted permissions.
var rolePermissions = map[Role][]Permission{
	RoleViewer: {
		PermHubRead,
		PermMetricsRead,
	},
	RoleOperator: {
		PermHubRead,
		PermMetricsRead,
		PermHubReload,
		PermPointManage,
		PermAuditRead,
	},
	RoleAdmin: {
		PermHubRead,
		PermMetricsRead,
		PermHubReload,
		PermPointManage,
		PermEntryManage,
		PermAuditRead,
	},
}

// HasPermission returns true if the given role has the specified permission.
func HasPermission(role Role, perm Permission) bool {
	return slices.Contains(rolePermissions[role], perm)
}

// PermissionsForRole returns all permissions granted to a role.
// Returns nil for unknown roles.
func PermissionsForRole(role Role) []Permission {
	return slices.Clone(rolePermissions[role])
}
