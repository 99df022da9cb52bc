// Package rbac provides role-based access control checks.
package rbac

import "github.com/NicolasHaas/parley/pkg/model"

// permissionMatrix maps roles to their allowed permissions.
var permissionMatrix = map[model.Role]map[model.Permission]bool{
	model.RoleAdmin: {
		model.PermKickUser:      true,
		model.PermMuteUser:      true,
		model.PermPromoteUser:   true,
		model.PermDemoteUser:    true,
		model.PermDeleteMessage: true,
		model.PermViewPrivate:   true,
	},
	model.RoleUser: {
		// No moderation permissions: public and private chat only
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role model.Role, perm model.Permission) bool {
	perms, ok := permissionMatrix[role]
	if !ok {
		return false
	}
	return perms[perm]
}

// RequirePermission returns an error message if the role lacks the permission, or empty string if allowed.
func RequirePermission(role model.Role, perm model.Permission) string {
	if HasPermission(role, perm) {
		return ""
	}
	return "Not an admin: " + PermName(perm) + " requires admin role."
}

// PermName returns the snake_case name of a permission, used in logs and audit records.
func PermName(p model.Permission) string {
	switch p {
	case model.PermKickUser:
		return "kick_user"
	case model.PermMuteUser:
		return "mute_user"
	case model.PermPromoteUser:
		return "promote_user"
	case model.PermDemoteUser:
		return "demote_user"
	case model.PermDeleteMessage:
		return "delete_message"
	case model.PermViewPrivate:
		return "view_private"
	default:
		return "unknown"
	}
}
