package auth

import "github.com/hiveboard/hiveboard/internal/storage"

// roleRank orders roles strongest-first for AtLeast checks.
var roleRank = map[string]int{
	storage.RoleOwner:  4,
	storage.RoleAdmin:  3,
	storage.RoleMember: 2,
	storage.RoleViewer: 1,
}

// ValidRole reports whether r is a known role.
func ValidRole(r string) bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether role carries at least the privileges of min.
func AtLeast(role, min string) bool {
	return roleRank[role] >= roleRank[min]
}

// CanManageKeys reports whether a role may create or revoke API keys.
// Members may manage their own keys; owner and admin manage all.
func CanManageKeys(role string) bool {
	return AtLeast(role, storage.RoleMember)
}

// CanInvite reports whether a role may invite users or change membership.
func CanInvite(role string) bool {
	return AtLeast(role, storage.RoleAdmin)
}
