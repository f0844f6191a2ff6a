package auth

// Roles carried in access tokens. Every API endpoint requires exactly one of
// these; RoleAdmin satisfies any requirement.
const (
	RoleRead      = "backup:read"
	RoleCreate    = "backup:create"
	RoleRun       = "backup:run"
	RoleConfigure = "backup:configure"
	RoleRestore   = "backup:restore"
	RoleDelete    = "backup:delete"
	RoleAdmin     = "backup:admin"
)

// HasRole reports whether the claims grant the required role, either
// directly or through the admin role.
func (c *Claims) HasRole(required string) bool {
	for _, r := range c.Roles {
		if r == required || r == RoleAdmin {
			return true
		}
	}
	return false
}
