package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	// RoleSurface is the native call UI; it may answer, end and place calls.
	RoleSurface  = "surface"
	RoleAgent    = "agent"
	RoleObserver = "observer"
	RoleSupport  = "support" // hidden role
)

// Roles lists the roles a device session may be issued.
var Roles = []string{RoleSurface, RoleAgent, RoleObserver, RoleSupport}

func IsKnownRole(role string) bool {
	for _, r := range Roles {
		if r == role {
			return true
		}
	}
	return false
}
