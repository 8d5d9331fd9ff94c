// Package auth verifies bearer tokens issued by the plant identity service
// and maps their role claim to pendant permissions.
package auth

type Permission string

const (
	PermOperator   Permission = "operator"   // run recipes, read status
	PermTechnician Permission = "technician" // teach positions, reset e-stop
	PermAdmin      Permission = "admin"      // interlock configuration
)

func RolePermissions(role string) []Permission {
	switch role {
	case "admin":
		return []Permission{PermOperator, PermTechnician, PermAdmin}
	case "technician":
		return []Permission{PermOperator, PermTechnician}
	case "operator":
		return []Permission{PermOperator}
	default:
		return nil
	}
}

func hasPermission(perms []Permission, required Permission) bool {
	for _, p := range perms {
		if p == required {
			return true
		}
	}
	return false
}
