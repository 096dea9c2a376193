package rbac

type Role string
type Action string

const (
	RoleStudent    Role = "student"
	RoleInstructor Role = "instructor"
	RoleAdmin      Role = "admin"
)

const (
	ActionRead          Action = "read"
	ActionComment       Action = "comment"
	ActionManageContent Action = "manage_content"
	ActionManageUsers   Action = "manage_users"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleInstructor:
		return action == ActionRead || action == ActionComment || action == ActionManageContent
	case RoleStudent:
		return action == ActionRead || action == ActionComment
	default:
		return false
	}
}

// Normalize maps unknown or empty roles to the least privileged one.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleStudent, RoleInstructor, RoleAdmin:
		return Role(role)
	default:
		return RoleStudent
	}
}
