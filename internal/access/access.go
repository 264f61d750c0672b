// Package access maps project roles to the actions the engine gates on.
package access

type Role string
type Action string

const (
	RoleViewer  Role = "viewer"
	RoleAnalyst Role = "analyst"
	RoleLead    Role = "lead"
	RoleAdmin   Role = "admin"
)

const (
	ActionRead   Action = "read"   // list entries, view sessions, join presence
	ActionEdit   Action = "edit"   // entry mutations, risk assessments
	ActionManage Action = "manage" // session transitions
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleLead:
		return action == ActionRead || action == ActionEdit || action == ActionManage
	case RoleAnalyst:
		return action == ActionRead || action == ActionEdit
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleAnalyst, RoleLead, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
