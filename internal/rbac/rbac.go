package rbac

import "strings"

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleEditor    Role = "editor"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
	ActionFlush Action = "flush"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionWrite
	case RoleCommenter, RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Normalize maps a directory role onto a known role. An empty role means the
// directory does not track roles, in which case every known user may edit.
func Normalize(role string) Role {
	normalized := Role(strings.ToLower(strings.TrimSpace(role)))
	switch normalized {
	case RoleViewer, RoleCommenter, RoleEditor, RoleAdmin:
		return normalized
	case "", "owner", "member":
		return RoleEditor
	default:
		return RoleViewer
	}
}
