package model

// Permission represents a string code for a specific system action.
type Permission string

const (
	// PermissionExamsRead allows viewing exam definitions and results.
	PermissionExamsRead Permission = "exams:read"

	// PermissionExamsWrite allows creating, editing, cancelling and deleting exam definitions.
	PermissionExamsWrite Permission = "exams:write"

	// PermissionTimersRead allows reading the in-memory schedule registry.
	PermissionTimersRead Permission = "timers:read"

	// PermissionStudentsResetSession allows freeing a student's single-device lock.
	PermissionStudentsResetSession Permission = "students:reset_session"
)

// Role is an admin account's role.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleProctor Role = "proctor"
)

var rolePermissions = map[Role][]Permission{
	RoleAdmin:   {PermissionExamsRead, PermissionExamsWrite, PermissionTimersRead, PermissionStudentsResetSession},
	RoleProctor: {PermissionExamsRead, PermissionStudentsResetSession},
}

// Permissions returns the permission codes granted to the role.
func (r Role) Permissions() []string {
	perms := rolePermissions[r]
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}
