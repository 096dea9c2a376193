package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "student read", role: RoleStudent, action: ActionRead, allow: true},
		{name: "student comment", role: RoleStudent, action: ActionComment, allow: true},
		{name: "student manage content", role: RoleStudent, action: ActionManageContent, allow: false},
		{name: "student manage users", role: RoleStudent, action: ActionManageUsers, allow: false},
		{name: "instructor manage content", role: RoleInstructor, action: ActionManageContent, allow: true},
		{name: "instructor manage users", role: RoleInstructor, action: ActionManageUsers, allow: false},
		{name: "admin manage users", role: RoleAdmin, action: ActionManageUsers, allow: true},
		{name: "unknown role", role: Role("guest"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]Role{
		"student":    RoleStudent,
		"instructor": RoleInstructor,
		"admin":      RoleAdmin,
		"":           RoleStudent,
		"root":       RoleStudent,
		"ADMIN":      RoleStudent,
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}
