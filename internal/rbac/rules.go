package rbac

const (
	PermComputationRun    = "computation:run"
	PermComputationCancel = "computation:cancel"
	PermComputationView   = "computation:view"
	PermCarryoverClear    = "carryover:clear"
	PermGPAView           = "gpa:view"
	PermNotificationRead  = "notification:read"
)

// RolePermissions is the default policy for operator tokens.
var RolePermissions = map[string][]string{
	"auditor": {
		"computation:view",
		"gpa:view",
	},
	"hod": {
		"computation:view",
		"gpa:view",
		"carryover:clear",
	},
	"registrar": {
		"computation:*",
		"gpa:view",
		"carryover:clear",
	},
	"admin": {
		"*",
	},
}
