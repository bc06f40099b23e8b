package rbac

// 权限常量
const (
	// 会调用供应商 API 或改动数据
	PermissionSyncRun    = "sync:run"
	PermissionJobsReplay = "jobs:replay"

	// 只读
	PermissionStatusRead = "status:read"
)

// 角色常量，由管理 token 的 role claim 携带
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// 角色权限映射
var rolePermissions = map[string][]string{
	RoleViewer: {
		PermissionStatusRead,
	},
	RoleOperator: {
		PermissionStatusRead,
		PermissionSyncRun,
	},
	RoleAdmin: {
		PermissionStatusRead,
		PermissionSyncRun,
		PermissionJobsReplay,
	},
}

// IsKnownRole 未知角色没有任何权限
func IsKnownRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// HasPermission 检查角色是否有指定权限
func HasPermission(role, permission string) bool {
	for _, p := range rolePermissions[role] {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission 检查角色是否有指定权限（返回错误而不是布尔值，便于处理）
func CheckPermission(role, permission string) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{
			Role:       role,
			Permission: permission,
		}
	}
	return nil
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	Role       string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return "role " + e.Role + " lacks permission " + e.Permission
}
