package auth

import "slices"

// Role is a named set of permissions carried in a principal's claims.
type Role string

const (
	// RolePlatformAdmin operates the platform: tenants and licenses.
	RolePlatformAdmin Role = "platform_admin"
	// RoleComplianceOfficer may verify audit chains.
	RoleComplianceOfficer Role = "compliance_officer"
	// RoleTenantAdmin administers one tenant.
	RoleTenantAdmin Role = "tenant_admin"
	// RoleMember is an ordinary tenant user.
	RoleMember Role = "member"
)

// Permission defines an action that can be performed.
type Permission string

const (
	PermAccessCheck     Permission = "access:check"
	PermGrantRead       Permission = "grant:read"
	PermLicenseActivate Permission = "license:activate"
	PermUsageRecord     Permission = "usage:record"
	PermLicenseManage   Permission = "license:manage"
	PermTenantManage    Permission = "tenant:manage"
	PermAuditRead       Permission = "audit:read"
	PermAuditWrite      Permission = "audit:write"
	PermAuditVerify     Permission = "audit:verify"
)

var rolePermissions = map[Role][]Permission{
	RolePlatformAdmin: {
		PermAccessCheck, PermGrantRead, PermUsageRecord,
		PermLicenseActivate, PermLicenseManage, PermTenantManage,
		PermAuditRead, PermAuditWrite, PermAuditVerify,
	},
	RoleComplianceOfficer: {
		PermAccessCheck, PermGrantRead,
		PermAuditRead, PermAuditVerify,
	},
	RoleTenantAdmin: {
		PermAccessCheck, PermGrantRead, PermLicenseActivate, PermUsageRecord,
		PermAuditRead, PermAuditWrite,
	},
	RoleMember: {
		PermAccessCheck, PermAuditWrite,
	},
}

// HasRolePermission checks if a role has the given permission.
func HasRolePermission(role Role, perm Permission) bool {
	return slices.Contains(rolePermissions[role], perm)
}
