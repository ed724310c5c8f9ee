package auth

import "sort"

// Permission is a fine-grained capability checked by RequirePermission.
type Permission string

const (
	PermPropertiesRead     Permission = "properties.read"
	PermPropertiesWrite    Permission = "properties.write"
	PermLeadsRead          Permission = "leads.read"
	PermLeadsWrite         Permission = "leads.write"
	PermCallsRead          Permission = "calls.read"
	PermCallsWrite         Permission = "calls.write"
	PermVoiceAgentsManage  Permission = "voice_agents.manage"
	PermAnalyticsRead      Permission = "analytics.read"
	PermUsersRead          Permission = "users.read"
	PermUsersManage        Permission = "users.manage"
	PermOrganizationManage Permission = "organization.manage"
	PermTenantsManage      Permission = "tenants.manage"
)

var agentPermissions = []Permission{
	PermPropertiesRead, PermPropertiesWrite,
	PermLeadsRead, PermLeadsWrite,
	PermCallsRead, PermCallsWrite,
}

var adminPermissions = append(append([]Permission{}, agentPermissions...),
	PermVoiceAgentsManage, PermAnalyticsRead,
	PermUsersRead, PermUsersManage, PermOrganizationManage,
)

var superAdminPermissions = append(append([]Permission{}, adminPermissions...), PermTenantsManage)

var rolePermissions = map[Role][]Permission{
	RoleAgent:      agentPermissions,
	RoleAdmin:      adminPermissions,
	RoleSuperAdmin: superAdminPermissions,
}

// PermissionsFor returns the sorted permissions granted to role.
func PermissionsFor(role Role) []Permission {
	perms := append([]Permission(nil), rolePermissions[role]...)
	sort.Slice(perms, func(i, j int) bool { return perms[i] < perms[j] })
	return perms
}

// Permissions returns the identity's effective permission set.
func (i *Identity) Permissions() map[Permission]struct{} {
	role := i.Role
	if i.IsSuperAdmin {
		role = RoleSuperAdmin
	}
	set := make(map[Permission]struct{}, len(rolePermissions[role]))
	for _, p := range rolePermissions[role] {
		set[p] = struct{}{}
	}
	return set
}

// HasPermission reports whether the identity can execute the action identified by p.
func (i *Identity) HasPermission(p Permission) bool {
	if i == nil {
		return false
	}
	_, ok := i.Permissions()[p]
	return ok
}
