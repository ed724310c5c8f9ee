package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"agentvoice.io/internal/audit"
	"agentvoice.io/internal/auth"
)

type suspensionRequest struct {
	Suspended *bool `json:"suspended"`
}

type createUserRequest struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	Role           string `json:"role"`
	OrganizationID string `json:"organization_id"`
}

type listUsersResponse struct {
	Users []*auth.Identity `json:"users"`
	Total int              `json:"total"`
}

func (a *API) handleGetOrganization(w http.ResponseWriter, r *http.Request) {
	id, tenant := identityFrom(r.Context())
	orgID := r.PathValue("id")
	if err := auth.ValidateTenantAccess(orgID, id, tenant); err != nil {
		a.writeAuthError(w, r, err, "")
		return
	}
	org, err := a.tenants.FindByID(r.Context(), orgID)
	if err != nil {
		a.writeAuthError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, org)
}

func (a *API) handleSetSuspension(w http.ResponseWriter, r *http.Request) {
	id, tenant := identityFrom(r.Context())
	if _, err := auth.Check(id, auth.AnyRole(auth.RoleSuperAdmin), auth.Can(auth.PermTenantsManage)); err != nil {
		_ = a.audit.Record(r.Context(), audit.EventAccessDenied, zap.String("action", "organization.suspension"))
		a.writeAuthError(w, r, err, "")
		return
	}
	var req suspensionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Suspended == nil {
		writeError(w, r, http.StatusBadRequest, "suspended is required")
		return
	}
	orgID := r.PathValue("id")
	if *req.Suspended && orgID == tenant.ID {
		writeError(w, r, http.StatusBadRequest, "cannot suspend your own organization")
		return
	}
	if err := a.tenants.SetSuspended(r.Context(), orgID, *req.Suspended, a.clock.Now().UTC()); err != nil {
		a.writeAuthError(w, r, err, "")
		return
	}
	org, err := a.tenants.FindByID(r.Context(), orgID)
	if err != nil {
		a.writeAuthError(w, r, err, "")
		return
	}

	event := audit.EventTenantRestored
	if org.IsSuspended {
		event = audit.EventTenantSuspended
	}
	_ = a.audit.Record(r.Context(), event, zap.String("target_organization_id", org.ID))
	writeJSON(w, http.StatusOK, org)
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	id, tenant := identityFrom(r.Context())
	if _, err := auth.RequirePermission(id, auth.PermUsersRead); err != nil {
		a.writeAuthError(w, r, err, "")
		return
	}

	var (
		users []*auth.Identity
		err   error
	)
	if orgID, scoped := auth.TenantFilter(id, tenant); scoped {
		users, err = a.users.ListByOrganization(r.Context(), orgID)
	} else if orgID := strings.TrimSpace(r.URL.Query().Get("organization_id")); orgID != "" {
		users, err = a.users.ListByOrganization(r.Context(), orgID)
	} else {
		users, err = a.users.ListAll(r.Context())
	}
	if err != nil {
		a.writeAuthError(w, r, err, "")
		return
	}
	if users == nil {
		users = []*auth.Identity{}
	}
	writeJSON(w, http.StatusOK, listUsersResponse{Users: users, Total: len(users)})
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, tenant := identityFrom(r.Context())
	userID := r.PathValue("id")
	if userID != id.ID {
		if _, err := auth.RequirePermission(id, auth.PermUsersRead); err != nil {
			a.writeAuthError(w, r, err, "")
			return
		}
	}
	user, err := a.users.FindByID(r.Context(), userID)
	if err != nil {
		a.writeAuthError(w, r, err, "")
		return
	}
	if err := auth.ValidateTenantAccess(user.OrganizationID, id, tenant); err != nil {
		a.writeAuthError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	id, tenant := identityFrom(r.Context())
	if _, err := auth.RequirePermission(id, auth.PermUsersManage); err != nil {
		a.writeAuthError(w, r, err, "")
		return
	}
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := auth.ParseRole(req.Role)
	if err != nil {
		a.writeAuthError(w, r, err, "")
		return
	}
	if role == auth.RoleSuperAdmin && !id.SuperAdmin() {
		a.writeAuthError(w, r, &auth.PolicyError{Roles: []auth.Role{auth.RoleSuperAdmin}}, "")
		return
	}
	orgID := strings.TrimSpace(req.OrganizationID)
	if orgID == "" {
		orgID = tenant.ID
	}
	if err := auth.ValidateTenantAccess(orgID, id, tenant); err != nil {
		a.writeAuthError(w, r, err, "")
		return
	}
	if _, err := a.tenants.FindByID(r.Context(), orgID); err != nil {
		a.writeAuthError(w, r, err, "")
		return
	}

	user, err := a.authn.CreateUser(r.Context(), orgID, req.Email, req.Password, role)
	if err != nil {
		a.writeAuthError(w, r, err, "")
		return
	}
	_ = a.audit.Record(r.Context(), audit.EventUserCreated,
		zap.String("target_user_id", user.ID),
		zap.String("target_organization_id", orgID),
		zap.String("target_role", string(user.Role)),
	)
	w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", user.ID))
	writeJSON(w, http.StatusCreated, user)
}
