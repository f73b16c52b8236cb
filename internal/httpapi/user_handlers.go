package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"wealthportal.io/internal/hierarchy"
)

const defaultAuditLimit = 50

type createUserRequest struct {
	LoginKey string `json:"login_key"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Role     string `json:"role"`
	Status   string `json:"status"`
	ParentID string `json:"parent_id"`
	BranchID string `json:"branch_id"`
	ZoneID   string `json:"zone_id"`
}

type patchUserRequest struct {
	Email    *string `json:"email"`
	Name     *string `json:"name"`
	Phone    *string `json:"phone"`
	Role     *string `json:"role"`
	Status   *string `json:"status"`
	ParentID *string `json:"parent_id"`
	BranchID *string `json:"branch_id"`
	ZoneID   *string `json:"zone_id"`
}

func (p patchUserRequest) structural() bool {
	return p.Role != nil || p.Status != nil || p.ParentID != nil || p.BranchID != nil || p.ZoneID != nil
}

func (p patchUserRequest) toPatch() hierarchy.Patch {
	patch := hierarchy.Patch{
		Email:    p.Email,
		Name:     p.Name,
		Phone:    p.Phone,
		ParentID: p.ParentID,
		BranchID: p.BranchID,
		ZoneID:   p.ZoneID,
	}
	if p.Role != nil {
		role := hierarchy.Role(strings.ToLower(strings.TrimSpace(*p.Role)))
		patch.Role = &role
	}
	if p.Status != nil {
		status := hierarchy.Status(*p.Status)
		patch.Status = &status
	}
	return patch
}

type assignParentRequest struct {
	ParentID string `json:"parent_id"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func newList[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Count: len(items)}
}

// createSession reconciles the token's identity with the portal user table.
// It is the explicit login event: role sync and subject linking happen here.
func (a *API) createSession(w http.ResponseWriter, r *http.Request) {
	claims, hint, ok := a.verifyRequest(w, r)
	if !ok {
		return
	}
	user, err := a.identity.Reconcile(r.Context(), claims, hint)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) me(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, p)
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	f, err := filtersFromQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	users, err := a.access.FindAccessibleUsers(r.Context(), p.ID, f)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(users))
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role := hierarchy.Role(strings.ToLower(strings.TrimSpace(req.Role)))
	if !a.mayGrant(w, r, p, role) {
		return
	}
	if !a.mayPlaceUnder(w, r, p, strings.TrimSpace(req.ParentID)) {
		return
	}
	user, err := a.users.Create(r.Context(), hierarchy.CreateInput{
		LoginKey: req.LoginKey,
		Email:    req.Email,
		Name:     req.Name,
		Phone:    req.Phone,
		Role:     role,
		Status:   hierarchy.Status(req.Status),
		ParentID: req.ParentID,
		BranchID: req.BranchID,
		ZoneID:   req.ZoneID,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", user.ID))
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.mayView(w, r, id) {
		return
	}
	user, err := a.users.Get(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) patchUser(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")
	var req patchUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	patch := req.toPatch()
	if patch.Empty() {
		writeError(w, r, http.StatusBadRequest, "patch changes nothing")
		return
	}

	// Users may edit their own contact details; everything else is an
	// administrative change on someone inside the caller's subtree.
	if id != p.ID || req.structural() {
		if !a.mayManage(w, r, p, id) {
			return
		}
		if patch.Role != nil && !a.mayGrant(w, r, p, *patch.Role) {
			return
		}
		if patch.ParentID != nil && !a.mayPlaceUnder(w, r, p, strings.TrimSpace(*patch.ParentID)) {
			return
		}
	}

	user, err := a.users.Update(r.Context(), id, patch)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) deactivateUser(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if !a.mayManage(w, r, p, id) {
		return
	}
	user, err := a.users.Deactivate(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// deleteUser is the explicit hard delete, reserved for the top role.
func (a *API) deleteUser(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if !p.Role.IsTop() {
		writeError(w, r, http.StatusForbidden, "hard delete requires the super_admin role")
		return
	}
	if id == p.ID {
		writeError(w, r, http.StatusBadRequest, "cannot delete your own account")
		return
	}
	if err := a.users.Delete(r.Context(), id); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) descendants(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.mayView(w, r, id) {
		return
	}
	direct := false
	if raw := r.URL.Query().Get("direct"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "direct must be a boolean")
			return
		}
		direct = v
	}
	users, err := a.users.FindDescendants(r.Context(), id, direct)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(users))
}

func (a *API) descendantCounts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.mayView(w, r, id) {
		return
	}
	counts, err := a.users.CountDescendantsByRole(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(counts))
}

func (a *API) ancestors(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.mayView(w, r, id) {
		return
	}
	users, err := a.users.FindAncestors(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(users))
}

// checkAccess answers whether the caller may access the user. It never fails
// with 403; a denial is a normal answer.
func (a *API) checkAccess(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")
	allowed, err := a.access.CanAccess(r.Context(), p.ID, id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accessor_id": p.ID,
		"target_id":   id,
		"allowed":     allowed,
	})
}

func (a *API) userAudit(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if a.auditLog == nil {
		writeError(w, r, http.StatusNotImplemented, "audit history is not available")
		return
	}
	if !a.mayManage(w, r, p, id) {
		return
	}
	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := a.auditLog.List(r.Context(), id, limit)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(entries))
}

func (a *API) assignParent(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")
	var req assignParentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	parentID := strings.TrimSpace(req.ParentID)
	if parentID == "" {
		writeError(w, r, http.StatusBadRequest, "parent_id is required; use DELETE to detach")
		return
	}
	if !a.mayManage(w, r, p, id) || !a.mayPlaceUnder(w, r, p, parentID) {
		return
	}
	user, err := a.users.AssignParent(r.Context(), id, parentID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) removeParent(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if !a.mayManage(w, r, p, id) || !a.mayPlaceUnder(w, r, p, "") {
		return
	}
	user, err := a.users.RemoveParent(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) repairPath(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if !p.Role.IsTop() {
		writeError(w, r, http.StatusForbidden, "path repair requires the super_admin role")
		return
	}
	user, err := a.users.RepairPath(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// --- authorization ---

// mayView allows the caller to read a user inside its own subtree.
func (a *API) mayView(w http.ResponseWriter, r *http.Request, targetID string) bool {
	p, _ := PrincipalFromContext(r.Context())
	allowed, err := a.access.CanAccess(r.Context(), p.ID, targetID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return false
	}
	if !allowed {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

// mayManage requires a privileged caller acting on someone else within its
// subtree.
func (a *API) mayManage(w http.ResponseWriter, r *http.Request, p hierarchy.User, targetID string) bool {
	if !p.Role.IsPrivileged() {
		writeError(w, r, http.StatusForbidden, "administrative role required")
		return false
	}
	if targetID == p.ID && !p.Role.IsTop() {
		writeError(w, r, http.StatusForbidden, "cannot change your own placement or role")
		return false
	}
	return a.mayView(w, r, targetID)
}

// mayGrant stops callers from handing out a role at or above their own.
func (a *API) mayGrant(w http.ResponseWriter, r *http.Request, p hierarchy.User, role hierarchy.Role) bool {
	if !p.Role.IsPrivileged() {
		writeError(w, r, http.StatusForbidden, "administrative role required")
		return false
	}
	if p.Role.IsTop() || !role.Valid() {
		// unknown roles are rejected by the service with a reason list
		return true
	}
	if !p.Role.Outranks(role) {
		writeError(w, r, http.StatusForbidden, fmt.Sprintf("role %s cannot grant %s", p.Role, role))
		return false
	}
	return true
}

// mayPlaceUnder checks the destination parent is inside the caller's
// subtree. Only the top role may create or move users at the root.
func (a *API) mayPlaceUnder(w http.ResponseWriter, r *http.Request, p hierarchy.User, parentID string) bool {
	if parentID == "" {
		if p.Role.IsTop() {
			return true
		}
		writeError(w, r, http.StatusForbidden, "only super_admin may place users at the root")
		return false
	}
	return a.mayView(w, r, parentID)
}

func filtersFromQuery(r *http.Request) (hierarchy.Filters, error) {
	q := r.URL.Query()
	var f hierarchy.Filters
	if raw := q.Get("role"); raw != "" {
		role, err := hierarchy.ParseRole(raw)
		if err != nil {
			return f, err
		}
		f.Role = role
	}
	if raw := q.Get("status"); raw != "" {
		status, err := hierarchy.ParseStatus(raw)
		if err != nil {
			return f, err
		}
		f.Status = status
	}
	f.BranchID = strings.TrimSpace(q.Get("branch_id"))
	f.ZoneID = strings.TrimSpace(q.Get("zone_id"))
	return f, nil
}
