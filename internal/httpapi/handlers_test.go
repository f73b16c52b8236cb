package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"wealthportal.io/internal/access"
	"wealthportal.io/internal/audit"
	"wealthportal.io/internal/bulk"
	"wealthportal.io/internal/hierarchy"
	"wealthportal.io/internal/identity"
	"wealthportal.io/internal/obs"
)

type stubVerifier struct {
	claims map[string]identity.VerifiedClaims
}

func (s stubVerifier) Verify(_ context.Context, token string) (identity.VerifiedClaims, identity.UserType, error) {
	c, ok := s.claims[token]
	if !ok {
		return identity.VerifiedClaims{}, "", errors.New("invalid token")
	}
	return c, identity.UserTypeExternal, nil
}

// flakyStore fails point reads on demand, as a dropped database would.
type flakyStore struct {
	*hierarchy.MemoryStore
	failGets atomic.Bool
}

func (f *flakyStore) Get(ctx context.Context, id string) (hierarchy.User, error) {
	if f.failGets.Load() {
		return hierarchy.User{}, fmt.Errorf("%w: connection refused", hierarchy.ErrStoreUnavailable)
	}
	return f.MemoryStore.Get(ctx, id)
}

type testEnv struct {
	api      *API
	store    *flakyStore
	svc      *hierarchy.Service
	audit    *audit.Buffer
	metrics  *obs.Metrics
	verifier stubVerifier
	users    map[string]hierarchy.User
}

// newTestEnv builds admin -> zh -> {bm1 -> rm1 -> c1, bm2} and admin -> zh2.
// Every user can authenticate with the token "tok-<key>".
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := &flakyStore{MemoryStore: hierarchy.NewMemoryStore()}
	buf := &audit.Buffer{}
	rec := audit.NewRecorder(nil, buf)
	metrics := obs.NewMetrics()
	svc := hierarchy.NewService(store, hierarchy.WithAudit(rec), hierarchy.WithMetrics(metrics))
	env := &testEnv{
		store:    store,
		svc:      svc,
		audit:    buf,
		metrics:  metrics,
		verifier: stubVerifier{claims: map[string]identity.VerifiedClaims{}},
		users:    map[string]hierarchy.User{},
	}

	add := func(key string, role hierarchy.Role, parent string) {
		in := hierarchy.CreateInput{
			ExternalID: "sub-" + key,
			LoginKey:   key,
			Name:       key,
			Role:       role,
		}
		if parent != "" {
			in.ParentID = env.users[parent].ID
		}
		u, err := svc.Create(context.Background(), in)
		if err != nil {
			t.Fatalf("create %s: %v", key, err)
		}
		env.users[key] = u
		env.verifier.claims["tok-"+key] = identity.VerifiedClaims{Subject: "sub-" + key, LoginName: key}
	}
	add("admin", hierarchy.RoleSuperAdmin, "")
	add("zh", hierarchy.RoleZonalHead, "admin")
	add("zh2", hierarchy.RoleZonalHead, "admin")
	add("bm1", hierarchy.RoleBranchManager, "zh")
	add("bm2", hierarchy.RoleBranchManager, "zh")
	add("rm1", hierarchy.RoleRM, "bm1")
	add("c1", hierarchy.RoleClient, "rm1")

	engine := identity.NewEngine(svc, identity.WithAudit(rec), identity.WithMetrics(metrics))
	env.api = New(Deps{
		Users:    svc,
		Access:   access.NewDecider(store, access.WithMetrics(metrics)),
		Identity: engine,
		Bulk:     bulk.NewReconciler(svc, bulk.WithAudit(rec)),
		Verifier: env.verifier,
		AuditLog: buf,
		Metrics:  metrics,
	}, Options{Version: "test", Production: true})
	return env
}

func (e *testEnv) id(key string) string { return e.users[key].ID }

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.10:5555"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.api.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}

func loginKeys(users []hierarchy.User) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.LoginKey)
	}
	return out
}

func TestHealthzAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}

	rr = env.do(t, http.MethodGet, "/metrics", "", nil)
	if !strings.Contains(rr.Body.String(), `http_requests_total{method="GET",route="/healthz",status="200"} 1`) {
		t.Fatalf("healthz request not counted by route:\n%s", rr.Body.String())
	}
}

func TestReadyzReportsProbeFailure(t *testing.T) {
	env := newTestEnv(t)
	env.api.ready = probeFunc(func(context.Context) error { return errors.New("db down") })

	rr := env.do(t, http.MethodGet, "/readyz", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "db down") {
		t.Fatalf("probe error leaked: %s", rr.Body.String())
	}
}

type probeFunc func(context.Context) error

func (f probeFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestAuthenticationFailsClosed(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/v1/me", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header")
	}

	rr = env.do(t, http.MethodGet, "/v1/me", "forged", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", rr.Code)
	}

	if _, err := env.svc.Deactivate(context.Background(), env.id("c1")); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	rr = env.do(t, http.MethodGet, "/v1/me", "tok-c1", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("inactive account: expected 403, got %d", rr.Code)
	}
}

func TestMeReturnsPrincipal(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/v1/me", "tok-rm1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	me := decodeBody[hierarchy.User](t, rr)
	if me.ID != env.id("rm1") || me.Role != hierarchy.RoleRM {
		t.Fatalf("unexpected principal: %+v", me)
	}
}

func TestFirstLoginProvisionsRootUser(t *testing.T) {
	env := newTestEnv(t)
	env.verifier.claims["tok-new"] = identity.VerifiedClaims{
		Subject:   "sub-new",
		LoginName: "new.client",
		Groups:    []string{"portal-clients"},
	}

	rr := env.do(t, http.MethodGet, "/v1/me", "tok-new", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	me := decodeBody[hierarchy.User](t, rr)
	if me.Role != hierarchy.RoleClient || me.ParentID != "" || me.HierarchyLevel != 0 {
		t.Fatalf("expected root client, got %+v", me)
	}
	if me.ExternalID != "sub-new" {
		t.Fatalf("subject not linked: %+v", me)
	}
}

func TestSessionKeepsPrivilegedRoleOnEmptyGroups(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/v1/session", "tok-admin", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	u := decodeBody[hierarchy.User](t, rr)
	if u.Role != hierarchy.RoleSuperAdmin {
		t.Fatalf("privileged role downgraded to %s", u.Role)
	}
	if len(env.audit.ByAction(audit.ActionRoleDowngradeSkipped)) != 1 {
		t.Fatalf("expected a downgrade audit entry, got %+v", env.audit.Entries())
	}
}

func TestListUsersIsScopedToSubtree(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/v1/users", "tok-bm1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	list := decodeBody[listResponse[hierarchy.User]](t, rr)
	if got := strings.Join(loginKeys(list.Items), ","); got != "bm1,rm1,c1" {
		t.Fatalf("unexpected users: %s", got)
	}

	rr = env.do(t, http.MethodGet, "/v1/users?role=client", "tok-admin", nil)
	list = decodeBody[listResponse[hierarchy.User]](t, rr)
	if got := strings.Join(loginKeys(list.Items), ","); got != "c1" {
		t.Fatalf("unexpected filtered users: %s", got)
	}

	rr = env.do(t, http.MethodGet, "/v1/users?role=janitor", "tok-admin", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown role filter: expected 400, got %d", rr.Code)
	}
}

func TestReadsOutsideSubtreeAreForbidden(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/v1/users/"+env.id("bm2"), "tok-rm1", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodGet, "/v1/users/"+env.id("c1"), "tok-bm1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for descendant, got %d", rr.Code)
	}
}

func TestCheckAccessAnswersWithoutForbidding(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/v1/users/"+env.id("bm1")+"/access", "tok-rm1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody[map[string]any](t, rr)
	if body["allowed"] != false {
		t.Fatalf("rm must not access its manager: %v", body)
	}
}

func TestDescendantEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/v1/users/"+env.id("zh")+"/descendants?direct=true", "tok-zh", nil)
	direct := decodeBody[listResponse[hierarchy.User]](t, rr)
	if got := strings.Join(loginKeys(direct.Items), ","); got != "bm1,bm2" {
		t.Fatalf("unexpected direct reports: %s", got)
	}

	rr = env.do(t, http.MethodGet, "/v1/users/"+env.id("zh")+"/descendants?direct=maybe", "tok-zh", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad flag, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/v1/users/"+env.id("zh")+"/descendant-counts", "tok-zh", nil)
	counts := decodeBody[listResponse[hierarchy.RoleCount]](t, rr)
	want := []hierarchy.RoleCount{
		{Role: hierarchy.RoleBranchManager, Count: 2},
		{Role: hierarchy.RoleRM, Count: 1},
		{Role: hierarchy.RoleClient, Count: 1},
	}
	if fmt.Sprint(counts.Items) != fmt.Sprint(want) {
		t.Fatalf("unexpected counts: %v", counts.Items)
	}

	rr = env.do(t, http.MethodGet, "/v1/users/"+env.id("c1")+"/ancestors", "tok-bm1", nil)
	anc := decodeBody[listResponse[hierarchy.User]](t, rr)
	if got := strings.Join(loginKeys(anc.Items), ","); got != "rm1,bm1,zh,admin" {
		t.Fatalf("unexpected ancestors: %s", got)
	}
}

func TestAssignParentRebasesSubtree(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPut, "/v1/users/"+env.id("bm1")+"/parent", "tok-admin",
		assignParentRequest{ParentID: env.id("zh2")})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	c1, err := env.svc.Get(context.Background(), env.id("c1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	wantPath := hierarchy.ChildPath(hierarchy.ChildPath(hierarchy.ChildPath(env.users["zh2"].HierarchyPath, env.id("bm1")), env.id("rm1")), env.id("c1"))
	if c1.HierarchyPath != wantPath || c1.HierarchyLevel != 4 {
		t.Fatalf("descendant not rebased: %s level %d", c1.HierarchyPath, c1.HierarchyLevel)
	}

	// zh lost its branch, so it can no longer see c1.
	rr = env.do(t, http.MethodGet, "/v1/users/"+env.id("c1"), "tok-zh", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 after move, got %d", rr.Code)
	}
}

func TestAssignParentRejectsCycleWithReasons(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPut, "/v1/users/"+env.id("zh")+"/parent", "tok-admin",
		assignParentRequest{ParentID: env.id("c1")})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody[map[string]any](t, rr)
	reasons, _ := body["reasons"].([]any)
	if len(reasons) == 0 {
		t.Fatalf("expected validation reasons, got %v", body)
	}
}

func TestRemoveParentRequiresTopRole(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodDelete, "/v1/users/"+env.id("rm1")+"/parent", "tok-bm1", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodDelete, "/v1/users/"+env.id("rm1")+"/parent", "tok-admin", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if u := decodeBody[hierarchy.User](t, rr); u.ParentID != "" || u.HierarchyLevel != 0 {
		t.Fatalf("expected root placement, got %+v", u)
	}
}

func TestCreateUserRespectsGrantAndScope(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/v1/users", "tok-bm1", createUserRequest{
		LoginKey: "boss", Role: "zonal_head", ParentID: env.id("rm1"),
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("senior grant: expected 403, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/v1/users", "tok-rm1", createUserRequest{
		LoginKey: "c2", Role: "client", ParentID: env.id("bm2"),
	})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("foreign parent: expected 403, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/v1/users", "tok-rm1", createUserRequest{
		LoginKey: "c2", Name: "Client Two", Email: "c2@example.com", Role: "client", ParentID: env.id("rm1"),
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	created := decodeBody[hierarchy.User](t, rr)
	if rr.Header().Get("Location") != "/v1/users/"+created.ID {
		t.Fatalf("unexpected location %q", rr.Header().Get("Location"))
	}
	if created.HierarchyLevel != env.users["rm1"].HierarchyLevel+1 {
		t.Fatalf("unexpected level %d", created.HierarchyLevel)
	}

	rr = env.do(t, http.MethodPost, "/v1/users", "tok-rm1", createUserRequest{
		LoginKey: "C2", Role: "client", ParentID: env.id("rm1"),
	})
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate login key: expected 409, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/v1/users", "tok-c1", createUserRequest{LoginKey: "x", Role: "client"})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("client creating users: expected 403, got %d", rr.Code)
	}
}

func TestPatchUser(t *testing.T) {
	env := newTestEnv(t)
	name := "Client One"
	role := "branch_manager"

	rr := env.do(t, http.MethodPatch, "/v1/users/"+env.id("c1"), "tok-c1", patchUserRequest{Name: &name})
	if rr.Code != http.StatusOK {
		t.Fatalf("self contact edit: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPatch, "/v1/users/"+env.id("c1"), "tok-c1", patchUserRequest{Role: &role})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("self promotion: expected 403, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPatch, "/v1/users/"+env.id("rm1"), "tok-admin", patchUserRequest{Role: &role})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("role equal to parent: expected 400, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPatch, "/v1/users/"+env.id("c1"), "tok-admin", patchUserRequest{})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty patch: expected 400, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPatch, "/v1/users/"+env.id("c1"), strings.NewReader(`{"nickname":"x"}`))
	req.Header.Set("Authorization", "Bearer tok-admin")
	out := httptest.NewRecorder()
	env.api.Handler().ServeHTTP(out, req)
	if out.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: expected 400, got %d", out.Code)
	}
}

func TestDeleteAndDeactivate(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodDelete, "/v1/users/"+env.id("c1"), "tok-bm1", nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("non-top delete: expected 403, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodDelete, "/v1/users/"+env.id("rm1"), "tok-admin", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("delete with reports: expected 400, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodDelete, "/v1/users/"+env.id("c1"), "tok-admin", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodPost, "/v1/users/"+env.id("bm2")+"/deactivate", "tok-zh", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("deactivate: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if u := decodeBody[hierarchy.User](t, rr); u.Status != hierarchy.StatusInactive {
		t.Fatalf("expected inactive, got %s", u.Status)
	}
}

func TestUserAuditHistory(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/v1/users/"+env.id("c1")+"/audit?limit=5", "tok-rm1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	list := decodeBody[listResponse[audit.Entry]](t, rr)
	if list.Count == 0 || list.Items[0].Action != audit.ActionUserCreate {
		t.Fatalf("expected creation entry, got %+v", list.Items)
	}

	rr = env.do(t, http.MethodGet, "/v1/users/"+env.id("c1")+"/audit?limit=-1", "tok-rm1", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: expected 400, got %d", rr.Code)
	}
}

func TestBulkImport(t *testing.T) {
	env := newTestEnv(t)
	req := bulkImportRequest{
		DefaultParentID: env.id("rm1"),
		Records: []bulk.Record{
			{LoginKey: "imp1", Role: "client"},
			{LoginKey: "imp2", Role: "client"},
			{LoginKey: "IMP1", Role: "client"},
		},
	}

	rr := env.do(t, http.MethodPost, "/v1/bulk-import", "tok-bm1", req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("non-top import: expected 403, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/v1/bulk-import", "tok-admin", req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	report := decodeBody[bulk.Report](t, rr)
	if report.SuccessCount != 2 || report.FailedCount != 1 || report.Errors[0].Index != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}

	req.DefaultParentID = "missing"
	rr = env.do(t, http.MethodPost, "/v1/bulk-import", "tok-admin", req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown default parent: expected 404, got %d", rr.Code)
	}
}

func TestStoreOutageReturns503(t *testing.T) {
	env := newTestEnv(t)
	env.store.failGets.Store(true)

	rr := env.do(t, http.MethodGet, "/v1/users/"+env.id("c1"), "tok-bm1", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rr.Code, rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), "connection refused") {
		t.Fatalf("internal detail leaked: %s", rr.Body.String())
	}
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/v1/nope", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if body := decodeBody[map[string]any](t, rr); body["request_id"] == nil {
		t.Fatalf("expected request id in error body: %v", body)
	}
}
