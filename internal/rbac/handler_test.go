package rbac

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/staykit/staykit/internal/authz"
)

func withSession(userID int64, perms ...authz.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac := authz.NewContext()
			if userID > 0 {
				t := ac.Init(authz.Identity{UserID: userID, Email: "staff@example.com"})
				ac.Commit(t, authz.Resolution{UserID: userID, Permissions: authz.NewSet(perms...)})
			}
			next.ServeHTTP(w, r.WithContext(authz.WithContext(r.Context(), ac)))
		})
	}
}

func newTestRouter(t *testing.T, userID int64, perms ...authz.Permission) (http.Handler, *memoryRepo) {
	t.Helper()
	svc, repo, _ := newTestService()
	h := NewHandler(discardLogger(), svc, authz.Middleware{})
	r := chi.NewRouter()
	r.Use(withSession(userID, perms...))
	r.Route("/api", h.MountRoutes)
	return r, repo
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestListRolesRequiresSession(t *testing.T) {
	router, _ := newTestRouter(t, 0)

	rec := do(t, router, http.MethodGet, "/api/roles", "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestListRolesForbiddenNamesPermission(t *testing.T) {
	router, _ := newTestRouter(t, 5, authz.PermBookingsView)

	rec := do(t, router, http.MethodGet, "/api/roles", "")

	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "roles.view")
}

func TestListRolesOK(t *testing.T) {
	router, repo := newTestRouter(t, 5, authz.PermRolesView)
	_, err := repo.CreateRole(context.Background(), authz.Role{Name: "Manager", Permissions: []authz.Permission{authz.PermRoomsView}})
	require.NoError(t, err)

	rec := do(t, router, http.MethodGet, "/api/roles", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Roles []struct {
			Name        string   `json:"name"`
			Permissions []string `json:"permissions"`
		} `json:"roles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Roles, 1)
	assert.Equal(t, []string{"rooms.view"}, body.Roles[0].Permissions)
}

func TestListPermissionsGrouped(t *testing.T) {
	router, _ := newTestRouter(t, 5, authz.PermRolesView)

	rec := do(t, router, http.MethodGet, "/api/permissions", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Permissions []authz.Definition `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Permissions, len(authz.All()))
}

func TestCreateRoleUnknownPermissionIsBadRequest(t *testing.T) {
	router, repo := newTestRouter(t, 5, authz.PermRolesManage)

	rec := do(t, router, http.MethodPost, "/api/roles", `{"name":"Ops","permissions":["rooms.view","rooms.destroy"]}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "rooms.destroy")
	assert.Empty(t, repo.roles)
}

func TestCreateRoleMissingName(t *testing.T) {
	router, _ := newTestRouter(t, 5, authz.PermRolesManage)

	rec := do(t, router, http.MethodPost, "/api/roles", `{"permissions":["rooms.view"]}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateRoleCreated(t *testing.T) {
	router, repo := newTestRouter(t, 5, authz.PermRolesManage)

	rec := do(t, router, http.MethodPost, "/api/roles", `{"name":"Ops","permissions":["rooms.view"]}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Len(t, repo.roles, 1)
}

func TestDeleteSystemRoleConflict(t *testing.T) {
	router, repo := newTestRouter(t, 5, authz.PermRolesManage)
	role, err := repo.CreateRole(context.Background(), authz.Role{Name: "Administrator", IsSystem: true})
	require.NoError(t, err)

	rec := do(t, router, http.MethodDelete, "/api/roles/1", "")

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, repo.roles, role.ID)
}

func TestAssignAcceptsStaffManage(t *testing.T) {
	router, repo := newTestRouter(t, 5, authz.PermStaffManage)
	_, err := repo.CreateRole(context.Background(), authz.Role{Name: "Front Desk"})
	require.NoError(t, err)

	rec := do(t, router, http.MethodPost, "/api/users/9/assignments", `{"role_id":1,"valid_until":"2030-01-01T00:00:00Z"}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, repo.assignments, 1)
	assert.Equal(t, int64(9), repo.assignments[1].UserID)
	assert.Equal(t, int64(5), repo.assignments[1].AssignedBy)
}

func TestAssignInvalidPathID(t *testing.T) {
	router, _ := newTestRouter(t, 5, authz.PermStaffManage)

	rec := do(t, router, http.MethodPost, "/api/users/abc/assignments", `{"role_id":1}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, 5, authz.PermDashboardView, authz.PermSettingsManage)

	rec := do(t, router, http.MethodGet, "/api/session", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Permissions   []string `json:"permissions"`
		Administrator bool     `json:"administrator"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"dashboard.view", "settings.manage"}, body.Permissions)
	assert.True(t, body.Administrator)
}
