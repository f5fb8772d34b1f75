package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/staykit/staykit/internal/auth"
	"github.com/staykit/staykit/internal/authz"
	"github.com/staykit/staykit/internal/shared"
	"github.com/staykit/staykit/internal/view"
	_ "github.com/staykit/staykit/internal/testing/guard"
)

type stubRepo struct {
	user     *auth.User
	sessions map[string]int64
}

func (s *stubRepo) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	if s.user == nil || !strings.EqualFold(s.user.Email, email) {
		return nil, shared.ErrNotFound
	}
	u := *s.user
	return &u, nil
}

func (s *stubRepo) FindByID(ctx context.Context, id int64) (*auth.User, error) {
	if s.user == nil || s.user.ID != id {
		return nil, shared.ErrNotFound
	}
	u := *s.user
	return &u, nil
}

func (s *stubRepo) UpdatePassword(ctx context.Context, id int64, hash string) error {
	s.user.PasswordHash = hash
	s.user.MustResetPassword = false
	return nil
}

func (s *stubRepo) CreateSession(ctx context.Context, id string, userID int64, expiresAt time.Time, ip, ua string) error {
	if s.sessions == nil {
		s.sessions = make(map[string]int64)
	}
	s.sessions[id] = userID
	return nil
}

func (s *stubRepo) DeleteSession(ctx context.Context, id string) error {
	delete(s.sessions, id)
	return nil
}

func hashed(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return string(h)
}

type fixture struct {
	router   http.Handler
	sessions *shared.SessionManager
	tokens   *auth.TokenIssuer
	repo     *stubRepo
}

// newFixture mounts the auth routes behind a session loader that commits on
// first write, mirroring the application middleware.
func newFixture(t *testing.T, repo *stubRepo) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sessions := shared.NewSessionManager(client, "test_session", "secret", time.Hour, false)
	csrf := shared.NewCSRFManager("csrfsecret")
	templates, err := view.NewEngine()
	if err != nil {
		t.Fatalf("templates: %v", err)
	}
	service := auth.NewService(repo, nil, nil)
	tokens := auth.NewTokenIssuer("jwt-secret", "staykit", "staykit-api", time.Hour)
	guard := authz.Middleware{Identities: service, Tokens: tokens}
	handler := auth.NewHandler(nil, service, tokens, templates, sessions, csrf, guard)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			sess, err := sessions.Load(req.Context(), req)
			if err != nil {
				t.Fatalf("load session: %v", err)
			}
			ctx := shared.ContextWithSession(req.Context(), sess)
			next.ServeHTTP(&committingWriter{ResponseWriter: w, commit: func(w http.ResponseWriter) {
				_ = sessions.Commit(ctx, w, req, sess)
			}}, req.WithContext(ctx))
		})
	})
	r.Group(func(r chi.Router) {
		r.Use(guard.Session)
		r.Route("/auth", handler.MountRoutes)
	})
	r.Route("/api", handler.MountAPI)
	return fixture{router: r, sessions: sessions, tokens: tokens, repo: repo}
}

type committingWriter struct {
	http.ResponseWriter
	commit  func(http.ResponseWriter)
	written bool
}

func (w *committingWriter) WriteHeader(code int) {
	if !w.written {
		w.written = true
		w.commit(w.ResponseWriter)
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *committingWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func sessionCookie(res *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range res.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func postForm(f fixture, path string, form url.Values, cookie *http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	res := httptest.NewRecorder()
	f.router.ServeHTTP(res, req)
	return res
}

func TestLoginPage(t *testing.T) {
	f := newFixture(t, &stubRepo{})

	res := httptest.NewRecorder()
	f.router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/auth/login?next=/rooms", nil))

	if res.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", res.Code)
	}
	body := res.Body.String()
	if !strings.Contains(body, "<form") {
		t.Fatalf("expected login form in body")
	}
	if !strings.Contains(body, `value="/rooms"`) {
		t.Fatalf("expected next to be carried in the form")
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	f := newFixture(t, &stubRepo{user: &auth.User{ID: 1, Email: "user@test.local", PasswordHash: hashed(t, "correctpass"), IsActive: true}})

	form := url.Values{"email": {"user@test.local"}, "password": {"wrongpass"}}
	res := postForm(f, "/auth/login", form, nil)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "Invalid email or password") {
		t.Fatalf("expected error message in response")
	}
}

func TestLoginInactiveAccount(t *testing.T) {
	f := newFixture(t, &stubRepo{user: &auth.User{ID: 1, Email: "user@test.local", PasswordHash: hashed(t, "correctpass"), IsActive: false}})

	res := postForm(f, "/auth/login", url.Values{"email": {"user@test.local"}, "password": {"correctpass"}}, nil)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
}

func TestLoginRedirectsToNext(t *testing.T) {
	repo := &stubRepo{user: &auth.User{ID: 1, Email: "user@test.local", PasswordHash: hashed(t, "correctpass"), IsActive: true}}
	f := newFixture(t, repo)

	form := url.Values{"email": {"user@test.local"}, "password": {"correctpass"}, "next": {"/rooms?floor=2"}}
	res := postForm(f, "/auth/login", form, nil)

	if res.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", res.Code)
	}
	if loc := res.Header().Get("Location"); loc != "/rooms?floor=2" {
		t.Fatalf("unexpected redirect %q", loc)
	}
	cookie := sessionCookie(res, f.sessions.CookieName())
	if cookie == nil {
		t.Fatalf("expected session cookie")
	}
	id, _, _ := strings.Cut(cookie.Value, ".")
	if repo.sessions[id] != 1 {
		t.Fatalf("expected session %s registered for user 1", id)
	}
}

func TestLoginRejectsOffsiteNext(t *testing.T) {
	f := newFixture(t, &stubRepo{user: &auth.User{ID: 1, Email: "user@test.local", PasswordHash: hashed(t, "correctpass"), IsActive: true}})

	form := url.Values{"email": {"user@test.local"}, "password": {"correctpass"}, "next": {"//evil.test/"}}
	res := postForm(f, "/auth/login", form, nil)

	if loc := res.Header().Get("Location"); loc != "/" {
		t.Fatalf("expected redirect to /, got %q", loc)
	}
}

func TestLoginRotatesSessionID(t *testing.T) {
	f := newFixture(t, &stubRepo{user: &auth.User{ID: 1, Email: "user@test.local", PasswordHash: hashed(t, "correctpass"), IsActive: true}})

	getRes := httptest.NewRecorder()
	f.router.ServeHTTP(getRes, httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	before := sessionCookie(getRes, f.sessions.CookieName())
	if before == nil {
		t.Fatalf("expected anonymous session cookie")
	}

	res := postForm(f, "/auth/login", url.Values{"email": {"user@test.local"}, "password": {"correctpass"}}, before)
	after := sessionCookie(res, f.sessions.CookieName())
	if after == nil || after.Value == before.Value {
		t.Fatalf("expected a fresh session id after login")
	}
}

func TestMustResetLoginGoesToResetPage(t *testing.T) {
	repo := &stubRepo{user: &auth.User{ID: 2, Email: "new@test.local", PasswordHash: hashed(t, "temporary1"), IsActive: true, MustResetPassword: true}}
	f := newFixture(t, repo)

	res := postForm(f, "/auth/login", url.Values{"email": {"new@test.local"}, "password": {"temporary1"}, "next": {"/rooms"}}, nil)

	if res.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", res.Code)
	}
	if loc := res.Header().Get("Location"); loc != authz.DefaultResetPath {
		t.Fatalf("expected reset redirect, got %q", loc)
	}

	cookie := sessionCookie(res, f.sessions.CookieName())
	page := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, authz.DefaultResetPath, nil)
	req.AddCookie(cookie)
	f.router.ServeHTTP(page, req)
	if page.Code != http.StatusOK {
		t.Fatalf("expected reset page, got %d", page.Code)
	}
	if !strings.Contains(page.Body.String(), "temporary password") {
		t.Fatalf("expected forced reset notice")
	}
}

func TestPasswordResetFlow(t *testing.T) {
	repo := &stubRepo{user: &auth.User{ID: 2, Email: "new@test.local", PasswordHash: hashed(t, "temporary1"), IsActive: true, MustResetPassword: true}}
	f := newFixture(t, repo)
	login := postForm(f, "/auth/login", url.Values{"email": {"new@test.local"}, "password": {"temporary1"}}, nil)
	cookie := sessionCookie(login, f.sessions.CookieName())

	mismatch := postForm(f, authz.DefaultResetPath, url.Values{
		"current_password": {"temporary1"},
		"new_password":     {"brand-new-pass"},
		"confirm_password": {"other-pass-123"},
	}, cookie)
	if mismatch.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for mismatched confirmation, got %d", mismatch.Code)
	}

	res := postForm(f, authz.DefaultResetPath, url.Values{
		"current_password": {"temporary1"},
		"new_password":     {"brand-new-pass"},
		"confirm_password": {"brand-new-pass"},
	}, cookie)
	if res.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d: %s", res.Code, res.Body.String())
	}
	if repo.user.MustResetPassword {
		t.Fatalf("expected reset flag cleared")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(repo.user.PasswordHash), []byte("brand-new-pass")); err != nil {
		t.Fatalf("expected new password stored")
	}
}

func TestPasswordResetRequiresSession(t *testing.T) {
	f := newFixture(t, &stubRepo{})

	res := httptest.NewRecorder()
	f.router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, authz.DefaultResetPath, nil))

	if res.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect, got %d", res.Code)
	}
	if loc := res.Header().Get("Location"); !strings.HasPrefix(loc, authz.DefaultLoginPath) {
		t.Fatalf("expected login redirect, got %q", loc)
	}
}

func TestLogoutClearsSession(t *testing.T) {
	repo := &stubRepo{user: &auth.User{ID: 1, Email: "user@test.local", PasswordHash: hashed(t, "correctpass"), IsActive: true}}
	f := newFixture(t, repo)
	login := postForm(f, "/auth/login", url.Values{"email": {"user@test.local"}, "password": {"correctpass"}}, nil)
	cookie := sessionCookie(login, f.sessions.CookieName())
	if len(repo.sessions) != 1 {
		t.Fatalf("expected one registered session, got %d", len(repo.sessions))
	}

	res := postForm(f, "/auth/logout", url.Values{}, cookie)

	if res.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", res.Code)
	}
	if len(repo.sessions) != 0 {
		t.Fatalf("expected session record removed")
	}
	cleared := sessionCookie(res, f.sessions.CookieName())
	if cleared == nil || cleared.MaxAge >= 0 {
		t.Fatalf("expected session cookie to be expired")
	}
}

func TestIssueToken(t *testing.T) {
	f := newFixture(t, &stubRepo{user: &auth.User{ID: 7, Email: "api@test.local", PasswordHash: hashed(t, "correctpass"), IsActive: true}})

	req := httptest.NewRequest(http.MethodPost, "/api/auth/token", strings.NewReader(`{"email":"api@test.local","password":"correctpass"}`))
	res := httptest.NewRecorder()
	f.router.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	var body struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.TokenType != "Bearer" {
		t.Fatalf("unexpected token type %q", body.TokenType)
	}
	id, err := f.tokens.VerifyAccessToken(body.AccessToken)
	if err != nil || id != 7 {
		t.Fatalf("expected token for user 7, got %d (%v)", id, err)
	}
}

func TestIssueTokenRejections(t *testing.T) {
	f := newFixture(t, &stubRepo{user: &auth.User{ID: 8, Email: "new@test.local", PasswordHash: hashed(t, "correctpass"), IsActive: true, MustResetPassword: true}})

	cases := []struct {
		body   string
		status int
	}{
		{`{"email":"new@test.local","password":"wrong"}`, http.StatusUnauthorized},
		{`{"email":"new@test.local","password":"correctpass"}`, http.StatusForbidden},
		{`{"email":"not-an-email"}`, http.StatusBadRequest},
		{`{`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/token", strings.NewReader(tc.body))
		res := httptest.NewRecorder()
		f.router.ServeHTTP(res, req)
		if res.Code != tc.status {
			t.Fatalf("body %s: expected %d, got %d", tc.body, tc.status, res.Code)
		}
	}
}
