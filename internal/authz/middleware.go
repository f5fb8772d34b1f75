package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/staykit/staykit/internal/platform/httpx"
	"github.com/staykit/staykit/internal/shared"
)

// ErrInvalidToken indicates a bearer credential that failed verification.
var ErrInvalidToken = errors.New("authz: invalid bearer token")

// IdentityLoader loads the identity of an authenticated user.
type IdentityLoader interface {
	LoadIdentity(ctx context.Context, userID int64) (Identity, error)
}

// TokenVerifier turns a bearer token into a user ID.
type TokenVerifier interface {
	VerifyAccessToken(token string) (int64, error)
}

// DeniedRenderer renders the access-denied page for browser routes.
type DeniedRenderer interface {
	RenderForbidden(w http.ResponseWriter, r *http.Request, missing []string)
}

// DecisionObserver records guard outcomes.
type DecisionObserver interface {
	ObserveDecision(state string)
}

// Middleware wires the session context and guards into HTTP handlers.
type Middleware struct {
	Resolver   PermissionResolver
	Identities IdentityLoader
	Tokens     TokenVerifier
	Paths      Guard
	Denied     DeniedRenderer
	Observer   DecisionObserver
	Logger     *slog.Logger
}

// Session attaches a Context derived from the cookie session to the request.
func (m Middleware) Session(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := sessionUserID(r)
		ac := m.build(r.Context(), userID)
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), ac)))
	})
}

// Bearer attaches a Context derived from the Authorization header.
func (m Middleware) Bearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var userID int64
		token, ok := bearerToken(r)
		if ok && m.Tokens != nil {
			id, err := m.Tokens.VerifyAccessToken(token)
			if err != nil {
				m.logger().Warn("bearer token rejected", slog.String("path", r.URL.Path), slog.Any("error", err))
			} else {
				userID = id
			}
		}
		ac := m.build(r.Context(), userID)
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), ac)))
	})
}

// Credentials uses the bearer token when the request carries an
// Authorization header and the cookie session otherwise.
func (m Middleware) Credentials(next http.Handler) http.Handler {
	bearer, session := m.Bearer(next), m.Session(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			bearer.ServeHTTP(w, r)
			return
		}
		session.ServeHTTP(w, r)
	})
}

func (m Middleware) build(ctx context.Context, userID int64) *Context {
	ac := NewContext()
	if userID <= 0 || m.Identities == nil {
		return ac
	}
	ident, err := m.Identities.LoadIdentity(ctx, userID)
	if err != nil {
		m.logger().Error("load identity", slog.Int64("user_id", userID), slog.Any("error", err))
		return ac
	}
	t := ac.Init(ident)
	if m.Resolver == nil {
		ac.Commit(t, Resolution{UserID: ident.UserID})
		return ac
	}
	ac.Commit(t, m.Resolver.Resolve(ctx, ident.UserID))
	return ac
}

// Guard protects browser routes: redirects for the login and reset states and
// an access-denied page naming the missing requirement.
func (m Middleware) Guard(req Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision := m.guard().Evaluate(FromContext(r.Context()).Snapshot(), req, r.URL.RequestURI())
			m.observe(decision.State)
			switch decision.State {
			case StateAuthorized:
				next.ServeHTTP(w, r)
			case StateLoading:
				w.Header().Set("Retry-After", "1")
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			case StateUnauthenticated, StatePasswordResetRequired:
				http.Redirect(w, r, decision.Redirect, http.StatusSeeOther)
			case StateForbidden:
				m.logger().Info("access denied", slog.String("path", r.URL.Path), slog.Any("missing", decision.Missing))
				if m.Denied != nil {
					m.Denied.RenderForbidden(w, r, decision.Missing)
					return
				}
				http.Error(w, forbiddenDetail(decision.Missing), http.StatusForbidden)
			}
		})
	}
}

// RequireAPI protects JSON routes with problem responses instead of redirects.
func (m Middleware) RequireAPI(req Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision := m.guard().Evaluate(FromContext(r.Context()).Snapshot(), req, r.URL.Path)
			m.observe(decision.State)
			switch decision.State {
			case StateAuthorized:
				next.ServeHTTP(w, r)
			case StateLoading:
				w.Header().Set("Retry-After", "1")
				httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "permissions are still loading")
			case StateUnauthenticated:
				w.Header().Set("WWW-Authenticate", `Bearer realm="staykit"`)
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "a valid bearer credential is required")
			case StatePasswordResetRequired:
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "password reset required before using the API")
			case StateForbidden:
				httpx.Problem(w, http.StatusForbidden, "Forbidden", forbiddenDetail(decision.Missing))
			}
		})
	}
}

func (m Middleware) guard() Guard {
	if m.Paths.LoginPath == "" && m.Paths.ResetPath == "" {
		return NewGuard()
	}
	return m.Paths
}

func (m Middleware) observe(state State) {
	if m.Observer != nil {
		m.Observer.ObserveDecision(state.String())
	}
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func forbiddenDetail(missing []string) string {
	return fmt.Sprintf("access denied, requires %s", strings.Join(missing, " and "))
}

func sessionUserID(r *http.Request) (int64, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return 0, false
	}
	raw := strings.TrimSpace(sess.User())
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
