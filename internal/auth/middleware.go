package auth

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"conduit/internal/authz"
	"conduit/internal/observability"
)

type userKey struct{}

// UserFrom returns the resolved caller, set by Middleware.
func UserFrom(ctx context.Context) (authz.CurrentUser, bool) {
	u, ok := ctx.Value(userKey{}).(authz.CurrentUser)
	return u, ok
}

// WithUser attaches a caller to a context; tests use it to skip the
// middleware.
func WithUser(ctx context.Context, u authz.CurrentUser) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// WorkspaceResolver maps a user to the workspaces they belong to; the
// workspace store implements it.
type WorkspaceResolver interface {
	MemberWorkspaceIDs(ctx context.Context, userID string) ([]string, error)
}

// Middleware verifies the bearer token (header or ?token= for WebSocket and
// SSE clients), resolves workspace membership, enforces the per-user rate
// limit, and attaches the CurrentUser to the request context.
type Middleware struct {
	service    *Service
	workspaces WorkspaceResolver

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	limit     rate.Limit
	burst     int
}

// NewMiddleware builds the middleware. bucket is requests per window.
func NewMiddleware(service *Service, workspaces WorkspaceResolver, bucket int, windowSeconds float64) *Middleware {
	if bucket <= 0 {
		bucket = 60
	}
	if windowSeconds <= 0 {
		windowSeconds = 60
	}
	return &Middleware{
		service:    service,
		workspaces: workspaces,
		limiters:   make(map[string]*rate.Limiter),
		limit:      rate.Limit(float64(bucket) / windowSeconds),
		burst:      bucket,
	}
}

func (m *Middleware) limiter(userID string) *rate.Limiter {
	m.limiterMu.Lock()
	defer m.limiterMu.Unlock()
	l, ok := m.limiters[userID]
	if !ok {
		l = rate.NewLimiter(m.limit, m.burst)
		m.limiters[userID] = l
	}
	return l
}

func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
			return
		}
		id, err := m.service.Validate(token)
		if err != nil {
			http.Error(w, `{"error":"unauthenticated"}`, http.StatusUnauthorized)
			return
		}

		if !m.limiter(id.UserID).Allow() {
			w.Header().Set("Retry-After", "60")
			http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
			return
		}

		u := authz.CurrentUser{ID: id.UserID, Email: id.Email, Admin: id.Admin}
		if m.workspaces != nil {
			ids, err := m.workspaces.MemberWorkspaceIDs(r.Context(), id.UserID)
			if err != nil {
				observability.LoggerWithTrace(r.Context()).Error().Err(err).Str("user_id", id.UserID).Msg("workspace_resolution_failed")
				http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
				return
			}
			u.WorkspaceIDs = ids
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	// WebSocket and EventSource clients cannot set headers.
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
