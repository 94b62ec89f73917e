package httpapi

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/apperr"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/audit"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/hash"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/ratelimit"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/session"
)

type ctxKey int

const (
	sessionKey ctxKey = iota
	auditMetaKey
)

// sessionFrom returns the validated session placed by requireSession.
func sessionFrom(ctx context.Context) (session.Snapshot, bool) {
	s, ok := ctx.Value(sessionKey).(session.Snapshot)
	return s, ok
}

// auditMeta is injected by auditHTTP before inner middleware runs, so the
// session middleware can hand the hashed session id back out to the
// completion-time audit record.
type auditMeta struct {
	mu          sync.Mutex
	sessionHash string
}

func (m *auditMeta) setSession(hash string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.sessionHash = hash
	m.mu.Unlock()
}

func (m *auditMeta) session() string {
	if m == nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionHash
}

func metaFrom(ctx context.Context) *auditMeta {
	m, _ := ctx.Value(auditMetaKey).(*auditMeta)
	return m
}

// requireSession validates the bearer token and stores the session
// snapshot on the request context.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, apperr.New(apperr.CodeNoSessionToken, "missing session token"))
			return
		}
		snap, err := s.sessions.Validate(token)
		if err != nil {
			writeError(w, err)
			return
		}
		metaFrom(r.Context()).setSession(hash.ShortIdentifier(snap.ID))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey, snap)))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// rateLimit enforces the per-class sliding window. The identifier is the
// session id when present, otherwise the hashed peer address, never a
// raw IP.
func (s *Server) rateLimit(class ratelimit.Class) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var identifier string
			if snap, ok := sessionFrom(r.Context()); ok {
				identifier = snap.ID
			} else {
				identifier = hash.ShortIdentifier(peerHost(r))
			}

			d := s.limiter.Check(identifier, class)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			if !d.Allowed {
				writeError(w, apperr.New(apperr.CodeRateLimited, "rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func peerHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// auditHTTP emits one http audit record per request, after completion.
func (s *Server) auditHTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		meta := &auditMeta{}
		r = r.WithContext(context.WithValue(r.Context(), auditMetaKey, meta))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(routeLabel(r), strconv.Itoa(ww.Status())).Inc()
		}
		if s.sink == nil {
			return
		}
		outcome := audit.OutcomeSuccess
		severity := audit.SeverityInfo
		switch {
		case ww.Status() == http.StatusTooManyRequests || ww.Status() == http.StatusUnauthorized:
			outcome = audit.OutcomeDenied
			severity = audit.SeverityWarning
		case ww.Status() >= 500:
			outcome = audit.OutcomeFailure
			severity = audit.SeverityError
		case ww.Status() >= 400:
			outcome = audit.OutcomeFailure
			severity = audit.SeverityWarning
		}

		s.sink.Emit(audit.Record{
			Kind:        audit.KindHTTP,
			Severity:    severity,
			SessionHash: meta.session(),
			Resource:    r.URL.Path,
			Action:      r.Method,
			Outcome:     outcome,
			Fields: map[string]any{
				"status":     ww.Status(),
				"durationMs": time.Since(start).Milliseconds(),
				"bytes":      ww.BytesWritten(),
			},
		})
	})
}

// routeLabel returns the matched chi route pattern so the metric label
// set stays bounded; unmatched requests collapse into one label.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// recoverPanics converts handler panics into the uniform 500 envelope.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, apperr.Newf(apperr.CodeInternal, "panic: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
