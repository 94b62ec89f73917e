// Package httpapi is the composition surface of the gateway: it binds the
// session store, rate limiter, tool pool, image preprocessor, intent
// classifier, and federation orchestrator to the HTTP endpoints. Handlers
// parse, call one orchestration method, and encode; they do no synthesis.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/audit"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/config"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/federation"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/imaging"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/intent"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/metrics"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/phi"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/ratelimit"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/session"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/tools"
)

// maxJSONBody bounds non-multipart request bodies.
const maxJSONBody = 1 << 20

// maxHistoryMessages bounds the conversation tail passed to synthesis.
const maxHistoryMessages = 5

// ToolPool is the slice of the tool pool the HTTP surface reads.
type ToolPool interface {
	Status() map[string]tools.StatusInfo
	Capabilities() []string
	Connected() []string
}

// Synthesizer runs one federated medical query.
type Synthesizer interface {
	Synthesize(ctx context.Context, req federation.Request) (*federation.SynthesizedResponse, error)
}

// Deps are the components the server composes. All are wired at startup;
// the server owns none of their lifecycles except the HTTP listener.
type Deps struct {
	Config       *config.Config
	Logger       *zap.Logger
	Sessions     *session.Store
	Limiter      *ratelimit.Limiter
	Sink         *audit.Sink
	Pool         ToolPool
	Orchestrator Synthesizer
	Preprocessor *imaging.Preprocessor
	Classifier   *intent.Classifier
	Scrubber     *phi.Scrubber
	Metrics      *metrics.Set
	Version      string
}

// Server is the HTTP surface.
type Server struct {
	cfg          *config.Config
	logger       *zap.Logger
	sessions     *session.Store
	limiter      *ratelimit.Limiter
	sink         *audit.Sink
	pool         ToolPool
	orchestrator Synthesizer
	preproc      *imaging.Preprocessor
	classifier   *intent.Classifier
	scrubber     *phi.Scrubber
	metrics      *metrics.Set
	version      string

	startedAt  time.Time
	httpServer *http.Server
}

// NewServer builds the server and its router.
func NewServer(d Deps) *Server {
	s := &Server{
		cfg:          d.Config,
		logger:       d.Logger.Named("http"),
		sessions:     d.Sessions,
		limiter:      d.Limiter,
		sink:         d.Sink,
		pool:         d.Pool,
		orchestrator: d.Orchestrator,
		preproc:      d.Preprocessor,
		classifier:   d.Classifier,
		scrubber:     d.Scrubber,
		metrics:      d.Metrics,
		version:      d.Version,
		startedAt:    time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:              d.Config.Listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.recoverPanics)
	r.Use(s.auditHTTP)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/", s.handleIdentity)
	r.Get("/api/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.With(s.rateLimit(ratelimit.ClassStandard)).Post("/api/session", s.handleCreateSession)

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)
		r.Use(s.rateLimit(ratelimit.ClassMedical))

		r.Post("/api/medical-chat", s.handleMedicalChat)
		r.Post("/api/medical/differential-diagnosis", s.handleDifferentialDiagnosis)
		r.Post("/api/medical/clinical-trials", s.handleClinicalTrials)
		r.Post("/api/medical/drug-interactions", s.handleDrugInteractions)
		r.Post("/api/medical/image-analysis", s.handleImageAnalysis)
		r.Get("/api/medical/health", s.handleMedicalHealth)
		r.Get("/api/medical/tools", s.handleTools)
		r.Get("/api/medical/compliance-report", s.handleComplianceReport)
	})

	// Legacy path kept as a permanent redirect.
	r.Handle("/api/chat", http.RedirectHandler("/api/medical-chat", http.StatusPermanentRedirect))

	return r
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting new requests and drains in-flight ones until
// ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "medintel-gateway",
		"version": s.version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected := s.pool.Connected()
	total := len(s.pool.Status())
	status := "ok"
	if len(connected) == 0 && total > 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"version":       s.version,
		"uptimeSeconds": int(time.Since(s.startedAt).Seconds()),
		"tools": map[string]any{
			"connected": len(connected),
			"total":     total,
		},
		"activeSessions": s.sessions.Len(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	snap, token, err := s.sessions.Create(session.Fingerprint{
		UserAgent: r.UserAgent(),
		PeerAddr:  peerHost(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"expiresAt": snap.ExpiresAt.UTC(),
	})
}

func (s *Server) handleMedicalHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]any{
		"tools":          s.pool.Status(),
		"activeSessions": s.sessions.Len(),
		"auditEnabled":   s.sink != nil,
		"llmConfigured":  s.cfg.LLM != nil && (s.cfg.LLM.Primary != nil || s.cfg.LLM.Fallback != nil),
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"components": components,
	})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tools":        s.pool.Status(),
		"connected":    s.pool.Connected(),
		"capabilities": s.pool.Capabilities(),
	})
}

func (s *Server) handleComplianceReport(w http.ResponseWriter, r *http.Request) {
	timeframe := r.URL.Query().Get("timeframe")
	var window time.Duration
	switch timeframe {
	case "", "24h":
		timeframe, window = "24h", 24*time.Hour
	case "1h":
		window = time.Hour
	case "7d":
		window = 7 * 24 * time.Hour
	case "30d":
		window = 30 * 24 * time.Hour
	default:
		writeError(w, errInvalidTimeframe)
		return
	}

	since := time.Now().Add(-window)
	report := map[string]any{
		"timeframe": timeframe,
		"since":     since.UTC(),
	}
	if s.sink != nil {
		byKind, bySeverity, total := s.sink.Stats(since)
		report["byKind"] = byKind
		report["bySeverity"] = bySeverity
		report["total"] = total
	}
	writeJSON(w, http.StatusOK, report)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}
