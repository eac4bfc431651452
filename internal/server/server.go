// Package server exposes the engine over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lazypower/mnemos/internal/engine"
	"github.com/lazypower/mnemos/internal/logging"
	"github.com/lazypower/mnemos/internal/policy"
)

// Actor headers. Authentication happens in front of this server.
const (
	HeaderActor = "X-Mnemos-Actor"
	HeaderRole  = "X-Mnemos-Role"
)

const (
	requestTimeout = 60 * time.Second
	maxBodyBytes   = 64 << 20
)

// Server is the mnemos HTTP API server.
type Server struct {
	eng     *engine.Engine
	router  chi.Router
	version string
	started time.Time
	log     *zap.Logger
}

// New creates a Server around eng.
func New(eng *engine.Engine, version string, log *zap.Logger) *Server {
	s := &Server{
		eng:     eng,
		version: version,
		started: time.Now(),
		log:     logging.OrNop(log),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/ingest", s.handleIngest)
		r.Post("/recall", s.handleRecall)
		r.Get("/recall/federated", s.handleFederatedRecall)
		r.Post("/feedback", s.handleFeedback)
		r.Get("/artifact/{id}/stack", s.handleStack)
		r.Get("/profile/{user}", s.handleProfile)
		r.Get("/export", s.handleExport)

		r.Post("/policy/evaluate", s.handlePolicyEvaluate)

		r.Get("/reflection/dead-letters", s.handleDeadLetters)
		r.Post("/reflection/run", s.handleReflectionRun)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	db := s.eng.DB()
	dbOK := db.PingContext(r.Context()) == nil

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    s.version,
		"uptime":     time.Since(s.started).Seconds(),
		"db":         dbOK,
		"db_path":    db.Path,
		"embeddings": s.eng.Generator().Available(),
	})
}

// actor reads the caller identity set by the fronting proxy.
func (s *Server) actor(r *http.Request) policy.Actor {
	return s.eng.Actor(r.Header.Get(HeaderActor), r.Header.Get(HeaderRole))
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
}

var statusByCode = map[string]int{
	"validation":            http.StatusBadRequest,
	"policy_denied":         http.StatusForbidden,
	"not_found":             http.StatusNotFound,
	"duplicate":             http.StatusConflict,
	"retrieval_unavailable": http.StatusServiceUnavailable,
	"backend_unavailable":   http.StatusServiceUnavailable,
	"peer_timeout":          http.StatusGatewayTimeout,
}

// fail writes err as {error, message}. Internal errors are logged and
// reported without detail.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := engine.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal"})
		return
	}

	body := errorBody{Error: code, Message: err.Error()}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		body.Field = ve.Field
	}
	var pd *engine.PolicyDeniedError
	if errors.As(err, &pd) {
		body.Rule = pd.Rule
	}
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Message: msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "invalid json: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
