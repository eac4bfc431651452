package server

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lazypower/mnemos/internal/engine"
	"github.com/lazypower/mnemos/internal/personal"
	"github.com/lazypower/mnemos/internal/policy"
	"github.com/lazypower/mnemos/internal/reflect"
	"github.com/lazypower/mnemos/internal/store"
)

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req engine.IngestRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.eng.Ingest(r.Context(), s.actor(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	var req engine.RecallRequest
	if !decode(w, r, &req) {
		return
	}
	req.Actor = s.actor(r)
	resp, err := s.eng.Recall(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFederatedRecall(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := engine.RecallRequest{
		Text:      q.Get("text"),
		UserID:    q.Get("user_id"),
		SessionID: q.Get("session_id"),
		Actor:     s.actor(r),
	}
	if v := q.Get("k"); v != "" {
		k, err := strconv.Atoi(v)
		if err != nil {
			badRequest(w, "k must be an integer")
			return
		}
		req.K = k
	}
	req.Filters = filterFromQuery(q)

	resp, err := s.eng.FederatedRecall(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var fb personal.Feedback
	if !decode(w, r, &fb) {
		return
	}
	if _, err := s.eng.Feedback(r.Context(), s.actor(r), fb); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStack(w http.ResponseWriter, r *http.Request) {
	st, err := s.eng.Stack(r.Context(), s.actor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"artifact": st.Artifact,
		"kind":     st.Kind,
		"parents":  nonNil(st.Parents),
		"children": nonNil(st.Children),
		"edges":    nonNil(st.Edges),
	})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.eng.Profile(r.Context(), s.actor(r), chi.URLParam(r, "user"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := filterFromQuery(q)
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	shards, err := s.eng.Export(r.Context(), s.actor(r), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(shards), "shards": nonNil(shards)})
}

func (s *Server) handlePolicyEvaluate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action  string         `json:"action"`
		Payload map[string]any `json:"payload"`
		Actor   policy.Actor   `json:"actor"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Action == "" {
		badRequest(w, "action required")
		return
	}
	actor := s.eng.Actor(req.Actor.ID, req.Actor.Role)
	d, err := s.eng.Gate().Evaluate(r.Context(), req.Action, req.Payload, actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	dl, err := s.eng.DB().DeadLetters(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(dl), "dead_letters": nonNil(dl)})
}

func (s *Server) handleReflectionRun(w http.ResponseWriter, r *http.Request) {
	pass := r.URL.Query().Get("pass")
	p := s.eng.Pipeline()

	var (
		stats []reflect.RunStats
		err   error
	)
	if pass == "" {
		stats, err = p.RunAll(r.Context())
	} else {
		var st reflect.RunStats
		st, err = p.Run(r.Context(), pass)
		stats = []reflect.RunStats{st}
	}
	if errors.Is(err, reflect.ErrUnknownPass) {
		badRequest(w, err.Error())
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("reflection run requested", zap.String("pass", pass), zap.Int("passes", len(stats)))
	writeJSON(w, http.StatusOK, map[string]any{"runs": stats})
}

// filterFromQuery reads comma-separated kinds and sources.
func filterFromQuery(q url.Values) store.ShardFilter {
	var f store.ShardFilter
	for _, k := range splitList(q.Get("kinds")) {
		f.Kinds = append(f.Kinds, store.Kind(k))
	}
	f.Sources = splitList(q.Get("sources"))
	return f
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
