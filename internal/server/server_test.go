package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lazypower/mnemos/internal/config"
	"github.com/lazypower/mnemos/internal/engine"
	"github.com/lazypower/mnemos/internal/store"
)

func testServer(t *testing.T) (*Server, *store.DB) {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	cfg.Embedding.Provider = "none"
	eng, err := engine.New(db, cfg, engine.Options{}, zap.NewNop())
	require.NoError(t, err)
	return New(eng, "test-version", zap.NewNop()), db
}

func do(t *testing.T, srv *Server, method, path, role, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req.Header.Set(HeaderActor, "tester")
	if role != "" {
		req.Header.Set(HeaderRole, role)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

const ingestBody = `{"source":"slack","shards":[
	{"id":"s1","kind":"message","text":"The bridge design review is on Tuesday."},
	{"id":"s2","kind":"message","text":"We chose cables over arches.","parent_ids":["s1"]}
]}`

func TestHealthEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	w, body := do(t, srv, "GET", "/api/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test-version", body["version"])
	assert.Equal(t, true, body["db"])
	assert.Equal(t, false, body["embeddings"])
}

func TestIngestAndRecall(t *testing.T) {
	srv, _ := testServer(t)

	w, body := do(t, srv, "POST", "/api/ingest", "owner", ingestBody)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 2, body["ingested_count"])
	assert.EqualValues(t, 0, body["skipped_count"])

	w, body = do(t, srv, "POST", "/api/recall", "owner", `{"text":"bridge","k":5}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, body["event_id"])
	assert.Equal(t, "evidence", body["lead"])

	evidence := body["evidence_layer"].([]any)
	require.NotEmpty(t, evidence)
	assert.Equal(t, "s1", evidence[0].(map[string]any)["id"])
	for _, layer := range []string{"precision_layer", "intuition_layer", "myth_layer"} {
		assert.NotNil(t, body[layer], layer)
	}
}

func TestIngestErrors(t *testing.T) {
	srv, _ := testServer(t)

	w, body := do(t, srv, "POST", "/api/ingest", "", ingestBody)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "policy_denied", body["error"])
	assert.Equal(t, "reader-no-write", body["rule"])

	w, body = do(t, srv, "POST", "/api/ingest", "owner", `{"source":"slack","shards":[{"id":"s1","kind":"tweet","text":"x"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation", body["error"])
	assert.Equal(t, "shards[0].kind", body["field"])

	w, body = do(t, srv, "POST", "/api/ingest", "owner", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation", body["error"])

	w, _ = do(t, srv, "POST", "/api/ingest", "owner", ingestBody)
	require.Equal(t, http.StatusOK, w.Code)
	w, body = do(t, srv, "POST", "/api/ingest", "owner", ingestBody)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "duplicate", body["error"])
}

func TestRecallValidation(t *testing.T) {
	srv, _ := testServer(t)

	w, body := do(t, srv, "POST", "/api/recall", "", `{"text":"  "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "text", body["field"])

	w, body = do(t, srv, "POST", "/api/recall", "", `{"text":"anything"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, engine.CodeEmptyResult, body["code"])
}

func TestFeedbackEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	do(t, srv, "POST", "/api/ingest", "owner", ingestBody)

	_, recall := do(t, srv, "POST", "/api/recall", "owner", `{"text":"bridge","user_id":"u1"}`)
	eventID := recall["event_id"].(string)

	w, _ := do(t, srv, "POST", "/api/feedback", "owner",
		`{"user_id":"u1","event_id":"`+eventID+`","chosen_ids":["s1"],"rating":0.9,"outcome":"success"}`)
	assert.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w, body := do(t, srv, "GET", "/api/profile/u1", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["version"])

	w, body = do(t, srv, "POST", "/api/feedback", "owner", `{"user_id":"u1","event_id":"nope","rating":0.9}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "event_id", body["field"])
}

func TestStackEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	do(t, srv, "POST", "/api/ingest", "owner", ingestBody)

	w, body := do(t, srv, "GET", "/api/artifact/s2/stack", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "shard", body["kind"])
	parents := body["parents"].([]any)
	require.Len(t, parents, 1)
	assert.Equal(t, "s1", parents[0].(map[string]any)["id"])
	assert.Equal(t, []any{}, body["children"])

	w, body = do(t, srv, "GET", "/api/artifact/ghost/stack", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", body["error"])
}

func TestPolicyEvaluateEndpoint(t *testing.T) {
	srv, _ := testServer(t)

	w, body := do(t, srv, "POST", "/api/policy/evaluate", "",
		`{"action":"write","payload":{},"actor":{"id":"u1","role":"reader"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["allow"])
	assert.Equal(t, "reader-no-write", body["rule"])

	w, body = do(t, srv, "POST", "/api/policy/evaluate", "",
		`{"action":"read","payload":{"metadata":{"sensitive":true}},"actor":{"id":"u1","role":"owner"}}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["allow"])

	w, _ = do(t, srv, "POST", "/api/policy/evaluate", "", `{"payload":{}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReflectionEndpoints(t *testing.T) {
	srv, _ := testServer(t)
	do(t, srv, "POST", "/api/ingest", "owner", ingestBody)

	w, body := do(t, srv, "POST", "/api/reflection/run?pass=distill", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	runs := body["runs"].([]any)
	require.Len(t, runs, 1)
	assert.EqualValues(t, 2, runs[0].(map[string]any)["applied"])

	w, _ = do(t, srv, "POST", "/api/reflection/run?pass=bogus", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = do(t, srv, "GET", "/api/reflection/dead-letters", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["count"])
	assert.Equal(t, []any{}, body["dead_letters"])
}

func TestFederatedRecallWithoutPeers(t *testing.T) {
	srv, _ := testServer(t)
	do(t, srv, "POST", "/api/ingest", "owner", ingestBody)

	w, body := do(t, srv, "GET", "/api/recall/federated?text=bridge&k=3&kinds=message", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	evidence := body["evidence_layer"].([]any)
	require.NotEmpty(t, evidence)
	assert.Equal(t, "local", evidence[0].(map[string]any)["origin"])

	w, _ = do(t, srv, "GET", "/api/recall/federated?text=bridge&k=many", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	do(t, srv, "POST", "/api/ingest", "owner", ingestBody)

	w, body := do(t, srv, "GET", "/api/export", "", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "policy_denied", body["error"])

	w, body = do(t, srv, "GET", "/api/export?sources=slack&limit=1", "owner", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 1, body["count"])
}

func TestInternalErrorsHideDetail(t *testing.T) {
	srv, db := testServer(t)
	require.NoError(t, db.Close())

	w, body := do(t, srv, "POST", "/api/ingest", "owner", ingestBody)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, map[string]any{"error": "internal"}, body)
}
