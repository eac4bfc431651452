package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lazypower/mnemos/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func TestMergeNormalizesPerOrigin(t *testing.T) {
	lists := map[string][]Item{
		OriginLocal: {
			{ID: "a", Score: 10},
			{ID: "b", Score: 5},
			{ID: "c", Score: 0},
			{ID: "a", Score: 2},
		},
		"peer1": {
			{ID: "a", Score: 0.9},
			{ID: "x", Score: 0.1},
		},
	}

	got := Merge(lists, 0)
	require.Len(t, got, 5, "duplicate (local, a) collapses; (peer1, a) is distinct")

	want := []struct {
		origin, id string
		score      float64
	}{
		{OriginLocal, "a", 1},
		{"peer1", "a", 1},
		{OriginLocal, "b", 0.5},
		{OriginLocal, "c", 0},
		{"peer1", "x", 0},
	}
	for i, w := range want {
		assert.Equal(t, w.origin, got[i].Origin, "item %d", i)
		assert.Equal(t, w.id, got[i].ID, "item %d", i)
		assert.InDelta(t, w.score, got[i].Score, 1e-9, "item %d", i)
	}

	top := Merge(lists, 3)
	require.Len(t, top, 3)
	assert.Equal(t, "b", top[2].ID)
}

func TestMergeEqualScoresNormalizeToOne(t *testing.T) {
	got := Merge(map[string][]Item{"p": {{ID: "a", Score: 0.3}, {ID: "b", Score: 0.3}}}, 10)
	require.Len(t, got, 2)
	for _, it := range got {
		assert.Equal(t, 1.0, it.Score)
	}
	assert.Empty(t, Merge(map[string][]Item{OriginLocal: nil}, 10))
}

func peerServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func recallHandler(resp map[string][]Item) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/recall" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func TestQueryWithSlowPeer(t *testing.T) {
	fast := peerServer(t, recallHandler(map[string][]Item{
		"precision_layer": {{ID: "p1", Kind: "codestone", Score: 0.8}, {ID: "p2", Kind: "codestone", Score: 0.4}},
		"evidence_layer":  {{ID: "s1", Kind: "shard", Score: 0.6}},
	}))

	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer slow.Close()
	defer close(release)

	f := New(config.FederationConfig{
		Peers: []config.Peer{
			{Name: "fast", URL: fast.URL},
			{Name: "slow", URL: slow.URL},
		},
		PeerTimeout: 100 * time.Millisecond,
	}, nil)

	local := []Item{{ID: "l1", Kind: "codestone", Score: 0.9}, {ID: "l2", Kind: "shard", Score: 0.1}}

	start := time.Now()
	res, err := f.Query(context.Background(), Request{Text: "bridge", K: 10}, local, 10)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Len(t, res.Peers, 2)
	assert.Equal(t, PeerStatus{Name: "fast", Items: 3}, res.Peers[0])
	assert.Equal(t, "slow", res.Peers[1].Name)
	assert.True(t, res.Peers[1].TimedOut)
	assert.Contains(t, res.Peers[1].Error, "peer timeout")

	origins := map[string]int{}
	for _, it := range res.Items {
		origins[it.Origin]++
	}
	assert.Equal(t, map[string]int{OriginLocal: 2, "fast": 3}, origins)

	for _, it := range res.Items {
		if it.ID == "s1" {
			assert.Equal(t, LayerEvidence, it.Layer)
		}
	}
}

func TestQueryPeerError(t *testing.T) {
	broken := peerServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
	})
	f := New(config.FederationConfig{Peers: []config.Peer{{Name: "broken", URL: broken.URL}}}, nil)

	res, err := f.Query(context.Background(), Request{Text: "x"}, []Item{{ID: "l1", Score: 1}}, 5)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, OriginLocal, res.Items[0].Origin)
	assert.False(t, res.Peers[0].TimedOut)
	assert.Contains(t, res.Peers[0].Error, "status 500")
}

func TestQueryForwardsFilters(t *testing.T) {
	got := make(chan recallBody, 1)
	peer := peerServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body recallBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		got <- body
		w.Write([]byte(`{}`))
	})
	f := New(config.FederationConfig{Peers: []config.Peer{{Name: "p", URL: peer.URL + "/"}}}, nil)

	_, err := f.Query(context.Background(), Request{Text: "seed", K: 4, Kinds: []string{"shard"}}, nil, 4)
	require.NoError(t, err)

	body := <-got
	assert.Equal(t, "seed", body.Text)
	assert.Equal(t, 4, body.K)
	require.NotNil(t, body.Filters)
	assert.Equal(t, []string{"shard"}, body.Filters.Kinds)
}

func TestQueryCancelledContext(t *testing.T) {
	f := New(config.FederationConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Query(ctx, Request{Text: "x"}, nil, 5)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClientHealthy(t *testing.T) {
	srv := peerServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			w.Write([]byte(`{"status":"ok"}`))
			return
		}
		http.NotFound(w, r)
	})
	assert.True(t, NewClient(srv.URL).Healthy(context.Background()))
	assert.Equal(t, []string{"a"}, New(config.FederationConfig{Peers: []config.Peer{{Name: "a", URL: srv.URL}}}, nil).Peers())
}
