package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nathan0299/FiberStack-Lite/pkg/audit"
	"github.com/Nathan0299/FiberStack-Lite/pkg/auth"
	"github.com/Nathan0299/FiberStack-Lite/pkg/idempotency"
	"github.com/Nathan0299/FiberStack-Lite/pkg/model"
	"github.com/Nathan0299/FiberStack-Lite/pkg/observability"
	"github.com/Nathan0299/FiberStack-Lite/pkg/queue"
	"github.com/Nathan0299/FiberStack-Lite/pkg/ratelimit"
	"github.com/Nathan0299/FiberStack-Lite/pkg/storage"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	authority, err := auth.NewAuthority()
	require.NoError(t, err)

	tok := authority.Issue("probe-1", "gh-accra", time.Hour)
	bearer, err := auth.EncodeBearer(tok)
	require.NoError(t, err)

	opts := DefaultOptions()
	srv := NewServer(
		queue.NewMemoryQueue(),
		queue.NewMemoryDLQ(),
		idempotency.NewMemoryIndex(),
		audit.NewMemoryLog(),
		ratelimit.NewMemoryBackend(),
		observability.New(),
		authority.PublicKey(),
		nil,
		opts,
	)
	return srv, bearer
}

func TestHandlePush_Accepted(t *testing.T) {
	srv, bearer := newTestServer(t)

	sample := model.Sample{
		NodeID:        "node-1",
		Country:       "GH",
		Timestamp:     time.Now(),
		LatencyMS:     42.0,
		UptimePct:     99.9,
		PacketLossPct: 0.1,
	}
	body, err := json.Marshal(sample)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/push", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+bearer)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp["status"])
	assert.NotEmpty(t, resp["message_id"])

	depth, err := srv.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
}

func TestHandlePush_Unauthorized(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/push", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandlePush_OutOfBoundsRejected(t *testing.T) {
	srv, bearer := newTestServer(t)

	sample := model.Sample{NodeID: "node-1", Country: "GH", Timestamp: time.Now(), LatencyMS: -5}
	body, _ := json.Marshal(sample)

	req := httptest.NewRequest(http.MethodPost, "/push", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+bearer)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleIngest_DuplicateBatchIsIdempotent(t *testing.T) {
	srv, bearer := newTestServer(t)

	reqBody := ingestRequest{Samples: []model.Sample{
		{NodeID: "node-1", Country: "GH", Timestamp: time.Now(), LatencyMS: 10, UptimePct: 100, PacketLossPct: 0},
	}}
	body, err := json.Marshal(reqBody)
	require.NoError(t, err)

	makeReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+bearer)
		req.Header.Set("X-Batch-ID", "batch-123")
		return req
	}

	w1 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w1, makeReq())
	assert.Equal(t, http.StatusAccepted, w1.Code)

	w2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w2, makeReq())
	assert.Equal(t, http.StatusConflict, w2.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["duplicate"])
}

func TestHandleIngest_MissingBatchIDRejected(t *testing.T) {
	srv, bearer := newTestServer(t)

	reqBody := ingestRequest{Samples: []model.Sample{
		{NodeID: "node-1", Country: "GH", Timestamp: time.Now(), LatencyMS: 10, UptimePct: 100, PacketLossPct: 0},
	}}
	body, _ := json.Marshal(reqBody)

	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+bearer)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleStatus_ReportsOK(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

// fakeStore is an in-memory Store double covering the samples read path and
// node lifecycle, for tests that don't need a real Postgres connection.
type fakeStore struct {
	samples []model.Sample
	nodes   map[string]model.Node
}

func newFakeStore() *fakeStore {
	return &fakeStore{nodes: make(map[string]model.Node)}
}

func (f *fakeStore) QuerySamples(ctx context.Context, filter storage.SampleFilter) ([]model.Sample, int, error) {
	return f.samples, len(f.samples), nil
}

func (f *fakeStore) UpsertNode(ctx context.Context, node model.Node) error {
	f.nodes[node.NodeID] = node
	return nil
}

func (f *fakeStore) SoftDeleteNode(ctx context.Context, nodeID string) error {
	n, ok := f.nodes[nodeID]
	if !ok {
		return fmt.Errorf("node %s not found", nodeID)
	}
	n.Status = model.NodeDeleted
	f.nodes[nodeID] = n
	return nil
}

func TestHandleMetricsRead_ReturnsPagedData(t *testing.T) {
	authority, err := auth.NewAuthority()
	require.NoError(t, err)
	tok := authority.Issue("dashboard-1", "gh-accra", time.Hour)
	bearer, err := auth.EncodeBearer(tok)
	require.NoError(t, err)

	store := newFakeStore()
	store.samples = []model.Sample{
		{NodeID: "node-1", Timestamp: time.Now(), LatencyMS: 10},
	}
	srv := NewServer(
		queue.NewMemoryQueue(), queue.NewMemoryDLQ(), idempotency.NewMemoryIndex(),
		audit.NewMemoryLog(), ratelimit.NewMemoryBackend(), observability.New(),
		authority.PublicKey(), store, DefaultOptions(),
	)

	req := httptest.NewRequest(http.MethodGet, "/metrics?limit=10", nil)
	req.Header.Set("Authorization", "Bearer "+bearer)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Data struct {
			Metrics []model.Sample `json:"metrics"`
			Total   int             `json:"total"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Data.Total)
	assert.Equal(t, "node-1", resp.Data.Metrics[0].NodeID)
}

func TestHandleMetricsRead_UnauthorizedWithoutToken(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleMetricsRead_UnavailableOnRelay(t *testing.T) {
	srv, bearer := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+bearer)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func newTestServerWithStore(t *testing.T) (*Server, string, *fakeStore, audit.Log) {
	t.Helper()
	authority, err := auth.NewAuthority()
	require.NoError(t, err)
	tok := authority.Issue("operator-1", "gh-accra", time.Hour)
	bearer, err := auth.EncodeBearer(tok)
	require.NoError(t, err)

	store := newFakeStore()
	auditLog := audit.NewMemoryLog()
	srv := NewServer(
		queue.NewMemoryQueue(), queue.NewMemoryDLQ(), idempotency.NewMemoryIndex(),
		auditLog, ratelimit.NewMemoryBackend(), observability.New(),
		authority.PublicKey(), store, DefaultOptions(),
	)
	return srv, bearer, store, auditLog
}

func TestHandleRegisterNode_UpsertsAndAudits(t *testing.T) {
	srv, bearer, store, auditLog := newTestServerWithStore(t)

	body, err := json.Marshal(nodeRegisterRequest{NodeID: "node-9", Country: "GH", Region: "Accra"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/nodes", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+bearer)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, model.NodeRegistered, store.nodes["node-9"].Status)

	entries, err := auditLog.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "REGISTER_NODE", entries[0].Action)
	assert.Equal(t, "operator-1", entries[0].Actor)
}

func TestHandleDeleteNode_SoftDeletesAndAudits(t *testing.T) {
	srv, bearer, store, auditLog := newTestServerWithStore(t)
	store.nodes["node-9"] = model.Node{NodeID: "node-9", Status: model.NodeRegistered}

	req := httptest.NewRequest(http.MethodDelete, "/nodes/node-9", nil)
	req.Header.Set("Authorization", "Bearer "+bearer)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.NodeDeleted, store.nodes["node-9"].Status)

	entries, err := auditLog.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "DELETE_NODE", entries[0].Action)
}
