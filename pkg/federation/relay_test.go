package federation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nathan0299/FiberStack-Lite/pkg/model"
	"github.com/Nathan0299/FiberStack-Lite/pkg/observability"
	"github.com/Nathan0299/FiberStack-Lite/pkg/queue"
)

func fakeBearer() (string, error) { return "test-token", nil }

func TestForwarder_DrainsSuccessfullyStaysForwarding(t *testing.T) {
	central := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer central.Close()

	buf := queue.NewMemoryQueue()
	require.NoError(t, buf.Enqueue(context.Background(), model.QueueItem{Sample: model.Sample{NodeID: "n1"}}))

	cfg := DefaultConfig(central.URL)
	fwd := NewForwarder(buf, queue.NewMemoryDLQ(), cfg, observability.New(), fakeBearer)

	fwd.tick(context.Background())

	assert.Equal(t, Forwarding, fwd.State())
	depth, err := buf.Depth(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, depth, "successfully forwarded item is acked, not left in buffer")
}

func TestForwarder_RepeatedFailuresEnterBuffering(t *testing.T) {
	central := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer central.Close()

	buf := queue.NewMemoryQueue()
	cfg := DefaultConfig(central.URL)
	cfg.UnreachableThreshold = 2
	fwd := NewForwarder(buf, queue.NewMemoryDLQ(), cfg, observability.New(), fakeBearer)

	for i := 0; i < 3; i++ {
		require.NoError(t, buf.Enqueue(context.Background(), model.QueueItem{Sample: model.Sample{NodeID: "n1"}}))
		fwd.tick(context.Background())
	}

	assert.Equal(t, Buffering, fwd.State())
}

func TestForwarder_HighWaterDegradesFull(t *testing.T) {
	buf := queue.NewMemoryQueue()
	cfg := DefaultConfig("http://unused")
	cfg.HighWater = 2
	cfg.LowWater = 1
	fwd := NewForwarder(buf, queue.NewMemoryDLQ(), cfg, observability.New(), fakeBearer)

	for i := 0; i < 3; i++ {
		require.NoError(t, buf.Enqueue(context.Background(), model.QueueItem{Sample: model.Sample{NodeID: "n1"}}))
	}

	fwd.updateWaterMarks(3)
	assert.Equal(t, DegradedFull, fwd.State())
	assert.False(t, fwd.AcceptsWrites())

	fwd.updateWaterMarks(0)
	assert.Equal(t, Buffering, fwd.State())
	assert.True(t, fwd.AcceptsWrites())
}

func TestForwarder_RejectedBatchIsDeadLetteredNotDropped(t *testing.T) {
	central := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer central.Close()

	buf := queue.NewMemoryQueue()
	require.NoError(t, buf.Enqueue(context.Background(), model.QueueItem{Sample: model.Sample{NodeID: "n1"}}))

	dlq := queue.NewMemoryDLQ()
	cfg := DefaultConfig(central.URL)
	fwd := NewForwarder(buf, dlq, cfg, observability.New(), fakeBearer)

	fwd.tick(context.Background())

	depth, err := buf.Depth(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 0, depth, "rejected batch is removed from the live buffer")

	dlqDepth, err := dlq.Depth(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, dlqDepth, "rejected batch is dead-lettered, not dropped")

	assert.Equal(t, Forwarding, fwd.State(), "a permanent rejection is not a reachability failure")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "FORWARDING", Forwarding.String())
	assert.Equal(t, "BUFFERING", Buffering.String())
	assert.Equal(t, "DEGRADED_FULL", DegradedFull.String())
}

func TestForwarder_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig("http://central")
	assert.Equal(t, "http://central", cfg.CentralURL)
	assert.Greater(t, cfg.DrainInterval, time.Duration(0))
}
