package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nathan0299/FiberStack-Lite/pkg/model"
)

func fakeBearer() (string, error) { return "test-token", nil }

func acceptingServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
}

func rejectingServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
}

func TestFailover_PrimarySuccessStaysPrimary(t *testing.T) {
	primary := acceptingServer(t)
	defer primary.Close()

	sender := NewSender(SenderConfig{RequestTimeout: 2 * 1e9, MaxRetries: 0, BackoffBase: 2}, fakeBearer)
	fo := NewFailover([]Target{{Name: "primary", BaseURL: primary.URL, Priority: 0}}, sender, DefaultFailoverConfig())

	delivered, target := fo.Push(context.Background(), "trace1", model.Sample{NodeID: "n1"})
	require.True(t, delivered)
	assert.Equal(t, "primary", target)
	assert.Equal(t, "primary", fo.ActiveTarget())
}

func TestFailover_FallsOverOnPrimaryFailure(t *testing.T) {
	primary := rejectingServer(t)
	defer primary.Close()
	secondary := acceptingServer(t)
	defer secondary.Close()

	cfg := DefaultFailoverConfig()
	cfg.InitialBackoff = 0
	sender := NewSender(SenderConfig{RequestTimeout: 2 * 1e9, MaxRetries: 0, BackoffBase: 2}, fakeBearer)
	fo := NewFailover([]Target{
		{Name: "primary", BaseURL: primary.URL, Priority: 0},
		{Name: "secondary", BaseURL: secondary.URL, Priority: 1},
	}, sender, cfg)

	delivered, target := fo.Push(context.Background(), "trace1", model.Sample{NodeID: "n1"})
	require.True(t, delivered)
	assert.Equal(t, "secondary", target)
	assert.Equal(t, "secondary", fo.ActiveTarget())
}

func TestFailover_PromotesBackToPrimaryAfterThreshold(t *testing.T) {
	var primaryUp atomic.Bool
	primaryUp.Store(false)
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if primaryUp.Load() {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()
	secondary := acceptingServer(t)
	defer secondary.Close()

	cfg := DefaultFailoverConfig()
	cfg.InitialBackoff = 0
	cfg.Stickiness = 0
	cfg.PromotionThreshold = 2
	sender := NewSender(SenderConfig{RequestTimeout: 2 * 1e9, MaxRetries: 0, BackoffBase: 2}, fakeBearer)
	fo := NewFailover([]Target{
		{Name: "primary", BaseURL: primary.URL, Priority: 0},
		{Name: "secondary", BaseURL: secondary.URL, Priority: 1},
	}, sender, cfg)

	delivered, target := fo.Push(context.Background(), "t1", model.Sample{NodeID: "n1"})
	require.True(t, delivered)
	assert.Equal(t, "secondary", target)

	primaryUp.Store(true)

	for i := 0; i < cfg.PromotionThreshold; i++ {
		delivered, target = fo.Push(context.Background(), "t2", model.Sample{NodeID: "n1"})
		require.True(t, delivered)
	}

	assert.Equal(t, "primary", fo.ActiveTarget())
}
