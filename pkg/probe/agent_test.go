package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAgent_TickDeliversAndBuffersOnFailure(t *testing.T) {
	var accept atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accept.Load() {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultFailoverConfig()
	cfg.InitialBackoff = 0
	sender := NewSender(SenderConfig{RequestTimeout: 2 * time.Second, MaxRetries: 0, BackoffBase: 2}, fakeBearer)
	fo := NewFailover([]Target{{Name: "central", BaseURL: srv.URL, Priority: 0}}, sender, cfg)

	agent := NewAgent(&Collector{NodeID: "n1"}, fo, AgentConfig{
		Interval: time.Hour, BufferCap: 10, DrainPerTick: 5, ShutdownGrace: time.Second,
	})

	accept.Store(false)
	agent.tick(context.Background())
	assert.Equal(t, 1, agent.buffer.Len(), "failed delivery must be buffered")

	accept.Store(true)
	agent.tick(context.Background())
	assert.Equal(t, 0, agent.buffer.Len(), "successful tick must flush the backlog")
}

func TestAgent_SkipsTickWhileSendInFlight(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sender := NewSender(SenderConfig{RequestTimeout: 2 * time.Second, MaxRetries: 0, BackoffBase: 2}, fakeBearer)
	fo := NewFailover([]Target{{Name: "central", BaseURL: srv.URL, Priority: 0}}, sender, DefaultFailoverConfig())
	agent := NewAgent(&Collector{NodeID: "n1"}, fo, DefaultAgentConfig())

	agent.sending = true
	agent.tick(context.Background())
	assert.Equal(t, 0, agent.buffer.Len(), "a skipped tick must not collect or buffer anything")
}
