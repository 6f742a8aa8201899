package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Nathan0299/FiberStack-Lite/pkg/model"
)

func TestSender_SendSucceedsOnFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Trace-ID"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewSender(SenderConfig{RequestTimeout: 2 * time.Second, MaxRetries: 3, BackoffBase: 2}, fakeBearer)
	err := s.Send(context.Background(), srv.URL, "trace1", model.Sample{NodeID: "n1"})
	assert.NoError(t, err)
}

func TestSender_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewSender(SenderConfig{RequestTimeout: 2 * time.Second, MaxRetries: 3, BackoffBase: 1}, fakeBearer)
	err := s.Send(context.Background(), srv.URL, "trace1", model.Sample{NodeID: "n1"})
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestSender_ExhaustsRetriesAndFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewSender(SenderConfig{RequestTimeout: 2 * time.Second, MaxRetries: 1, BackoffBase: 1}, fakeBearer)
	err := s.Send(context.Background(), srv.URL, "trace1", model.Sample{NodeID: "n1"})
	assert.Error(t, err)
}
