package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/Nathan0299/FiberStack-Lite/pkg/logging"
	"github.com/Nathan0299/FiberStack-Lite/pkg/model"
)

// SenderConfig tunes the retry/backoff behavior of Sender.Send
// (spec.md §4.1 step 2: request_timeout_s default 10s, max_retries default
// 3, exponential backoff base^attempt with base default 2.0).
type SenderConfig struct {
	RequestTimeout time.Duration
	MaxRetries     int
	BackoffBase    float64
}

// DefaultSenderConfig returns the spec's stated defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		RequestTimeout: 10 * time.Second,
		MaxRetries:     3,
		BackoffBase:    2.0,
	}
}

// Sender posts single samples to a gateway (regional relay or central), retrying
// with exponential backoff on failure. Grounded on
// original_source/fiber-probe/src/failover.py's retry loop shape, expressed
// as a Go *http.Client with per-attempt context timeouts rather than
// Python's blocking requests.post.
type Sender struct {
	client   *http.Client
	cfg      SenderConfig
	bearerFn func() (string, error)
}

// NewSender builds a Sender. bearerFn supplies a fresh signed bearer token
// for each push.
func NewSender(cfg SenderConfig, bearerFn func() (string, error)) *Sender {
	return &Sender{
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		cfg:      cfg,
		bearerFn: bearerFn,
	}
}

// Send POSTs one sample to baseURL+"/push" under traceID, retrying up to
// cfg.MaxRetries times with backoff_base^attempt seconds between attempts.
// It returns the last error encountered if every attempt fails.
func (s *Sender) Send(ctx context.Context, baseURL, traceID string, sample model.Sample) error {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(math.Pow(s.cfg.BackoffBase, float64(attempt))) * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		err := s.attempt(ctx, baseURL, traceID, sample)
		if err == nil {
			return nil
		}
		lastErr = err
		logging.WithComponent("probe").Warn().Err(err).Int("attempt", attempt).Msg("push attempt failed")
	}
	return fmt.Errorf("probe: send failed after %d attempts: %w", s.cfg.MaxRetries+1, lastErr)
}

func (s *Sender) attempt(ctx context.Context, baseURL, traceID string, sample model.Sample) error {
	bearer, err := s.bearerFn()
	if err != nil {
		return fmt.Errorf("sign push request: %w", err)
	}

	body, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("encode sample: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, baseURL+"/push", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("X-Trace-ID", traceID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("push request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("push rate limited (429)")
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("push rejected: %d", resp.StatusCode)
	}
	return nil
}
