// Package probe implements the FiberMesh probe agent: the process that
// runs on measured nodes, collecting network vitals on a fixed interval
// and pushing them to a regional relay or the central gateway, buffering
// and failing over when delivery is impossible (spec.md §4.1).
package probe

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/Nathan0299/FiberStack-Lite/pkg/logging"
)

const traceIDAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// newTraceID returns an 8-character base62 trace id.
func newTraceID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	out := make([]byte, 8)
	for i, v := range b {
		out[i] = traceIDAlphabet[int(v)%len(traceIDAlphabet)]
	}
	return string(out)
}

// AgentConfig configures one probe agent run.
type AgentConfig struct {
	Interval      time.Duration
	BufferCap     int
	DrainPerTick  int
	ShutdownGrace time.Duration
}

// DefaultAgentConfig returns spec.md §4.1's stated defaults: 60s collection
// interval, 5s shutdown grace period, drain up to 50 buffered samples per
// successful send.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Interval:      60 * time.Second,
		BufferCap:     1000,
		DrainPerTick:  50,
		ShutdownGrace: 5 * time.Second,
	}
}

// Agent ties together a Collector, Buffer, and Failover into the single
// scheduling loop described in spec.md §4.1: collect, attempt delivery,
// buffer on failure, opportunistically flush the buffer on recovery, and
// flush what remains within a grace period on shutdown.
type Agent struct {
	collector *Collector
	buffer    *Buffer
	failover  *Failover
	cfg       AgentConfig

	mu      sync.Mutex
	sending bool
}

// NewAgent builds an Agent from its collaborators.
func NewAgent(collector *Collector, failover *Failover, cfg AgentConfig) *Agent {
	return &Agent{
		collector: collector,
		buffer:    NewBuffer(cfg.BufferCap),
		failover:  failover,
		cfg:       cfg,
	}
}

// Run drives the collection loop until ctx is cancelled, then flushes the
// buffer for up to cfg.ShutdownGrace before returning (spec.md §4.1 step 6).
func (a *Agent) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	logging.WithComponent("probe").Info().Dur("interval", a.cfg.Interval).Msg("agent started")

	for {
		select {
		case <-ctx.Done():
			a.shutdownFlush()
			logging.WithComponent("probe").Info().Msg("agent stopped")
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

// tick collects one sample and attempts delivery. If a send is already in
// flight when the ticker fires, the tick is skipped rather than queued,
// so an overrunning send can never overlap a concurrent collect
// (spec.md §4.1 "Concurrency": one logical scheduling loop).
func (a *Agent) tick(ctx context.Context) {
	a.mu.Lock()
	if a.sending {
		a.mu.Unlock()
		logging.WithComponent("probe").Warn().Msg("previous send still in flight, skipping tick")
		return
	}
	a.sending = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.sending = false
		a.mu.Unlock()
	}()

	sample := a.collector.Collect(ctx)
	traceID := newTraceID()

	delivered, target := a.failover.Push(ctx, traceID, sample)
	if !delivered {
		a.buffer.Push(Sample{Payload: sample, TraceID: traceID})
		logging.WithComponent("probe").Warn().Int("buffered", a.buffer.Len()).Msg("delivery failed, buffered sample")
		return
	}
	logging.WithComponent("probe").Debug().Str("target", target).Str("trace_id", traceID).Msg("sample delivered")

	a.flushBuffer(ctx)
}

// flushBuffer opportunistically drains up to DrainPerTick buffered samples
// after a successful delivery, re-buffering (at the tail, via Push) any
// that still can't be delivered so a single flaky delivery doesn't drop
// the rest of the batch (spec.md §4.1 step 4).
func (a *Agent) flushBuffer(ctx context.Context) {
	batch := a.buffer.DrainUpTo(a.cfg.DrainPerTick)
	for i, item := range batch {
		delivered, _ := a.failover.Push(ctx, item.TraceID, item.Payload)
		if !delivered {
			for _, rest := range batch[i:] {
				a.buffer.Push(rest)
			}
			return
		}
	}
}

// shutdownFlush attempts to deliver every buffered sample within
// cfg.ShutdownGrace before the process exits.
func (a *Agent) shutdownFlush() {
	if a.buffer.Len() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace)
	defer cancel()

	logging.WithComponent("probe").Info().Int("pending", a.buffer.Len()).Msg("flushing buffer before shutdown")
	for a.buffer.Len() > 0 {
		batch := a.buffer.DrainUpTo(a.cfg.DrainPerTick)
		for _, item := range batch {
			select {
			case <-ctx.Done():
				a.buffer.Push(item)
				logging.WithComponent("probe").Warn().Int("dropped", a.buffer.Len()).Msg("shutdown grace period expired, samples unflushed")
				return
			default:
			}
			delivered, _ := a.failover.Push(ctx, item.TraceID, item.Payload)
			if !delivered {
				a.buffer.Push(item)
				return
			}
		}
	}
}
