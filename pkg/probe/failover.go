package probe

import (
	"context"
	"math/rand"
	"time"

	"github.com/Nathan0299/FiberStack-Lite/pkg/logging"
	"github.com/Nathan0299/FiberStack-Lite/pkg/model"
)

// Target is one push destination the probe can fail over to, ordered by
// Priority (lower = tried first). Grounded on
// original_source/fiber-probe/src/failover.py's FederationClient list.
type Target struct {
	Name     string
	BaseURL  string
	Priority int
}

// FailoverConfig mirrors failover.py's class-level constants.
type FailoverConfig struct {
	Stickiness        time.Duration
	PromotionThreshold int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
}

// DefaultFailoverConfig returns failover.py's stated defaults: 120s
// stickiness, promote after 5 consecutive successes, 1s-60s backoff.
func DefaultFailoverConfig() FailoverConfig {
	return FailoverConfig{
		Stickiness:         120 * time.Second,
		PromotionThreshold: 5,
		InitialBackoff:     1 * time.Second,
		MaxBackoff:         60 * time.Second,
	}
}

// Failover tries push targets in priority order, sticking with a fallback
// target for at least Stickiness before attempting to promote back to
// primary, and backing off exponentially with jitter between fallback
// attempts (spec.md §4.1 step 5).
type Failover struct {
	targets []Target
	sender  *Sender
	cfg     FailoverConfig

	activeIndex         int
	cooldownUntil       time.Time
	consecutiveSuccesses int
	backoff             time.Duration
}

// NewFailover sorts targets by priority and builds a Failover controller.
func NewFailover(targets []Target, sender *Sender, cfg FailoverConfig) *Failover {
	sorted := append([]Target(nil), targets...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Priority < sorted[j-1].Priority; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return &Failover{
		targets: sorted,
		sender:  sender,
		cfg:     cfg,
		backoff: cfg.InitialBackoff,
	}
}

// ActiveTarget returns the name of the currently active target, or "" if
// none are configured.
func (f *Failover) ActiveTarget() string {
	if len(f.targets) == 0 {
		return ""
	}
	return f.targets[f.activeIndex].Name
}

// Push attempts delivery against the active target first, then walks the
// remaining targets in priority order on failure, applying jittered
// exponential backoff before the fallback sweep.
func (f *Failover) Push(ctx context.Context, traceID string, sample model.Sample) (delivered bool, target string) {
	if len(f.targets) == 0 {
		return false, ""
	}

	active := f.targets[f.activeIndex]
	if f.tryPush(ctx, active, traceID, sample) {
		f.recordSuccess()
		return true, active.Name
	}
	f.recordFailure()
	return f.tryFallback(ctx, traceID, sample)
}

func (f *Failover) tryPush(ctx context.Context, target Target, traceID string, sample model.Sample) bool {
	err := f.sender.Send(ctx, target.BaseURL, traceID, sample)
	if err != nil {
		logging.WithComponent("probe").Warn().Err(err).Str("target", target.Name).Msg("push failed")
		return false
	}
	return true
}

func (f *Failover) tryFallback(ctx context.Context, traceID string, sample model.Sample) (bool, string) {
	jitter := 0.5 + rand.Float64()
	delay := time.Duration(float64(f.backoff) * jitter)
	select {
	case <-ctx.Done():
		return false, ""
	case <-time.After(delay):
	}

	f.backoff *= 2
	if f.backoff > f.cfg.MaxBackoff {
		f.backoff = f.cfg.MaxBackoff
	}

	for i, target := range f.targets {
		if i == f.activeIndex {
			continue
		}
		if f.tryPush(ctx, target, traceID, sample) {
			f.failoverTo(i)
			return true, target.Name
		}
	}
	logging.WithComponent("probe").Error().Msg("all failover targets failed")
	return false, ""
}

func (f *Failover) recordSuccess() {
	f.consecutiveSuccesses++
	f.backoff = f.cfg.InitialBackoff
	if f.activeIndex > 0 && f.canPromote() {
		f.promoteToPrimary()
	}
}

func (f *Failover) recordFailure() {
	f.consecutiveSuccesses = 0
}

func (f *Failover) failoverTo(newIndex int) {
	oldName := f.targets[f.activeIndex].Name
	newName := f.targets[newIndex].Name
	f.activeIndex = newIndex
	f.cooldownUntil = time.Now().Add(f.cfg.Stickiness)
	f.consecutiveSuccesses = 0
	f.backoff = f.cfg.InitialBackoff
	logging.WithComponent("probe").Warn().Str("from", oldName).Str("to", newName).Msg("failover")
}

func (f *Failover) canPromote() bool {
	return f.consecutiveSuccesses >= f.cfg.PromotionThreshold && time.Now().After(f.cooldownUntil)
}

func (f *Failover) promoteToPrimary() {
	oldName := f.targets[f.activeIndex].Name
	f.activeIndex = 0
	f.consecutiveSuccesses = 0
	logging.WithComponent("probe").Info().Str("from", oldName).Str("to", f.targets[0].Name).Msg("promoted to primary")
}
