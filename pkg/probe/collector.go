package probe

import (
	"context"
	"math/rand"
	"net"
	"runtime"
	"time"

	"github.com/Nathan0299/FiberStack-Lite/pkg/model"
)

// Sample pairs a measured model.Sample with the trace id it will be emitted
// under. Buffered samples keep their original trace id when replayed
// (spec.md §4.1: "newly generated per emission (or inherited when
// coalescing a buffered batch)").
type Sample struct {
	Payload model.Sample
	TraceID string
}

// Collector measures local network vitals against a target host. Grounded
// on strand-cloud/pkg/agent/agent.go's shape of a small struct holding
// identity plus an *http.Client-equivalent dependency; here the dependency
// is the target host to probe rather than a control-plane URL.
type Collector struct {
	NodeID     string
	Country    string
	Region     string
	TargetHost string
}

// Collect measures latency_ms and packet_loss_pct, fills uptime_pct from
// uptimeProxy, attaches CPU/memory metadata, then bounds-clips the result
// (spec.md §4.1 step 1).
func (c *Collector) Collect(ctx context.Context) model.Sample {
	latency, lost := c.probeTarget(ctx)

	s := model.Sample{
		NodeID:        c.NodeID,
		Timestamp:     time.Now().UTC(),
		LatencyMS:     latency,
		UptimePct:     uptimeProxy(),
		PacketLossPct: lost,
		TargetHost:    c.TargetHost,
		ProbeType:     "tcp",
		Country:       c.Country,
		Region:        c.Region,
		Metadata: map[string]any{
			"cpu_count":  runtime.NumCPU(),
			"goroutines": runtime.NumGoroutine(),
			"mem_alloc":  memAllocBytes(),
		},
	}
	s.Clip()
	return s
}

// probeTarget attempts a TCP dial against TargetHost, treating a failed dial
// as 100% packet loss and a successful one as its round-trip latency. When
// no target is configured, it reports zero-latency/zero-loss so the probe
// can still emit synthetic uptime samples.
func (c *Collector) probeTarget(ctx context.Context) (latencyMS float64, lossPct float64) {
	if c.TargetHost == "" {
		return 0, 0
	}
	d := net.Dialer{Timeout: 3 * time.Second}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", c.TargetHost)
	if err != nil {
		return model.MaxLatencyMS, 100
	}
	defer conn.Close()
	return float64(time.Since(start).Microseconds()) / 1000.0, 0
}

// uptimeProxy reports a value just under 100% (100 minus up to 0.05 of
// random jitter, so successive samples aren't bit-identical). It is not
// derived from load, from the probe target, or from any uptime source.
func uptimeProxy() float64 {
	return 100.0 - rand.Float64()*0.05
}

func memAllocBytes() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc
}
