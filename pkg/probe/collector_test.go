package probe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollector_CollectWithoutTarget(t *testing.T) {
	c := &Collector{NodeID: "n1", Country: "gh", Region: "accra"}
	s := c.Collect(context.Background())

	assert.Equal(t, "n1", s.NodeID)
	assert.True(t, s.InBounds())
	assert.False(t, s.Timestamp.IsZero())
}

func TestCollector_CollectAgainstUnreachableTarget(t *testing.T) {
	c := &Collector{NodeID: "n1", TargetHost: "127.0.0.1:1"}
	s := c.Collect(context.Background())

	assert.True(t, s.InBounds(), "clip must bound the max-latency sentinel into range")
	assert.Equal(t, 100.0, s.PacketLossPct)
}
