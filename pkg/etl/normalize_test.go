package etl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Nathan0299/FiberStack-Lite/pkg/model"
)

func TestNormalize_CoercesUTCAndClips(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	s := model.Sample{
		NodeID:        "n1",
		Timestamp:     time.Date(2026, 1, 1, 12, 0, 0, 500000, loc),
		LatencyMS:     -5,
		UptimePct:     150,
		PacketLossPct: 200,
		Country:       "Ghana",
		Region:        "Greater Accra",
	}

	out := normalize(s)

	assert.Equal(t, time.UTC, out.Timestamp.Location())
	assert.Equal(t, 0.0, out.LatencyMS)
	assert.Equal(t, 100.0, out.UptimePct)
	assert.Equal(t, 100.0, out.PacketLossPct)
	assert.Equal(t, "ghana-greater-accra", out.Region)
}

func TestCanonicalRegion(t *testing.T) {
	assert.Equal(t, "gh-accra", canonicalRegion("GH", "Accra"))
	assert.Equal(t, "us-new-york-city", canonicalRegion("US", "New York City!!"))
	assert.Equal(t, "", canonicalRegion("", ""))
}
