// Package etl drains the durable queue and persists samples to storage,
// maintaining the node registry and conflict log (spec.md §4.4).
package etl

import (
	"strings"
	"time"

	"github.com/Nathan0299/FiberStack-Lite/pkg/model"
)

// normalize coerces s's timestamp to UTC millisecond resolution, clips its
// numeric bounds, and canonicalizes its region to
// lower(country) + "-" + slug(region) (spec.md §4.4 step 2).
func normalize(s model.Sample) model.Sample {
	s.Timestamp = s.Timestamp.UTC().Round(time.Millisecond)
	s.Clip()
	s.Region = canonicalRegion(s.Country, s.Region)
	return s
}

func canonicalRegion(country, region string) string {
	if country == "" && region == "" {
		return ""
	}
	return strings.ToLower(country) + "-" + slug(region)
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
