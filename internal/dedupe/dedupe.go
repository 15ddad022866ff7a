// Package dedupe flags stored trials that probably describe the same
// real-world trial.
package dedupe

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/trial-sentinel/sentinel/internal/trial"
)

// MaxEndGap is the largest end-date difference between duplicates.
const MaxEndGap = 7 * 24 * time.Hour

// Pair relates two records judged to be duplicates. First precedes Second in
// the input order.
type Pair struct {
	First  trial.Record `json:"first"`
	Second trial.Record `json:"second"`
	Reason string       `json:"reason"`
}

// FindDuplicates compares every pair of records. Two records match when their
// service names are equal ignoring case and their end dates are at most
// MaxEndGap apart. Matches are not chained: A~B and B~C do not imply A~C.
// Records without an end date never match.
//
// The scan is quadratic; callers cap the input size.
func FindDuplicates(records []trial.Record) []Pair {
	var pairs []Pair
	for i := 0; i < len(records); i++ {
		a := records[i]
		if !a.HasTrialEnd() {
			continue
		}
		for j := i + 1; j < len(records); j++ {
			b := records[j]
			if !b.HasTrialEnd() || !strings.EqualFold(a.ServiceName, b.ServiceName) {
				continue
			}
			gap := a.TrialEnd.Sub(b.TrialEnd)
			if gap < 0 {
				gap = -gap
			}
			if gap > MaxEndGap {
				continue
			}
			pairs = append(pairs, Pair{
				First:  a,
				Second: b,
				Reason: reason(a.ServiceName, gap),
			})
		}
	}
	return pairs
}

func reason(service string, gap time.Duration) string {
	days := math.Round(gap.Hours()/24*10) / 10
	return fmt.Sprintf("Same service (%s) with similar end dates (%.1f days apart)", service, days)
}

// Cap returns the first n records. A non-positive n disables the cap.
func Cap(records []trial.Record, n int) []trial.Record {
	if n <= 0 || len(records) <= n {
		return records
	}
	return records[:n]
}
