// Package confidence scores trial candidates and decides which ones are worth
// showing. Scoring never reads the clock: callers pass the evaluation time.
package confidence

import (
	"fmt"
	"math"
	"time"

	"github.com/trial-sentinel/sentinel/internal/pattern"
	"github.com/trial-sentinel/sentinel/internal/trial"
)

const (
	floorEmail     = 0.8
	floorFinancial = 0.6
	floorManual    = 0.9
	corroborated   = 1.0

	boostCancelURL = 0.1
	boostAmount    = 0.05
	boostService   = 0.1
	stalePenalty   = 0.2

	minScore = 0.1
	maxScore = 1.0

	highThreshold   = 0.8
	mediumThreshold = 0.5
)

// Recommendation buckets a score.
type Recommendation string

const (
	High   Recommendation = "high"
	Medium Recommendation = "medium"
	Low    Recommendation = "low"
)

// Recommend maps a score to its bucket.
func Recommend(v float64) Recommendation {
	switch {
	case v >= highThreshold:
		return High
	case v >= mediumThreshold:
		return Medium
	default:
		return Low
	}
}

// Factors are the features a score is derived from. Per-source confidences
// are zero when absent.
type Factors struct {
	HasEmailSource        bool    `json:"has_email_source"`
	HasFinancialSource    bool    `json:"has_financial_source"`
	HasManualSource       bool    `json:"has_manual_source"`
	HasCancelURL          bool    `json:"has_cancel_url"`
	HasSubscriptionAmount bool    `json:"has_subscription_amount"`
	HasKnownService       bool    `json:"has_known_service"`
	HasRecentDate         bool    `json:"has_recent_date"`
	EmailConfidence       float64 `json:"email_confidence,omitempty"`
	FinancialConfidence   float64 `json:"financial_confidence,omitempty"`
}

// Score is the explained result of scoring a single candidate.
type Score struct {
	Overall        float64        `json:"overall"`
	Factors        Factors        `json:"factors"`
	Reasoning      []string       `json:"reasoning"`
	Recommendation Recommendation `json:"recommendation"`
}

// Combined is the result of scoring corroborating email and financial
// candidates together.
type Combined struct {
	Factors    Factors  `json:"factors"`
	Confidence float64  `json:"confidence"`
	Reasoning  []string `json:"reasoning"`
}

// Scorer computes confidence scores against the reliable-service allow-list.
type Scorer struct {
	lib *pattern.Library
}

func NewScorer(lib *pattern.Library) *Scorer {
	return &Scorer{lib: lib}
}

// IsRecent reports whether end lies within six months before and one year
// after now, inclusive. An absent date is never recent.
func IsRecent(end, now time.Time) bool {
	if end.IsZero() {
		return false
	}
	return !end.Before(now.AddDate(0, -6, 0)) && !end.After(now.AddDate(1, 0, 0))
}

// ScoreSingle scores one candidate. The result is in [0.1, 1] and the
// reasoning lists every rule that fired, in order.
func (s *Scorer) ScoreSingle(c trial.Candidate, now time.Time) Score {
	src := c.Source()
	f := Factors{
		HasEmailSource:        src == trial.SourceEmail,
		HasFinancialSource:    src == trial.SourceFinancial,
		HasManualSource:       src == trial.SourceManual,
		HasCancelURL:          c.HasCancelURL(),
		HasSubscriptionAmount: c.HasAmount(),
		HasKnownService:       s.lib.IsReliableService(c.ServiceName),
		HasRecentDate:         IsRecent(c.TrialEnd, now),
	}
	switch src {
	case trial.SourceEmail:
		f.EmailConfidence = c.Confidence
	case trial.SourceFinancial:
		f.FinancialConfidence = c.Confidence
	}

	var (
		score     float64
		reasoning []string
	)
	if c.Confidence > 0 {
		score = c.Confidence
		reasoning = append(reasoning, fmt.Sprintf("Base detection confidence: %.0f%%", c.Confidence*100))
	}

	switch {
	case f.HasEmailSource && f.HasFinancialSource:
		score = corroborated
		reasoning = append(reasoning, "Perfect match: Both email and financial confirmation found")
	case f.HasEmailSource:
		score = math.Max(score, floorEmail)
		reasoning = append(reasoning, "Strong: Email confirmation detected")
	case f.HasFinancialSource:
		score = math.Max(score, floorFinancial)
		reasoning = append(reasoning, "Moderate: Financial transaction detected")
	case f.HasManualSource:
		score = math.Max(score, floorManual)
		reasoning = append(reasoning, "High: Manually verified by user")
	}

	score, reasoning = adjust(score, f, reasoning)
	return Score{
		Overall:        score,
		Factors:        f,
		Reasoning:      reasoning,
		Recommendation: Recommend(score),
	}
}

// CombineSources scores an email candidate and a financial candidate that may
// describe the same trial. Either may be nil. The recency check uses the
// email's end date when it has one.
func (s *Scorer) CombineSources(email, financial *trial.Candidate, now time.Time) Combined {
	f := Factors{
		HasEmailSource:     email != nil,
		HasFinancialSource: financial != nil,
	}

	var end time.Time
	for _, c := range []*trial.Candidate{email, financial} {
		if c == nil {
			continue
		}
		f.HasCancelURL = f.HasCancelURL || c.HasCancelURL()
		f.HasSubscriptionAmount = f.HasSubscriptionAmount || c.HasAmount()
		f.HasKnownService = f.HasKnownService || s.lib.IsReliableService(c.ServiceName)
		if end.IsZero() {
			end = c.TrialEnd
		}
	}
	f.HasRecentDate = IsRecent(end, now)
	if email != nil {
		f.EmailConfidence = email.Confidence
	}
	if financial != nil {
		f.FinancialConfidence = financial.Confidence
	}

	var (
		score     float64
		reasoning []string
	)
	switch {
	case f.HasEmailSource && f.HasFinancialSource:
		score = corroborated
		reasoning = append(reasoning, "Perfect match: Both email and financial confirmation found")
	case f.HasEmailSource:
		score = orDefault(f.EmailConfidence, floorEmail)
		reasoning = append(reasoning, fmt.Sprintf("Email only: %.0f%%", score*100))
	case f.HasFinancialSource:
		score = orDefault(f.FinancialConfidence, floorFinancial)
		reasoning = append(reasoning, fmt.Sprintf("Financial only: %.0f%%", score*100))
	}

	score, reasoning = adjust(score, f, reasoning)
	return Combined{Factors: f, Confidence: score, Reasoning: reasoning}
}

// adjust applies the shared boosts, the recency penalty and the final clamp.
func adjust(score float64, f Factors, reasoning []string) (float64, []string) {
	if f.HasCancelURL {
		score = boost(score, boostCancelURL)
		reasoning = append(reasoning, "Cancel URL available (+10%)")
	}
	if f.HasSubscriptionAmount {
		score = boost(score, boostAmount)
		reasoning = append(reasoning, "Subscription amount identified (+5%)")
	}
	if f.HasKnownService {
		score = boost(score, boostService)
		reasoning = append(reasoning, "Known reliable service (+10%)")
	}
	if !f.HasRecentDate {
		score = math.Max(trial.Round(score-stalePenalty), minScore)
		reasoning = append(reasoning, "Trial date seems outdated (-20%)")
	}
	return clamp(score), reasoning
}

func boost(score, delta float64) float64 {
	return math.Min(trial.Round(score+delta), maxScore)
}

func clamp(v float64) float64 {
	return math.Min(math.Max(v, minScore), maxScore)
}

func orDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

// ShouldShowToUser reports whether a trial is worth surfacing: a medium or
// high score, a known cancel link, or a manual entry.
func (s *Scorer) ShouldShowToUser(c trial.Candidate, now time.Time) bool {
	if c.HasCancelURL() || c.Source() == trial.SourceManual {
		return true
	}
	return s.ScoreSingle(c, now).Overall >= mediumThreshold
}
