package trial

import (
	"time"
)

// Status is the lifecycle state of a persisted trial.
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

const day = 24 * time.Hour

// DefaultHorizon is how far past now a trial is assumed to end when its
// candidate carries no end date.
func DefaultHorizon(s Source) time.Duration {
	if s == SourceFinancial {
		return 14 * day
	}
	return 7 * day
}

// Record is a persisted candidate with a durable identity.
type Record struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Candidate
	Source    Source    `json:"source"`
	Status    Status    `json:"status"`
	Score     float64   `json:"score"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRecord prepares a candidate for persistence. A missing end date is filled
// with the source's default horizon from now, and a missing start with now.
// The ID is left for the store to assign.
func NewRecord(userID string, c Candidate, now time.Time) Record {
	if c.TrialStart.IsZero() {
		c.TrialStart = now
	}
	if c.TrialEnd.IsZero() {
		c.TrialEnd = now.Add(DefaultHorizon(c.Source()))
	}
	return Record{
		UserID:    userID,
		Candidate: c,
		Source:    c.Source(),
		Status:    StatusActive,
		Score:     c.Confidence,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Expired reports whether an active trial's end date has passed.
func (r Record) Expired(now time.Time) bool {
	return r.Status == StatusActive && r.HasTrialEnd() && r.TrialEnd.Before(now)
}
