// Package trial defines trial candidates, the evidence they were extracted
// from, and the persisted record shape.
package trial

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trial-sentinel/sentinel/internal/pattern"
)

// Source is the provenance of a candidate.
type Source string

const (
	SourceEmail     Source = "email"
	SourceFinancial Source = "financial"
	SourceManual    Source = "manual"
)

// Valid reports whether s is a known source kind.
func (s Source) Valid() bool {
	switch s {
	case SourceEmail, SourceFinancial, SourceManual:
		return true
	}
	return false
}

const (
	// UnknownService is reported when an email names no catalogued service.
	UnknownService = "Unknown Service"

	// MaxEvidenceBody caps the stored message body, in characters.
	MaxEvidenceBody = 2000
)

// Evidence is the raw material a candidate was extracted from. The concrete
// type decides the candidate's Source.
type Evidence interface {
	Source() Source
}

// EmailEvidence keeps the message fields a candidate was derived from.
type EmailEvidence struct {
	Subject   string    `json:"subject"`
	From      string    `json:"from"`
	Date      time.Time `json:"date"`
	MessageID string    `json:"message_id"`
	Body      string    `json:"body"`
}

func (EmailEvidence) Source() Source { return SourceEmail }

// FinancialEvidence keeps the transaction fields a candidate was derived from.
type FinancialEvidence struct {
	TransactionID string          `json:"transaction_id"`
	AccountID     string          `json:"account_id"`
	MerchantName  string          `json:"merchant_name"`
	AccountOwner  string          `json:"account_owner,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Date          time.Time       `json:"date"`
	Categories    []string        `json:"categories,omitempty"`
}

func (FinancialEvidence) Source() Source { return SourceFinancial }

// ManualEvidence marks a candidate the user entered by hand.
type ManualEvidence struct {
	Note string `json:"note,omitempty"`
}

func (ManualEvidence) Source() Source { return SourceManual }

// Candidate is the result of one extraction pass. Zero times mean the date
// is absent. Candidates are values: callers copy, never mutate.
type Candidate struct {
	ServiceName        string              `json:"service_name"`
	TrialStart         time.Time           `json:"trial_start"`
	TrialEnd           time.Time           `json:"trial_end"`
	CancelURL          string              `json:"cancel_url,omitempty"`
	SubscriptionAmount decimal.NullDecimal `json:"subscription_amount"`
	Confidence         float64             `json:"confidence"`
	Evidence           Evidence            `json:"evidence"`
}

// Source returns the provenance carried by the candidate's evidence.
func (c Candidate) Source() Source {
	if c.Evidence == nil {
		return ""
	}
	return c.Evidence.Source()
}

func (c Candidate) HasTrialEnd() bool   { return !c.TrialEnd.IsZero() }
func (c Candidate) HasCancelURL() bool  { return c.CancelURL != "" }
func (c Candidate) HasAmount() bool     { return c.SubscriptionAmount.Valid }
func (c Candidate) HasTrialStart() bool { return !c.TrialStart.IsZero() }

// EmailFields are the optional parts of an email-sourced candidate.
type EmailFields struct {
	TrialEnd   time.Time
	CancelURL  string
	Amount     decimal.NullDecimal
	Confidence float64
}

// NewEmail builds an email-sourced candidate. An empty service name becomes
// UnknownService and the evidence body is truncated to MaxEvidenceBody.
func NewEmail(service string, ev EmailEvidence, f EmailFields) Candidate {
	if service == "" {
		service = UnknownService
	}
	ev.Body = Truncate(ev.Body, MaxEvidenceBody)
	return Candidate{
		ServiceName:        service,
		TrialStart:         ev.Date,
		TrialEnd:           f.TrialEnd,
		CancelURL:          f.CancelURL,
		SubscriptionAmount: f.Amount,
		Confidence:         f.Confidence,
		Evidence:           ev,
	}
}

// NewFinancial builds a transaction-sourced candidate. The service is required.
func NewFinancial(svc pattern.Service, ev FinancialEvidence, end time.Time, confidence float64) Candidate {
	c := Candidate{
		ServiceName: svc.Name,
		TrialStart:  ev.Date,
		TrialEnd:    end,
		Confidence:  confidence,
		Evidence:    ev,
	}
	if amount := ev.Amount.Abs(); amount.IsPositive() {
		c.SubscriptionAmount = decimal.NewNullDecimal(amount)
	}
	return c
}

// ManualFields are the user-supplied parts of a manual candidate.
type ManualFields struct {
	TrialStart time.Time
	TrialEnd   time.Time
	CancelURL  string
	Amount     decimal.NullDecimal
	Note       string
}

// NewManual builds a user-entered candidate. Manual entries carry no
// extraction confidence of their own.
func NewManual(service string, f ManualFields) Candidate {
	if service == "" {
		service = UnknownService
	}
	return Candidate{
		ServiceName:        service,
		TrialStart:         f.TrialStart,
		TrialEnd:           f.TrialEnd,
		CancelURL:          f.CancelURL,
		SubscriptionAmount: f.Amount,
		Evidence:           ManualEvidence{Note: f.Note},
	}
}

// Truncate cuts s to at most n characters.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Raise adds delta to a confidence value, rounds to four decimal places and
// caps the result at 1.
func Raise(confidence, delta float64) float64 {
	return math.Min(Round(confidence+delta), 1)
}

// Round rounds a confidence value to four decimal places.
func Round(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
