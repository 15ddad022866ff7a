package inbox

import (
	"context"
	"regexp"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/trial-sentinel/sentinel/internal/pattern"
	"github.com/trial-sentinel/sentinel/internal/trial"
)

// Confidence contributions for email extraction.
const (
	baseConfidence    = 0.6
	serviceConfidence = 0.2
	dateConfidence    = 0.1
	cancelConfidence  = 0.1
	amountConfidence  = 0.1
)

var stripTags = regexp.MustCompile(`<[^>]+>`)

// Classifier turns messages into email-sourced trial candidates.
type Classifier struct {
	lib *pattern.Library
}

// NewClassifier creates a classifier over the given rule tables.
func NewClassifier(lib *pattern.Library) *Classifier {
	return &Classifier{lib: lib}
}

// Classify reports whether e is a trial notice and, if so, extracts a
// candidate. Only the trial-signal check can reject a message; every other
// field is best effort.
func (c *Classifier) Classify(e *Email) (trial.Candidate, bool) {
	body := e.Text()
	if !c.lib.IsTrialNotice(e.Subject, body) {
		return trial.Candidate{}, false
	}

	conf := baseConfidence
	var name string
	if svc, ok := c.lib.IdentifyService(e.Sender(), e.Subject, body); ok {
		name = svc.Name
		conf = trial.Raise(conf, serviceConfidence)
	}

	var f trial.EmailFields
	if end, ok := c.lib.FindDate(body, e.Subject); ok {
		f.TrialEnd = end
		conf = trial.Raise(conf, dateConfidence)
	}
	if url, ok := c.lib.FindCancelURL(e.HTMLBody); ok {
		f.CancelURL = url
		conf = trial.Raise(conf, cancelConfidence)
	}
	if amount, ok := c.lib.FindAmount(body, e.Subject); ok {
		f.Amount = decimal.NewNullDecimal(amount)
		conf = trial.Raise(conf, amountConfidence)
	}
	f.Confidence = conf

	return trial.NewEmail(name, trial.EmailEvidence{
		Subject:   e.Subject,
		From:      e.Sender(),
		Date:      e.ReceivedAt,
		MessageID: e.MessageID,
		Body:      body,
	}, f), true
}

// ClassifyBatch classifies emails concurrently with at most workers goroutines.
// Results keep input order; messages that are not trial notices are skipped.
func (c *Classifier) ClassifyBatch(ctx context.Context, emails []Email, workers int) ([]trial.Candidate, error) {
	if workers < 1 {
		workers = 1
	}

	results := make([]*trial.Candidate, len(emails))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := range emails {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if cand, ok := c.Classify(&emails[i]); ok {
				results[i] = &cand
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []trial.Candidate
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}
