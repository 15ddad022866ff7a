// Package ledger recognises trial sign-ups in bank transactions.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/trial-sentinel/sentinel/internal/pattern"
	"github.com/trial-sentinel/sentinel/internal/trial"
)

const (
	baseConfidence     = 0.6
	merchantConfidence = 0.2
	amountConfidence   = 0.2
)

// Transaction is one already-fetched bank transaction. Amount is positive for
// debits; the sign is ignored by classification.
type Transaction struct {
	TransactionID string
	AccountID     string
	MerchantName  string
	AccountOwner  string
	Amount        decimal.Decimal
	Date          time.Time
	Categories    []string
}

// Classifier turns transactions into financial trial candidates.
type Classifier struct {
	lib *pattern.Library
}

func NewClassifier(lib *pattern.Library) *Classifier {
	return &Classifier{lib: lib}
}

// Classify reports whether tx looks like a trial sign-up. A transaction that
// passes the trial gate but names no catalogued service is dropped.
func (c *Classifier) Classify(tx Transaction) (trial.Candidate, bool) {
	amount := tx.Amount.Abs()
	trialAmount := c.lib.IsTrialAmount(amount)

	// The account owner only stands in when there is no merchant name.
	name := tx.MerchantName
	if name == "" {
		name = tx.AccountOwner
	}
	svc, resolved := c.lib.ResolveMerchant(name)
	merchantKnown := resolved && tx.MerchantName != ""

	subscriptionLike := c.lib.HasSubscriptionCategory(tx.Categories) &&
		amount.LessThan(c.lib.CategoryAmountCeiling)

	if !trialAmount && !resolved && !subscriptionLike {
		return trial.Candidate{}, false
	}
	if !resolved {
		return trial.Candidate{}, false
	}

	var end time.Time
	if !tx.Date.IsZero() {
		end = tx.Date.AddDate(0, 0, c.lib.TrialLength(svc))
	}

	conf := baseConfidence
	if merchantKnown {
		conf = trial.Raise(conf, merchantConfidence)
	}
	if trialAmount {
		conf = trial.Raise(conf, amountConfidence)
	}

	return trial.NewFinancial(svc, trial.FinancialEvidence{
		TransactionID: tx.TransactionID,
		AccountID:     tx.AccountID,
		MerchantName:  tx.MerchantName,
		AccountOwner:  tx.AccountOwner,
		Amount:        tx.Amount,
		Date:          tx.Date,
		Categories:    tx.Categories,
	}, end, conf), true
}

// ClassifyBatch classifies transactions concurrently with at most workers
// goroutines. Results keep input order.
func (c *Classifier) ClassifyBatch(ctx context.Context, txs []Transaction, workers int) ([]trial.Candidate, error) {
	if workers < 1 {
		workers = 1
	}

	results := make([]*trial.Candidate, len(txs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := range txs {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if cand, ok := c.Classify(txs[i]); ok {
				results[i] = &cand
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]trial.Candidate, 0, len(txs))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

// Since keeps transactions dated on or after cutoff.
func Since(txs []Transaction, cutoff time.Time) []Transaction {
	var out []Transaction
	for _, tx := range txs {
		if !tx.Date.Before(cutoff) {
			out = append(out, tx)
		}
	}
	return out
}
