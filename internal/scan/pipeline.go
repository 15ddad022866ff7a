// Package scan runs classified evidence through scoring and into the store.
package scan

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/trial-sentinel/sentinel/internal/confidence"
	"github.com/trial-sentinel/sentinel/internal/config"
	"github.com/trial-sentinel/sentinel/internal/dedupe"
	"github.com/trial-sentinel/sentinel/internal/history"
	"github.com/trial-sentinel/sentinel/internal/inbox"
	"github.com/trial-sentinel/sentinel/internal/ledger"
	"github.com/trial-sentinel/sentinel/internal/pattern"
	"github.com/trial-sentinel/sentinel/internal/trial"
)

var (
	ErrNotFound    = eris.New("scan: trial not found")
	ErrWrongSource = eris.New("scan: trial has the wrong source")
)

// Report summarizes one scan.
type Report struct {
	Examined int            `json:"examined"`
	Found    int            `json:"found"`
	Saved    int            `json:"saved"`
	Existing int            `json:"existing"`
	Records  []trial.Record `json:"records"`
}

type Pipeline struct {
	emails        *inbox.Classifier
	ledger        *ledger.Classifier
	scorer        *confidence.Scorer
	store         *history.Store
	userID        string
	workers       int
	maxCandidates int
}

func New(lib *pattern.Library, store *history.Store, userID string, cfg config.ScanConfig) *Pipeline {
	return &Pipeline{
		emails:        inbox.NewClassifier(lib),
		ledger:        ledger.NewClassifier(lib),
		scorer:        confidence.NewScorer(lib),
		store:         store,
		userID:        userID,
		workers:       cfg.Workers,
		maxCandidates: cfg.MaxCandidates,
	}
}

func (p *Pipeline) Scorer() *confidence.Scorer { return p.scorer }

// Emails classifies messages and stores every trial notice found.
func (p *Pipeline) Emails(ctx context.Context, emails []inbox.Email, now time.Time) (Report, error) {
	cands, err := p.emails.ClassifyBatch(ctx, emails, p.workers)
	if err != nil {
		return Report{}, eris.Wrap(err, "scan: classify emails")
	}
	return p.save(len(emails), cands, now)
}

// Transactions classifies ledger rows and stores every trial charge found.
func (p *Pipeline) Transactions(ctx context.Context, txs []ledger.Transaction, now time.Time) (Report, error) {
	cands, err := p.ledger.ClassifyBatch(ctx, txs, p.workers)
	if err != nil {
		return Report{}, eris.Wrap(err, "scan: classify transactions")
	}
	return p.save(len(txs), cands, now)
}

// Manual stores a user-entered trial.
func (p *Pipeline) Manual(c trial.Candidate, now time.Time) (*trial.Record, error) {
	rec, _, err := p.store.SaveCandidate(p.userID, c, p.scorer.ScoreSingle(c, now).Overall, now)
	return rec, err
}

func (p *Pipeline) save(examined int, cands []trial.Candidate, now time.Time) (Report, error) {
	rep := Report{Examined: examined, Found: len(cands)}
	for _, c := range cands {
		score := p.scorer.ScoreSingle(c, now)
		rec, created, err := p.store.SaveCandidate(p.userID, c, score.Overall, now)
		if err != nil {
			return rep, err
		}
		if !created {
			rep.Existing++
			continue
		}
		rep.Saved++
		rep.Records = append(rep.Records, *rec)
	}

	zap.L().Info("scan finished",
		zap.Int("examined", rep.Examined),
		zap.Int("found", rep.Found),
		zap.Int("saved", rep.Saved),
		zap.Int("existing", rep.Existing))
	return rep, nil
}

// Show loads a trial and scores it as of now.
func (p *Pipeline) Show(id string, now time.Time) (*trial.Record, confidence.Score, error) {
	rec, err := p.get(id)
	if err != nil {
		return nil, confidence.Score{}, err
	}
	return rec, p.scorer.ScoreSingle(rec.Candidate, now), nil
}

// Combine scores an email trial and a financial trial as one corroborated
// detection.
func (p *Pipeline) Combine(emailID, financialID string, now time.Time) (confidence.Combined, error) {
	email, err := p.get(emailID)
	if err != nil {
		return confidence.Combined{}, err
	}
	financial, err := p.get(financialID)
	if err != nil {
		return confidence.Combined{}, err
	}
	if email.Source != trial.SourceEmail {
		return confidence.Combined{}, eris.Wrapf(ErrWrongSource, "%s is %s, want email", emailID, email.Source)
	}
	if financial.Source != trial.SourceFinancial {
		return confidence.Combined{}, eris.Wrapf(ErrWrongSource, "%s is %s, want financial", financialID, financial.Source)
	}
	return p.scorer.CombineSources(&email.Candidate, &financial.Candidate, now), nil
}

// Duplicates compares the user's active trials, capped at the configured
// candidate limit.
func (p *Pipeline) Duplicates() ([]dedupe.Pair, error) {
	records, err := p.store.ListByUser(p.userID, false, 0)
	if err != nil {
		return nil, err
	}
	return dedupe.FindDuplicates(dedupe.Cap(records, p.maxCandidates)), nil
}

// Rescore recomputes the stored score of every active trial and returns how
// many changed.
func (p *Pipeline) Rescore(now time.Time) (int, error) {
	records, err := p.store.ListByUser(p.userID, false, 0)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, r := range records {
		score := p.scorer.ScoreSingle(r.Candidate, now).Overall
		if score == r.Score {
			continue
		}
		if err := p.store.UpdateScore(r.ID, score, now); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// Cancel marks a trial as cancelled by the user.
func (p *Pipeline) Cancel(id string, now time.Time) error {
	if _, err := p.get(id); err != nil {
		return err
	}
	return p.store.UpdateStatus(id, trial.StatusCancelled, now)
}

func (p *Pipeline) get(id string) (*trial.Record, error) {
	rec, err := p.store.Get(id)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.UserID != p.userID {
		return nil, eris.Wrapf(ErrNotFound, "id %s", id)
	}
	return rec, nil
}
