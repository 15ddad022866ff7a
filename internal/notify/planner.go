package notify

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/trial-sentinel/sentinel/internal/confidence"
	"github.com/trial-sentinel/sentinel/internal/config"
	"github.com/trial-sentinel/sentinel/internal/history"
	"github.com/trial-sentinel/sentinel/internal/template"
	"github.com/trial-sentinel/sentinel/internal/trial"
)

// Summary counts the outcome of one reminder pass.
type Summary struct {
	Due     int
	Sent    int
	Failed  int
	Skipped int
	Expired int64
}

// Planner sends reminders for active trials that end soon.
type Planner struct {
	store  *history.Store
	engine *template.Engine
	scorer *confidence.Scorer
	sender Sender
	user   config.User
	cfg    config.NotifyConfig
}

func NewPlanner(store *history.Store, engine *template.Engine, scorer *confidence.Scorer, sender Sender, cfg *config.Config) *Planner {
	return &Planner{
		store:  store,
		engine: engine,
		scorer: scorer,
		sender: sender,
		user:   cfg.User,
		cfg:    cfg.Notify,
	}
}

// Run expires ended trials, then reminds the user about every surfaced trial
// ending within the configured window that was not reminded during the quiet
// period.
func (p *Planner) Run(ctx context.Context, now time.Time) (Summary, error) {
	var sum Summary

	expired, err := p.store.ExpireEnded(p.user.ID, now)
	if err != nil {
		return sum, err
	}
	sum.Expired = expired

	window := time.Duration(p.cfg.WindowHours) * time.Hour
	due, err := p.store.ActiveEndingBetween(now, now.Add(window))
	if err != nil {
		return sum, err
	}

	for _, r := range due {
		if r.UserID != p.user.ID {
			continue
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Due++

		send, err := p.shouldRemind(r, now)
		if err != nil {
			return sum, err
		}
		if !send {
			sum.Skipped++
			continue
		}

		ok, err := p.remind(ctx, r, now)
		if err != nil {
			return sum, err
		}
		if ok {
			sum.Sent++
		} else {
			sum.Failed++
		}
	}

	zap.L().Info("reminder pass finished",
		zap.Int("due", sum.Due),
		zap.Int("sent", sum.Sent),
		zap.Int("failed", sum.Failed),
		zap.Int("skipped", sum.Skipped),
		zap.Int64("expired", sum.Expired))
	return sum, nil
}

func (p *Planner) shouldRemind(r trial.Record, now time.Time) (bool, error) {
	if !p.scorer.ShouldShowToUser(r.Candidate, now) {
		return false, nil
	}
	last, err := p.store.LastNotification(r.ID)
	if err != nil {
		return false, err
	}
	quiet := time.Duration(p.cfg.QuietHours) * time.Hour
	return last == nil || now.Sub(last.SentAt) >= quiet, nil
}

func (p *Planner) remind(ctx context.Context, r trial.Record, now time.Time) (bool, error) {
	email, err := p.engine.Render(r, p.user.Name, now)
	if err != nil {
		return false, eris.Wrapf(err, "notify: render reminder for %s", r.ID)
	}

	result := p.sender.Send(ctx, Message{
		To:      p.user.Email,
		From:    p.cfg.From,
		Subject: email.Subject,
		Text:    email.Text,
		HTML:    email.HTML,
	})

	n := &history.Notification{
		TrialID:   r.ID,
		UserID:    r.UserID,
		Provider:  p.sender.Name(),
		Status:    history.StatusSent,
		MessageID: result.MessageID,
		SentAt:    now,
	}
	if !result.Success {
		n.Status = history.StatusFailed
		if result.Error != nil {
			n.Error = result.Error.Error()
		}
		zap.L().Warn("reminder failed",
			zap.String("trial", r.ID),
			zap.String("service", r.ServiceName),
			zap.Error(result.Error))
	}
	if err := p.store.AddNotification(n); err != nil {
		return false, err
	}
	return result.Success, nil
}
