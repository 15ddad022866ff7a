package notify

import (
	"context"
	"time"

	"github.com/robfig/cron"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Scheduler runs the planner on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	planner *Planner
	now     func() time.Time
}

func NewScheduler(planner *Planner, schedule string) (*Scheduler, error) {
	s := &Scheduler{cron: cron.New(), planner: planner, now: time.Now}
	if err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, eris.Wrapf(err, "notify: schedule %q", schedule)
	}
	return s, nil
}

func (s *Scheduler) tick() {
	if _, err := s.planner.Run(context.Background(), s.now().UTC()); err != nil {
		zap.L().Error("reminder pass failed", zap.Error(err))
	}
}

func (s *Scheduler) Start() { s.cron.Start() }

func (s *Scheduler) Stop() { s.cron.Stop() }
