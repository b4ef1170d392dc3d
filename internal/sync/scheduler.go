package sync

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailmirror/internal/events"
	"github.com/Martian-dev/mailmirror/internal/model"
)

// AccountLister enumerates every linked account
type AccountLister interface {
	ListAllAccounts(ctx context.Context) ([]model.Account, error)
}

// Scheduler periodically re-enters the cascade for every account so remote
// changes reach the mirror without a client trigger
type Scheduler struct {
	accounts AccountLister
	bus      events.Bus
	interval time.Duration
	log      *logrus.Entry
}

// NewScheduler creates a scheduler firing every interval
func NewScheduler(accounts AccountLister, bus events.Bus, interval time.Duration, log *logrus.Entry) *Scheduler {
	return &Scheduler{
		accounts: accounts,
		bus:      bus,
		interval: interval,
		log:      log.WithField("component", "scheduler"),
	}
}

// Run ticks until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Tick(ctx); err != nil {
				s.log.WithError(err).Error("periodic sync failed")
			} else {
				s.log.WithField("accounts", n).Debug("periodic sync scheduled")
			}
		}
	}
}

// Tick publishes a folder sync for every account and returns how many were scheduled
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	accounts, err := s.accounts.ListAllAccounts(ctx)
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for _, acct := range accounts {
		ev := events.New(events.FoldersSync, events.Payload{UserID: acct.UserID, AccountID: acct.ID})
		if err := s.bus.Publish(ctx, ev); err != nil {
			s.log.WithError(err).WithField("account", acct.ID).Warn("failed to schedule sync")
			continue
		}
		scheduled++
	}
	return scheduled, nil
}
