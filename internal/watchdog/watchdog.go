package watchdog

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mailloft/syncd/internal/config"
	"github.com/mailloft/syncd/internal/mail"
	"github.com/mailloft/syncd/internal/store"
	"github.com/mailloft/syncd/internal/syncer"
)

// Watchdog periodically sweeps all accounts with two independent jobs:
// kickstarting seeding for brand-new accounts, and rescuing crawlers
// whose liveness stamps have gone stale. Rescue is idempotent: the crawl
// lease turns a re-invocation of a still-healthy crawler into a cheap
// no-op, and cursor advancement never assumes exclusive ownership.
type Watchdog struct {
	store *store.Store
	orch  *syncer.Orchestrator
	cfg   config.SyncConfig
	log   *logrus.Entry
}

func New(s *store.Store, orch *syncer.Orchestrator, cfg config.SyncConfig) *Watchdog {
	return &Watchdog{
		store: s,
		orch:  orch,
		cfg:   cfg,
		log:   logrus.WithField("component", "watchdog"),
	}
}

// Run ticks until ctx is canceled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one watchdog pass. Account failures are isolated: one bad
// account never blocks the rest of the sweep.
func (w *Watchdog) Sweep(ctx context.Context) {
	w.kickstart(ctx)
	w.rescue(ctx)
}

// kickstart seeds every account still in Pending.
func (w *Watchdog) kickstart(ctx context.Context) {
	pending, err := w.store.ListAccountsByStatus(ctx, mail.StatusPending)
	if err != nil {
		w.log.WithError(err).Error("listing pending accounts")
		return
	}

	for i := range pending {
		acct := pending[i]
		if err := w.orch.Seed(ctx, &acct); err != nil {
			w.log.WithField("account", acct.Address).WithError(err).Warn("seed failed")
		}
	}
}

// rescue re-invokes crawlers whose liveness stamp is older than the stall
// threshold. When the reset-to-pending policy is enabled, an account
// whose both directions are stalled is fully reset instead.
func (w *Watchdog) rescue(ctx context.Context) {
	accounts, err := w.store.ListAccountsByStatus(ctx, mail.StatusSyncing, mail.StatusActive)
	if err != nil {
		w.log.WithError(err).Error("listing crawl-eligible accounts")
		return
	}

	cutoff := time.Now().UTC().Add(-w.cfg.StallThreshold)

	for i := range accounts {
		acct := accounts[i]
		forwardStalled := stale(acct.LastForwardSyncAt, cutoff)
		backfillStalled := acct.Status == mail.StatusSyncing &&
			!acct.BackfillComplete && stale(acct.LastBackfillAt, cutoff)

		if !forwardStalled && !backfillStalled {
			continue
		}

		log := w.log.WithField("account", acct.Address)

		if w.cfg.ResetStalledToPending && forwardStalled && (backfillStalled || acct.BackfillComplete) {
			log.Warn("account fully stalled, resetting to pending")
			if err := w.store.ResetAccount(ctx, acct.ID); err != nil {
				log.WithError(err).Error("resetting stalled account")
			}
			continue
		}

		if forwardStalled {
			log.Warn("forward crawl stalled, rescuing")
			if err := w.orch.RunForward(ctx, &acct); err != nil {
				log.WithError(err).Warn("forward rescue failed")
			}
		}
		if backfillStalled {
			log.Warn("backfill crawl stalled, rescuing")
			if err := w.orch.RunBackfill(ctx, &acct); err != nil {
				log.WithError(err).Warn("backfill rescue failed")
			}
		}
	}
}

// stale reports whether a liveness stamp is missing or before cutoff.
func stale(t *time.Time, cutoff time.Time) bool {
	return t == nil || t.Before(cutoff)
}
