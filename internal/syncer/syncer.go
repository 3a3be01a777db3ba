package syncer

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mailloft/syncd/internal/config"
	"github.com/mailloft/syncd/internal/mail"
	"github.com/mailloft/syncd/internal/provider"
	"github.com/mailloft/syncd/internal/store"
)

// Orchestrator is the single entry point for all sync activity. The
// watchdog, push intake, and scheduled pollers all come through here; it
// owns the account state machine and enforces the per-provider
// concurrency ceiling and the per-account-per-direction crawl leases.
type Orchestrator struct {
	store   *store.Store
	factory provider.Factory
	cfg     config.SyncConfig

	log *logrus.Entry
}

func New(s *store.Store, factory provider.Factory, cfg config.SyncConfig) *Orchestrator {
	return &Orchestrator{
		store:   s,
		factory: factory,
		cfg:     cfg,
		log:     logrus.WithField("component", "syncer"),
	}
}

// newHolder mints the lease identity for one crawl invocation. Every
// invocation gets its own, so a rescue or push trigger landing on a
// still-running pass no-ops instead of taking its lease over.
func newHolder() string {
	return uuid.NewString()
}

// folderResult is one folder's outcome within a crawl pass.
type folderResult struct {
	folder    mail.FolderType
	persisted []uint64
	inserted  int
	exhausted bool
	err       error
}

// resolveFolders maps the account's enabled folders to provider handles.
// Handles sharing one underlying provider folder (same Name) collapse to
// a single entry so the folder gets one fetch pass, as decided by the
// adapter. Unresolvable folders are skipped and logged; the caller
// decides whether a missing primary folder is fatal.
func (o *Orchestrator) resolveFolders(ctx context.Context, adapter provider.Adapter, acct *mail.Account) ([]provider.FolderHandle, error) {
	seen := make(map[string]bool)
	var handles []provider.FolderHandle

	for _, ft := range acct.EnabledFolders() {
		var handle provider.FolderHandle
		err := o.adapterCall(ctx, "resolve "+string(ft), func(c context.Context) error {
			var rerr error
			handle, rerr = adapter.ResolveFolder(c, ft)
			return rerr
		})
		if err != nil {
			if provider.IsAuth(err) {
				return nil, err
			}
			o.log.WithFields(logrus.Fields{
				"account": acct.Address,
				"folder":  ft,
			}).WithError(err).Warn("folder unresolvable, skipping")
			if ft == mail.PrimaryFolder {
				return nil, fmt.Errorf("primary folder unresolvable: %w", err)
			}
			continue
		}
		if seen[handle.Name] {
			continue
		}
		seen[handle.Name] = true
		handles = append(handles, handle)
	}
	return handles, nil
}

// forEachFolder runs fn per folder handle, bounded by the adapter's
// parallel-fetch ceiling. Folder errors are isolated: every folder runs
// regardless of its siblings, and results are returned in folder order.
func (o *Orchestrator) forEachFolder(ctx context.Context, adapter provider.Adapter, handles []provider.FolderHandle, fn func(context.Context, provider.FolderHandle) folderResult) []folderResult {
	limit := adapter.MaxParallelFolderFetches()
	if limit < 1 {
		limit = 1
	}
	sem := semaphore.NewWeighted(int64(limit))
	results := make([]folderResult, len(handles))

	g, gctx := errgroup.WithContext(ctx)
	for i, handle := range handles {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				results[i] = folderResult{folder: handle.Logical, err: err}
				return nil
			}
			defer sem.Release(1)
			results[i] = fn(gctx, handle)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// adapterFor builds the adapter and makes sure credentials are fresh
// before any network operation. A failed refresh is terminal per the
// error taxonomy.
func (o *Orchestrator) adapterFor(ctx context.Context, acct *mail.Account) (provider.Adapter, error) {
	adapter, err := o.factory(ctx, acct)
	if err != nil {
		return nil, fmt.Errorf("creating %s adapter: %w", acct.Kind, err)
	}
	err = o.adapterCall(ctx, "credential refresh", func(c context.Context) error {
		return adapter.RefreshCredentials(c, acct)
	})
	if err != nil {
		return nil, provider.Terminal("credential refresh", err)
	}
	return adapter, nil
}

// adapterCall bounds one adapter network operation with the fetch
// timeout. A call that outlives the timeout surfaces as transient so
// the normal retry path picks it up; parent cancellation passes through
// untouched.
func (o *Orchestrator) adapterCall(ctx context.Context, op string, fn func(context.Context) error) error {
	tctx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	defer cancel()

	err := fn(tctx)
	if err != nil && tctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return provider.Transient(op, err)
	}
	return err
}

// recordPassFailure notes a failed crawl pass and escalates the account
// to Error once consecutive failures cross the configured bound, or
// immediately for terminal adapter errors.
func (o *Orchestrator) recordPassFailure(ctx context.Context, acct *mail.Account, passErr error) {
	log := o.log.WithField("account", acct.Address)

	if provider.IsTerminal(passErr) {
		if err := o.store.SetStatus(ctx, acct.ID, acct.Status, mail.StatusError, passErr.Error()); err != nil {
			log.WithError(err).Error("moving account to error state")
		}
		log.WithError(passErr).Error("terminal adapter error, account disabled")
		return
	}

	failures, err := o.store.RecordPassFailure(ctx, acct.ID, passErr.Error())
	if err != nil {
		log.WithError(err).Error("recording pass failure")
		return
	}
	if failures >= o.cfg.MaxPassFailures && acct.Status.CrawlEligible() {
		if err := o.store.SetStatus(ctx, acct.ID, acct.Status, mail.StatusError,
			fmt.Sprintf("%d consecutive failed passes: %s", failures, passErr)); err != nil {
			log.WithError(err).Error("escalating account to error state")
			return
		}
		log.WithField("failures", failures).Error("repeated pass failures, account disabled")
	}
}

// TriggerForward kicks an immediate forward crawl for the account with
// the given address, bypassing the poll interval. Used by push intake;
// the crawl runs asynchronously so the caller can acknowledge the
// notification without blocking. Unknown addresses are a silent no-op.
func (o *Orchestrator) TriggerForward(address string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.FetchTimeout*4)
		defer cancel()

		acct, err := o.store.GetAccountByAddress(ctx, address)
		if err != nil {
			if err != store.ErrAccountNotFound {
				o.log.WithError(err).WithField("address", address).Error("push trigger lookup")
			}
			return
		}
		if !acct.Status.CrawlEligible() {
			return
		}
		if err := o.RunForward(ctx, acct); err != nil {
			o.log.WithError(err).WithField("account", address).Warn("push-triggered forward crawl failed")
		}
	}()
}

// RunDueForwardPolls runs a forward crawl for every account whose poll
// interval has elapsed. Account failures are isolated from each other.
func (o *Orchestrator) RunDueForwardPolls(ctx context.Context) error {
	accounts, err := o.store.ListDueForwardAccounts(ctx, o.cfg.ForwardInterval)
	if err != nil {
		return err
	}
	for i := range accounts {
		acct := accounts[i]
		if err := o.RunForward(ctx, &acct); err != nil {
			o.log.WithError(err).WithField("account", acct.Address).Warn("scheduled forward crawl failed")
		}
	}
	return nil
}

// RunDueBackfills runs a backfill window for every account that still has
// history to ingest.
func (o *Orchestrator) RunDueBackfills(ctx context.Context) error {
	accounts, err := o.store.ListAccountsByStatus(ctx, mail.StatusSyncing)
	if err != nil {
		return err
	}
	for i := range accounts {
		acct := accounts[i]
		if acct.BackfillComplete {
			continue
		}
		if err := o.RunBackfill(ctx, &acct); err != nil {
			o.log.WithError(err).WithField("account", acct.Address).Warn("scheduled backfill failed")
		}
	}
	return nil
}

// sortDesc orders remote ids newest first.
func sortDesc(ids []uint64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
}

func maxID(ids []uint64) uint64 {
	var max uint64
	for _, id := range ids {
		if id > max {
			max = id
		}
	}
	return max
}

func minID(ids []uint64) uint64 {
	if len(ids) == 0 {
		return 0
	}
	min := ids[0]
	for _, id := range ids[1:] {
		if id < min {
			min = id
		}
	}
	return min
}
