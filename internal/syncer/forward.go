package syncer

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mailloft/syncd/internal/mail"
	"github.com/mailloft/syncd/internal/provider"
)

// RunForward advances the newest-seen cursor: one pass fetches every
// identifier strictly newer than the forward cursor across enabled
// folders, persists the records, and advances the cursor to the maximum
// identifier actually persisted. A pass with any folder failure leaves
// the cursor exactly where it was; persisted messages stay (dedup makes
// the refetch free) but the cursor never passes unpersisted mail.
func (o *Orchestrator) RunForward(ctx context.Context, acct *mail.Account) error {
	if !acct.Status.CrawlEligible() {
		return nil
	}

	holder := newHolder()
	ok, err := o.store.AcquireLease(ctx, acct.ID, mail.DirectionForward, holder, o.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if !ok {
		// A forward crawl for this account is already in flight.
		return nil
	}
	defer o.store.ReleaseLease(context.WithoutCancel(ctx), acct.ID, mail.DirectionForward, holder)

	adapter, err := o.adapterFor(ctx, acct)
	if err != nil {
		o.recordPassFailure(ctx, acct, err)
		return err
	}

	handles, err := o.resolveFolders(ctx, adapter, acct)
	if err != nil {
		o.recordPassFailure(ctx, acct, err)
		return err
	}

	var cursor uint64
	if acct.ForwardCursor != nil {
		cursor = *acct.ForwardCursor
	}

	results := o.forEachFolder(ctx, adapter, handles, func(fctx context.Context, handle provider.FolderHandle) folderResult {
		return o.crawlFolderForward(fctx, adapter, acct, handle, cursor)
	})

	var (
		maxPersisted uint64
		inserted     int
		passErr      error
	)
	for _, res := range results {
		if res.err != nil {
			passErr = fmt.Errorf("folder %s: %w", res.folder, res.err)
			continue
		}
		inserted += res.inserted
		if m := maxID(res.persisted); m > maxPersisted {
			maxPersisted = m
		}
	}

	if passErr != nil {
		o.recordPassFailure(ctx, acct, passErr)
		return passErr
	}

	if maxPersisted > cursor {
		if _, err := o.store.AdvanceForwardCursor(ctx, acct.ID, maxPersisted); err != nil {
			return err
		}
		acct.ForwardCursor = &maxPersisted
	}

	// Liveness, not progress: a pass that found nothing new still
	// proves the crawler is alive.
	if err := o.store.TouchForwardSync(ctx, acct.ID); err != nil {
		return err
	}

	if inserted > 0 {
		o.log.WithFields(logrus.Fields{
			"account": acct.Address,
			"new":     inserted,
			"cursor":  maxPersisted,
		}).Info("forward crawl ingested new mail")
	}
	return nil
}

// crawlFolderForward fetches and persists one folder's new identifiers.
// Transient failures retry with backoff; an auth failure gets one
// credential refresh before the retry.
func (o *Orchestrator) crawlFolderForward(ctx context.Context, adapter provider.Adapter, acct *mail.Account, handle provider.FolderHandle, cursor uint64) folderResult {
	res := folderResult{folder: handle.Logical}
	refreshed := false

	res.err = retryTransient(ctx, o.cfg.RetryHorizon, func() error {
		err := o.fetchNewerThan(ctx, adapter, acct, handle, cursor, &res)
		if provider.IsAuth(err) && !refreshed {
			refreshed = true
			rerr := o.adapterCall(ctx, "credential refresh", func(c context.Context) error {
				return adapter.RefreshCredentials(c, acct)
			})
			if rerr != nil {
				return provider.Terminal("credential refresh", rerr)
			}
			err = o.fetchNewerThan(ctx, adapter, acct, handle, cursor, &res)
		}
		return err
	})
	return res
}

func (o *Orchestrator) fetchNewerThan(ctx context.Context, adapter provider.Adapter, acct *mail.Account, handle provider.FolderHandle, cursor uint64, res *folderResult) error {
	// Cheap probe first: most passes find nothing new.
	probe := o.cfg.ChunkSize
	var recent []uint64
	err := o.adapterCall(ctx, "list recent", func(c context.Context) error {
		var lerr error
		recent, lerr = adapter.ListRecent(c, handle, probe)
		return lerr
	})
	if err != nil {
		return err
	}

	var newIDs []uint64
	allNew := true
	for _, id := range recent {
		if id > cursor {
			newIDs = append(newIDs, id)
		} else {
			allNew = false
		}
	}

	// Probe saturated with unseen ids: there may be more between the
	// probe floor and the cursor, so list the full range.
	if allNew && len(recent) == probe {
		err = o.adapterCall(ctx, "list range", func(c context.Context) error {
			var lerr error
			newIDs, lerr = adapter.ListRange(c, handle, cursor, 0, 0)
			return lerr
		})
		if err != nil {
			return err
		}
	}

	if len(newIDs) == 0 {
		return nil
	}
	sortDesc(newIDs)

	var msgs []mail.Message
	err = o.adapterCall(ctx, "fetch messages", func(c context.Context) error {
		var ferr error
		msgs, ferr = adapter.FetchMessages(c, handle, newIDs, true)
		return ferr
	})
	if err != nil {
		return err
	}

	for i := range msgs {
		msgs[i].AccountID = acct.ID
		msgs[i].Folder = handle.Logical
		fresh, err := o.store.UpsertMessage(ctx, &msgs[i])
		if err != nil {
			return fmt.Errorf("persisting %d: %w", msgs[i].RemoteID, err)
		}
		res.persisted = append(res.persisted, msgs[i].RemoteID)
		if fresh {
			res.inserted++
		}
	}
	return nil
}
