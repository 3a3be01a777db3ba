package syncer

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mailloft/syncd/internal/mail"
	"github.com/mailloft/syncd/internal/provider"
)

// RunBackfill retreats the oldest-seen cursor by one bounded window: per
// enabled folder it lists the identifiers strictly older than the
// backfill cursor, persists up to chunk-size of the newest among them,
// and retreats the cursor to the minimum identifier persisted. A folder
// whose whole remainder fits in the window is exhausted; once every
// enabled folder is exhausted the account's backfill is complete and this
// becomes a no-op.
func (o *Orchestrator) RunBackfill(ctx context.Context, acct *mail.Account) error {
	if acct.Status != mail.StatusSyncing || acct.BackfillComplete {
		return nil
	}
	if acct.BackfillCursor == nil {
		// Not seeded yet; nothing to page backward from.
		return nil
	}

	holder := newHolder()
	ok, err := o.store.AcquireLease(ctx, acct.ID, mail.DirectionBackfill, holder, o.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	defer o.store.ReleaseLease(context.WithoutCancel(ctx), acct.ID, mail.DirectionBackfill, holder)

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

	cursor := *acct.BackfillCursor

	results := o.forEachFolder(ctx, adapter, handles, func(fctx context.Context, handle provider.FolderHandle) folderResult {
		return o.crawlFolderBackward(fctx, adapter, acct, handle, cursor)
	})

	var (
		minPersisted uint64
		inserted     int
		exhausted    = true
		passErr      error
	)
	for _, res := range results {
		if res.err != nil {
			passErr = fmt.Errorf("folder %s: %w", res.folder, res.err)
			exhausted = false
			continue
		}
		inserted += res.inserted
		if !res.exhausted {
			exhausted = false
		}
		if m := minID(res.persisted); m > 0 && (minPersisted == 0 || m < minPersisted) {
			minPersisted = m
		}
	}

	if passErr != nil {
		// Cursor stays put so no window is skipped; dedup absorbs the
		// refetch of whatever sibling folders already persisted.
		o.recordPassFailure(ctx, acct, passErr)
		return passErr
	}

	if minPersisted > 0 && minPersisted < cursor {
		if _, err := o.store.RetreatBackfillCursor(ctx, acct.ID, minPersisted); err != nil {
			return err
		}
		acct.BackfillCursor = &minPersisted
	}

	if err := o.store.TouchBackfill(ctx, acct.ID); err != nil {
		return err
	}

	if exhausted {
		if err := o.store.MarkBackfillComplete(ctx, acct.ID); err != nil {
			return err
		}
		acct.BackfillComplete = true
		if err := o.store.SetStatus(ctx, acct.ID, mail.StatusSyncing, mail.StatusActive, ""); err != nil {
			return err
		}
		acct.Status = mail.StatusActive
		o.log.WithField("account", acct.Address).Info("backfill complete")
		return nil
	}

	o.log.WithFields(logrus.Fields{
		"account":  acct.Address,
		"ingested": inserted,
		"cursor":   acct.BackfillCursor,
	}).Debug("backfill window persisted")
	return nil
}

// crawlFolderBackward persists one folder's next backward window.
func (o *Orchestrator) crawlFolderBackward(ctx context.Context, adapter provider.Adapter, acct *mail.Account, handle provider.FolderHandle, cursor uint64) folderResult {
	res := folderResult{folder: handle.Logical}
	refreshed := false

	res.err = retryTransient(ctx, o.cfg.RetryHorizon, func() error {
		err := o.fetchOlderThan(ctx, adapter, acct, handle, cursor, &res)
		if provider.IsAuth(err) && !refreshed {
			refreshed = true
			rerr := o.adapterCall(ctx, "credential refresh", func(c context.Context) error {
				return adapter.RefreshCredentials(c, acct)
			})
			if rerr != nil {
				return provider.Terminal("credential refresh", rerr)
			}
			err = o.fetchOlderThan(ctx, adapter, acct, handle, cursor, &res)
		}
		return err
	})
	if res.err != nil {
		res.exhausted = false
	}
	return res
}

func (o *Orchestrator) fetchOlderThan(ctx context.Context, adapter provider.Adapter, acct *mail.Account, handle provider.FolderHandle, cursor uint64, res *folderResult) error {
	// The listing itself is bounded to one chunk so a window never pages
	// the whole remaining history just to trim it.
	var older []uint64
	err := o.adapterCall(ctx, "list range", func(c context.Context) error {
		var lerr error
		older, lerr = adapter.ListRange(c, handle, 0, cursor, o.cfg.ChunkSize)
		return lerr
	})
	if err != nil {
		return err
	}

	if len(older) == 0 {
		res.exhausted = true
		return nil
	}

	sortDesc(older)
	window := older

	var msgs []mail.Message
	err = o.adapterCall(ctx, "fetch messages", func(c context.Context) error {
		var ferr error
		msgs, ferr = adapter.FetchMessages(c, handle, window, true)
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

	// A full window may have more behind it; only a short one proves the
	// folder's history is exhausted. A window that comes back exactly
	// full is confirmed by the next pass finding nothing below the new
	// cursor.
	res.exhausted = len(older) < o.cfg.ChunkSize
	return nil
}
