package syncer

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mailloft/syncd/internal/mail"
	"github.com/mailloft/syncd/internal/provider"
)

// Seed bootstraps a brand-new account: for every enabled folder it
// fetches the newest seed-count messages with bodies so the mailbox is
// immediately browsable, then initializes both cursors from the seed
// batch. Failure on the primary folder fails the whole seed; any other
// folder is skipped with a log line.
func (o *Orchestrator) Seed(ctx context.Context, acct *mail.Account) error {
	log := o.log.WithField("account", acct.Address)

	if err := o.store.SetStatus(ctx, acct.ID, mail.StatusPending, mail.StatusSeeding, ""); err != nil {
		// Another watchdog pass got here first.
		return nil
	}
	acct.Status = mail.StatusSeeding

	adapter, err := o.adapterFor(ctx, acct)
	if err != nil {
		o.failSeed(ctx, acct, err)
		return err
	}

	var (
		newest, oldest uint64
		seeded         int
	)

	for _, ft := range acct.EnabledFolders() {
		var handle provider.FolderHandle
		err := o.adapterCall(ctx, "resolve "+string(ft), func(c context.Context) error {
			var rerr error
			handle, rerr = adapter.ResolveFolder(c, ft)
			return rerr
		})
		if err != nil {
			if ft == mail.PrimaryFolder {
				err = fmt.Errorf("resolving primary folder: %w", err)
				o.failSeed(ctx, acct, err)
				return err
			}
			log.WithField("folder", ft).WithError(err).Warn("folder unresolvable, skipping seed")
			continue
		}

		var ids []uint64
		err = retryTransient(ctx, o.cfg.RetryHorizon, func() error {
			return o.adapterCall(ctx, "list recent", func(c context.Context) error {
				var lerr error
				ids, lerr = adapter.ListRecent(c, handle, o.cfg.SeedCount)
				return lerr
			})
		})
		if err == nil && len(ids) > 0 {
			err = retryTransient(ctx, o.cfg.RetryHorizon, func() error {
				var msgs []mail.Message
				ferr := o.adapterCall(ctx, "fetch messages", func(c context.Context) error {
					var cerr error
					msgs, cerr = adapter.FetchMessages(c, handle, ids, true)
					return cerr
				})
				if ferr != nil {
					return ferr
				}
				for i := range msgs {
					msgs[i].AccountID = acct.ID
					msgs[i].Folder = ft
					if _, uerr := o.store.UpsertMessage(ctx, &msgs[i]); uerr != nil {
						return uerr
					}
					seeded++
				}
				return nil
			})
		}
		if err != nil {
			if ft == mail.PrimaryFolder {
				err = fmt.Errorf("seeding primary folder: %w", err)
				o.failSeed(ctx, acct, err)
				return err
			}
			log.WithField("folder", ft).WithError(err).Warn("folder seed failed, skipping")
			continue
		}

		for _, id := range ids {
			if id > newest {
				newest = id
			}
			if oldest == 0 || id < oldest {
				oldest = id
			}
		}
	}

	if newest > 0 {
		if err := o.store.InitCursors(ctx, acct.ID, newest, oldest); err != nil {
			o.failSeed(ctx, acct, err)
			return err
		}
	}

	// The seed pass itself counts as liveness in both directions, so a
	// just-seeded account is not stalled until a real interval lapses.
	if err := o.store.TouchForwardSync(ctx, acct.ID); err != nil {
		o.failSeed(ctx, acct, err)
		return err
	}
	if err := o.store.TouchBackfill(ctx, acct.ID); err != nil {
		o.failSeed(ctx, acct, err)
		return err
	}

	if err := o.store.SetStatus(ctx, acct.ID, mail.StatusSeeding, mail.StatusSyncing, ""); err != nil {
		return err
	}
	acct.Status = mail.StatusSyncing

	if adapter.SupportsPush() {
		err := o.adapterCall(ctx, "subscribe push", func(c context.Context) error {
			return adapter.SubscribePush(c, acct)
		})
		if err != nil {
			// Polling still covers the account; push is an accelerator.
			log.WithError(err).Warn("push subscription failed, relying on polling")
		}
	}

	log.WithFields(logrus.Fields{
		"seeded":  seeded,
		"forward": newest,
		"back":    oldest,
	}).Info("account seeded")
	return nil
}

func (o *Orchestrator) failSeed(ctx context.Context, acct *mail.Account, cause error) {
	if err := o.store.SetStatus(ctx, acct.ID, mail.StatusSeeding, mail.StatusError, cause.Error()); err != nil {
		o.log.WithField("account", acct.Address).WithError(err).Error("marking seed failure")
	}
}
