package watchdog

import (
	"context"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mailloft/syncd/internal/config"
	"github.com/mailloft/syncd/internal/mail"
	"github.com/mailloft/syncd/internal/provider"
	"github.com/mailloft/syncd/internal/store"
	"github.com/mailloft/syncd/internal/syncer"
)

// stubAdapter serves a fixed inbox so sweeps have something to crawl.
type stubAdapter struct {
	ids       []uint64
	listCalls int32
}

func (a *stubAdapter) MaxParallelFolderFetches() int { return 1 }
func (a *stubAdapter) SupportsPush() bool            { return false }

func (a *stubAdapter) SubscribePush(ctx context.Context, account *mail.Account) error { return nil }

func (a *stubAdapter) RefreshCredentials(ctx context.Context, account *mail.Account) error {
	return nil
}

func (a *stubAdapter) ResolveFolder(ctx context.Context, ft mail.FolderType) (provider.FolderHandle, error) {
	if ft != mail.FolderInbox {
		return provider.FolderHandle{}, provider.Terminal("resolve", provider.ErrFolderNotFound)
	}
	return provider.FolderHandle{Logical: ft, Name: string(ft)}, nil
}

func (a *stubAdapter) ListRecent(ctx context.Context, handle provider.FolderHandle, n int) ([]uint64, error) {
	atomic.AddInt32(&a.listCalls, 1)
	ids := append([]uint64(nil), a.ids...)
	if len(ids) > n {
		ids = ids[len(ids)-n:]
	}
	return ids, nil
}

func (a *stubAdapter) ListRange(ctx context.Context, handle provider.FolderHandle, low, high uint64, limit int) ([]uint64, error) {
	atomic.AddInt32(&a.listCalls, 1)
	var out []uint64
	for _, id := range a.ids {
		if id > low && (high == 0 || id < high) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (a *stubAdapter) FetchMessages(ctx context.Context, handle provider.FolderHandle, ids []uint64, includeBody bool) ([]mail.Message, error) {
	msgs := make([]mail.Message, 0, len(ids))
	for _, id := range ids {
		msgs = append(msgs, mail.Message{RemoteID: id, Subject: "x", Date: time.Unix(int64(id), 0)})
	}
	return msgs, nil
}

func testSetup(t *testing.T, adapter provider.Adapter, cfg config.SyncConfig) (*Watchdog, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	factory := func(ctx context.Context, account *mail.Account) (provider.Adapter, error) {
		return adapter, nil
	}
	orch := syncer.New(s, factory, cfg)
	return New(s, orch, cfg), s
}

func testCfg() config.SyncConfig {
	return config.SyncConfig{
		SeedCount:       5,
		ChunkSize:       5,
		ForwardInterval: time.Minute,
		StallThreshold:  5 * time.Minute,
		LeaseTTL:        time.Minute,
		FetchTimeout:    time.Second,
		RetryHorizon:    time.Millisecond,
		MaxPassFailures: 3,
	}
}

func TestSweepKickstartsPendingAccounts(t *testing.T) {
	adapter := &stubAdapter{ids: []uint64{100, 101, 102}}
	dog, s := testSetup(t, adapter, testCfg())
	ctx := context.Background()

	acct, err := s.CreateAccount(ctx, mail.ProviderIMAP, "new@example.com")
	if err != nil {
		t.Fatal(err)
	}

	dog.Sweep(ctx)

	got, _ := s.GetAccount(ctx, acct.ID)
	if got.Status != mail.StatusSyncing {
		t.Errorf("status after sweep = %s, want SYNCING", got.Status)
	}
	if got.ForwardCursor == nil || *got.ForwardCursor != 102 {
		t.Errorf("forward cursor = %v, want 102", got.ForwardCursor)
	}
}

func TestSweepRescuesStalledCrawlers(t *testing.T) {
	adapter := &stubAdapter{ids: []uint64{100, 101, 102, 110}}
	dog, s := testSetup(t, adapter, testCfg())
	ctx := context.Background()

	// Seeded account with no liveness stamps at all: both directions
	// count as stalled.
	acct, _ := s.CreateAccount(ctx, mail.ProviderIMAP, "stalled@example.com")
	s.SetStatus(ctx, acct.ID, mail.StatusPending, mail.StatusSeeding, "")
	s.SetStatus(ctx, acct.ID, mail.StatusSeeding, mail.StatusSyncing, "")
	s.InitCursors(ctx, acct.ID, 102, 100)

	dog.Sweep(ctx)

	got, _ := s.GetAccount(ctx, acct.ID)
	if got.LastForwardSyncAt == nil {
		t.Error("rescue should have run a forward pass")
	}
	if got.ForwardCursor == nil || *got.ForwardCursor != 110 {
		t.Errorf("forward cursor = %v, want 110", got.ForwardCursor)
	}
	if got.LastBackfillAt == nil {
		t.Error("rescue should have run a backfill pass")
	}
}

func TestSweepLeavesHealthyAccountsAlone(t *testing.T) {
	adapter := &stubAdapter{ids: []uint64{100}}
	dog, s := testSetup(t, adapter, testCfg())
	ctx := context.Background()

	acct, _ := s.CreateAccount(ctx, mail.ProviderIMAP, "healthy@example.com")
	s.SetStatus(ctx, acct.ID, mail.StatusPending, mail.StatusSeeding, "")
	s.SetStatus(ctx, acct.ID, mail.StatusSeeding, mail.StatusSyncing, "")
	s.InitCursors(ctx, acct.ID, 100, 100)
	s.MarkBackfillComplete(ctx, acct.ID)
	s.SetStatus(ctx, acct.ID, mail.StatusSyncing, mail.StatusActive, "")
	s.TouchForwardSync(ctx, acct.ID)

	dog.Sweep(ctx)

	if n := atomic.LoadInt32(&adapter.listCalls); n != 0 {
		t.Errorf("healthy account crawled by sweep: %d list calls", n)
	}
}

func TestSweepResetsFullyStalledAccountWhenConfigured(t *testing.T) {
	adapter := &stubAdapter{ids: []uint64{100}}
	cfg := testCfg()
	cfg.ResetStalledToPending = true
	dog, s := testSetup(t, adapter, cfg)
	ctx := context.Background()

	acct, _ := s.CreateAccount(ctx, mail.ProviderIMAP, "dead@example.com")
	s.SetStatus(ctx, acct.ID, mail.StatusPending, mail.StatusSeeding, "")
	s.SetStatus(ctx, acct.ID, mail.StatusSeeding, mail.StatusSyncing, "")
	s.InitCursors(ctx, acct.ID, 100, 100)

	dog.Sweep(ctx)

	got, _ := s.GetAccount(ctx, acct.ID)
	if got.Status != mail.StatusPending {
		t.Errorf("status = %s, want PENDING after stall reset", got.Status)
	}
	if got.ForwardCursor != nil {
		t.Error("reset should clear cursors")
	}
}

func TestSweepIgnoresErrorAccounts(t *testing.T) {
	adapter := &stubAdapter{ids: []uint64{100}}
	dog, s := testSetup(t, adapter, testCfg())
	ctx := context.Background()

	acct, _ := s.CreateAccount(ctx, mail.ProviderIMAP, "broken@example.com")
	s.SetStatus(ctx, acct.ID, mail.StatusPending, mail.StatusSeeding, "")
	s.SetStatus(ctx, acct.ID, mail.StatusSeeding, mail.StatusError, "provider rejected credentials")

	dog.Sweep(ctx)

	got, _ := s.GetAccount(ctx, acct.ID)
	if got.Status != mail.StatusError {
		t.Errorf("error account touched by sweep: status = %s", got.Status)
	}
	if n := atomic.LoadInt32(&adapter.listCalls); n != 0 {
		t.Errorf("error account crawled: %d list calls", n)
	}
}
