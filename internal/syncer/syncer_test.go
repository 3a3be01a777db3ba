package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mailloft/syncd/internal/config"
	"github.com/mailloft/syncd/internal/mail"
	"github.com/mailloft/syncd/internal/provider"
	"github.com/mailloft/syncd/internal/store"
)

// fakeAdapter serves remote ids from in-memory folders and fails on
// command, so crawl passes can be driven deterministically.
type fakeAdapter struct {
	mu      sync.Mutex
	folders map[mail.FolderType][]uint64

	listErr      map[mail.FolderType]error
	listErrOnce  map[mail.FolderType]error
	fetchErr     map[mail.FolderType]error
	unresolvable map[mail.FolderType]bool

	// listHang makes ListRecent block until ctx is canceled, like a
	// black-holed network call.
	listHang map[mail.FolderType]bool

	// listGate, when set, parks ListRecent until the gate is closed;
	// listStarted is closed once the first call reaches the gate.
	listGate    chan struct{}
	listStarted chan struct{}
	gateOnce    sync.Once

	refreshErr   error
	refreshCalls int32
	listCalls    int32
	fetchCalls   int32

	lastRangeLimit int32

	push      bool
	pushErr   error
	pushCalls int32
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		folders:      make(map[mail.FolderType][]uint64),
		listErr:      make(map[mail.FolderType]error),
		listErrOnce:  make(map[mail.FolderType]error),
		fetchErr:     make(map[mail.FolderType]error),
		unresolvable: make(map[mail.FolderType]bool),
		listHang:     make(map[mail.FolderType]bool),
	}
}

func (f *fakeAdapter) setIDs(ft mail.FolderType, ids ...uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.folders[ft] = ids
}

func (f *fakeAdapter) addIDs(ft mail.FolderType, ids ...uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.folders[ft] = append(f.folders[ft], ids...)
}

func (f *fakeAdapter) MaxParallelFolderFetches() int { return 2 }

func (f *fakeAdapter) SupportsPush() bool { return f.push }

func (f *fakeAdapter) SubscribePush(ctx context.Context, account *mail.Account) error {
	atomic.AddInt32(&f.pushCalls, 1)
	return f.pushErr
}

func (f *fakeAdapter) RefreshCredentials(ctx context.Context, account *mail.Account) error {
	atomic.AddInt32(&f.refreshCalls, 1)
	return f.refreshErr
}

func (f *fakeAdapter) ResolveFolder(ctx context.Context, ft mail.FolderType) (provider.FolderHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unresolvable[ft] {
		return provider.FolderHandle{}, provider.Terminal("resolve", provider.ErrFolderNotFound)
	}
	return provider.FolderHandle{Logical: ft, Name: string(ft)}, nil
}

func (f *fakeAdapter) listFault(ft mail.FolderType) error {
	if err := f.listErrOnce[ft]; err != nil {
		delete(f.listErrOnce, ft)
		return err
	}
	return f.listErr[ft]
}

func (f *fakeAdapter) hangs(ft mail.FolderType) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listHang[ft]
}

func (f *fakeAdapter) ListRecent(ctx context.Context, handle provider.FolderHandle, n int) ([]uint64, error) {
	atomic.AddInt32(&f.listCalls, 1)
	if f.listGate != nil {
		f.gateOnce.Do(func() { close(f.listStarted) })
		select {
		case <-f.listGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.hangs(handle.Logical) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listFault(handle.Logical); err != nil {
		return nil, err
	}

	ids := append([]uint64(nil), f.folders[handle.Logical]...)
	sortDesc(ids)
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids, nil
}

func (f *fakeAdapter) ListRange(ctx context.Context, handle provider.FolderHandle, low, high uint64, limit int) ([]uint64, error) {
	atomic.AddInt32(&f.listCalls, 1)
	atomic.StoreInt32(&f.lastRangeLimit, int32(limit))
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.listFault(handle.Logical); err != nil {
		return nil, err
	}

	var out []uint64
	for _, id := range f.folders[handle.Logical] {
		if id > low && (high == 0 || id < high) {
			out = append(out, id)
		}
	}
	sortDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeAdapter) FetchMessages(ctx context.Context, handle provider.FolderHandle, ids []uint64, includeBody bool) ([]mail.Message, error) {
	atomic.AddInt32(&f.fetchCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fetchErr[handle.Logical]; err != nil {
		return nil, err
	}

	msgs := make([]mail.Message, 0, len(ids))
	for _, id := range ids {
		msg := mail.Message{
			RemoteID: id,
			Subject:  fmt.Sprintf("message %d", id),
			Sender:   "sender@example.com",
			Date:     time.Unix(int64(id), 0).UTC(),
		}
		if includeBody {
			msg.Body = fmt.Sprintf("body %d", id)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func testConfig() config.SyncConfig {
	return config.SyncConfig{
		SeedCount:        10,
		ChunkSize:        5,
		ForwardInterval:  time.Minute,
		BackfillInterval: time.Minute,
		WatchdogInterval: time.Minute,
		StallThreshold:   5 * time.Minute,
		LeaseTTL:         time.Minute,
		FetchTimeout:     5 * time.Second,
		RetryHorizon:     time.Millisecond,
		MaxPassFailures:  3,
	}
}

func testOrchestrator(t *testing.T, adapter *fakeAdapter) (*Orchestrator, *store.Store) {
	t.Helper()
	return testOrchestratorWithConfig(t, adapter, testConfig())
}

func testOrchestratorWithConfig(t *testing.T, adapter *fakeAdapter, cfg config.SyncConfig) (*Orchestrator, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	factory := func(ctx context.Context, account *mail.Account) (provider.Adapter, error) {
		return adapter, nil
	}
	return New(s, factory, cfg), s
}

func newSyncingAccount(t *testing.T, s *store.Store, forward, backfill uint64) *mail.Account {
	t.Helper()
	ctx := context.Background()
	acct, err := s.CreateAccount(ctx, mail.ProviderIMAP, "user@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetStatus(ctx, acct.ID, mail.StatusPending, mail.StatusSeeding, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.SetStatus(ctx, acct.ID, mail.StatusSeeding, mail.StatusSyncing, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.InitCursors(ctx, acct.ID, forward, backfill); err != nil {
		t.Fatal(err)
	}

	acct, err = s.GetAccount(ctx, acct.ID)
	if err != nil {
		t.Fatal(err)
	}
	return acct
}

func TestSeedBootstrapsAccount(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.setIDs(mail.FolderInbox, 100, 101, 102, 103, 104, 105, 106, 107, 108, 109)
	adapter.setIDs(mail.FolderSent, 50, 51)
	orch, s := testOrchestrator(t, adapter)
	ctx := context.Background()

	acct, err := s.CreateAccount(ctx, mail.ProviderIMAP, "user@example.com")
	if err != nil {
		t.Fatal(err)
	}

	if err := orch.Seed(ctx, acct); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	got, _ := s.GetAccount(ctx, acct.ID)
	if got.Status != mail.StatusSyncing {
		t.Errorf("status = %s, want SYNCING", got.Status)
	}
	if got.ForwardCursor == nil || *got.ForwardCursor != 109 {
		t.Errorf("forward cursor = %v, want 109", got.ForwardCursor)
	}
	if got.BackfillCursor == nil || *got.BackfillCursor != 50 {
		t.Errorf("backfill cursor = %v, want 50", got.BackfillCursor)
	}

	n, _ := s.CountMessages(ctx, acct.ID, "")
	if n != 12 {
		t.Errorf("seeded messages = %d, want 12", n)
	}

	// The seed stamps liveness in both directions so the next watchdog
	// sweep does not treat the fresh account as stalled.
	if got.LastForwardSyncAt == nil {
		t.Error("seed must stamp forward liveness")
	}
	if got.LastBackfillAt == nil {
		t.Error("seed must stamp backfill liveness")
	}
}

func TestSeedPrimaryFolderFailureFailsAccount(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.unresolvable[mail.FolderInbox] = true
	orch, s := testOrchestrator(t, adapter)
	ctx := context.Background()

	acct, _ := s.CreateAccount(ctx, mail.ProviderIMAP, "user@example.com")
	if err := orch.Seed(ctx, acct); err == nil {
		t.Fatal("seed with unresolvable inbox should fail")
	}

	got, _ := s.GetAccount(ctx, acct.ID)
	if got.Status != mail.StatusError {
		t.Errorf("status = %s, want ERROR", got.Status)
	}
	if got.LastError == "" {
		t.Error("last_error should name the failure")
	}
}

func TestSeedNonPrimaryFolderFailureIsSkipped(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.setIDs(mail.FolderInbox, 100, 101)
	adapter.listErr[mail.FolderSent] = provider.Terminal("list", errors.New("gone"))
	orch, s := testOrchestrator(t, adapter)
	ctx := context.Background()

	acct, _ := s.CreateAccount(ctx, mail.ProviderIMAP, "user@example.com")
	if err := orch.Seed(ctx, acct); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	got, _ := s.GetAccount(ctx, acct.ID)
	if got.Status != mail.StatusSyncing {
		t.Errorf("status = %s, want SYNCING", got.Status)
	}
}

func TestSeedSubscribesPush(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.setIDs(mail.FolderInbox, 1, 2)
	adapter.push = true
	orch, s := testOrchestrator(t, adapter)
	ctx := context.Background()

	acct, _ := s.CreateAccount(ctx, mail.ProviderIMAP, "user@example.com")
	if err := orch.Seed(ctx, acct); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&adapter.pushCalls) != 1 {
		t.Errorf("push subscriptions = %d, want 1", adapter.pushCalls)
	}

	// A failing subscription degrades to polling, never fails the seed.
	adapter2 := newFakeAdapter()
	adapter2.setIDs(mail.FolderInbox, 1, 2)
	adapter2.push = true
	adapter2.pushErr = errors.New("subscribe refused")
	orch2, s2 := testOrchestrator(t, adapter2)

	acct2, _ := s2.CreateAccount(ctx, mail.ProviderIMAP, "user@example.com")
	if err := orch2.Seed(ctx, acct2); err != nil {
		t.Fatalf("seed must survive push subscription failure: %v", err)
	}
	got, _ := s2.GetAccount(ctx, acct2.ID)
	if got.Status != mail.StatusSyncing {
		t.Errorf("status = %s, want SYNCING", got.Status)
	}
}

func TestForwardIngestsNewMail(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.setIDs(mail.FolderInbox, 100, 105, 109)
	orch, s := testOrchestrator(t, adapter)
	ctx := context.Background()

	acct := newSyncingAccount(t, s, 109, 100)

	// Nothing new: cursor holds, liveness advances.
	if err := orch.RunForward(ctx, acct); err != nil {
		t.Fatalf("empty forward pass: %v", err)
	}
	got, _ := s.GetAccount(ctx, acct.ID)
	if *got.ForwardCursor != 109 {
		t.Errorf("cursor moved on empty pass: %d", *got.ForwardCursor)
	}
	if got.LastForwardSyncAt == nil {
		t.Error("empty pass must still stamp liveness")
	}

	// Two new messages arrive.
	adapter.addIDs(mail.FolderInbox, 110, 111)
	if err := orch.RunForward(ctx, got); err != nil {
		t.Fatalf("forward pass: %v", err)
	}

	got, _ = s.GetAccount(ctx, acct.ID)
	if *got.ForwardCursor != 111 {
		t.Errorf("forward cursor = %d, want 111", *got.ForwardCursor)
	}
	n, _ := s.CountMessages(ctx, acct.ID, mail.FolderInbox)
	if n != 2 {
		t.Errorf("ingested = %d, want 2", n)
	}

	// Replaying the same pass is a no-op thanks to dedup.
	freshAcct, _ := s.GetAccount(ctx, acct.ID)
	zero := uint64(109)
	freshAcct.ForwardCursor = &zero
	if err := orch.RunForward(ctx, freshAcct); err != nil {
		t.Fatalf("replayed pass: %v", err)
	}
	n, _ = s.CountMessages(ctx, acct.ID, mail.FolderInbox)
	if n != 2 {
		t.Errorf("replay duplicated messages: %d", n)
	}
}

func TestForwardFolderFailureHoldsCursor(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.setIDs(mail.FolderInbox, 110, 111)
	adapter.setIDs(mail.FolderSent, 60)
	adapter.listErr[mail.FolderSent] = provider.Transient("list", errors.New("timeout"))
	orch, s := testOrchestrator(t, adapter)
	ctx := context.Background()

	acct := newSyncingAccount(t, s, 109, 100)

	if err := orch.RunForward(ctx, acct); err == nil {
		t.Fatal("pass with a failed folder must report the failure")
	}

	got, _ := s.GetAccount(ctx, acct.ID)
	if *got.ForwardCursor != 109 {
		t.Errorf("cursor advanced past a failed folder: %d", *got.ForwardCursor)
	}
	if got.PassFailures != 1 {
		t.Errorf("pass failures = %d, want 1", got.PassFailures)
	}

	// The healthy folder's messages were still persisted.
	n, _ := s.CountMessages(ctx, acct.ID, mail.FolderInbox)
	if n != 2 {
		t.Errorf("healthy folder messages = %d, want 2", n)
	}

	// Once the fault clears, the next pass advances normally and the
	// already-persisted inbox messages are not duplicated.
	delete(adapter.listErr, mail.FolderSent)
	got, _ = s.GetAccount(ctx, acct.ID)
	if err := orch.RunForward(ctx, got); err != nil {
		t.Fatalf("recovered pass: %v", err)
	}
	got, _ = s.GetAccount(ctx, acct.ID)
	if *got.ForwardCursor != 111 {
		t.Errorf("forward cursor = %d, want 111", *got.ForwardCursor)
	}
	if got.PassFailures != 0 {
		t.Errorf("pass failures not reset: %d", got.PassFailures)
	}
	n, _ = s.CountMessages(ctx, acct.ID, mail.FolderInbox)
	if n != 2 {
		t.Errorf("refetch duplicated messages: %d", n)
	}
}

func TestForwardTerminalErrorDisablesAccount(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.listErr[mail.FolderInbox] = provider.Terminal("list", errors.New("mailbox deleted"))
	orch, s := testOrchestrator(t, adapter)
	ctx := context.Background()

	acct := newSyncingAccount(t, s, 109, 100)

	if err := orch.RunForward(ctx, acct); err == nil {
		t.Fatal("terminal failure must surface")
	}

	got, _ := s.GetAccount(ctx, acct.ID)
	if got.Status != mail.StatusError {
		t.Errorf("status = %s, want ERROR on terminal failure", got.Status)
	}
}

func TestForwardEscalatesAfterRepeatedFailures(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.listErr[mail.FolderInbox] = provider.Transient("list", errors.New("flaky"))
	orch, s := testOrchestrator(t, adapter)
	ctx := context.Background()

	acct := newSyncingAccount(t, s, 109, 100)

	for i := 0; i < testConfig().MaxPassFailures; i++ {
		fresh, _ := s.GetAccount(ctx, acct.ID)
		if fresh.Status != mail.StatusSyncing {
			break
		}
		orch.RunForward(ctx, fresh)
	}

	got, _ := s.GetAccount(ctx, acct.ID)
	if got.Status != mail.StatusError {
		t.Errorf("status = %s, want ERROR after repeated failures", got.Status)
	}
}

func TestForwardAuthErrorRefreshesOnce(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.setIDs(mail.FolderInbox, 110)
	adapter.listErrOnce[mail.FolderInbox] = provider.Auth("list", errors.New("token expired"))
	orch, s := testOrchestrator(t, adapter)
	ctx := context.Background()

	acct := newSyncingAccount(t, s, 109, 100)

	if err := orch.RunForward(ctx, acct); err != nil {
		t.Fatalf("pass with one auth hiccup should recover: %v", err)
	}

	// One refresh from adapter setup plus one from the auth retry.
	if n := atomic.LoadInt32(&adapter.refreshCalls); n != 2 {
		t.Errorf("refresh calls = %d, want 2", n)
	}
	got, _ := s.GetAccount(ctx, acct.ID)
	if *got.ForwardCursor != 110 {
		t.Errorf("forward cursor = %d, want 110", *got.ForwardCursor)
	}
}

func TestForwardSkipsHeldLease(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.setIDs(mail.FolderInbox, 110)
	orch, s := testOrchestrator(t, adapter)
	ctx := context.Background()

	acct := newSyncingAccount(t, s, 109, 100)

	ok, err := s.AcquireLease(ctx, acct.ID, mail.DirectionForward, "other-process", time.Minute)
	if err != nil || !ok {
		t.Fatalf("seeding foreign lease: ok=%v err=%v", ok, err)
	}

	if err := orch.RunForward(ctx, acct); err != nil {
		t.Fatalf("contended pass must be a silent no-op: %v", err)
	}
	if n := atomic.LoadInt32(&adapter.listCalls); n != 0 {
		t.Errorf("crawl ran despite held lease: %d list calls", n)
	}
}

func TestForwardOverlappingInvocationIsExcluded(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.setIDs(mail.FolderInbox, 110, 111)
	adapter.listGate = make(chan struct{})
	adapter.listStarted = make(chan struct{})
	orch, s := testOrchestrator(t, adapter)
	ctx := context.Background()

	acct := newSyncingAccount(t, s, 109, 100)

	firstDone := make(chan error, 1)
	go func() {
		first, _ := s.GetAccount(ctx, acct.ID)
		firstDone <- orch.RunForward(ctx, first)
	}()
	<-adapter.listStarted

	// The first pass is parked mid-crawl holding the lease. A second
	// same-direction invocation on the same orchestrator must no-op
	// instead of taking the lease over.
	second, _ := s.GetAccount(ctx, acct.ID)
	if err := orch.RunForward(ctx, second); err != nil {
		t.Fatalf("overlapping invocation: %v", err)
	}
	if n := atomic.LoadInt32(&adapter.listCalls); n != 1 {
		t.Errorf("overlapping invocation crawled concurrently: %d list calls", n)
	}

	close(adapter.listGate)
	if err := <-firstDone; err != nil {
		t.Fatalf("first pass: %v", err)
	}
	got, _ := s.GetAccount(ctx, acct.ID)
	if got.ForwardCursor == nil || *got.ForwardCursor != 111 {
		t.Errorf("forward cursor = %v, want 111", got.ForwardCursor)
	}
}

func TestForwardHungAdapterCallTimesOut(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.setIDs(mail.FolderInbox, 110)
	adapter.listHang[mail.FolderInbox] = true
	cfg := testConfig()
	cfg.FetchTimeout = 50 * time.Millisecond
	orch, s := testOrchestratorWithConfig(t, adapter, cfg)
	ctx := context.Background()

	acct := newSyncingAccount(t, s, 109, 100)

	start := time.Now()
	err := orch.RunForward(ctx, acct)
	if err == nil {
		t.Fatal("hung adapter call must fail the pass")
	}
	if !provider.IsTransient(err) {
		t.Errorf("timed-out call should surface transient, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("pass blocked %v on a hung call", elapsed)
	}

	got, _ := s.GetAccount(ctx, acct.ID)
	if *got.ForwardCursor != 109 {
		t.Errorf("cursor moved on a failed pass: %d", *got.ForwardCursor)
	}
}

func TestBackfillPagesToCompletion(t *testing.T) {
	adapter := newFakeAdapter()
	// History 90..99 below the seed floor of 100, chunk size 5.
	adapter.setIDs(mail.FolderInbox, 90, 91, 92, 93, 94, 95, 96, 97, 98, 99, 100)
	orch, s := testOrchestrator(t, adapter)
	ctx := context.Background()

	acct := newSyncingAccount(t, s, 109, 100)

	// First window: 95..99.
	if err := orch.RunBackfill(ctx, acct); err != nil {
		t.Fatalf("first window: %v", err)
	}
	got, _ := s.GetAccount(ctx, acct.ID)
	if *got.BackfillCursor != 95 {
		t.Errorf("backfill cursor = %d, want 95", *got.BackfillCursor)
	}
	if got.BackfillComplete {
		t.Error("backfill complete after first window")
	}
	// The backward listing itself is bounded to one chunk.
	if limit := atomic.LoadInt32(&adapter.lastRangeLimit); limit != int32(testConfig().ChunkSize) {
		t.Errorf("backward listing limit = %d, want %d", limit, testConfig().ChunkSize)
	}

	// Second window: 90..94. Exactly chunk-size ids remain, so the
	// window fills and completion still needs a confirming pass.
	if err := orch.RunBackfill(ctx, got); err != nil {
		t.Fatalf("second window: %v", err)
	}
	got, _ = s.GetAccount(ctx, acct.ID)
	if *got.BackfillCursor != 90 {
		t.Errorf("backfill cursor = %d, want 90", *got.BackfillCursor)
	}
	if got.BackfillComplete {
		t.Error("full window must not complete backfill")
	}

	// Confirming pass: nothing below 90.
	if err := orch.RunBackfill(ctx, got); err != nil {
		t.Fatalf("confirming pass: %v", err)
	}
	got, _ = s.GetAccount(ctx, acct.ID)
	if !got.BackfillComplete {
		t.Error("backfill should be complete")
	}
	if got.Status != mail.StatusActive {
		t.Errorf("status = %s, want ACTIVE", got.Status)
	}

	n, _ := s.CountMessages(ctx, acct.ID, mail.FolderInbox)
	if n != 10 {
		t.Errorf("backfilled = %d, want 10", n)
	}

	// Complete backfill is a standing no-op.
	calls := atomic.LoadInt32(&adapter.listCalls)
	if err := orch.RunBackfill(ctx, got); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&adapter.listCalls) != calls {
		t.Error("completed backfill still crawled")
	}
}

func TestBackfillFolderFailureHoldsCursor(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.setIDs(mail.FolderInbox, 95, 96, 97, 98, 99)
	adapter.setIDs(mail.FolderSent, 40, 41)
	adapter.listErr[mail.FolderSent] = provider.Transient("list", errors.New("timeout"))
	orch, s := testOrchestrator(t, adapter)
	ctx := context.Background()

	acct := newSyncingAccount(t, s, 109, 100)

	if err := orch.RunBackfill(ctx, acct); err == nil {
		t.Fatal("failed folder must fail the pass")
	}

	got, _ := s.GetAccount(ctx, acct.ID)
	if *got.BackfillCursor != 100 {
		t.Errorf("cursor retreated past a failed folder: %d", *got.BackfillCursor)
	}
	if got.BackfillComplete {
		t.Error("failed pass must not complete backfill")
	}

	// The healthy folder's window still landed.
	n, _ := s.CountMessages(ctx, acct.ID, mail.FolderInbox)
	if n != 5 {
		t.Errorf("inbox window = %d messages, want 5", n)
	}
}

func TestBackfillSkipsUnseededAccount(t *testing.T) {
	adapter := newFakeAdapter()
	orch, s := testOrchestrator(t, adapter)
	ctx := context.Background()

	acct, _ := s.CreateAccount(ctx, mail.ProviderIMAP, "user@example.com")
	s.SetStatus(ctx, acct.ID, mail.StatusPending, mail.StatusSeeding, "")
	s.SetStatus(ctx, acct.ID, mail.StatusSeeding, mail.StatusSyncing, "")
	acct, _ = s.GetAccount(ctx, acct.ID)

	if err := orch.RunBackfill(ctx, acct); err != nil {
		t.Fatalf("unseeded backfill must be a no-op: %v", err)
	}
	if n := atomic.LoadInt32(&adapter.listCalls); n != 0 {
		t.Errorf("crawled without a cursor: %d list calls", n)
	}
}

func TestRunDueForwardPolls(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.setIDs(mail.FolderInbox, 110)
	orch, s := testOrchestrator(t, adapter)
	ctx := context.Background()

	acct := newSyncingAccount(t, s, 109, 100)

	if err := orch.RunDueForwardPolls(ctx); err != nil {
		t.Fatalf("RunDueForwardPolls: %v", err)
	}

	got, _ := s.GetAccount(ctx, acct.ID)
	if *got.ForwardCursor != 110 {
		t.Errorf("forward cursor = %d, want 110", *got.ForwardCursor)
	}

	// Freshly polled: not due again inside the interval.
	calls := atomic.LoadInt32(&adapter.listCalls)
	if err := orch.RunDueForwardPolls(ctx); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&adapter.listCalls) != calls {
		t.Error("account polled again before the interval elapsed")
	}
}

func TestRetryTransientGivesUpOnOtherErrors(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := retryTransient(ctx, time.Second, func() error {
		calls++
		return provider.Terminal("op", errors.New("gone"))
	})
	if !provider.IsTerminal(err) {
		t.Errorf("terminal error mangled: %v", err)
	}
	if calls != 1 {
		t.Errorf("terminal error retried %d times", calls)
	}

	calls = 0
	err = retryTransient(ctx, 50*time.Millisecond, func() error {
		calls++
		return provider.Transient("op", errors.New("flaky"))
	})
	if !provider.IsTransient(err) {
		t.Errorf("expected transient error after horizon, got %v", err)
	}
	if calls < 1 {
		t.Error("transient error never attempted")
	}

	calls = 0
	err = retryTransient(ctx, time.Second, func() error {
		calls++
		if calls < 2 {
			return provider.Transient("op", errors.New("flaky"))
		}
		return nil
	})
	if err != nil {
		t.Errorf("retry should have recovered: %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}
