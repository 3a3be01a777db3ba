package mail

import "testing"

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to SyncStatus
		ok       bool
	}{
		{StatusPending, StatusSeeding, true},
		{StatusSeeding, StatusSyncing, true},
		{StatusSeeding, StatusError, true},
		{StatusSyncing, StatusActive, true},
		{StatusSyncing, StatusError, true},
		{StatusActive, StatusSyncing, true},
		{StatusActive, StatusError, true},
		{StatusError, StatusPending, true},

		{StatusPending, StatusSyncing, false},
		{StatusPending, StatusActive, false},
		{StatusSeeding, StatusActive, false},
		{StatusActive, StatusPending, false},
		{StatusError, StatusSyncing, false},
		{StatusError, StatusActive, false},
		{StatusSyncing, StatusPending, false},
	}

	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestTransitionReturnsErrorOnIllegalEdge(t *testing.T) {
	got, err := Transition(StatusError, StatusActive)
	if err == nil {
		t.Fatal("expected error for ERROR -> ACTIVE")
	}
	if got != StatusError {
		t.Errorf("status changed on illegal transition: %s", got)
	}

	got, err = Transition(StatusPending, StatusSeeding)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != StatusSeeding {
		t.Errorf("Transition = %s, want %s", got, StatusSeeding)
	}
}

func TestCrawlEligible(t *testing.T) {
	eligible := map[SyncStatus]bool{
		StatusPending: false,
		StatusSeeding: false,
		StatusSyncing: true,
		StatusActive:  true,
		StatusError:   false,
	}
	for status, want := range eligible {
		if got := status.CrawlEligible(); got != want {
			t.Errorf("%s.CrawlEligible() = %v, want %v", status, got, want)
		}
	}
}

func TestEnabledFoldersRespectsDisabledSet(t *testing.T) {
	acct := &Account{
		DisabledFolders: NewFolderSet(FolderSpam, FolderTrash),
	}

	folders := acct.EnabledFolders()
	if len(folders) == 0 || folders[0] != FolderInbox {
		t.Fatalf("inbox must lead the enabled folder order, got %v", folders)
	}
	for _, ft := range folders {
		if ft == FolderSpam || ft == FolderTrash {
			t.Errorf("disabled folder %s returned as enabled", ft)
		}
	}
}

func TestParseProviderKind(t *testing.T) {
	for _, s := range []string{"gmail", "GMAIL", "Outlook", "imap"} {
		if _, err := ParseProviderKind(s); err != nil {
			t.Errorf("ParseProviderKind(%q) failed: %v", s, err)
		}
	}
	if _, err := ParseProviderKind("yahoo"); err == nil {
		t.Error("expected error for unknown provider kind")
	}
}
