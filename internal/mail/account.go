package mail

import (
	"fmt"
	"strings"
	"time"
)

// ProviderKind identifies the provider family an account belongs to.
type ProviderKind string

const (
	ProviderGmail   ProviderKind = "GMAIL"
	ProviderOutlook ProviderKind = "OUTLOOK"
	ProviderIMAP    ProviderKind = "IMAP"
)

// ParseProviderKind validates a provider kind received from the outside.
func ParseProviderKind(s string) (ProviderKind, error) {
	switch kind := ProviderKind(strings.ToUpper(s)); kind {
	case ProviderGmail, ProviderOutlook, ProviderIMAP:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown provider kind %q", s)
	}
}

// Account is one remote mailbox credential set and its sync state.
// Cursors are the sole source of truth for crawl progress; they are never
// re-derived from the message table.
type Account struct {
	ID      string       `db:"id"`
	Kind    ProviderKind `db:"kind"`
	Address string       `db:"address"`

	// ForwardCursor is the highest remote id already ingested going
	// forward in time. Nil until the account has been seeded.
	ForwardCursor *uint64 `db:"forward_cursor"`

	// BackfillCursor is the lowest remote id already ingested going
	// backward in time.
	BackfillCursor   *uint64 `db:"backfill_cursor"`
	BackfillComplete bool    `db:"backfill_complete"`

	// DisabledFolders lists logical folder types excluded from sync by
	// operator policy.
	DisabledFolders FolderSet `db:"disabled_folders"`

	Status    SyncStatus `db:"status"`
	LastError string     `db:"last_error"`

	// PassFailures counts consecutive failed crawl passes. It resets to
	// zero on any successful pass and escalates the account to
	// StatusError once it crosses the configured bound.
	PassFailures int `db:"pass_failures"`

	LastForwardSyncAt *time.Time `db:"last_forward_sync_at"`
	LastBackfillAt    *time.Time `db:"last_backfill_at"`
	SyncStartedAt     *time.Time `db:"sync_started_at"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// EnabledFolders returns the logical folders this account syncs, in a
// stable order.
func (a *Account) EnabledFolders() []FolderType {
	var out []FolderType
	for _, ft := range AllFolders {
		if !a.DisabledFolders.Contains(ft) {
			out = append(out, ft)
		}
	}
	return out
}

// SyncDirection distinguishes the two crawl directions. Crawlers of the
// same direction for the same account must not overlap; opposite
// directions may, since they own disjoint cursor fields.
type SyncDirection string

const (
	DirectionForward  SyncDirection = "forward"
	DirectionBackfill SyncDirection = "backfill"
)
