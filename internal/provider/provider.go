package provider

import (
	"context"

	"github.com/mailloft/syncd/internal/mail"
)

// FolderHandle identifies a resolved provider folder. Name is the
// provider-side name (IMAP mailbox path, Gmail label id, Graph folder id);
// adapters that fold several logical folders into one underlying provider
// folder return handles with the same Name, and the crawler runs a single
// fetch pass per distinct Name.
type FolderHandle struct {
	Logical mail.FolderType
	Name    string
}

// Adapter is the fixed capability set every provider implements. All
// network calls honor ctx and return errors from the typed taxonomy in
// this package.
type Adapter interface {
	// ResolveFolder maps a logical folder to a provider folder, trying
	// the primary name then each alias in order. Returns a
	// TerminalError wrapping ErrFolderNotFound when nothing matches.
	ResolveFolder(ctx context.Context, ft mail.FolderType) (FolderHandle, error)

	// ListRecent returns up to n remote ids in the folder, newest
	// first. Used by the seeder and forward crawler to bound probes.
	ListRecent(ctx context.Context, folder FolderHandle, n int) ([]uint64, error)

	// ListRange returns the remote ids in (low, high), exclusive on
	// both bounds. high == 0 means unbounded above; low == 0 unbounded
	// below. A positive limit caps the result at the newest limit ids
	// so one backward window never lists the whole remaining history.
	ListRange(ctx context.Context, folder FolderHandle, low, high uint64, limit int) ([]uint64, error)

	// FetchMessages retrieves full records for the given ids in one
	// batched call. Bodies are optional so seeding stays cheap.
	FetchMessages(ctx context.Context, folder FolderHandle, ids []uint64, includeBody bool) ([]mail.Message, error)

	// RefreshCredentials refreshes the account's credentials if needed.
	// Idempotent and safe to call when no refresh is necessary.
	RefreshCredentials(ctx context.Context, account *mail.Account) error

	// SupportsPush reports whether the provider has a push channel.
	SupportsPush() bool

	// SubscribePush registers for change notifications. Only called
	// when SupportsPush returns true.
	SubscribePush(ctx context.Context, account *mail.Account) error

	// MaxParallelFolderFetches is the provider-specific concurrency
	// ceiling per account. The orchestrator never exceeds it.
	MaxParallelFolderFetches() int
}

