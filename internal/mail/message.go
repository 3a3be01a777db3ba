package mail

import "time"

// Message is the local record of one remote message.
//
// Uniqueness: (AccountID, Folder, RemoteID) is always unique. When the
// provider exposes a stable native identifier independent of
// folder-relative numbering, (AccountID, ProviderMessageID) is unique too,
// so a message visible under two labels is stored once.
type Message struct {
	ID        string     `db:"id"`
	AccountID string     `db:"account_id"`
	Folder    FolderType `db:"folder"`

	// RemoteID is the ordered identifier crawls and cursors operate on
	// (IMAP UID, Gmail numeric message id, Graph received-time ordinal).
	RemoteID uint64 `db:"remote_id"`

	// ProviderMessageID is the provider-native id, empty when the
	// provider has none beyond RemoteID.
	ProviderMessageID string `db:"provider_message_id"`

	ThreadID string    `db:"thread_id"`
	Subject  string    `db:"subject"`
	Sender   string    `db:"sender"`
	To       []string  `db:"-"`
	Cc       []string  `db:"-"`
	Bcc      []string  `db:"-"`
	Snippet  string    `db:"snippet"`
	Body     string    `db:"body"`
	Flags    []string  `db:"-"`
	Date     time.Time `db:"msg_date"`
}
