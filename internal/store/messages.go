package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mailloft/syncd/internal/mail"
)

// UpsertMessage writes one message through the dedup constraints in a
// single statement. A record matching (account, folder, remote id), or
// the provider-native id when the provider has one, is refreshed in
// place (flag changes on re-fetch); otherwise a new record is created.
// Two crawlers racing on the same message both succeed, one as the
// insert and one as the refresh. Returns whether a new record was
// inserted.
//
// The ingest event for a newly inserted message is appended to the outbox
// in the same transaction, so a crash between insert and publish can delay
// an event but never lose or double-ingest a message.
func (s *Store) UpsertMessage(ctx context.Context, msg *mail.Message) (bool, error) {
	toJSON, _ := json.Marshal(msg.To)
	ccJSON, _ := json.Marshal(msg.Cc)
	bccJSON, _ := json.Marshal(msg.Bcc)
	flagsJSON, _ := json.Marshal(msg.Flags)
	now := time.Now().UTC()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning upsert: %w", err)
	}
	defer tx.Rollback()

	// The conflict target on provider_message_id claims the message
	// across folders: a message already stored under another label is
	// refreshed, not duplicated. The returned id tells insert from
	// refresh, since a refresh keeps the existing row's id.
	newID := uuid.NewString()
	var gotID string
	err = tx.GetContext(ctx, &gotID, `
		INSERT INTO messages (id, account_id, folder, remote_id, provider_message_id,
			thread_id, subject, sender, to_addrs, cc_addrs, bcc_addrs,
			snippet, body, flags, msg_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, provider_message_id) WHERE provider_message_id != ''
			DO UPDATE SET flags = excluded.flags, snippet = excluded.snippet, updated_at = excluded.updated_at
		ON CONFLICT (account_id, folder, remote_id)
			DO UPDATE SET flags = excluded.flags, snippet = excluded.snippet, updated_at = excluded.updated_at
		RETURNING id
	`, newID, msg.AccountID, msg.Folder, msg.RemoteID, msg.ProviderMessageID,
		msg.ThreadID, msg.Subject, msg.Sender, string(toJSON), string(ccJSON), string(bccJSON),
		msg.Snippet, msg.Body, string(flagsJSON), msg.Date, now, now)
	if err != nil {
		return false, fmt.Errorf("upserting message: %w", err)
	}

	if gotID != newID {
		return false, tx.Commit()
	}

	if err := s.appendIngestEventTx(ctx, tx, msg, now); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing upsert: %w", err)
	}
	return true, nil
}

// CountMessages returns the number of stored messages for an account,
// optionally restricted to one folder.
func (s *Store) CountMessages(ctx context.Context, accountID string, folder mail.FolderType) (int, error) {
	var n int
	var err error
	if folder == "" {
		err = s.db.GetContext(ctx, &n,
			`SELECT COUNT(*) FROM messages WHERE account_id = ?`, accountID)
	} else {
		err = s.db.GetContext(ctx, &n,
			`SELECT COUNT(*) FROM messages WHERE account_id = ? AND folder = ?`, accountID, folder)
	}
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}
