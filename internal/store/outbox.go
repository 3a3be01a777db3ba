package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mailloft/syncd/internal/mail"
)

// OutboxMessage is one pending ingest event awaiting publication.
type OutboxMessage struct {
	ID      int64  `db:"id"`
	Subject string `db:"subject"`
	Payload []byte `db:"payload"`
	MsgID   string `db:"msg_id"`
}

// appendIngestEventTx enqueues a mail.ingested event inside the message
// insert transaction. MsgID carries the dedup key so the broker drops
// replays after a crash between commit and publish.
func (s *Store) appendIngestEventTx(ctx context.Context, tx *sqlx.Tx, msg *mail.Message, now time.Time) error {
	event := map[string]interface{}{
		"event_id":            uuid.NewString(),
		"ts":                  now.Unix(),
		"account_id":          msg.AccountID,
		"folder":              string(msg.Folder),
		"remote_id":           msg.RemoteID,
		"provider_message_id": msg.ProviderMessageID,
		"thread_id":           msg.ThreadID,
		"subject":             msg.Subject,
		"sender":              msg.Sender,
		"snippet":             msg.Snippet,
		"msg_date":            msg.Date.Unix(),
	}
	payload, _ := json.Marshal(event)

	msgID := fmt.Sprintf("mail.ingested|%s|%s|%d", msg.AccountID, msg.Folder, msg.RemoteID)
	subject := fmt.Sprintf("mail.%s.ingested", msg.AccountID)

	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now.Unix(), subject, "mail.ingested", payload, msgID, now.Unix())
	if err != nil {
		return fmt.Errorf("appending outbox entry: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished events due for an attempt.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	var messages []OutboxMessage
	err := s.db.SelectContext(ctx, &messages, `
		SELECT id, subject, payload, msg_id
		FROM outbox
		WHERE published_at IS NULL AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying outbox: %w", err)
	}
	return messages, nil
}

// MarkOutboxPublished records a successful publish.
func (s *Store) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET published_at = ? WHERE id = ?`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("marking outbox published: %w", err)
	}
	return nil
}

// MarkOutboxRetry bumps the retry count and schedules the next attempt.
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET retries = retries + 1, next_attempt_at = ? WHERE id = ?
	`, time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("marking outbox retry: %w", err)
	}
	return nil
}
