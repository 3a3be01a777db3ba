package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/mailloft/syncd/internal/mail"
)

// ErrAccountNotFound is returned when an account lookup matches no row.
var ErrAccountNotFound = errors.New("account not found")

const accountColumns = `id, kind, address, forward_cursor, backfill_cursor,
	backfill_complete, disabled_folders, status, last_error, pass_failures,
	last_forward_sync_at, last_backfill_at, sync_started_at, created_at, updated_at`

// CreateAccount registers a new account in the Pending state.
func (s *Store) CreateAccount(ctx context.Context, kind mail.ProviderKind, address string) (*mail.Account, error) {
	now := time.Now().UTC()
	acct := &mail.Account{
		ID:              uuid.NewString(),
		Kind:            kind,
		Address:         address,
		DisabledFolders: mail.NewFolderSet(mail.FolderSpam, mail.FolderTrash),
		Status:          mail.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, kind, address, disabled_folders, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, acct.ID, acct.Kind, acct.Address, acct.DisabledFolders, acct.Status, now, now)
	if err != nil {
		return nil, fmt.Errorf("inserting account: %w", err)
	}
	return acct, nil
}

// GetAccount fetches one account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*mail.Account, error) {
	var acct mail.Account
	err := s.db.GetContext(ctx, &acct,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("querying account %s: %w", id, err)
	}
	return &acct, nil
}

// GetAccountByAddress fetches one account by mailbox address. Push intake
// identifies accounts this way.
func (s *Store) GetAccountByAddress(ctx context.Context, address string) (*mail.Account, error) {
	var acct mail.Account
	err := s.db.GetContext(ctx, &acct,
		`SELECT `+accountColumns+` FROM accounts WHERE address = ?`, address)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("querying account by address: %w", err)
	}
	return &acct, nil
}

// ListAccounts returns all accounts ordered by address.
func (s *Store) ListAccounts(ctx context.Context) ([]mail.Account, error) {
	var accts []mail.Account
	err := s.db.SelectContext(ctx, &accts,
		`SELECT `+accountColumns+` FROM accounts ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	return accts, nil
}

// ListAccountsByStatus returns all accounts in any of the given states.
func (s *Store) ListAccountsByStatus(ctx context.Context, statuses ...mail.SyncStatus) ([]mail.Account, error) {
	query, args, err := sqlx.In(
		`SELECT `+accountColumns+` FROM accounts WHERE status IN (?) ORDER BY address`, statuses)
	if err != nil {
		return nil, err
	}

	var accts []mail.Account
	if err := s.db.SelectContext(ctx, &accts, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("listing accounts by status: %w", err)
	}
	return accts, nil
}

// ListDueForwardAccounts returns crawl-eligible accounts whose last forward
// pass is older than the poll interval (or that have never run one).
func (s *Store) ListDueForwardAccounts(ctx context.Context, interval time.Duration) ([]mail.Account, error) {
	cutoff := time.Now().UTC().Add(-interval)
	var accts []mail.Account
	err := s.db.SelectContext(ctx, &accts, `
		SELECT `+accountColumns+` FROM accounts
		WHERE status IN (?, ?)
		  AND (last_forward_sync_at IS NULL OR last_forward_sync_at <= ?)
		ORDER BY address
	`, mail.StatusSyncing, mail.StatusActive, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing due accounts: %w", err)
	}
	return accts, nil
}

// SetStatus moves an account along the state machine. The previous status
// is part of the predicate so concurrent transitions cannot skip edges,
// and the edge itself is validated first.
func (s *Store) SetStatus(ctx context.Context, id string, from, to mail.SyncStatus, lastError string) error {
	if _, err := mail.Transition(from, to); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, to, lastError, time.Now().UTC(), id, from)
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("account %s no longer in status %s", id, from)
	}
	return nil
}

// InitCursors sets both cursors after a successful seed. Only null cursors
// are written, so a duplicate seed invocation cannot clobber progress.
func (s *Store) InitCursors(ctx context.Context, id string, forward, backfill uint64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET
			forward_cursor = COALESCE(forward_cursor, ?),
			backfill_cursor = COALESCE(backfill_cursor, ?),
			sync_started_at = COALESCE(sync_started_at, ?),
			updated_at = ?
		WHERE id = ?
	`, forward, backfill, time.Now().UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("initializing cursors: %w", err)
	}
	return nil
}

// AdvanceForwardCursor moves the forward cursor up, but only strictly
// forward. A stale or duplicate invocation is a cheap no-op, which is what
// makes rescue passes safe. Returns whether the cursor moved.
func (s *Store) AdvanceForwardCursor(ctx context.Context, id string, newCursor uint64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET forward_cursor = ?, updated_at = ?
		WHERE id = ? AND (forward_cursor IS NULL OR forward_cursor < ?)
	`, newCursor, time.Now().UTC(), id, newCursor)
	if err != nil {
		return false, fmt.Errorf("advancing forward cursor: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RetreatBackfillCursor moves the backfill cursor down, strictly backward
// only. Symmetric with AdvanceForwardCursor.
func (s *Store) RetreatBackfillCursor(ctx context.Context, id string, newCursor uint64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET backfill_cursor = ?, updated_at = ?
		WHERE id = ? AND (backfill_cursor IS NULL OR backfill_cursor > ?)
	`, newCursor, time.Now().UTC(), id, newCursor)
	if err != nil {
		return false, fmt.Errorf("retreating backfill cursor: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkBackfillComplete records that no older messages remain anywhere.
func (s *Store) MarkBackfillComplete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET backfill_complete = 1, updated_at = ? WHERE id = ?
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("marking backfill complete: %w", err)
	}
	return nil
}

// TouchForwardSync stamps forward-crawl liveness. Called on every
// successful pass, including passes that found nothing new.
func (s *Store) TouchForwardSync(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET last_forward_sync_at = ?, pass_failures = 0, last_error = '', updated_at = ? WHERE id = ?`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("touching forward sync: %w", err)
	}
	return nil
}

// TouchBackfill stamps backfill-crawl liveness.
func (s *Store) TouchBackfill(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET last_backfill_at = ?, pass_failures = 0, last_error = '', updated_at = ? WHERE id = ?`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("touching backfill: %w", err)
	}
	return nil
}

// RecordPassFailure increments the consecutive-failure counter and returns
// the new count so the caller can decide whether to escalate.
func (s *Store) RecordPassFailure(ctx context.Context, id string, reason string) (int, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET pass_failures = pass_failures + 1, last_error = ?, updated_at = ?
		WHERE id = ?
	`, reason, time.Now().UTC(), id)
	if err != nil {
		return 0, fmt.Errorf("recording pass failure: %w", err)
	}

	var failures int
	if err := s.db.GetContext(ctx, &failures,
		`SELECT pass_failures FROM accounts WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("reading pass failures: %w", err)
	}
	return failures, nil
}

// ResetAccount is the operator escape hatch out of Error (or any stuck
// state): cursors cleared, state back to Pending so the watchdog re-seeds.
func (s *Store) ResetAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET
			forward_cursor = NULL,
			backfill_cursor = NULL,
			backfill_complete = 0,
			status = ?,
			last_error = '',
			pass_failures = 0,
			last_forward_sync_at = NULL,
			last_backfill_at = NULL,
			sync_started_at = NULL,
			updated_at = ?
		WHERE id = ?
	`, mail.StatusPending, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("resetting account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// SetFolderDisabled flips a folder in or out of the sync set. Re-enabling
// a folder clears backfill_complete so historical ingestion resumes for
// it; an Active account drops back to Syncing on its next backfill pass.
func (s *Store) SetFolderDisabled(ctx context.Context, id string, folder mail.FolderType, disabled bool) error {
	acct, err := s.GetAccount(ctx, id)
	if err != nil {
		return err
	}

	if disabled {
		acct.DisabledFolders.Add(folder)
	} else {
		acct.DisabledFolders.Remove(folder)
	}

	query := `UPDATE accounts SET disabled_folders = ?, updated_at = ? WHERE id = ?`
	args := []interface{}{acct.DisabledFolders, time.Now().UTC(), id}
	if !disabled {
		query = `UPDATE accounts SET disabled_folders = ?, backfill_complete = 0, updated_at = ? WHERE id = ?`
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("updating disabled folders: %w", err)
	}

	if !disabled && acct.Status == mail.StatusActive {
		return s.SetStatus(ctx, id, mail.StatusActive, mail.StatusSyncing, "")
	}
	return nil
}
