package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mailloft/syncd/internal/mail"
)

// AcquireLease takes the per-account-per-direction crawl lease. A live
// lease held by someone else blocks acquisition; an expired lease or one
// already held by this holder is taken over. The lease only prevents two
// crawlers of the same direction overlapping. It is advisory, since
// cursor advancement is independently safe, but it keeps rescue passes
// cheap no-ops when the original crawler is still alive.
func (s *Store) AcquireLease(ctx context.Context, accountID string, direction mail.SyncDirection, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (account_id, direction, holder, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id, direction) DO UPDATE SET
			holder = excluded.holder,
			expires_at = excluded.expires_at
		WHERE leases.expires_at <= ? OR leases.holder = excluded.holder
	`, accountID, direction, holder, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("acquiring lease: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseLease gives the lease up early. Only the current holder may
// release; an expired takeover by someone else is left alone.
func (s *Store) ReleaseLease(ctx context.Context, accountID string, direction mail.SyncDirection, holder string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM leases WHERE account_id = ? AND direction = ? AND holder = ?
	`, accountID, direction, holder)
	if err != nil {
		return fmt.Errorf("releasing lease: %w", err)
	}
	return nil
}
