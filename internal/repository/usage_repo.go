package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/reviewloop/backend/internal/database"
	"github.com/reviewloop/backend/internal/models"
)

// ErrStoreNotFound is returned when a store is not found
var ErrStoreNotFound = errors.New("store not found")

// Usage counter kinds.
const (
	KindScans  = "scans"
	KindCopies = "copies"
)

// UsageRepository handles per-store counters, the carry-over ledger and
// closed-period history.
type UsageRepository struct {
	db *database.DB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *database.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// GetStore retrieves a store by ID
func (r *UsageRepository) GetStore(ctx context.Context, storeID string) (*models.Store, error) {
	var s models.Store
	err := r.db.QueryRow(ctx, `
		SELECT id, user_id, name, scan_count, copy_count, created_at
		FROM stores WHERE id = $1
	`, storeID).Scan(&s.ID, &s.UserID, &s.Name, &s.ScanCount, &s.CopyCount, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStoreNotFound
		}
		return nil, fmt.Errorf("failed to get store: %w", err)
	}
	return &s, nil
}

// ListStores returns the stores owned by a user.
func (r *UsageRepository) ListStores(ctx context.Context, userID string) ([]models.Store, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, user_id, name, scan_count, copy_count, created_at
		FROM stores WHERE user_id = $1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stores: %w", err)
	}
	defer rows.Close()

	var stores []models.Store
	for rows.Next() {
		var s models.Store
		if err := rows.Scan(&s.ID, &s.UserID, &s.Name, &s.ScanCount, &s.CopyCount, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan store: %w", err)
		}
		stores = append(stores, s)
	}
	return stores, rows.Err()
}

// ListStoreIDs returns every store id. Used by the pending-counter sync.
func (r *UsageRepository) ListStoreIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM stores`)
	if err != nil {
		return nil, fmt.Errorf("failed to list store ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddStoreUsage adds to a store's persisted counters.
func (r *UsageRepository) AddStoreUsage(ctx context.Context, storeID string, scans, copies int64) error {
	if scans == 0 && copies == 0 {
		return nil
	}
	rows, err := r.db.Exec(ctx, `
		UPDATE stores
		SET scan_count = scan_count + $2, copy_count = copy_count + $3
		WHERE id = $1
	`, storeID, scans, copies)
	if err != nil {
		return fmt.Errorf("failed to add store usage: %w", err)
	}
	if rows == 0 {
		return ErrStoreNotFound
	}
	return nil
}

// PeriodTotals sums the owner's store counters and the ledger rows recorded
// for periodStart.
func (r *UsageRepository) PeriodTotals(ctx context.Context, userID string, periodStart time.Time) (scans, copies int64, err error) {
	err = r.db.QueryRow(ctx, periodTotalsQuery, userID, periodStart.UTC()).Scan(&scans, &copies)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum period usage: %w", err)
	}
	return scans, copies, nil
}

const periodTotalsQuery = `
	SELECT
		COALESCE((SELECT SUM(scan_count) FROM stores WHERE user_id = $1), 0) +
		COALESCE((SELECT SUM(scans) FROM usage_ledger WHERE user_id = $1 AND period_start = $2), 0),
		COALESCE((SELECT SUM(copy_count) FROM stores WHERE user_id = $1), 0) +
		COALESCE((SELECT SUM(copies) FROM usage_ledger WHERE user_id = $1 AND period_start = $2), 0)
`

// RolloverPeriod closes the period starting at closedStart and opens
// newStart. It only applies when users.period_start still equals expected
// (nil meaning never set), so concurrent callers roll over once. applied
// reports whether this call performed the rollover.
func (r *UsageRepository) RolloverPeriod(ctx context.Context, userID string, expected *time.Time, closedStart, newStart time.Time) (applied bool, err error) {
	err = r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var current *time.Time
		err := tx.QueryRow(ctx, `SELECT period_start FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("failed to lock user period: %w", err)
		}
		if !samePeriod(current, expected) {
			return nil
		}

		var scans, copies int64
		if err := tx.QueryRow(ctx, periodTotalsQuery, userID, closedStart.UTC()).Scan(&scans, &copies); err != nil {
			return fmt.Errorf("failed to sum closed period: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO usage_history (user_id, period_start, period_end, scans, copies)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id, period_start) DO NOTHING
		`, userID, closedStart.UTC(), newStart.UTC(), scans, copies); err != nil {
			return fmt.Errorf("failed to archive period: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE stores SET scan_count = 0, copy_count = 0 WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("failed to reset store counters: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE users SET period_start = $2, updated_at = now() WHERE id = $1`, userID, newStart.UTC()); err != nil {
			return fmt.Errorf("failed to advance period: %w", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

// DeleteStore removes a store owned by ownerID, writing its counters plus
// any not-yet-persisted counts to the ledger in the same transaction.
func (r *UsageRepository) DeleteStore(ctx context.Context, ownerID, storeID string, periodStart time.Time, pendingScans, pendingCopies int64, reason string) (*models.LedgerEntry, error) {
	entry := &models.LedgerEntry{
		ID:          uuid.NewString(),
		UserID:      ownerID,
		StoreID:     storeID,
		PeriodStart: periodStart.UTC(),
		Reason:      reason,
	}

	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		var scans, copies int64
		err := tx.QueryRow(ctx, `
			SELECT scan_count, copy_count FROM stores
			WHERE id = $1 AND user_id = $2
			FOR UPDATE
		`, storeID, ownerID).Scan(&scans, &copies)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrStoreNotFound
			}
			return fmt.Errorf("failed to lock store: %w", err)
		}
		entry.Scans = scans + pendingScans
		entry.Copies = copies + pendingCopies

		err = tx.QueryRow(ctx, `
			INSERT INTO usage_ledger (id, user_id, store_id, period_start, scans, copies, reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING created_at
		`, entry.ID, ownerID, storeID, entry.PeriodStart, entry.Scans, entry.Copies, reason).Scan(&entry.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to write usage ledger: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM stores WHERE id = $1`, storeID); err != nil {
			return fmt.Errorf("failed to delete store: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// History returns closed periods, newest first.
func (r *UsageRepository) History(ctx context.Context, userID string, limit int) ([]models.PeriodUsage, error) {
	rows, err := r.db.Query(ctx, `
		SELECT period_start, period_end, scans, copies
		FROM usage_history WHERE user_id = $1
		ORDER BY period_start DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage history: %w", err)
	}
	defer rows.Close()

	var out []models.PeriodUsage
	for rows.Next() {
		var p models.PeriodUsage
		if err := rows.Scan(&p.PeriodStart, &p.PeriodEnd, &p.Scans, &p.Copies); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func samePeriod(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
