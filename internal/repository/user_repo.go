package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/reviewloop/backend/internal/database"
	"github.com/reviewloop/backend/internal/models"
)

var (
	// ErrUserNotFound is returned when a user is not found
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned when trying to create a user that already exists
	ErrUserExists = errors.New("user already exists")
	// ErrGraceExpired is returned when a deleted account can no longer be restored
	ErrGraceExpired = errors.New("account deletion grace period has expired")
)

// UserRepository is the entitlement store: the single read/write point for
// tier and subscription metadata.
type UserRepository struct {
	db *database.DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db}
}

// userSelect reads a user plus its carry-over usage for the current period.
const userSelect = `
	SELECT u.id, u.email, u.tier, u.stripe_customer_id, u.stripe_subscription_id,
	       u.subscription_started_at, u.first_subscribed_at, u.last_event_at,
	       u.period_start, u.lifecycle, u.deleted_at, u.created_at, u.updated_at,
	       COALESCE(l.scans, 0), COALESCE(l.copies, 0)
	FROM users u
	LEFT JOIN LATERAL (
		SELECT SUM(scans) AS scans, SUM(copies) AS copies
		FROM usage_ledger
		WHERE user_id = u.id AND period_start = u.period_start
	) l ON true
`

func scanUser(row pgx.Row) (*models.User, error) {
	var (
		user       models.User
		customerID *string
		subID      *string
		tier       string
		lifecycle  string
	)
	err := row.Scan(
		&user.ID, &user.Email, &tier, &customerID, &subID,
		&user.SubscriptionStartedAt, &user.FirstSubscribedAt, &user.LastEventAt,
		&user.PeriodStart, &lifecycle, &user.DeletedAt, &user.CreatedAt, &user.UpdatedAt,
		&user.PeriodScans, &user.PeriodCopies)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	user.Tier = models.Tier(tier)
	if !models.IsValidTier(user.Tier) {
		return nil, fmt.Errorf("user %s has unknown tier %q", user.ID, tier)
	}
	user.Lifecycle = models.Lifecycle(lifecycle)
	if customerID != nil {
		user.StripeCustomerID = *customerID
	}
	if subID != nil {
		user.StripeSubscriptionID = *subID
	}
	return &user, nil
}

// Get retrieves a user by ID
func (r *UserRepository) Get(ctx context.Context, id string) (*models.User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, userSelect+` WHERE u.id = $1`, id))
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return user, err
}

// GetByEmail retrieves a user by email
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, userSelect+` WHERE lower(u.email) = lower($1)`, strings.TrimSpace(email)))
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	return user, err
}

// GetByCustomerID retrieves a user by processor customer id
func (r *UserRepository) GetByCustomerID(ctx context.Context, customerID string) (*models.User, error) {
	user, err := scanUser(r.db.QueryRow(ctx, userSelect+` WHERE u.stripe_customer_id = $1`, customerID))
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("failed to get user by customer id: %w", err)
	}
	return user, err
}

// SetPro records an active subscription. first_subscribed_at is only ever
// filled once; subscription_started_at always takes the new start, raised to
// first_subscribed_at if needed so the first start never follows the current one.
func (r *UserRepository) SetPro(ctx context.Context, userID, customerID, subscriptionID string, startedAt time.Time) error {
	query := `
		UPDATE users
		SET tier = 'pro',
		    stripe_customer_id = COALESCE(NULLIF($2, ''), stripe_customer_id),
		    stripe_subscription_id = $3,
		    first_subscribed_at = COALESCE(first_subscribed_at, $4),
		    subscription_started_at = GREATEST($4, COALESCE(first_subscribed_at, $4)),
		    updated_at = now()
		WHERE id = $1
	`
	rows, err := r.db.Exec(ctx, query, userID, customerID, subscriptionID, startedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to set pro tier: %w", err)
	}
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetFree downgrades a user and clears the current subscription.
func (r *UserRepository) SetFree(ctx context.Context, userID string) error {
	query := `
		UPDATE users
		SET tier = 'free',
		    stripe_subscription_id = NULL,
		    subscription_started_at = NULL,
		    updated_at = now()
		WHERE id = $1
	`
	rows, err := r.db.Exec(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("failed to set free tier: %w", err)
	}
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

// TouchCustomerID stores the processor customer id for a user.
func (r *UserRepository) TouchCustomerID(ctx context.Context, userID, customerID string) error {
	query := `UPDATE users SET stripe_customer_id = $2, updated_at = now() WHERE id = $1`
	rows, err := r.db.Exec(ctx, query, userID, customerID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("customer %s already linked to another user: %w", customerID, ErrUserExists)
		}
		return fmt.Errorf("failed to store customer id: %w", err)
	}
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

// MarkEventApplied advances last_event_at; it never moves backwards.
func (r *UserRepository) MarkEventApplied(ctx context.Context, userID string, eventAt time.Time) error {
	query := `
		UPDATE users
		SET last_event_at = GREATEST(COALESCE(last_event_at, $2), $2)
		WHERE id = $1
	`
	if _, err := r.db.Exec(ctx, query, userID, eventAt.UTC()); err != nil {
		return fmt.Errorf("failed to record event timestamp: %w", err)
	}
	return nil
}

// EnsureOnSignIn creates the account on first sign-in and restores a
// soft-deleted account still inside the grace window. restored reports
// whether a deletion was undone.
func (r *UserRepository) EnsureOnSignIn(ctx context.Context, id, email string, now time.Time, grace time.Duration) (user *models.User, restored bool, err error) {
	err = r.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO users (id, email, tier, period_start, lifecycle, created_at, updated_at)
			VALUES ($1, $2, 'free', $3, 'active', $4, $4)
			ON CONFLICT (id) DO NOTHING
		`, id, email, startOfDay(now), now.UTC())
		if err != nil {
			if isUniqueViolation(err) {
				return ErrUserExists
			}
			return fmt.Errorf("failed to create user: %w", err)
		}

		var lifecycle string
		var deletedAt *time.Time
		err = tx.QueryRow(ctx, `SELECT lifecycle, deleted_at FROM users WHERE id = $1 FOR UPDATE`, id).
			Scan(&lifecycle, &deletedAt)
		if err != nil {
			return fmt.Errorf("failed to lock user: %w", err)
		}

		if models.Lifecycle(lifecycle) == models.LifecycleDeleted {
			if deletedAt != nil && !now.Before(deletedAt.Add(grace)) {
				return ErrGraceExpired
			}
			if _, err := tx.Exec(ctx, `
				UPDATE users SET lifecycle = 'active', deleted_at = NULL, updated_at = $2 WHERE id = $1
			`, id, now.UTC()); err != nil {
				return fmt.Errorf("failed to restore user: %w", err)
			}
			restored = true
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	user, err = r.Get(ctx, id)
	return user, restored, err
}

// SoftDelete marks an account deleted; the retention sweep removes it later.
func (r *UserRepository) SoftDelete(ctx context.Context, id string, now time.Time) error {
	rows, err := r.db.Exec(ctx, `
		UPDATE users SET lifecycle = 'deleted', deleted_at = $2, updated_at = $2
		WHERE id = $1 AND lifecycle = 'active'
	`, id, now.UTC())
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

// PurgeDeleted hard-deletes accounts soft-deleted before cutoff. Owned rows
// go with them through ON DELETE CASCADE.
func (r *UserRepository) PurgeDeleted(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		DELETE FROM users
		WHERE lifecycle = 'deleted' AND deleted_at < $1
		RETURNING id
	`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to purge users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan purged user: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// startOfDay truncates t to midnight UTC.
func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// isUniqueViolation checks if an error is a unique constraint violation
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
