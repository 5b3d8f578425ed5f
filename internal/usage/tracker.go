// Package usage meters per-user monthly scan and copy consumption.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/reviewloop/backend/internal/cache"
	"github.com/reviewloop/backend/internal/metrics"
	"github.com/reviewloop/backend/internal/models"
	"github.com/reviewloop/backend/internal/repository"
)

// Kind is a metered action.
type Kind string

const (
	KindScan Kind = repository.KindScans
	KindCopy Kind = repository.KindCopies
)

var (
	// ErrQuotaExceeded is returned when the period quota for a kind is used up
	ErrQuotaExceeded = errors.New("monthly quota exceeded")
	// ErrUnknownKind is returned for an unsupported metered action
	ErrUnknownKind = errors.New("unknown usage kind")
)

// Users is the part of the entitlement store the tracker reads.
type Users interface {
	Get(ctx context.Context, id string) (*models.User, error)
}

// Store persists per-store counters, carry-over and history.
type Store interface {
	GetStore(ctx context.Context, storeID string) (*models.Store, error)
	ListStores(ctx context.Context, userID string) ([]models.Store, error)
	ListStoreIDs(ctx context.Context) ([]string, error)
	AddStoreUsage(ctx context.Context, storeID string, scans, copies int64) error
	PeriodTotals(ctx context.Context, userID string, periodStart time.Time) (scans, copies int64, err error)
	RolloverPeriod(ctx context.Context, userID string, expected *time.Time, closedStart, newStart time.Time) (bool, error)
	DeleteStore(ctx context.Context, ownerID, storeID string, periodStart time.Time, pendingScans, pendingCopies int64, reason string) (*models.LedgerEntry, error)
}

// Limits are the per-period quotas of a tier. Zero means unlimited.
type Limits struct {
	Scans  int64 `json:"scans"`
	Copies int64 `json:"copies"`
}

func (l Limits) of(kind Kind) int64 {
	if kind == KindScan {
		return l.Scans
	}
	return l.Copies
}

// Usage is a user's consumption in the current period.
type Usage struct {
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Scans       int64     `json:"scans"`
	Copies      int64     `json:"copies"`
	Limits      Limits    `json:"limits"`
	// RolledOver is set on the single call that closed the previous period.
	RolledOver bool `json:"-"`
}

func (u Usage) of(kind Kind) int64 {
	if kind == KindScan {
		return u.Scans
	}
	return u.Copies
}

// Tracker answers how much quota a user has consumed and rolls periods over.
type Tracker struct {
	users   Users
	store   Store
	pending cache.Counter
	free    Limits
	flight  singleflight.Group
	now     func() time.Time
}

// NewTracker creates a tracker. pending holds increments not yet written to
// the database; free sets the free-tier quota.
func NewTracker(users Users, store Store, pending cache.Counter, free Limits) *Tracker {
	return &Tracker{
		users:   users,
		store:   store,
		pending: pending,
		free:    free,
		now:     time.Now,
	}
}

// LimitsFor returns the quota of a tier. Pro is unlimited.
func (t *Tracker) LimitsFor(tier models.Tier) Limits {
	if tier == models.TierPro {
		return Limits{}
	}
	return t.free
}

// PendingKey is the counter-store key holding unsynced increments.
func PendingKey(kind Kind, storeID string) string {
	return fmt.Sprintf("usage:pending:%s:%s", kind, storeID)
}

// Current returns the user's usage for the period containing now. When the
// recorded period has elapsed it is closed first; the call that closes it
// gets zero usage back.
func (t *Tracker) Current(ctx context.Context, user *models.User, now time.Time) (Usage, error) {
	start, end := PeriodBounds(user.CreatedAt, now)
	usage := Usage{PeriodStart: start, PeriodEnd: end, Limits: t.LimitsFor(user.Tier)}

	recorded := AnchorDate(user.CreatedAt)
	if user.PeriodStart != nil {
		recorded = user.PeriodStart.UTC()
	}

	if start.After(recorded) {
		applied, err := t.rollover(ctx, user, recorded, start)
		if err != nil {
			return Usage{}, err
		}
		if applied {
			usage.RolledOver = true
			return usage, nil
		}
	}

	// Pending first: a sync landing between the two reads then counts twice
	// instead of not at all.
	stores, err := t.store.ListStores(ctx, user.ID)
	if err != nil {
		return Usage{}, err
	}
	for _, s := range stores {
		usage.Scans += t.peek(ctx, KindScan, s.ID)
		usage.Copies += t.peek(ctx, KindCopy, s.ID)
	}

	scans, copies, err := t.store.PeriodTotals(ctx, user.ID, start)
	if err != nil {
		return Usage{}, err
	}
	usage.Scans += scans
	usage.Copies += copies
	return usage, nil
}

// rollover closes the period starting at recorded. Same-process callers
// share one attempt and its result; across processes the compare-and-set on
// period_start picks a single winner.
func (t *Tracker) rollover(ctx context.Context, user *models.User, recorded, start time.Time) (bool, error) {
	key := user.ID + "|" + start.Format(time.RFC3339)
	v, err, _ := t.flight.Do(key, func() (interface{}, error) {
		// Unsynced increments belong to the period being closed.
		if err := t.flushUser(ctx, user.ID); err != nil {
			log.Warn().Err(err).Str("user_id", user.ID).Msg("Failed to flush pending usage before rollover")
		}

		applied, err := t.store.RolloverPeriod(ctx, user.ID, user.PeriodStart, recorded, start)
		if err != nil {
			return nil, fmt.Errorf("failed to roll over usage period: %w", err)
		}
		if applied {
			metrics.PeriodRollovers.Inc()
			log.Info().
				Str("user_id", user.ID).
				Time("closed_start", recorded).
				Time("new_start", start).
				Msg("Usage period rolled over")
		}
		return applied, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Consume checks the quota of kind for the store's owner and records one
// unit. It returns ErrQuotaExceeded without recording when the quota is used up.
func (t *Tracker) Consume(ctx context.Context, storeID string, kind Kind) (Usage, error) {
	if kind != KindScan && kind != KindCopy {
		return Usage{}, ErrUnknownKind
	}

	store, err := t.store.GetStore(ctx, storeID)
	if err != nil {
		return Usage{}, err
	}
	owner, err := t.users.Get(ctx, store.UserID)
	if err != nil {
		return Usage{}, err
	}

	usage, err := t.Current(ctx, owner, t.now())
	if err != nil {
		return Usage{}, err
	}

	if limit := usage.Limits.of(kind); limit > 0 && usage.of(kind) >= limit {
		return usage, ErrQuotaExceeded
	}

	if _, err := t.pending.Incr(ctx, PendingKey(kind, storeID)); err != nil {
		log.Warn().Err(err).Str("store_id", storeID).Msg("Counter store unavailable, writing usage directly")
		var scans, copies int64
		if kind == KindScan {
			scans = 1
		} else {
			copies = 1
		}
		if err := t.store.AddStoreUsage(ctx, storeID, scans, copies); err != nil {
			return Usage{}, err
		}
	}

	if kind == KindScan {
		usage.Scans++
	} else {
		usage.Copies++
	}
	return usage, nil
}

// SyncStats reports a pending-counter sync run.
type SyncStats struct {
	Stores int   `json:"stores"`
	Scans  int64 `json:"scans"`
	Copies int64 `json:"copies"`
	Failed int   `json:"failed"`
}

// SyncPending drains every store's pending counters into the database.
func (t *Tracker) SyncPending(ctx context.Context) (SyncStats, error) {
	var stats SyncStats
	ids, err := t.store.ListStoreIDs(ctx)
	if err != nil {
		return stats, err
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		scans, copies, err := t.flushStore(ctx, id)
		stats.Scans += scans
		stats.Copies += copies
		if err != nil {
			stats.Failed++
			log.Error().Err(err).Str("store_id", id).Msg("Failed to sync pending usage")
			continue
		}
		if scans > 0 || copies > 0 {
			stats.Stores++
		}
	}

	metrics.PendingSynced.WithLabelValues(string(KindScan)).Add(float64(stats.Scans))
	metrics.PendingSynced.WithLabelValues(string(KindCopy)).Add(float64(stats.Copies))
	return stats, nil
}

// DeleteStore removes a store while keeping its usage counted against the
// owner's current period.
func (t *Tracker) DeleteStore(ctx context.Context, ownerID, storeID, reason string) (*models.LedgerEntry, error) {
	owner, err := t.users.Get(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	// Roll over first so the carry-over lands in the right period.
	usage, err := t.Current(ctx, owner, t.now())
	if err != nil {
		return nil, err
	}

	scans, copies, err := t.drainStore(ctx, storeID)
	if err != nil {
		return nil, err
	}

	entry, err := t.store.DeleteStore(ctx, ownerID, storeID, usage.PeriodStart, scans, copies, reason)
	if err != nil {
		t.restore(ctx, storeID, scans, copies)
		return nil, err
	}

	log.Info().
		Str("user_id", ownerID).
		Str("store_id", storeID).
		Int64("scans", entry.Scans).
		Int64("copies", entry.Copies).
		Msg("Store deleted, usage carried over")
	return entry, nil
}

func (t *Tracker) flushUser(ctx context.Context, userID string) error {
	stores, err := t.store.ListStores(ctx, userID)
	if err != nil {
		return err
	}
	for _, s := range stores {
		if _, _, err := t.flushStore(ctx, s.ID); err != nil {
			return err
		}
	}
	return nil
}

// flushStore moves a store's pending counters into the database. On failure
// the counters are put back and zero is reported.
func (t *Tracker) flushStore(ctx context.Context, storeID string) (scans, copies int64, err error) {
	scans, copies, err = t.drainStore(ctx, storeID)
	if err != nil {
		return 0, 0, err
	}
	if err := t.store.AddStoreUsage(ctx, storeID, scans, copies); err != nil {
		t.restore(ctx, storeID, scans, copies)
		return 0, 0, err
	}
	return scans, copies, nil
}

func (t *Tracker) drainStore(ctx context.Context, storeID string) (scans, copies int64, err error) {
	scans, err = t.drain(ctx, KindScan, storeID)
	if err != nil {
		return 0, 0, err
	}
	copies, err = t.drain(ctx, KindCopy, storeID)
	if err != nil {
		t.restore(ctx, storeID, scans, 0)
		return 0, 0, err
	}
	return scans, copies, nil
}

// restore adds drained counts back to the pending counters. It ignores
// cancellation of ctx so a cancelled sync does not lose them.
func (t *Tracker) restore(ctx context.Context, storeID string, scans, copies int64) {
	ctx = context.WithoutCancel(ctx)
	for _, p := range []struct {
		kind Kind
		n    int64
	}{{KindScan, scans}, {KindCopy, copies}} {
		if p.n == 0 {
			continue
		}
		if _, err := t.pending.IncrBy(ctx, PendingKey(p.kind, storeID), p.n); err != nil {
			log.Error().Err(err).Str("store_id", storeID).Str("kind", string(p.kind)).Int64("count", p.n).
				Msg("Failed to restore pending usage")
		}
	}
}

func (t *Tracker) drain(ctx context.Context, kind Kind, storeID string) (int64, error) {
	n, ok, err := t.pending.GetDel(ctx, PendingKey(kind, storeID))
	if err != nil {
		return 0, fmt.Errorf("failed to drain pending %s: %w", kind, err)
	}
	if !ok {
		return 0, nil
	}
	return n, nil
}

func (t *Tracker) peek(ctx context.Context, kind Kind, storeID string) int64 {
	n, ok, err := t.pending.Get(ctx, PendingKey(kind, storeID))
	if err != nil {
		log.Warn().Err(err).Str("store_id", storeID).Msg("Failed to read pending usage")
		return 0
	}
	if !ok {
		return 0
	}
	return n
}
