// Package jobs holds the scheduled maintenance work: the account retention
// sweep and the pending usage-counter sync.
package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reviewloop/backend/internal/events"
	"github.com/reviewloop/backend/internal/metrics"
	"github.com/reviewloop/backend/internal/models"
	"github.com/reviewloop/backend/internal/usage"
)

// Purger hard-deletes accounts soft-deleted before a cutoff.
type Purger interface {
	PurgeDeleted(ctx context.Context, cutoff time.Time) ([]string, error)
}

// UsageSyncer drains pending usage counters into the database.
type UsageSyncer interface {
	SyncPending(ctx context.Context) (usage.SyncStats, error)
}

// Jobs runs maintenance tasks. Each method is safe to call from the
// scheduler, the operator endpoints and the CLI.
type Jobs struct {
	purger    Purger
	syncer    UsageSyncer
	publisher events.Publisher
	grace     time.Duration
	now       func() time.Time
}

// New creates the maintenance jobs. grace is how long a soft-deleted account
// stays restorable.
func New(purger Purger, syncer UsageSyncer, publisher events.Publisher, grace time.Duration) *Jobs {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Jobs{
		purger:    purger,
		syncer:    syncer,
		publisher: publisher,
		grace:     grace,
		now:       time.Now,
	}
}

// SweepResult reports a retention sweep.
type SweepResult struct {
	Purged []string  `json:"purged"`
	Cutoff time.Time `json:"cutoff"`
}

// Sweep purges accounts whose grace window has ended.
func (j *Jobs) Sweep(ctx context.Context) (SweepResult, error) {
	now := j.now().UTC()
	result := SweepResult{Cutoff: now.Add(-j.grace)}

	ids, err := j.purger.PurgeDeleted(ctx, result.Cutoff)
	if err != nil {
		return result, err
	}
	result.Purged = ids
	if result.Purged == nil {
		result.Purged = []string{}
	}

	metrics.AccountsPurged.Add(float64(len(ids)))
	for _, id := range ids {
		events.PublishBestEffort(ctx, j.publisher, events.AccountPurged, events.AccountEvent{
			UserID:    id,
			Lifecycle: string(models.LifecyclePurged),
			Timestamp: now,
		})
	}

	if len(ids) > 0 {
		log.Info().Int("count", len(ids)).Time("cutoff", result.Cutoff).Msg("Purged deleted accounts")
	}
	return result, nil
}

// SyncUsage drains pending usage counters.
func (j *Jobs) SyncUsage(ctx context.Context) (usage.SyncStats, error) {
	stats, err := j.syncer.SyncPending(ctx)
	if err != nil {
		return stats, err
	}
	if stats.Failed > 0 {
		log.Warn().Int("failed", stats.Failed).Msg("Usage sync finished with failures")
	}
	return stats, nil
}
