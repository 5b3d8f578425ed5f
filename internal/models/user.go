package models

import (
	"time"
)

// Tier is the entitlement level of an account.
type Tier string

// Tier constants
const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// IsValidTier checks if a tier is valid
func IsValidTier(tier Tier) bool {
	switch tier {
	case TierFree, TierPro:
		return true
	default:
		return false
	}
}

// Lifecycle is the account state. Purged accounts no longer have a row;
// the value only appears in events emitted by the retention sweep.
type Lifecycle string

const (
	LifecycleActive  Lifecycle = "active"
	LifecycleDeleted Lifecycle = "deleted"
	LifecyclePurged  Lifecycle = "purged"
)

// User is the account together with its entitlement record.
type User struct {
	ID    string `json:"id" db:"id"`
	Email string `json:"email" db:"email"`
	Tier  Tier   `json:"tier" db:"tier"`

	StripeCustomerID      string     `json:"-" db:"stripe_customer_id"`
	StripeSubscriptionID  string     `json:"-" db:"stripe_subscription_id"`
	SubscriptionStartedAt *time.Time `json:"subscription_started_at,omitempty" db:"subscription_started_at"`
	FirstSubscribedAt     *time.Time `json:"first_subscribed_at,omitempty" db:"first_subscribed_at"`
	// LastEventAt is the processor timestamp of the newest webhook applied.
	LastEventAt *time.Time `json:"-" db:"last_event_at"`

	PeriodStart *time.Time `json:"period_start,omitempty" db:"period_start"`
	// Usage carried over from stores deleted during the current period.
	PeriodScans  int64 `json:"period_scans" db:"-"`
	PeriodCopies int64 `json:"period_copies" db:"-"`

	Lifecycle Lifecycle  `json:"lifecycle" db:"lifecycle"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// HasSubscription reports whether a processor subscription is recorded.
func (u *User) HasSubscription() bool {
	return u.StripeSubscriptionID != ""
}

// IsActive reports whether the account is not scheduled for deletion.
func (u *User) IsActive() bool {
	return u.Lifecycle != LifecycleDeleted && u.Lifecycle != LifecyclePurged
}

// IntegrityAlarm reports a pro tier with no subscription id behind it.
func (u *User) IntegrityAlarm() bool {
	return u.Tier == TierPro && u.StripeSubscriptionID == ""
}

// Store is a review-collection location owned by a user. Its counters hold
// usage for the owner's current period.
type Store struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Name      string    `json:"name" db:"name"`
	ScanCount int64     `json:"scan_count" db:"scan_count"`
	CopyCount int64     `json:"copy_count" db:"copy_count"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// LedgerEntry is an append-only usage carry-over record.
type LedgerEntry struct {
	ID          string    `json:"id" db:"id"`
	UserID      string    `json:"user_id" db:"user_id"`
	StoreID     string    `json:"store_id" db:"store_id"`
	PeriodStart time.Time `json:"period_start" db:"period_start"`
	Scans       int64     `json:"scans" db:"scans"`
	Copies      int64     `json:"copies" db:"copies"`
	Reason      string    `json:"reason" db:"reason"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// PeriodUsage is the usage total of a single billing period.
type PeriodUsage struct {
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Scans       int64     `json:"scans"`
	Copies      int64     `json:"copies"`
}
