// Package journey tracks the canonical lifecycle of every payment across
// rails: one journey per mandate, an append-only event trail, and the
// manual-review queue operators work from.
package journey

import (
	"time"

	"github.com/google/uuid"
)

// State is a canonical journey state.
type State string

// Journey states. Settled and failed are terminal; manual_review may recover
// to settled by explicit operator action.
const (
	StateProcessing   State = "processing"
	StateSettled      State = "settled"
	StateFailed       State = "failed"
	StateManualReview State = "manual_review"
)

// Journey is the canonical record of one payment's lifecycle.
type Journey struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrganizationID string    `gorm:"size:128;index"`
	MandateID      string    `gorm:"size:128;uniqueIndex"`
	Rail           string    `gorm:"size:32;index"`
	Reference      string    `gorm:"size:256"`
	CanonicalState State     `gorm:"size:32;index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Events         []JourneyEvent `gorm:"foreignKey:JourneyID"`
}

// JourneyEvent is one append-only transition record.
type JourneyEvent struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	JourneyID uuid.UUID `gorm:"type:uuid;index"`
	FromState State     `gorm:"size:32"`
	ToState   State     `gorm:"size:32"`
	Actor     string    `gorm:"size:128"`
	Detail    string    `gorm:"size:512"`
	CreatedAt time.Time
}

// ManualReviewItem queues a journey for operator attention.
type ManualReviewItem struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	JourneyID  uuid.UUID `gorm:"type:uuid;index"`
	MandateID  string    `gorm:"size:128;index"`
	Reason     string    `gorm:"size:256"`
	Resolved   bool      `gorm:"index"`
	ResolvedBy string    `gorm:"size:128"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ProcessedWebhookEvent dedups inbound provider webhooks by (provider,
// event_id). Rows expire after 24 hours.
type ProcessedWebhookEvent struct {
	Provider  string    `gorm:"size:64;primaryKey"`
	EventID   string    `gorm:"size:256;primaryKey"`
	SeenAt    time.Time `gorm:"index"`
	ExpiresAt time.Time `gorm:"index"`
}
