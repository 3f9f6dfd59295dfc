package journey

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Sentinel errors for journey operations.
var (
	ErrNotFound          = errors.New("journey: not found")
	ErrInvalidTransition = errors.New("journey: invalid transition")
)

// Store persists journeys, their event trail, the manual-review queue, and
// webhook dedup rows.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// Open connects to the journey database. A DSN starting with "postgres" uses
// the postgres driver; anything else is treated as a sqlite path
// (":memory:" for tests).
func Open(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = ":memory:"
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("journey: open database: %w", err)
	}
	if err := db.AutoMigrate(&Journey{}, &JourneyEvent{}, &ManualReviewItem{}, &ProcessedWebhookEvent{}); err != nil {
		return nil, fmt.Errorf("journey: migrate: %w", err)
	}
	return &Store{db: db, clock: time.Now}, nil
}

// SetClock overrides the time source for deterministic tests.
func (s *Store) SetClock(clock func() time.Time) {
	if s == nil || clock == nil {
		return
	}
	s.clock = clock
}

// Start creates the journey in processing, or returns the existing one for
// the mandate.
func (s *Store) Start(organizationID, mandateID, rail, reference string) (*Journey, error) {
	mandateID = strings.TrimSpace(mandateID)
	if mandateID == "" {
		return nil, fmt.Errorf("journey: mandate id required")
	}
	var existing Journey
	err := s.db.Where("mandate_id = ?", mandateID).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("journey: lookup %s: %w", mandateID, err)
	}
	now := s.clock().UTC()
	j := Journey{
		ID:             uuid.New(),
		OrganizationID: strings.TrimSpace(organizationID),
		MandateID:      mandateID,
		Rail:           strings.TrimSpace(rail),
		Reference:      strings.TrimSpace(reference),
		CanonicalState: StateProcessing,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.Create(&j).Error; err != nil {
		return nil, fmt.Errorf("journey: create %s: %w", mandateID, err)
	}
	return &j, nil
}

// allowedTransition enforces the state machine: transitions are monotonic
// except the explicit manual_review → settled operator recovery.
func allowedTransition(from, to State) bool {
	switch from {
	case StateProcessing:
		return to == StateSettled || to == StateFailed || to == StateManualReview
	case StateManualReview:
		return to == StateSettled
	default:
		return false
	}
}

// Transition moves the journey to the target state and appends the event.
func (s *Store) Transition(mandateID string, to State, actor, detail string) (*Journey, error) {
	var j Journey
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("mandate_id = ?", strings.TrimSpace(mandateID)).First(&j).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if !allowedTransition(j.CanonicalState, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.CanonicalState, to)
		}
		now := s.clock().UTC()
		event := JourneyEvent{
			ID:        uuid.New(),
			JourneyID: j.ID,
			FromState: j.CanonicalState,
			ToState:   to,
			Actor:     strings.TrimSpace(actor),
			Detail:    strings.TrimSpace(detail),
			CreatedAt: now,
		}
		if err := tx.Create(&event).Error; err != nil {
			return err
		}
		j.CanonicalState = to
		j.UpdatedAt = now
		return tx.Model(&Journey{}).Where("id = ?", j.ID).
			Updates(map[string]any{"canonical_state": to, "updated_at": now}).Error
	})
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Get loads the journey with its events.
func (s *Store) Get(mandateID string) (*Journey, error) {
	var j Journey
	err := s.db.Preload("Events").Where("mandate_id = ?", strings.TrimSpace(mandateID)).First(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("journey: load %s: %w", mandateID, err)
	}
	return &j, nil
}

// EnqueueManualReview transitions the journey to manual_review and queues it
// for operators.
func (s *Store) EnqueueManualReview(mandateID, reason string) (*ManualReviewItem, error) {
	j, err := s.Transition(mandateID, StateManualReview, "system", reason)
	if err != nil {
		return nil, err
	}
	item := ManualReviewItem{
		ID:        uuid.New(),
		JourneyID: j.ID,
		MandateID: j.MandateID,
		Reason:    strings.TrimSpace(reason),
		CreatedAt: s.clock().UTC(),
		UpdatedAt: s.clock().UTC(),
	}
	if err := s.db.Create(&item).Error; err != nil {
		return nil, fmt.Errorf("journey: enqueue review %s: %w", mandateID, err)
	}
	return &item, nil
}

// ResolveManualReview settles a journey under review. The operator action is
// recorded as its own event.
func (s *Store) ResolveManualReview(itemID uuid.UUID, operator, detail string) error {
	var item ManualReviewItem
	if err := s.db.Where("id = ?", itemID).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("journey: load review item: %w", err)
	}
	if item.Resolved {
		return nil
	}
	if _, err := s.Transition(item.MandateID, StateSettled, operator, detail); err != nil {
		return err
	}
	now := s.clock().UTC()
	return s.db.Model(&ManualReviewItem{}).Where("id = ?", itemID).
		Updates(map[string]any{"resolved": true, "resolved_by": strings.TrimSpace(operator), "updated_at": now}).Error
}

// ListManualReview returns queue items, optionally only unresolved ones.
func (s *Store) ListManualReview(unresolvedOnly bool) ([]ManualReviewItem, error) {
	query := s.db.Order("created_at")
	if unresolvedOnly {
		query = query.Where("resolved = ?", false)
	}
	var items []ManualReviewItem
	if err := query.Find(&items).Error; err != nil {
		return nil, fmt.Errorf("journey: list review queue: %w", err)
	}
	return items, nil
}

// MarkWebhookProcessed records the (provider, event_id) pair. It returns true
// iff the event was previously unseen.
func (s *Store) MarkWebhookProcessed(provider, eventID string, ttl time.Duration) (bool, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	eventID = strings.TrimSpace(eventID)
	if provider == "" || eventID == "" {
		return false, fmt.Errorf("journey: provider and event id required")
	}
	now := s.clock().UTC()
	result := s.db.Where(&ProcessedWebhookEvent{Provider: provider, EventID: eventID}).
		Attrs(&ProcessedWebhookEvent{SeenAt: now, ExpiresAt: now.Add(ttl)}).
		FirstOrCreate(&ProcessedWebhookEvent{})
	if result.Error != nil {
		return false, fmt.Errorf("journey: record webhook: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// PruneWebhookEvents deletes dedup rows past their TTL.
func (s *Store) PruneWebhookEvents() (int64, error) {
	result := s.db.Where("expires_at <= ?", s.clock().UTC()).Delete(&ProcessedWebhookEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("journey: prune webhooks: %w", result.Error)
	}
	return result.RowsAffected, nil
}
