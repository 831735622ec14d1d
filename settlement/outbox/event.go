package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement/assert"
	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes bounds the serialized payload of one event.
const DefaultMaxPayloadBytes = 1 << 20

// Event is a domain event stored in the outbox for reliable delivery.
// AggregateID is the address of the entity the event is about, usually a
// listing.
type Event struct {
	ID          uuid.UUID  `json:"id"`
	EventType   string     `json:"eventType"`
	AggregateID string     `json:"aggregateId"`
	Payload     []byte     `json:"payload"`
	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	PublishedAt *time.Time `json:"publishedAt,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// NewEvent creates a valid pending event.
func NewEvent(ctx context.Context, eventType, aggregateID string, payload []byte) (*Event, error) {
	return NewEventWithID(ctx, uuid.New(), eventType, aggregateID, payload)
}

// NewEventWithID creates a valid pending event using a caller-provided ID.
func NewEventWithID(ctx context.Context, eventID uuid.UUID, eventType, aggregateID string, payload []byte) (*Event, error) {
	asserter := assert.New(ctx, nil, "outbox", "outbox.new_event")

	if err := asserter.That(ctx, eventID != uuid.Nil, "event id is required"); err != nil {
		return nil, fmt.Errorf("outbox event id: %w", err)
	}

	eventType = strings.TrimSpace(eventType)

	if err := asserter.NotEmpty(ctx, eventType, "event type is required"); err != nil {
		return nil, fmt.Errorf("outbox event type: %w", err)
	}

	if err := asserter.NotEmpty(ctx, strings.TrimSpace(aggregateID), "aggregate id is required"); err != nil {
		return nil, fmt.Errorf("outbox event aggregate id: %w", err)
	}

	if len(payload) == 0 {
		return nil, ErrEventPayloadRequired
	}

	if len(payload) > DefaultMaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrEventPayloadTooLarge, len(payload))
	}

	if !json.Valid(payload) {
		return nil, ErrEventPayloadNotJSON
	}

	now := time.Now().UTC()

	return &Event{
		ID:          eventID,
		EventType:   eventType,
		AggregateID: aggregateID,
		Payload:     append([]byte(nil), payload...),
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// NewJSONEvent marshals v and wraps it in a pending event.
func NewJSONEvent(ctx context.Context, eventType, aggregateID string, v any) (*Event, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal outbox payload: %w", err)
	}

	return NewEvent(ctx, eventType, aggregateID, payload)
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}

	c := *e
	c.Payload = append([]byte(nil), e.Payload...)

	if e.PublishedAt != nil {
		at := *e.PublishedAt
		c.PublishedAt = &at
	}

	return &c
}
