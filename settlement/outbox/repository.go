package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists outbox state transitions. Events are appended by the
// store transaction that produced them, so creation is not part of this
// interface.
//
// ListPending claims up to limit PENDING or FAILED events, moving them to
// PROCESSING, and returns them oldest first.
//
// ResetStuckProcessing reclaims up to limit events left in PROCESSING since
// before processingBefore, for example by a dispatcher that crashed or was
// cancelled mid-batch. Each reclaimed event has its attempts incremented.
// Events that reach maxAttempts are parked as INVALID; the rest stay
// PROCESSING with a fresh updated_at and are returned for publishing.
type Repository interface {
	ListPending(ctx context.Context, limit int) ([]*Event, error)
	ResetStuckProcessing(ctx context.Context, limit int, processingBefore time.Time, maxAttempts int) ([]*Event, error)
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, maxAttempts int) error
	MarkInvalid(ctx context.Context, id uuid.UUID, errMsg string) error
}

// FailedStatus returns the status an event moves to after a failed attempt.
// Once attempts reach maxAttempts the event is parked as INVALID.
func FailedStatus(attempts, maxAttempts int) Status {
	if maxAttempts > 0 && attempts >= maxAttempts {
		return StatusInvalid
	}

	return StatusFailed
}

// ProcessingTimeoutError is recorded on events parked by ResetStuckProcessing.
const ProcessingTimeoutError = "processing timeout exceeded"
