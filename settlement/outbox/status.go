package outbox

import "fmt"

// Status is an outbox event lifecycle state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusPublished  Status = "PUBLISHED"
	StatusFailed     Status = "FAILED"
	StatusInvalid    Status = "INVALID"
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusProcessing, StatusPublished, StatusFailed, StatusInvalid:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from status to next is allowed.
// FAILED events go back to PROCESSING when retried; PUBLISHED and INVALID are
// terminal.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending, StatusFailed:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusPublished || next == StatusFailed || next == StatusInvalid
	default:
		return false
	}
}

// ValidateTransition validates a status transition.
func ValidateTransition(from, to Status) error {
	if !from.IsValid() {
		return fmt.Errorf("from status: %w: %q", ErrStatusInvalid, from)
	}

	if !to.IsValid() {
		return fmt.Errorf("to status: %w: %q", ErrStatusInvalid, to)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}
