package outbox

import "errors"

var (
	ErrEventRequired            = errors.New("outbox event is required")
	ErrRepositoryRequired       = errors.New("outbox repository is required")
	ErrDispatcherRequired       = errors.New("outbox dispatcher is required")
	ErrDispatcherRunning        = errors.New("outbox dispatcher is already running")
	ErrEventPayloadRequired     = errors.New("outbox event payload is required")
	ErrEventPayloadTooLarge     = errors.New("outbox event payload exceeds maximum allowed size")
	ErrEventPayloadNotJSON      = errors.New("outbox event payload must be valid JSON")
	ErrHandlerRegistryRequired  = errors.New("handler registry is required")
	ErrEventTypeRequired        = errors.New("event type is required")
	ErrEventHandlerRequired     = errors.New("event handler is required")
	ErrHandlerAlreadyRegistered = errors.New("event handler already registered")
	ErrHandlerNotRegistered     = errors.New("event handler is not registered")
	ErrEventNotFound            = errors.New("outbox event not found")
	ErrStatusInvalid            = errors.New("invalid outbox status")
	ErrTransitionInvalid        = errors.New("invalid outbox status transition")
)
