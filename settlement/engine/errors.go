package engine

import (
	"errors"
	"fmt"

	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/custody"
)

// Class tells the caller how to react to a failed settlement.
type Class string

const (
	// ClassInput is caller-fixable; retrying without new input fails again.
	ClassInput Class = "input"
	// ClassResource is retryable after the buyer is funded.
	ClassResource Class = "resource"
	// ClassInvariant means the listing and vault disagree and need investigation.
	ClassInvariant Class = "invariant"
	// ClassNotFound means the listing is gone, usually settled or delisted.
	ClassNotFound Class = "not_found"
	// ClassInternal covers primitive failures outside the taxonomy.
	ClassInternal Class = "internal"
)

// Step names the phase that failed.
type Step string

const (
	StepValidate        Step = "validate"
	StepOpenDestination Step = "open_destination"
	StepPaySeller       Step = "pay_seller"
	StepPayTreasury     Step = "pay_treasury"
	StepTransferAsset   Step = "transfer_asset"
	StepCloseVault      Step = "close_vault"
	StepRetireListing   Step = "retire_listing"
)

// SettlementError is the single terminal error returned by Settle.
// errors.Is matches both the constants sentinel and the underlying cause.
type SettlementError struct {
	Code    string
	Class   Class
	Field   string
	Message string
	Step    Step
	Err     error

	sentinel error
}

func (e *SettlementError) Error() string {
	msg := fmt.Sprintf("settlement %s: %s (code %s)", e.Step, e.Message, e.Code)
	if e.Field != "" {
		msg = fmt.Sprintf("settlement %s: %s: %s (code %s)", e.Step, e.Field, e.Message, e.Code)
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *SettlementError) Unwrap() []error {
	out := make([]error, 0, 2)

	if e.sentinel != nil {
		out = append(out, e.sentinel)
	}

	if e.Err != nil {
		out = append(out, e.Err)
	}

	return out
}

// Retryable reports whether the same request can succeed later without
// changes, which is only true for resource errors.
func (e *SettlementError) Retryable() bool {
	return e.Class == ClassResource
}

func newError(sentinel error, class Class, step Step, field, message string, cause error) *SettlementError {
	return &SettlementError{
		Code:     sentinel.Error(),
		Class:    class,
		Field:    field,
		Message:  message,
		Step:     step,
		Err:      cause,
		sentinel: sentinel,
	}
}

func invalidInput(field, message string) *SettlementError {
	return newError(constant.ErrInvalidSettlementInput, ClassInput, StepValidate, field, message, nil)
}

func invariant(sentinel error, field, message string) *SettlementError {
	return newError(sentinel, ClassInvariant, StepValidate, field, message, nil)
}

// ClassOf returns the class of err, or ClassInternal if err is not a
// SettlementError.
func ClassOf(err error) Class {
	var se *SettlementError
	if errors.As(err, &se) {
		return se.Class
	}

	return ClassInternal
}

// mapPrimitiveError converts a primitive failure into a SettlementError.
// The mapping depends on the step: a missing account while moving the asset
// means the listing was consumed concurrently.
func mapPrimitiveError(step Step, err error) *SettlementError {
	var se *SettlementError
	if errors.As(err, &se) {
		return se
	}

	switch {
	case errors.Is(err, custody.ErrInsufficientFunds):
		return newError(constant.ErrInsufficientFunds, ClassResource, step, "buyer", "insufficient funds", err)
	case errors.Is(err, custody.ErrAccountNotFound) &&
		(step == StepTransferAsset || step == StepCloseVault || step == StepRetireListing):
		return newError(constant.ErrListingNotFound, ClassNotFound, step, "listing", "listing or vault no longer exists", err)
	case errors.Is(err, custody.ErrInsufficientUnits):
		return newError(constant.ErrVaultEmpty, ClassInvariant, step, "vault", "vault does not hold the asset", err)
	case errors.Is(err, custody.ErrAuthorityMismatch):
		return newError(constant.ErrAuthorityMismatch, ClassInvariant, step, "authority", "derived authority does not control the vault", err)
	case errors.Is(err, custody.ErrMintMismatch), errors.Is(err, custody.ErrHoldingNotEmpty):
		return newError(constant.ErrAssetMismatch, ClassInvariant, step, "vault", "vault asset does not match the listing", err)
	case errors.Is(err, custody.ErrHoldingExists) && step == StepOpenDestination:
		return newError(constant.ErrUnauthorizedDestination, ClassInput, step, "destination", "destination holding already exists", err)
	case errors.Is(err, constant.ErrOverFlowInt64):
		return newError(constant.ErrOverFlowInt64, ClassInternal, step, "", "arithmetic overflow", err)
	default:
		return newError(constant.ErrCustodyFailure, ClassInternal, step, "", "primitive failed", err)
	}
}

// ListingNotFound is the error hosts return when the listing disappeared
// before Settle could run, typically because a concurrent purchase won.
func ListingNotFound(listingID string, cause error) *SettlementError {
	return newError(constant.ErrListingNotFound, ClassNotFound, StepValidate, "listing",
		"listing "+listingID+" does not exist", cause)
}
