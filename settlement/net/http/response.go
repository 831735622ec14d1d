package http

import (
	"errors"
	"strconv"

	"github.com/LerianStudio/lib-settlement/settlement"
	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/custody"
	"github.com/LerianStudio/lib-settlement/settlement/engine"
	"github.com/LerianStudio/lib-settlement/settlement/redis"
	"github.com/gofiber/fiber/v2"
)

// OK sends 200 with body.
func OK(c *fiber.Ctx, body any) error {
	return c.Status(fiber.StatusOK).JSON(body)
}

// Created sends 201 with body.
func Created(c *fiber.Ctx, body any) error {
	return c.Status(fiber.StatusCreated).JSON(body)
}

// StatusFor maps a service error to its HTTP status.
func StatusFor(err error) int {
	var (
		se *engine.SettlementError
		fe *fiber.Error
	)

	switch {
	case err == nil:
		return fiber.StatusOK
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, constant.ErrUnauthorizedDestination),
		errors.Is(err, constant.ErrPrincipalMismatch),
		errors.Is(err, constant.ErrSellerMismatch) && !errors.As(err, &se):
		return fiber.StatusForbidden
	case errors.Is(err, constant.ErrSettlementInProgress), errors.Is(err, redis.ErrRequestInFlight):
		return fiber.StatusConflict
	case errors.Is(err, constant.ErrInsufficientFunds), errors.Is(err, redis.ErrIdempotencyKeyReused):
		return fiber.StatusUnprocessableEntity
	case errors.As(err, &se):
		return statusForClass(se.Class)
	case errors.Is(err, constant.ErrInvalidSettlementInput), errors.Is(err, ErrValidationFailed):
		return fiber.StatusBadRequest
	case errors.Is(err, constant.ErrListingNotFound), errors.Is(err, constant.ErrMarketplaceNotFound),
		errors.Is(err, custody.ErrAccountNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, constant.ErrMarketplaceAlreadyExists), errors.Is(err, constant.ErrListingAlreadyExists),
		errors.Is(err, constant.ErrAssetAlreadyIssued):
		return fiber.StatusConflict
	case errors.Is(err, constant.ErrAssetNotOwned):
		return fiber.StatusUnprocessableEntity
	default:
		return fiber.StatusInternalServerError
	}
}

func statusForClass(class engine.Class) int {
	switch class {
	case engine.ClassInput:
		return fiber.StatusBadRequest
	case engine.ClassNotFound:
		return fiber.StatusNotFound
	case engine.ClassInvariant:
		return fiber.StatusConflict
	case engine.ClassResource:
		return fiber.StatusUnprocessableEntity
	default:
		return fiber.StatusInternalServerError
	}
}

// RenderError writes err as a settlement.Response. Internal errors get a
// generic message.
func RenderError(c *fiber.Ctx, entityType string, err error) error {
	status := StatusFor(err)

	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(settlement.Response{
			Code:    strconv.Itoa(fe.Code),
			Title:   "Request Error",
			Message: fe.Message,
		})
	}

	if status == fiber.StatusInternalServerError {
		return c.Status(status).JSON(settlement.Response{
			EntityType: entityType,
			Code:       strconv.Itoa(status),
			Title:      "Internal Server Error",
			Message:    "internal server error",
		})
	}

	var args []any

	var se *engine.SettlementError
	if errors.As(err, &se) {
		args = append(args, "("+se.Message+")")
	}

	var resp settlement.Response
	if !errors.As(settlement.ValidateBusinessError(err, entityType, args...), &resp) {
		resp = settlement.Response{
			EntityType: entityType,
			Code:       constant.ErrInvalidSettlementInput.Error(),
			Title:      "Invalid Request",
			Message:    err.Error(),
		}
	}

	return c.Status(status).JSON(resp)
}
