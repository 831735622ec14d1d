package http

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

var (
	// ErrValidationFailed is returned when a request body is rejected.
	ErrValidationFailed = errors.New("validation failed")
	// ErrValidatorInit is returned when custom validator registration fails.
	ErrValidatorInit = errors.New("validator initialization failed")
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
	errValidate  error
)

// maxAmount bounds ledger amounts accepted over the API. Sums of two such
// amounts still fit in int64.
var maxAmount = decimal.New(1, 18)

func initValidators() (*validator.Validate, error) {
	vld := validator.New(validator.WithRequiredStructEnabled())

	vld.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}

		return name
	})

	if err := vld.RegisterValidation("amount", func(fl validator.FieldLevel) bool {
		d := decimal.NewFromInt(fl.Field().Int())

		return !d.IsNegative() && d.LessThanOrEqual(maxAmount)
	}); err != nil {
		return nil, fmt.Errorf("%w: failed to register 'amount': %w", ErrValidatorInit, err)
	}

	return vld, nil
}

// GetValidator returns the shared validator.
func GetValidator() (*validator.Validate, error) {
	validateOnce.Do(func() {
		validate, errValidate = initValidators()
	})

	return validate, errValidate
}

// ValidateStruct validates payload against its validate tags and reports the
// first failing field.
func ValidateStruct(payload any) error {
	vld, err := GetValidator()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	if err := vld.Struct(payload); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return formatValidationError(fieldErrs[0])
		}

		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	return nil
}

func formatValidationError(fe validator.FieldError) error {
	field := fe.Field()

	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%w: '%s' is required", ErrValidationFailed, field)
	case "max":
		return fmt.Errorf("%w: '%s' must be at most %s", ErrValidationFailed, field, fe.Param())
	case "gt":
		return fmt.Errorf("%w: '%s' must be greater than %s", ErrValidationFailed, field, fe.Param())
	case "amount":
		return fmt.Errorf("%w: '%s' must be between 0 and %s", ErrValidationFailed, field, maxAmount.String())
	default:
		return fmt.Errorf("%w: '%s' failed '%s' check", ErrValidationFailed, field, fe.Tag())
	}
}

// ParseBodyAndValidate decodes a JSON body into payload and validates it.
func ParseBodyAndValidate(c *fiber.Ctx, payload any) error {
	ct := c.Get(fiber.HeaderContentType)
	if ct != "" && !strings.HasPrefix(ct, fiber.MIMEApplicationJSON) {
		return fmt.Errorf("%w: Content-Type must be application/json", ErrValidationFailed)
	}

	if err := c.BodyParser(payload); err != nil {
		return fmt.Errorf("%w: malformed body: %w", ErrValidationFailed, err)
	}

	return ValidateStruct(payload)
}
