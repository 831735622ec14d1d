package safe

import (
	"errors"
	"math"

	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/shopspring/decimal"
)

// ErrDivisionByZero is returned when attempting to divide by zero.
var ErrDivisionByZero = errors.New("division by zero")

// Add returns a+b or constant.ErrOverFlowInt64.
func Add(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, constant.ErrOverFlowInt64
	}

	return a + b, nil
}

// Sub returns a-b or constant.ErrOverFlowInt64.
func Sub(a, b int64) (int64, error) {
	if (b > 0 && a < math.MinInt64+b) || (b < 0 && a > math.MaxInt64+b) {
		return 0, constant.ErrOverFlowInt64
	}

	return a - b, nil
}

// Sum adds every value, failing on the first overflow.
func Sum(values ...int64) (int64, error) {
	var total int64

	for _, v := range values {
		next, err := Add(total, v)
		if err != nil {
			return 0, err
		}

		total = next
	}

	return total, nil
}

// BasisPoints returns floor(amount * bps / denominator). Intermediate
// products are computed in arbitrary precision so large prices do not wrap.
func BasisPoints(amount, bps, denominator int64) (int64, error) {
	if denominator == 0 {
		return 0, ErrDivisionByZero
	}

	v := decimal.NewFromInt(amount).Mul(decimal.NewFromInt(bps)).Div(decimal.NewFromInt(denominator)).Floor()

	if v.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || v.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, constant.ErrOverFlowInt64
	}

	return v.IntPart(), nil
}

// Divide performs decimal division with zero check.
func Divide(numerator, denominator decimal.Decimal) (decimal.Decimal, error) {
	if denominator.IsZero() {
		return decimal.Zero, ErrDivisionByZero
	}

	return numerator.Div(denominator), nil
}
