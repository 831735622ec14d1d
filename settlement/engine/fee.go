package engine

import (
	"errors"
	"fmt"
	"strings"

	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/safe"
)

// ErrUnknownFeePolicy is returned by ParseFeePolicy.
var ErrUnknownFeePolicy = errors.New("unknown fee policy")

// FeePolicy turns a marketplace fee rate and a listing price into the fee
// carved out for the treasury.
type FeePolicy interface {
	Name() string
	Fee(rate, price int64) (int64, error)
}

// FlatFee charges the rate itself as an absolute amount.
type FlatFee struct{}

func (FlatFee) Name() string { return "flat" }

func (FlatFee) Fee(rate, _ int64) (int64, error) { return rate, nil }

// BasisPointsFee charges floor(price * rate / 10000).
type BasisPointsFee struct{}

func (BasisPointsFee) Name() string { return "bps" }

func (BasisPointsFee) Fee(rate, price int64) (int64, error) {
	return safe.BasisPoints(price, rate, constant.BasisPointsDenominator)
}

// ParseFeePolicy resolves a configured policy name. The empty string selects
// FlatFee.
func ParseFeePolicy(name string) (FeePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "flat":
		return FlatFee{}, nil
	case "bps", "basis_points":
		return BasisPointsFee{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFeePolicy, name)
	}
}
