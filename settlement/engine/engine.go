package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement/custody"
	"github.com/google/uuid"
)

// ErrInvalidEngineConfig is returned by New for unusable options.
var ErrInvalidEngineConfig = errors.New("invalid engine config")

// Engine settles purchases. It is stateless apart from its configuration and
// safe for concurrent use.
type Engine struct {
	fees            FeePolicy
	destinationRent int64
	now             func() time.Time
	newID           func() uuid.UUID
}

// Option configures an Engine.
type Option func(*Engine)

// WithFeePolicy sets the fee policy. The default is FlatFee.
func WithFeePolicy(policy FeePolicy) Option {
	return func(e *Engine) {
		e.fees = policy
	}
}

// WithDestinationRent sets the rent the buyer pays when the destination
// holding has to be opened.
func WithDestinationRent(rent int64) Option {
	return func(e *Engine) {
		e.destinationRent = rent
	}
}

// WithClock overrides the receipt timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		fees:  FlatFee{},
		now:   time.Now,
		newID: uuid.New,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	if e.fees == nil {
		return nil, fmt.Errorf("%w: fee policy is nil", ErrInvalidEngineConfig)
	}

	if e.destinationRent < 0 {
		return nil, fmt.Errorf("%w: destination rent %d", ErrInvalidEngineConfig, e.destinationRent)
	}

	if e.now == nil {
		e.now = time.Now
	}

	return e, nil
}

// FeePolicy returns the configured fee policy.
func (e *Engine) FeePolicy() FeePolicy {
	return e.fees
}

// DestinationRent returns the rent charged for an on-demand destination.
func (e *Engine) DestinationRent() int64 {
	return e.destinationRent
}

// Settlement is the input of one Settle call. Marketplace is a snapshot read
// by value; Listing and Vault are the records being consumed.
//
// Destination is the buyer's existing holding for the listing's mint, or nil
// when it must be opened. DestinationAddress is optional when Destination is
// set and must be the buyer's associated holding otherwise.
type Settlement struct {
	Buyer              string
	Seller             string
	Marketplace        custody.Marketplace
	Listing            *custody.Listing
	Vault              *custody.HoldingAccount
	Destination        *custody.HoldingAccount
	DestinationAddress string
}

// Receipt records a committed settlement.
type Receipt struct {
	ID                 uuid.UUID `json:"id"`
	Marketplace        string    `json:"marketplace"`
	Listing            string    `json:"listing"`
	Mint               string    `json:"mint"`
	Buyer              string    `json:"buyer"`
	Seller             string    `json:"seller"`
	Treasury           string    `json:"treasury"`
	Destination        string    `json:"destination"`
	Price              int64     `json:"price"`
	Fee                int64     `json:"fee"`
	SellerAmount       int64     `json:"sellerAmount"`
	RentRefunded       int64     `json:"rentRefunded"`
	DestinationRent    int64     `json:"destinationRent"`
	DestinationCreated bool      `json:"destinationCreated"`
	SettledAt          time.Time `json:"settledAt"`
}
