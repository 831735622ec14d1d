package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/LerianStudio/lib-settlement/settlement"
	"github.com/LerianStudio/lib-settlement/settlement/assert"
	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/custody"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/opentelemetry"
	"github.com/LerianStudio/lib-settlement/settlement/opentelemetry/metrics"
	"github.com/LerianStudio/lib-settlement/settlement/safe"
)

// plan is the fully validated settlement, computed before any side effect.
type plan struct {
	listing         *custody.Listing
	authority       custody.Authority
	vault           string
	buyer           string
	seller          string
	treasury        string
	destination     string
	openDestination bool
	destinationRent int64
	price           int64
	fee             int64
	sellerAmount    int64
}

// Settle performs the purchase described by s against p. It returns a
// *SettlementError on any failure; p must be discarded by the caller's
// transaction in that case.
func (e *Engine) Settle(ctx context.Context, p Primitives, s Settlement) (receipt *Receipt, err error) {
	logger, tracer, _, mf := settlement.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "engine.settle")
	defer span.End()

	start := time.Now()

	defer func() {
		e.observe(ctx, span, logger, mf, s, receipt, err, time.Since(start))
	}()

	if p == nil {
		return nil, invalidInput("primitives", "primitives are required")
	}

	pl, err := e.plan(ctx, p, s)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String(constant.AttrMarketplace, s.Marketplace.ID),
		attribute.String(constant.AttrListing, pl.listing.ID),
		attribute.String(constant.AttrMint, pl.listing.Mint),
	)

	mint := pl.listing.Mint

	if pl.openDestination {
		err = step(ctx, tracer, StepOpenDestination, func(ctx context.Context) error {
			holding, err := p.OpenHolding(ctx, pl.buyer, mint, pl.buyer, pl.destinationRent)
			if err != nil {
				return err
			}

			if holding == nil || holding.Address != pl.destination {
				return newError(constant.ErrUnauthorizedDestination, ClassInput, StepOpenDestination,
					"destination", "opened holding is not the requested destination", nil)
			}

			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	if pl.sellerAmount > 0 {
		err = step(ctx, tracer, StepPaySeller, func(ctx context.Context) error {
			return p.Transfer(ctx, pl.buyer, pl.seller, pl.sellerAmount)
		})
		if err != nil {
			return nil, err
		}
	}

	if pl.fee > 0 {
		err = step(ctx, tracer, StepPayTreasury, func(ctx context.Context) error {
			return p.Transfer(ctx, pl.buyer, pl.treasury, pl.fee)
		})
		if err != nil {
			return nil, err
		}
	}

	err = step(ctx, tracer, StepTransferAsset, func(ctx context.Context) error {
		return p.TransferAsset(ctx, pl.vault, mint, pl.destination, pl.authority, 1)
	})
	if err != nil {
		return nil, err
	}

	var refunded int64

	err = step(ctx, tracer, StepCloseVault, func(ctx context.Context) error {
		var err error
		refunded, err = p.CloseHolding(ctx, pl.vault, pl.seller, pl.authority)

		return err
	})
	if err != nil {
		return nil, err
	}

	err = step(ctx, tracer, StepRetireListing, func(ctx context.Context) error {
		return p.RetireListing(ctx, pl.listing.ID)
	})
	if err != nil {
		return nil, err
	}

	rent := int64(0)
	if pl.openDestination {
		rent = pl.destinationRent
	}

	return &Receipt{
		ID:                 e.newID(),
		Marketplace:        s.Marketplace.ID,
		Listing:            pl.listing.ID,
		Mint:               mint,
		Buyer:              pl.buyer,
		Seller:             pl.seller,
		Treasury:           pl.treasury,
		Destination:        pl.destination,
		Price:              pl.price,
		Fee:                pl.fee,
		SellerAmount:       pl.sellerAmount,
		RentRefunded:       refunded,
		DestinationRent:    rent,
		DestinationCreated: pl.openDestination,
		SettledAt:          e.now().UTC(),
	}, nil
}

func step(ctx context.Context, tracer trace.Tracer, name Step, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "engine.settle."+string(name))
	defer span.End()

	span.SetAttributes(attribute.String(constant.AttrStep, string(name)))

	if err := fn(ctx); err != nil {
		mapped := mapPrimitiveError(name, err)

		opentelemetry.HandleSpanError(span, "settlement step failed", mapped)

		return mapped
	}

	return nil
}

// plan checks every precondition in order. Nothing is mutated.
func (e *Engine) plan(ctx context.Context, p Primitives, s Settlement) (*plan, error) {
	listing := s.Listing
	mp := s.Marketplace

	switch {
	case s.Buyer == "":
		return nil, invalidInput("buyer", "buyer is required")
	case listing == nil:
		return nil, invalidInput("listing", "listing is required")
	case listing.ID == "" || listing.Mint == "" || listing.Seller == "":
		return nil, invalidInput("listing", "listing is incomplete")
	case listing.Price < 0:
		return nil, invalidInput("listing.price", "price must not be negative")
	case mp.ID == "" || mp.Treasury == "":
		return nil, invalidInput("marketplace", "marketplace is incomplete")
	case mp.FeeRate < 0:
		return nil, invalidInput("marketplace.feeRate", "fee rate must not be negative")
	}

	if listing.Marketplace != mp.ID {
		return nil, newError(constant.ErrMarketplaceMismatch, ClassInput, StepValidate,
			"listing.marketplace", "listing belongs to another marketplace", nil)
	}

	authority := listing.Authority()
	if err := authority.Verify(listing.ID); err != nil {
		return nil, invariant(constant.ErrAuthorityMismatch, "listing", "listing does not derive from marketplace and mint")
	}

	if err := mp.Authority().Verify(mp.ID); err != nil {
		return nil, invariant(constant.ErrAuthorityMismatch, "marketplace", "marketplace does not derive from its name")
	}

	treasury := custody.Authority{Seeds: custody.TreasurySeeds(mp.ID), Bump: mp.TreasuryBump}
	if err := treasury.Verify(mp.Treasury); err != nil {
		return nil, invariant(constant.ErrAuthorityMismatch, "marketplace.treasury", "treasury does not derive from marketplace")
	}

	vault, err := checkVault(listing, s.Vault)
	if err != nil {
		return nil, err
	}

	seller := listing.Seller
	if s.Seller != "" && s.Seller != seller {
		return nil, newError(constant.ErrSellerMismatch, ClassInput, StepValidate,
			"seller", "seller does not match the listing", nil)
	}

	fee, err := e.fees.Fee(mp.FeeRate, listing.Price)
	if err != nil {
		return nil, mapPrimitiveError(StepValidate, err)
	}

	if fee < 0 || fee > listing.Price {
		return nil, invariant(constant.ErrFeeExceedsPrice, "marketplace.feeRate",
			fmt.Sprintf("fee %d exceeds price %d", fee, listing.Price))
	}

	sellerAmount, err := safe.Sub(listing.Price, fee)
	if err != nil {
		return nil, mapPrimitiveError(StepValidate, err)
	}

	if !assert.Conserved(listing.Price, sellerAmount, fee) {
		return nil, invariant(constant.ErrFeeExceedsPrice, "marketplace.feeRate", "payment split does not conserve price")
	}

	destination, open, err := checkDestination(s, listing.Mint)
	if err != nil {
		return nil, err
	}

	rent := int64(0)
	if open {
		rent = e.destinationRent
	}

	required, err := safe.Add(listing.Price, rent)
	if err != nil {
		return nil, mapPrimitiveError(StepValidate, err)
	}

	balance, err := p.Balance(ctx, s.Buyer)
	if err != nil {
		return nil, mapPrimitiveError(StepValidate, err)
	}

	if balance < required {
		return nil, newError(constant.ErrInsufficientFunds, ClassResource, StepValidate, "buyer",
			fmt.Sprintf("balance %d is below required %d", balance, required), custody.ErrInsufficientFunds)
	}

	return &plan{
		listing:         listing,
		authority:       authority,
		vault:           vault,
		buyer:           s.Buyer,
		seller:          seller,
		treasury:        mp.Treasury,
		destination:     destination,
		openDestination: open,
		destinationRent: rent,
		price:           listing.Price,
		fee:             fee,
		sellerAmount:    sellerAmount,
	}, nil
}

// checkVault requires the listing's canonical vault holding exactly one unit.
func checkVault(listing *custody.Listing, vault *custody.HoldingAccount) (string, error) {
	if vault == nil {
		return "", invariant(constant.ErrVaultEmpty, "vault", "listing has no vault")
	}

	if vault.Mint != listing.Mint {
		return "", invariant(constant.ErrAssetMismatch, "vault.mint", "vault holds another asset")
	}

	if vault.Owner != listing.ID {
		return "", invariant(constant.ErrAssetMismatch, "vault.owner", "vault is not controlled by the listing")
	}

	want, err := listing.VaultAddress()
	if err != nil || want != vault.Address {
		return "", invariant(constant.ErrAssetMismatch, "vault.address", "vault is not the listing's canonical vault")
	}

	switch {
	case vault.Amount == 0:
		return "", invariant(constant.ErrVaultEmpty, "vault.amount", "vault is empty")
	case vault.Amount != 1:
		return "", invariant(constant.ErrAssetMismatch, "vault.amount",
			fmt.Sprintf("vault holds %d units", vault.Amount))
	}

	return vault.Address, nil
}

// checkDestination returns the destination address and whether it has to be
// opened.
func checkDestination(s Settlement, mint string) (string, bool, error) {
	unauthorized := func(field, msg string) error {
		return newError(constant.ErrUnauthorizedDestination, ClassInput, StepValidate, field, msg, nil)
	}

	if dest := s.Destination; dest != nil {
		switch {
		case dest.Owner != s.Buyer:
			return "", false, unauthorized("destination.owner", "destination is not owned by the buyer")
		case dest.Mint != mint:
			return "", false, unauthorized("destination.mint", "destination holds another asset")
		case s.DestinationAddress != "" && s.DestinationAddress != dest.Address:
			return "", false, unauthorized("destination.address", "destination address does not match the holding")
		}

		return dest.Address, false, nil
	}

	associated, err := custody.AssociatedHolding(s.Buyer, mint)
	if err != nil {
		return "", false, unauthorized("destination", err.Error())
	}

	if s.DestinationAddress != "" && s.DestinationAddress != associated {
		return "", false, unauthorized("destination.address", "only the buyer's associated holding can be created")
	}

	return associated, true, nil
}

func (e *Engine) observe(
	ctx context.Context,
	span trace.Span,
	logger log.Logger,
	mf *metrics.MetricsFactory,
	s Settlement,
	receipt *Receipt,
	err error,
	elapsed time.Duration,
) {
	attrs := []attribute.KeyValue{attribute.String(constant.AttrMarketplace, s.Marketplace.ID)}

	// The settled outcome is recorded by the host once its transaction
	// commits; only rejections and failures are final here.
	if err == nil && receipt != nil {
		logger.Log(ctx, log.LevelDebug, "settlement applied",
			log.String("listing", receipt.Listing),
			log.String("buyer", receipt.Buyer),
			log.Int64("price", receipt.Price),
			log.Int64("fee", receipt.Fee),
		)

		return
	}

	class := ClassOf(err)
	code := constant.ErrCustodyFailure.Error()

	var se *SettlementError
	if errors.As(err, &se) {
		code = se.Code
	}

	outcome := metrics.OutcomeRejected
	if class == ClassInvariant || class == ClassInternal {
		outcome = metrics.OutcomeFailed
	}

	span.SetAttributes(attribute.String(constant.AttrOutcome, outcome), attribute.String(constant.AttrErrorCode, code))

	switch class {
	case ClassInvariant:
		opentelemetry.HandleSpanError(span, "settlement invariant violated", err)

		_ = assert.New(ctx, logger, "engine", "settle").Never(ctx, "settlement invariant violated",
			"code", code, "error", err.Error())
	case ClassInternal:
		opentelemetry.HandleSpanError(span, "settlement failed", err)
		logger.Log(ctx, log.LevelError, "settlement failed", log.String("code", code), log.Err(err))
	default:
		opentelemetry.HandleSpanBusinessErrorEvent(span, "settlement.rejected", err)
		logger.Log(ctx, log.LevelWarn, "settlement rejected", log.String("code", code), log.String("class", string(class)), log.Err(err))
	}

	if mErr := mf.RecordSettlementOutcome(ctx, outcome, code, elapsed.Milliseconds(), attrs...); mErr != nil {
		logger.Log(ctx, log.LevelWarn, "failed to record settlement outcome", log.Err(mErr))
	}
}
