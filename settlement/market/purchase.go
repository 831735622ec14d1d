package market

import (
	"context"
	"errors"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement"
	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/custody"
	"github.com/LerianStudio/lib-settlement/settlement/engine"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/opentelemetry/metrics"
	"github.com/LerianStudio/lib-settlement/settlement/outbox"
	"github.com/LerianStudio/lib-settlement/settlement/store"
	"go.opentelemetry.io/otel/attribute"
)

// PurchaseInput buys the listing of Mint. Destination is optional; when empty
// the buyer's associated holding is used and opened if missing.
type PurchaseInput struct {
	Marketplace string
	Mint        string
	Buyer       string
	Seller      string
	Destination string
}

// Purchase settles the listing for the buyer and records a listing.settled
// outbox event in the same transaction. Failures are *engine.SettlementError
// values unless the lock or the store itself failed. The settled outcome is
// counted only after the transaction commits.
func (s *Service) Purchase(ctx context.Context, in PurchaseInput) (*engine.Receipt, error) {
	logger, tracer, _, mf := settlement.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "market.purchase")
	defer span.End()

	span.SetAttributes(
		attribute.String(constant.AttrMarketplace, in.Marketplace),
		attribute.String(constant.AttrMint, in.Mint),
	)

	listingID, err := listingAddress(in.Marketplace, in.Mint)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	attrs := []attribute.KeyValue{attribute.String(constant.AttrMarketplace, in.Marketplace)}

	var receipt *engine.Receipt

	err = s.locker.WithLock(ctx, LockKey(in.Marketplace, in.Mint), func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			receipt, err = s.purchase(ctx, tx, listingID, in)

			return err
		})
	})
	if err != nil {
		// The engine already recorded the span error and outcome metrics for
		// settlement failures. Anything else, such as a failed commit after a
		// successful Settle, is logged at error.
		level := log.LevelWarn

		var se *engine.SettlementError
		if !errors.As(err, &se) && !errors.Is(err, constant.ErrSettlementInProgress) {
			level = log.LevelError
		}

		logger.Log(ctx, level, "purchase failed",
			log.String("listing", listingID), log.String("class", string(engine.ClassOf(err))), log.Err(err))

		// Settle succeeded but the transaction did not commit.
		if receipt != nil && se == nil {
			if mErr := mf.RecordSettlementOutcome(ctx, metrics.OutcomeFailed, constant.ErrCustodyFailure.Error(),
				time.Since(start).Milliseconds(), attrs...); mErr != nil {
				logger.Log(ctx, log.LevelWarn, "failed to record settlement outcome", log.Err(mErr))
			}
		}

		return nil, err
	}

	if mErr := mf.RecordSettlementOutcome(ctx, metrics.OutcomeSettled, "", time.Since(start).Milliseconds(), attrs...); mErr != nil {
		logger.Log(ctx, log.LevelWarn, "failed to record settlement outcome", log.Err(mErr))
	}

	if mErr := mf.RecordSettledAmounts(ctx, receipt.Price, receipt.Fee, attrs...); mErr != nil {
		logger.Log(ctx, log.LevelWarn, "failed to record settled amounts", log.Err(mErr))
	}

	logger.Log(ctx, log.LevelInfo, "listing settled",
		log.String("listing", listingID),
		log.String("receipt", receipt.ID.String()),
		log.Int64("price", receipt.Price),
		log.Int64("fee", receipt.Fee))

	return receipt, nil
}

func (s *Service) purchase(ctx context.Context, tx store.Tx, listingID string, in PurchaseInput) (*engine.Receipt, error) {
	listing, err := tx.LockListing(ctx, listingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, engine.ListingNotFound(listingID, err)
	}

	if err != nil {
		return nil, err
	}

	mp, err := s.marketplace(ctx, tx, listing.Marketplace)
	if err != nil {
		return nil, err
	}

	vault, err := s.optionalHolding(ctx, tx, listing.VaultAddress)
	if err != nil {
		return nil, err
	}

	settle := engine.Settlement{
		Buyer:              in.Buyer,
		Seller:             in.Seller,
		Marketplace:        *mp,
		Listing:            listing,
		Vault:              vault,
		DestinationAddress: in.Destination,
	}

	if in.Buyer != "" {
		settle.Destination, err = s.optionalHolding(ctx, tx, func() (string, error) {
			if in.Destination != "" {
				return in.Destination, nil
			}

			return custody.AssociatedHolding(in.Buyer, listing.Mint)
		})
		if err != nil {
			return nil, err
		}
	}

	receipt, err := s.engine.Settle(ctx, tx, settle)
	if err != nil {
		return nil, err
	}

	// From here on the receipt is returned with any error so Purchase can
	// tell a failed commit from a rejected settlement.
	event, err := outbox.NewJSONEvent(ctx, constant.EventListingSettled, listing.ID, receipt)
	if err != nil {
		return receipt, err
	}

	if err := tx.AppendOutbox(ctx, event); err != nil {
		return receipt, err
	}

	return receipt, nil
}

// optionalHolding loads the holding at the address returned by addr, or nil
// when it does not exist.
func (s *Service) optionalHolding(ctx context.Context, tx store.Tx, addr func() (string, error)) (*custody.HoldingAccount, error) {
	address, err := addr()
	if err != nil {
		return nil, recordError(err)
	}

	held, err := tx.Holding(ctx, address)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}

	return held, err
}
