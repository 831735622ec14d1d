package market

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/LerianStudio/lib-settlement/settlement"
	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/custody"
	"github.com/LerianStudio/lib-settlement/settlement/engine"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/opentelemetry"
	"github.com/LerianStudio/lib-settlement/settlement/outbox"
	"github.com/LerianStudio/lib-settlement/settlement/store"
	"go.opentelemetry.io/otel/attribute"
)

// ListInput offers the seller's unit of Mint for Price.
type ListInput struct {
	Marketplace string
	Seller      string
	Mint        string
	Price       int64
}

// ListingView is a listing with its vault.
type ListingView struct {
	Listing *custody.Listing        `json:"listing"`
	Vault   *custody.HoldingAccount `json:"vault"`
}

// List escrows the seller's unit in a new vault owned by the listing. The
// seller pays the vault rent.
func (s *Service) List(ctx context.Context, in ListInput) (*ListingView, error) {
	logger, tracer, _, _ := settlement.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "market.list")
	defer span.End()

	span.SetAttributes(
		attribute.String(constant.AttrMarketplace, in.Marketplace),
		attribute.String(constant.AttrMint, in.Mint),
	)

	if strings.TrimSpace(in.Seller) == "" {
		return nil, invalidInput("seller is required")
	}

	listing, err := custody.NewListing(in.Marketplace, in.Mint, in.Seller, in.Price, s.now())
	if err != nil {
		return nil, recordError(err)
	}

	view := &ListingView{Listing: listing}

	err = s.locker.WithLock(ctx, LockKey(in.Marketplace, in.Mint), func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			vault, err := s.list(ctx, tx, listing)
			view.Vault = vault

			return err
		})
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "list asset", err)

		return nil, err
	}

	logger.Log(ctx, log.LevelInfo, "asset listed",
		log.String("listing", listing.ID), log.String("mint", listing.Mint), log.Int64("price", listing.Price))

	return view, nil
}

func (s *Service) list(ctx context.Context, tx store.Tx, listing *custody.Listing) (*custody.HoldingAccount, error) {
	if _, err := s.marketplace(ctx, tx, listing.Marketplace); err != nil {
		return nil, err
	}

	_, err := tx.Listing(ctx, listing.ID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: %s", constant.ErrListingAlreadyExists, listing.ID)
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	source, err := custody.AssociatedHolding(listing.Seller, listing.Mint)
	if err != nil {
		return nil, recordError(err)
	}

	held, err := tx.Holding(ctx, source)
	if errors.Is(err, store.ErrNotFound) || (err == nil && held.Amount < 1) {
		return nil, fmt.Errorf("%w: %s does not hold %s", constant.ErrAssetNotOwned, listing.Seller, listing.Mint)
	}

	if err != nil {
		return nil, err
	}

	vault, err := tx.OpenHolding(ctx, listing.ID, listing.Mint, listing.Seller, s.vaultRent)
	switch {
	case errors.Is(err, custody.ErrHoldingExists):
		return nil, fmt.Errorf("%w: vault for %s is still open", constant.ErrListingAlreadyExists, listing.ID)
	case err != nil:
		return nil, fundsError(err)
	}

	if err := tx.TransferOwned(ctx, source, listing.Mint, vault.Address, listing.Seller, 1); err != nil {
		return nil, err
	}

	vault.Amount = 1

	if err := tx.CreateListing(ctx, listing); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, fmt.Errorf("%w: %s", constant.ErrListingAlreadyExists, listing.ID)
		}

		return nil, err
	}

	event, err := outbox.NewJSONEvent(ctx, constant.EventListingCreated, listing.ID, listing)
	if err != nil {
		return nil, err
	}

	return vault, tx.AppendOutbox(ctx, event)
}

// DelistInput cancels the listing of Mint. Seller must be the listing's
// seller.
type DelistInput struct {
	Marketplace string
	Mint        string
	Seller      string
}

// DelistResult reports a cancelled listing.
type DelistResult struct {
	Listing      *custody.Listing `json:"listing"`
	Destination  string           `json:"destination"`
	RentRefunded int64            `json:"rentRefunded"`
}

// Delist returns the escrowed unit to the seller's associated holding,
// closes the vault with its rent refunded to the seller and retires the
// listing.
func (s *Service) Delist(ctx context.Context, in DelistInput) (*DelistResult, error) {
	logger, tracer, _, _ := settlement.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "market.delist")
	defer span.End()

	span.SetAttributes(
		attribute.String(constant.AttrMarketplace, in.Marketplace),
		attribute.String(constant.AttrMint, in.Mint),
	)

	listingID, err := listingAddress(in.Marketplace, in.Mint)
	if err != nil {
		return nil, err
	}

	var result *DelistResult

	err = s.locker.WithLock(ctx, LockKey(in.Marketplace, in.Mint), func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			result, err = s.delist(ctx, tx, listingID, in.Seller)

			return err
		})
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "delist asset", err)

		return nil, err
	}

	logger.Log(ctx, log.LevelInfo, "listing cancelled",
		log.String("listing", listingID), log.Int64("rent_refunded", result.RentRefunded))

	return result, nil
}

func (s *Service) delist(ctx context.Context, tx store.Tx, listingID, seller string) (*DelistResult, error) {
	listing, err := tx.LockListing(ctx, listingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, engine.ListingNotFound(listingID, err)
	}

	if err != nil {
		return nil, err
	}

	if seller != listing.Seller {
		return nil, fmt.Errorf("%w: only the seller can delist", constant.ErrSellerMismatch)
	}

	vault, err := listing.VaultAddress()
	if err != nil {
		return nil, err
	}

	destination, err := custody.AssociatedHolding(listing.Seller, listing.Mint)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Holding(ctx, destination); errors.Is(err, store.ErrNotFound) {
		if _, err := tx.OpenHolding(ctx, listing.Seller, listing.Mint, listing.Seller, 0); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	authority := listing.Authority()

	if err := tx.TransferAsset(ctx, vault, listing.Mint, destination, authority, 1); err != nil {
		return nil, fmt.Errorf("%w: %w", constant.ErrCustodyFailure, err)
	}

	refunded, err := tx.CloseHolding(ctx, vault, listing.Seller, authority)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", constant.ErrCustodyFailure, err)
	}

	if err := tx.RetireListing(ctx, listing.ID); err != nil {
		return nil, err
	}

	result := &DelistResult{Listing: listing, Destination: destination, RentRefunded: refunded}

	event, err := outbox.NewJSONEvent(ctx, constant.EventListingDelisted, listing.ID, result)
	if err != nil {
		return nil, err
	}

	return result, tx.AppendOutbox(ctx, event)
}

// Listing returns the active listing of mint under marketplace with its
// vault.
func (s *Service) Listing(ctx context.Context, marketplace, mint string) (*ListingView, error) {
	listingID, err := listingAddress(marketplace, mint)
	if err != nil {
		return nil, err
	}

	var view *ListingView

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		listing, err := tx.Listing(ctx, listingID)
		if errors.Is(err, store.ErrNotFound) {
			return engine.ListingNotFound(listingID, err)
		}

		if err != nil {
			return err
		}

		vaultAddr, err := listing.VaultAddress()
		if err != nil {
			return err
		}

		vault, err := tx.Holding(ctx, vaultAddr)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		view = &ListingView{Listing: listing, Vault: vault}

		return nil
	})

	return view, err
}

func listingAddress(marketplace, mint string) (string, error) {
	if marketplace == "" || mint == "" {
		return "", invalidInput("marketplace and mint are required")
	}

	id, _, err := custody.FindAddress(custody.ListingSeeds(marketplace, mint))
	if err != nil {
		return "", recordError(err)
	}

	return id, nil
}
