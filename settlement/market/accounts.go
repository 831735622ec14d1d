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
	"github.com/LerianStudio/lib-settlement/settlement/store"
	"github.com/google/uuid"
)

// CreateMarketplaceInput describes a new marketplace.
type CreateMarketplaceInput struct {
	Name    string
	Admin   string
	FeeRate int64
}

// CreateMarketplace derives and stores a marketplace. Names are unique.
func (s *Service) CreateMarketplace(ctx context.Context, in CreateMarketplaceInput) (*custody.Marketplace, error) {
	logger, tracer, _, _ := settlement.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "market.create_marketplace")
	defer span.End()

	if _, ok := s.engine.FeePolicy().(engine.BasisPointsFee); ok && in.FeeRate > constant.BasisPointsDenominator {
		return nil, invalidInput("fee rate %d exceeds %d basis points", in.FeeRate, constant.BasisPointsDenominator)
	}

	mp, err := custody.NewMarketplace(in.Name, in.Admin, in.FeeRate, s.now())
	if err != nil {
		return nil, recordError(err)
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateMarketplace(ctx, mp); err != nil {
			if errors.Is(err, store.ErrAlreadyExists) {
				return fmt.Errorf("%w: %s", constant.ErrMarketplaceAlreadyExists, in.Name)
			}

			return err
		}

		return nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "create marketplace", err)

		return nil, err
	}

	logger.Log(ctx, log.LevelInfo, "marketplace created",
		log.String("marketplace", mp.ID), log.String("name", mp.Name), log.Int64("fee_rate", mp.FeeRate))

	return mp, nil
}

// Marketplace returns a stored marketplace.
func (s *Service) Marketplace(ctx context.Context, id string) (*custody.Marketplace, error) {
	var mp *custody.Marketplace

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		mp, err = s.marketplace(ctx, tx, id)

		return err
	})

	return mp, err
}

// Fund deposits amount into account and returns the new balance.
func (s *Service) Fund(ctx context.Context, account string, amount int64) (int64, error) {
	logger, tracer, _, _ := settlement.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "market.fund")
	defer span.End()

	if strings.TrimSpace(account) == "" {
		return 0, invalidInput("account is required")
	}

	if amount <= 0 {
		return 0, invalidInput("deposit amount must be positive, got %d", amount)
	}

	var balance int64

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Credit(ctx, account, amount); err != nil {
			return err
		}

		var err error
		balance, err = tx.Balance(ctx, account)

		return err
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "fund account", err)

		return 0, err
	}

	logger.Log(ctx, log.LevelDebug, "account funded", log.String("account", account), log.Int64("amount", amount))

	return balance, nil
}

// IssueAssetInput describes a new non-fungible asset. An empty Mint gets a
// generated address.
type IssueAssetInput struct {
	Owner string
	Mint  string
}

// IssueAsset creates a mint with a single unit held by owner's associated
// holding.
func (s *Service) IssueAsset(ctx context.Context, in IssueAssetInput) (*custody.HoldingAccount, error) {
	logger, tracer, _, _ := settlement.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "market.issue_asset")
	defer span.End()

	if strings.TrimSpace(in.Owner) == "" {
		return nil, invalidInput("owner is required")
	}

	mint := strings.TrimSpace(in.Mint)
	if mint == "" {
		mint = uuid.NewString()
	}

	var held *custody.HoldingAccount

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error

		held, err = tx.IssueAsset(ctx, custody.Mint{Address: mint, Authority: in.Owner, CreatedAt: s.now().UTC()}, in.Owner)
		if errors.Is(err, store.ErrAlreadyExists) || errors.Is(err, custody.ErrHoldingExists) {
			return fmt.Errorf("%w: %s", constant.ErrAssetAlreadyIssued, mint)
		}

		return recordError(err)
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "issue asset", err)

		return nil, err
	}

	logger.Log(ctx, log.LevelInfo, "asset issued", log.String("mint", mint), log.String("owner", in.Owner))

	return held, nil
}

// Balance returns the ledger balance of address. Unknown accounts hold 0.
func (s *Service) Balance(ctx context.Context, address string) (int64, error) {
	var balance int64

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		balance, err = tx.Balance(ctx, address)

		return err
	})

	return balance, err
}

// Holding returns the holding account at address.
func (s *Service) Holding(ctx context.Context, address string) (*custody.HoldingAccount, error) {
	var held *custody.HoldingAccount

	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error

		held, err = tx.Holding(ctx, address)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: holding %s", custody.ErrAccountNotFound, address)
		}

		return err
	})

	return held, err
}
