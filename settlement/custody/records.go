package custody

import (
	"fmt"
	"time"
)

// MaxNameLength bounds marketplace names.
const MaxNameLength = 32

// Marketplace is the immutable configuration of one marketplace.
type Marketplace struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Admin        string    `json:"admin"`
	FeeRate      int64     `json:"feeRate"`
	Bump         uint8     `json:"bump"`
	Treasury     string    `json:"treasury"`
	TreasuryBump uint8     `json:"treasuryBump"`
	RewardsMint  string    `json:"rewardsMint"`
	RewardsBump  uint8     `json:"rewardsBump"`
	CreatedAt    time.Time `json:"createdAt"`
}

// NewMarketplace derives a marketplace and its treasury and rewards addresses.
func NewMarketplace(name, admin string, feeRate int64, now time.Time) (*Marketplace, error) {
	if name == "" || len(name) > MaxNameLength {
		return nil, fmt.Errorf("%w: marketplace name must be 1..%d bytes", ErrInvalidRecord, MaxNameLength)
	}

	if admin == "" {
		return nil, fmt.Errorf("%w: marketplace admin is required", ErrInvalidRecord)
	}

	if feeRate < 0 {
		return nil, fmt.Errorf("%w: fee rate %d", ErrInvalidAmount, feeRate)
	}

	id, bump, err := FindAddress(MarketplaceSeeds(name))
	if err != nil {
		return nil, err
	}

	treasury, treasuryBump, err := FindAddress(TreasurySeeds(id))
	if err != nil {
		return nil, err
	}

	rewards, rewardsBump, err := FindAddress(RewardsSeeds(id))
	if err != nil {
		return nil, err
	}

	return &Marketplace{
		ID:           id,
		Name:         name,
		Admin:        admin,
		FeeRate:      feeRate,
		Bump:         bump,
		Treasury:     treasury,
		TreasuryBump: treasuryBump,
		RewardsMint:  rewards,
		RewardsBump:  rewardsBump,
		CreatedAt:    now.UTC(),
	}, nil
}

// Authority returns the marketplace's own custody authority.
func (m *Marketplace) Authority() Authority {
	return Authority{Seeds: MarketplaceSeeds(m.Name), Bump: m.Bump}
}

// Listing is one asset unit offered for sale. Its ID is the owner of the
// vault that escrows the unit.
type Listing struct {
	ID          string    `json:"id"`
	Marketplace string    `json:"marketplace"`
	Mint        string    `json:"mint"`
	Seller      string    `json:"seller"`
	Price       int64     `json:"price"`
	Bump        uint8     `json:"bump"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NewListing derives the listing of mint under marketplace.
func NewListing(marketplace, mint, seller string, price int64, now time.Time) (*Listing, error) {
	if marketplace == "" || mint == "" || seller == "" {
		return nil, fmt.Errorf("%w: listing requires marketplace, mint and seller", ErrInvalidRecord)
	}

	if price < 0 {
		return nil, fmt.Errorf("%w: price %d", ErrInvalidAmount, price)
	}

	id, bump, err := FindAddress(ListingSeeds(marketplace, mint))
	if err != nil {
		return nil, err
	}

	return &Listing{
		ID:          id,
		Marketplace: marketplace,
		Mint:        mint,
		Seller:      seller,
		Price:       price,
		Bump:        bump,
		CreatedAt:   now.UTC(),
	}, nil
}

// Authority returns the custody authority over the listing's vault.
func (l *Listing) Authority() Authority {
	return Authority{Seeds: ListingSeeds(l.Marketplace, l.Mint), Bump: l.Bump}
}

// VaultAddress returns the canonical address of the listing's vault.
func (l *Listing) VaultAddress() (string, error) {
	return AssociatedHolding(l.ID, l.Mint)
}

// HoldingAccount holds units of one mint for one owner.
type HoldingAccount struct {
	Address   string    `json:"address"`
	Mint      string    `json:"mint"`
	Owner     string    `json:"owner"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

// Clone returns a copy of h, or nil.
func (h *HoldingAccount) Clone() *HoldingAccount {
	if h == nil {
		return nil
	}

	c := *h

	return &c
}

// Account is a ledger balance.
type Account struct {
	Address string `json:"address"`
	Balance int64  `json:"balance"`
}

// Mint describes an asset class. Non-fungible mints have zero decimals and a
// supply of one.
type Mint struct {
	Address   string    `json:"address"`
	Supply    int64     `json:"supply"`
	Decimals  uint8     `json:"decimals"`
	Authority string    `json:"authority"`
	CreatedAt time.Time `json:"createdAt"`
}
