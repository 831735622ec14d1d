//go:build unit

package custody

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDeriveAddress_Deterministic(t *testing.T) {
	t.Parallel()

	seeds := ListingSeeds("mp", "mint")

	a, err := DeriveAddress(seeds, 254)
	require.NoError(t, err)

	b, err := DeriveAddress(seeds, 254)
	require.NoError(t, err)

	c, err := DeriveAddress(seeds, 253)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestDeriveAddress_SeedBoundariesAreUnambiguous(t *testing.T) {
	t.Parallel()

	a, err := DeriveAddress([][]byte{[]byte("ab"), []byte("c")}, 1)
	require.NoError(t, err)

	b, err := DeriveAddress([][]byte{[]byte("a"), []byte("bc")}, 1)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestDeriveAddress_InvalidSeeds(t *testing.T) {
	t.Parallel()

	_, err := DeriveAddress(nil, 0)
	require.ErrorIs(t, err, ErrInvalidSeeds)

	_, err = DeriveAddress([][]byte{make([]byte, MaxSeedLength+1)}, 0)
	require.ErrorIs(t, err, ErrInvalidSeeds)

	tooMany := make([][]byte, MaxSeeds+1)
	for i := range tooMany {
		tooMany[i] = []byte("s")
	}

	_, err = DeriveAddress(tooMany, 0)
	require.ErrorIs(t, err, ErrInvalidSeeds)
}

func TestFindAddress_ReturnsCanonicalBump(t *testing.T) {
	t.Parallel()

	seeds := MarketplaceSeeds("tensor")

	addr, bump, err := FindAddress(seeds)
	require.NoError(t, err)
	assert.True(t, isCanonical(addr))

	again, err := DeriveAddress(seeds, bump)
	require.NoError(t, err)
	assert.Equal(t, addr, again)

	for b := 255; b > int(bump); b-- {
		skipped, err := DeriveAddress(seeds, uint8(b))
		require.NoError(t, err)
		assert.False(t, isCanonical(skipped), "bump %d should not be canonical", b)
	}
}

func TestAuthority_Verify(t *testing.T) {
	t.Parallel()

	listing, err := NewListing("mp", "mint", "seller", 10, fixedNow)
	require.NoError(t, err)

	auth := listing.Authority()
	require.NoError(t, auth.Verify(listing.ID))

	wrongBump := Authority{Seeds: auth.Seeds, Bump: auth.Bump - 1}
	require.ErrorIs(t, wrongBump.Verify(listing.ID), ErrAuthorityMismatch)

	other := Authority{Seeds: ListingSeeds("mp", "other-mint"), Bump: auth.Bump}
	require.ErrorIs(t, other.Verify(listing.ID), ErrAuthorityMismatch)

	require.ErrorIs(t, Authority{}.Verify(listing.ID), ErrAuthorityMismatch)
}

func TestNewMarketplace(t *testing.T) {
	t.Parallel()

	mp, err := NewMarketplace("tensor", "admin", 50, fixedNow)
	require.NoError(t, err)

	id, _, err := FindAddress(MarketplaceSeeds("tensor"))
	require.NoError(t, err)

	treasury, _, err := FindAddress(TreasurySeeds(id))
	require.NoError(t, err)

	assert.Equal(t, id, mp.ID)
	assert.Equal(t, treasury, mp.Treasury)
	assert.NotEqual(t, mp.Treasury, mp.RewardsMint)
	assert.Equal(t, int64(50), mp.FeeRate)
	require.NoError(t, mp.Authority().Verify(mp.ID))
}

func TestNewMarketplace_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mpName  string
		admin   string
		feeRate int64
		wantErr error
	}{
		{name: "empty name", mpName: "", admin: "a", wantErr: ErrInvalidRecord},
		{name: "long name", mpName: "this-name-is-way-longer-than-thirty-two-bytes", admin: "a", wantErr: ErrInvalidRecord},
		{name: "no admin", mpName: "mp", admin: "", wantErr: ErrInvalidRecord},
		{name: "negative fee", mpName: "mp", admin: "a", feeRate: -1, wantErr: ErrInvalidAmount},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewMarketplace(tt.mpName, tt.admin, tt.feeRate, fixedNow)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestNewListing(t *testing.T) {
	t.Parallel()

	l, err := NewListing("mp", "mint", "seller", 1000, fixedNow)
	require.NoError(t, err)

	vault, err := l.VaultAddress()
	require.NoError(t, err)

	want, err := AssociatedHolding(l.ID, "mint")
	require.NoError(t, err)
	assert.Equal(t, want, vault)

	_, err = NewListing("mp", "mint", "seller", -1, fixedNow)
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = NewListing("", "mint", "seller", 1, fixedNow)
	require.ErrorIs(t, err, ErrInvalidRecord)
}

func TestCheckTransfer(t *testing.T) {
	t.Parallel()

	l, err := NewListing("mp", "mint", "seller", 1000, fixedNow)
	require.NoError(t, err)

	vault := &HoldingAccount{Address: "v", Mint: "mint", Owner: l.ID, Amount: 1}
	dest := &HoldingAccount{Address: "d", Mint: "mint", Owner: "buyer"}

	require.NoError(t, CheckTransfer(vault, "mint", dest, l.Authority(), 1))

	require.ErrorIs(t, CheckTransfer(vault, "mint", dest, l.Authority(), 0), ErrInvalidAmount)
	require.ErrorIs(t, CheckTransfer(nil, "mint", dest, l.Authority(), 1), ErrAccountNotFound)
	require.ErrorIs(t, CheckTransfer(vault, "other", dest, l.Authority(), 1), ErrMintMismatch)
	require.ErrorIs(t, CheckTransfer(vault, "mint", &HoldingAccount{Mint: "other"}, l.Authority(), 1), ErrMintMismatch)
	require.ErrorIs(t, CheckTransfer(vault, "mint", dest, Authority{Seeds: l.Authority().Seeds, Bump: 1}, 1), ErrAuthorityMismatch)
	require.ErrorIs(t, CheckTransfer(vault, "mint", dest, l.Authority(), 2), ErrInsufficientUnits)
}

func TestCheckClose(t *testing.T) {
	t.Parallel()

	l, err := NewListing("mp", "mint", "seller", 1000, fixedNow)
	require.NoError(t, err)

	full := &HoldingAccount{Address: "v", Mint: "mint", Owner: l.ID, Amount: 1}
	empty := full.Clone()
	empty.Amount = 0

	require.NoError(t, CheckClose(empty, l.Authority()))
	require.ErrorIs(t, CheckClose(full, l.Authority()), ErrHoldingNotEmpty)
	require.ErrorIs(t, CheckClose(nil, l.Authority()), ErrAccountNotFound)
	require.ErrorIs(t, CheckClose(empty, Authority{Seeds: MarketplaceSeeds("x")}), ErrAuthorityMismatch)
	assert.Equal(t, int64(1), full.Amount)
}

func TestCheckOpen(t *testing.T) {
	t.Parallel()

	addr, err := AssociatedHolding("buyer", "mint")
	require.NoError(t, err)

	require.NoError(t, CheckOpen(addr, "buyer", "mint", 0))
	require.ErrorIs(t, CheckOpen("elsewhere", "buyer", "mint", 0), ErrInvalidRecord)
	require.ErrorIs(t, CheckOpen(addr, "buyer", "mint", -5), ErrInvalidAmount)
	require.ErrorIs(t, CheckOpen(addr, "", "mint", 0), ErrInvalidRecord)
}
