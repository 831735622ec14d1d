package custody

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const (
	// MaxSeeds is the maximum number of seeds accepted by DeriveAddress.
	MaxSeeds = 16
	// MaxSeedLength is the maximum length in bytes of a single seed.
	MaxSeedLength = 64

	addressDomain = "lib-settlement/custody-address/v1"
)

// Seed prefixes for the derived records.
const (
	SeedMarketplace = "marketplace"
	SeedTreasury    = "treasury"
	SeedRewards     = "rewards"
	SeedHolding     = "holding"
)

// DeriveAddress hashes seeds and bump into an address. It is a pure function:
// the same inputs always produce the same address.
func DeriveAddress(seeds [][]byte, bump uint8) (string, error) {
	if len(seeds) == 0 || len(seeds) > MaxSeeds {
		return "", fmt.Errorf("%w: %d seeds", ErrInvalidSeeds, len(seeds))
	}

	h := sha256.New()
	h.Write([]byte(addressDomain))

	var lenBuf [2]byte

	for i, seed := range seeds {
		if len(seed) > MaxSeedLength {
			return "", fmt.Errorf("%w: seed %d is %d bytes", ErrInvalidSeeds, i, len(seed))
		}

		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(seed)))
		h.Write(lenBuf[:])
		h.Write(seed)
	}

	h.Write([]byte{bump})

	return hex.EncodeToString(h.Sum(nil)), nil
}

// FindAddress searches bumps from 255 downward and returns the first address
// whose digest has the top bit of its first byte clear.
func FindAddress(seeds [][]byte) (string, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		addr, err := DeriveAddress(seeds, uint8(bump))
		if err != nil {
			return "", 0, err
		}

		if isCanonical(addr) {
			return addr, uint8(bump), nil
		}
	}

	return "", 0, ErrNoCanonicalBump
}

func isCanonical(addr string) bool {
	b, err := hex.DecodeString(addr[:2])

	return err == nil && b[0]&0x80 == 0
}

// Authority is the capability presented to custody primitives. It authorizes
// operations on holdings whose owner equals the derived address.
type Authority struct {
	Seeds [][]byte
	Bump  uint8
}

// Address derives the address this authority stands for.
func (a Authority) Address() (string, error) {
	return DeriveAddress(a.Seeds, a.Bump)
}

// Verify returns ErrAuthorityMismatch unless the authority derives owner.
func (a Authority) Verify(owner string) error {
	addr, err := a.Address()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthorityMismatch, err)
	}

	if addr != owner {
		return ErrAuthorityMismatch
	}

	return nil
}

// MarketplaceSeeds returns the seeds of a marketplace named name.
func MarketplaceSeeds(name string) [][]byte {
	return [][]byte{[]byte(SeedMarketplace), []byte(name)}
}

// TreasurySeeds returns the seeds of a marketplace treasury.
func TreasurySeeds(marketplace string) [][]byte {
	return [][]byte{[]byte(SeedTreasury), []byte(marketplace)}
}

// RewardsSeeds returns the seeds of a marketplace rewards mint.
func RewardsSeeds(marketplace string) [][]byte {
	return [][]byte{[]byte(SeedRewards), []byte(marketplace)}
}

// ListingSeeds returns the seeds of the listing of mint under marketplace.
func ListingSeeds(marketplace, mint string) [][]byte {
	return [][]byte{[]byte(marketplace), []byte(mint)}
}

// HoldingSeeds returns the seeds of owner's associated holding for mint.
func HoldingSeeds(owner, mint string) [][]byte {
	return [][]byte{[]byte(SeedHolding), []byte(owner), []byte(mint)}
}

// AssociatedHolding returns the canonical holding address of owner for mint.
func AssociatedHolding(owner, mint string) (string, error) {
	addr, _, err := FindAddress(HoldingSeeds(owner, mint))

	return addr, err
}
