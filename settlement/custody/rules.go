package custody

import "fmt"

// CheckTransfer validates moving count units of mint out of vault under
// authority into destination. Both stores apply it before mutating.
func CheckTransfer(vault *HoldingAccount, mint string, destination *HoldingAccount, authority Authority, count int64) error {
	if count <= 0 {
		return fmt.Errorf("%w: unit count %d", ErrInvalidAmount, count)
	}

	if vault == nil || destination == nil {
		return ErrAccountNotFound
	}

	if vault.Mint != mint || destination.Mint != mint {
		return ErrMintMismatch
	}

	if err := authority.Verify(vault.Owner); err != nil {
		return err
	}

	if vault.Amount < count {
		return fmt.Errorf("%w: holding %s has %d, need %d", ErrInsufficientUnits, vault.Address, vault.Amount, count)
	}

	return nil
}

// CheckClose validates closing vault under authority.
func CheckClose(vault *HoldingAccount, authority Authority) error {
	if vault == nil {
		return ErrAccountNotFound
	}

	if err := authority.Verify(vault.Owner); err != nil {
		return err
	}

	if vault.Amount != 0 {
		return fmt.Errorf("%w: holding %s has %d units", ErrHoldingNotEmpty, vault.Address, vault.Amount)
	}

	return nil
}

// CheckOpen validates opening owner's associated holding for mint at address
// with a non-negative rent.
func CheckOpen(address, owner, mint string, rent int64) error {
	if owner == "" || mint == "" {
		return fmt.Errorf("%w: holding requires owner and mint", ErrInvalidRecord)
	}

	if rent < 0 {
		return fmt.Errorf("%w: rent %d", ErrInvalidAmount, rent)
	}

	want, err := AssociatedHolding(owner, mint)
	if err != nil {
		return err
	}

	if want != address {
		return fmt.Errorf("%w: %s is not the associated holding of %s", ErrInvalidRecord, address, owner)
	}

	return nil
}
