package settlement

import (
	"errors"
	"fmt"

	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
)

// Response is a business error rendered to API callers.
type Response struct {
	EntityType string `json:"entityType,omitempty"`
	Title      string `json:"title,omitempty"`
	Message    string `json:"message,omitempty"`
	Code       string `json:"code,omitempty"`
	Err        error  `json:"-"`
}

func (e Response) Error() string {
	return e.Message
}

// Unwrap exposes the sentinel the response was built from.
func (e Response) Unwrap() error {
	return e.Err
}

type businessError struct {
	sentinel error
	title    string
	message  string
}

var businessErrors = []businessError{
	{constant.ErrInsufficientFunds, "Insufficient Funds",
		"The buyer's balance does not cover the listing price. Add funds to the account and try again."},
	{constant.ErrOverFlowInt64, "Overflow Error",
		"The request could not be completed due to an overflow. Please check the values, and try again."},
	{constant.ErrInvalidSettlementInput, "Invalid Settlement Input",
		"One or more settlement inputs are missing or malformed. Please check the request and try again."},
	{constant.ErrVaultEmpty, "Vault Empty",
		"The listing's vault does not hold the listed asset. The listing cannot be settled; please contact support."},
	{constant.ErrAssetMismatch, "Asset Mismatch",
		"The listing's vault holds a different asset or is controlled by a different authority. Please contact support."},
	{constant.ErrUnauthorizedDestination, "Unauthorized Destination",
		"The destination holding account does not belong to the buyer or is for a different asset."},
	{constant.ErrFeeExceedsPrice, "Fee Exceeds Price",
		"The marketplace fee is larger than the listing price, so the listing cannot be settled."},
	{constant.ErrListingNotFound, "Listing Not Found",
		"No active listing exists for this asset in this marketplace. It may have been settled or cancelled already."},
	{constant.ErrMarketplaceMismatch, "Marketplace Mismatch",
		"The listing does not belong to the requested marketplace."},
	{constant.ErrAuthorityMismatch, "Custody Authority Mismatch",
		"The listing's custody authority could not be re-derived. The listing cannot be settled; please contact support."},
	{constant.ErrSellerMismatch, "Seller Mismatch",
		"The seller given does not match the seller that created the listing."},
	{constant.ErrMarketplaceNotFound, "Marketplace Not Found",
		"The requested marketplace does not exist. Please verify the marketplace and try again."},
	{constant.ErrMarketplaceAlreadyExists, "Marketplace Already Exists",
		"A marketplace with this name already exists. Choose a different name and try again."},
	{constant.ErrListingAlreadyExists, "Listing Already Exists",
		"This asset is already listed in the marketplace."},
	{constant.ErrAssetNotOwned, "Asset Not Owned",
		"The account does not hold the asset it is trying to list."},
	{constant.ErrAssetAlreadyIssued, "Asset Already Issued",
		"An asset with this mint address already exists."},
	{constant.ErrSettlementInProgress, "Settlement In Progress",
		"Another operation on this listing is in progress. Please retry shortly."},
	{constant.ErrPrincipalMismatch, "Principal Mismatch",
		"The authenticated principal is not allowed to act for the given account."},
	{constant.ErrCustodyFailure, "Custody Failure",
		"The custody substrate rejected the operation. Please contact support."},
}

// ValidateBusinessError maps err to a Response when err is, or wraps, a
// known business sentinel. args are appended to the message with fmt.Sprint.
// Unknown errors are returned unchanged.
func ValidateBusinessError(err error, entityType string, args ...any) error {
	if err == nil {
		return nil
	}

	for _, be := range businessErrors {
		if !errors.Is(err, be.sentinel) {
			continue
		}

		msg := be.message
		if len(args) > 0 {
			msg = fmt.Sprintf("%s %s", msg, fmt.Sprint(args...))
		}

		return Response{
			EntityType: entityType,
			Code:       be.sentinel.Error(),
			Title:      be.title,
			Message:    msg,
			Err:        be.sentinel,
		}
	}

	return err
}
