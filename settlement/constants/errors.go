package constant

import "errors"

// Business error codes. The value of each sentinel is its code; callers map
// them to responses with settlement.ValidateBusinessError.
var (
	// ErrInsufficientFunds maps to settlement error code 0018.
	ErrInsufficientFunds = errors.New("0018")
	// ErrOverFlowInt64 maps to settlement error code 0097.
	ErrOverFlowInt64 = errors.New("0097")
	// ErrInvalidSettlementInput maps to settlement error code 0200.
	ErrInvalidSettlementInput = errors.New("0200")
	// ErrVaultEmpty maps to settlement error code 0201.
	ErrVaultEmpty = errors.New("0201")
	// ErrAssetMismatch maps to settlement error code 0202.
	ErrAssetMismatch = errors.New("0202")
	// ErrUnauthorizedDestination maps to settlement error code 0203.
	ErrUnauthorizedDestination = errors.New("0203")
	// ErrFeeExceedsPrice maps to settlement error code 0204.
	ErrFeeExceedsPrice = errors.New("0204")
	// ErrListingNotFound maps to settlement error code 0205.
	ErrListingNotFound = errors.New("0205")
	// ErrMarketplaceMismatch maps to settlement error code 0206.
	ErrMarketplaceMismatch = errors.New("0206")
	// ErrAuthorityMismatch maps to settlement error code 0207.
	ErrAuthorityMismatch = errors.New("0207")
	// ErrSellerMismatch maps to settlement error code 0208.
	ErrSellerMismatch = errors.New("0208")
	// ErrMarketplaceNotFound maps to settlement error code 0209.
	ErrMarketplaceNotFound = errors.New("0209")
	// ErrMarketplaceAlreadyExists maps to settlement error code 0210.
	ErrMarketplaceAlreadyExists = errors.New("0210")
	// ErrListingAlreadyExists maps to settlement error code 0211.
	ErrListingAlreadyExists = errors.New("0211")
	// ErrAssetNotOwned maps to settlement error code 0212.
	ErrAssetNotOwned = errors.New("0212")
	// ErrAssetAlreadyIssued maps to settlement error code 0213.
	ErrAssetAlreadyIssued = errors.New("0213")
	// ErrSettlementInProgress maps to settlement error code 0214.
	ErrSettlementInProgress = errors.New("0214")
	// ErrPrincipalMismatch maps to settlement error code 0215.
	ErrPrincipalMismatch = errors.New("0215")
	// ErrCustodyFailure maps to settlement error code 0299.
	ErrCustodyFailure = errors.New("0299")
)
