package constant

// Outbox event types.
const (
	EventListingSettled  = "listing.settled"
	EventListingCreated  = "listing.created"
	EventListingDelisted = "listing.delisted"
)

// Lock key prefix for per-listing distributed locks.
const ListingLockPrefix = "settlement:listing:"

// Idempotency key prefix for cached purchase responses.
const IdempotencyPrefix = "settlement:idempotency:"

// BasisPointsDenominator is the divisor used by proportional fee policies.
const BasisPointsDenominator = 10_000
