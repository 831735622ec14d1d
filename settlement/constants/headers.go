package constant

const (
	// HeaderID is the request identifier header key.
	HeaderID = "X-Request-Id"
	// Authorization is the HTTP Authorization header key.
	Authorization = "Authorization"
	// Bearer is the HTTP Bearer auth scheme token.
	Bearer = "Bearer"
	// IdempotencyKey is the idempotency key request header.
	IdempotencyKey = "X-Idempotency"
	// IdempotencyReplayed signals whether a response was replayed from the idempotency cache.
	IdempotencyReplayed = "X-Idempotency-Replayed"
	// HeaderContentType is the HTTP Content-Type header key.
	HeaderContentType = "Content-Type"
)

// Fiber locals keys.
const (
	// LocalsPrincipal holds the authenticated subject set by the JWT middleware.
	LocalsPrincipal = "principal"
)
