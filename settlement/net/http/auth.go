package http

import (
	"errors"
	"fmt"
	"strings"

	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when a protected route has no bearer token.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken is returned for unverifiable or subject-less tokens.
	ErrInvalidToken = errors.New("invalid bearer token")
)

var allowedAlgorithms = []string{"HS256", "HS384", "HS512"}

// WithJWTPrincipal verifies HMAC-signed bearer tokens with secret and stores
// the token subject as the request principal.
func WithJWTPrincipal(secret []byte) fiber.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods(allowedAlgorithms), jwt.WithExpirationRequired())

	return func(c *fiber.Ctx) error {
		raw := bearerToken(c.Get(constant.Authorization))
		if raw == "" {
			return unauthorized(ErrMissingToken)
		}

		token, err := parser.Parse(raw, func(*jwt.Token) (any, error) {
			return secret, nil
		})
		if err != nil || !token.Valid {
			return unauthorized(ErrInvalidToken)
		}

		subject, err := token.Claims.GetSubject()
		if err != nil || subject == "" {
			return unauthorized(ErrInvalidToken)
		}

		c.Locals(constant.LocalsPrincipal, subject)

		return c.Next()
	}
}

func unauthorized(err error) error {
	return fiber.NewError(fiber.StatusUnauthorized, err.Error())
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, constant.Bearer) {
		return ""
	}

	return strings.TrimSpace(token)
}

// Principal returns the authenticated subject, or "" when authentication is
// disabled.
func Principal(c *fiber.Ctx) string {
	p, _ := c.Locals(constant.LocalsPrincipal).(string)

	return p
}

// requireActor rejects requests where an authenticated principal acts for a
// different account.
func requireActor(c *fiber.Ctx, role, account string) error {
	principal := Principal(c)
	if principal == "" || principal == account {
		return nil
	}

	return fmt.Errorf("%w: principal may not act as %s %s", constant.ErrPrincipalMismatch, role, account)
}
