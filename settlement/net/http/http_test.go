//go:build unit

package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement"
	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"github.com/LerianStudio/lib-settlement/settlement/custody"
	"github.com/LerianStudio/lib-settlement/settlement/engine"
	"github.com/LerianStudio/lib-settlement/settlement/market"
	httpapi "github.com/LerianStudio/lib-settlement/settlement/net/http"
	"github.com/LerianStudio/lib-settlement/settlement/redis"
	"github.com/LerianStudio/lib-settlement/settlement/store/memory"
	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

type fixture struct {
	app *fiber.App
	svc *market.Service
	mp  *custody.Marketplace
}

func newFixture(t *testing.T, mutate func(*httpapi.RouterConfig)) fixture {
	t.Helper()

	eng, err := engine.New(engine.WithDestinationRent(2))
	require.NoError(t, err)

	svc, err := market.New(memory.New(), eng, market.WithVaultRent(3))
	require.NoError(t, err)

	cfg := httpapi.RouterConfig{Service: svc}
	if mutate != nil {
		mutate(&cfg)
	}

	app, err := httpapi.NewRouter(cfg)
	require.NoError(t, err)

	ctx := context.Background()

	mp, err := svc.CreateMarketplace(ctx, market.CreateMarketplaceInput{Name: "bazaar", Admin: "admin", FeeRate: 50})
	require.NoError(t, err)

	_, err = svc.Fund(ctx, "seller", 3)
	require.NoError(t, err)

	_, err = svc.IssueAsset(ctx, market.IssueAssetInput{Owner: "seller", Mint: "m-1"})
	require.NoError(t, err)

	_, err = svc.List(ctx, market.ListInput{Marketplace: mp.ID, Seller: "seller", Mint: "m-1", Price: 1000})
	require.NoError(t, err)

	return fixture{app: app, svc: svc, mp: mp}
}

func do(t *testing.T, app *fiber.App, method, path string, body any, headers map[string]string) (*nethttp.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, out
}

func purchasePath(mp string) string {
	return "/v1/marketplaces/" + mp + "/listings/m-1/purchase"
}

func decodeError(t *testing.T, body []byte) settlement.Response {
	t.Helper()

	var resp settlement.Response
	require.NoError(t, json.Unmarshal(body, &resp))

	return resp
}

func TestHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	resp, body := do(t, f.app, fiber.MethodGet, "/health", nil, nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
	assert.NotEmpty(t, resp.Header.Get(constant.HeaderID))
}

func TestRequestIDIsEchoed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	resp, _ := do(t, f.app, fiber.MethodGet, "/health", nil, map[string]string{constant.HeaderID: "req-1"})
	assert.Equal(t, "req-1", resp.Header.Get(constant.HeaderID))
}

func TestNewRouter_RequiresService(t *testing.T) {
	t.Parallel()

	_, err := httpapi.NewRouter(httpapi.RouterConfig{})
	assert.ErrorIs(t, err, httpapi.ErrNilService)
}

func TestPurchaseFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	resp, body := do(t, f.app, fiber.MethodPost, "/v1/accounts/buyer/deposits", map[string]any{"amount": 1002}, nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode, string(body))

	resp, body = do(t, f.app, fiber.MethodPost, purchasePath(f.mp.ID), map[string]any{"buyer": "buyer"}, nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode, string(body))

	var receipt engine.Receipt
	require.NoError(t, json.Unmarshal(body, &receipt))
	assert.Equal(t, int64(50), receipt.Fee)
	assert.Equal(t, int64(950), receipt.SellerAmount)

	resp, body = do(t, f.app, fiber.MethodGet, "/v1/accounts/seller", nil, nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"address":"seller","balance":953}`, string(body))

	resp, body = do(t, f.app, fiber.MethodPost, purchasePath(f.mp.ID), map[string]any{"buyer": "buyer"}, nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, constant.ErrListingNotFound.Error(), decodeError(t, body).Code)

	resp, _ = do(t, f.app, fiber.MethodGet, "/v1/marketplaces/"+f.mp.ID+"/listings/m-1", nil, nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestErrorStatuses(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	_, err := f.svc.Fund(context.Background(), "poor", 40)
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"insufficient funds", fiber.MethodPost, purchasePath(f.mp.ID), map[string]any{"buyer": "poor"}, fiber.StatusUnprocessableEntity, "0018"},
		{"missing buyer", fiber.MethodPost, purchasePath(f.mp.ID), map[string]any{}, fiber.StatusBadRequest, "0200"},
		{"foreign destination", fiber.MethodPost, purchasePath(f.mp.ID), map[string]any{"buyer": "poor", "destination": "x"}, fiber.StatusForbidden, "0203"},
		{"seller mismatch", fiber.MethodPost, purchasePath(f.mp.ID), map[string]any{"buyer": "poor", "seller": "x"}, fiber.StatusBadRequest, "0208"},
		{"unknown marketplace", fiber.MethodGet, "/v1/marketplaces/nope", nil, fiber.StatusNotFound, "0209"},
		{"duplicate marketplace", fiber.MethodPost, "/v1/marketplaces", map[string]any{"name": "bazaar", "admin": "a"}, fiber.StatusConflict, "0210"},
		{"duplicate listing", fiber.MethodPost, "/v1/marketplaces/" + f.mp.ID + "/listings", map[string]any{"seller": "seller", "mint": "m-1", "price": 1}, fiber.StatusConflict, "0211"},
		{"not owner", fiber.MethodPost, "/v1/marketplaces/" + f.mp.ID + "/listings", map[string]any{"seller": "poor", "mint": "m-9", "price": 1}, fiber.StatusUnprocessableEntity, "0212"},
		{"delist by stranger", fiber.MethodPost, "/v1/marketplaces/" + f.mp.ID + "/listings/m-1/delist", map[string]any{"seller": "poor"}, fiber.StatusForbidden, "0208"},
		{"zero deposit", fiber.MethodPost, "/v1/accounts/poor/deposits", map[string]any{"amount": 0}, fiber.StatusBadRequest, "0200"},
		{"negative price", fiber.MethodPost, "/v1/marketplaces/" + f.mp.ID + "/listings", map[string]any{"seller": "seller", "mint": "m-1", "price": -1}, fiber.StatusBadRequest, "0200"},
		{"name too long", fiber.MethodPost, "/v1/marketplaces", map[string]any{"name": "abcdefghijklmnopqrstuvwxyz0123456789", "admin": "a"}, fiber.StatusBadRequest, "0200"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, f.app, tt.method, tt.path, tt.body, nil)
			assert.Equal(t, tt.status, resp.StatusCode, string(body))
			assert.Equal(t, tt.code, decodeError(t, body).Code)
		})
	}

	resp, body := do(t, f.app, fiber.MethodGet, "/no/such/route", nil, nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "404", decodeError(t, body).Code)
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, fiber.StatusConflict, httpapi.StatusFor(constant.ErrSettlementInProgress))
	assert.Equal(t, fiber.StatusConflict, httpapi.StatusFor(redis.ErrRequestInFlight))
	assert.Equal(t, fiber.StatusUnprocessableEntity, httpapi.StatusFor(redis.ErrIdempotencyKeyReused))
	assert.Equal(t, fiber.StatusForbidden, httpapi.StatusFor(constant.ErrPrincipalMismatch))
	assert.Equal(t, fiber.StatusInternalServerError, httpapi.StatusFor(assert.AnError))
	assert.Equal(t, fiber.StatusOK, httpapi.StatusFor(nil))
	assert.Equal(t, fiber.StatusConflict, httpapi.StatusFor(&engine.SettlementError{Class: engine.ClassInvariant}))
}

func token(t *testing.T, subject string, key []byte) string {
	t.Helper()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(key)
	require.NoError(t, err)

	return "Bearer " + signed
}

func TestJWTPrincipal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(cfg *httpapi.RouterConfig) { cfg.JWTSecret = secret })

	resp, _ := do(t, f.app, fiber.MethodGet, "/health", nil, nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, _ = do(t, f.app, fiber.MethodGet, "/v1/accounts/buyer", nil, nil)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, f.app, fiber.MethodGet, "/v1/accounts/buyer", nil,
		map[string]string{constant.Authorization: token(t, "buyer", []byte("other-key"))})
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	auth := map[string]string{constant.Authorization: token(t, "buyer", secret)}

	resp, body := do(t, f.app, fiber.MethodPost, purchasePath(f.mp.ID), map[string]any{"buyer": "someone-else"}, auth)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "0215", decodeError(t, body).Code)

	resp, body = do(t, f.app, fiber.MethodPost, purchasePath(f.mp.ID), map[string]any{"buyer": "buyer"}, auth)
	assert.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode, string(body))
}

func TestIdempotentPurchaseReplays(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)

	client, err := redis.New(context.Background(), redis.Config{Addresses: []string{mr.Addr()}})
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	idem, err := redis.NewIdempotencyStore(client, time.Minute)
	require.NoError(t, err)

	f := newFixture(t, func(cfg *httpapi.RouterConfig) { cfg.Idempotency = idem })

	_, err = f.svc.Fund(context.Background(), "buyer", 1002)
	require.NoError(t, err)

	headers := map[string]string{constant.IdempotencyKey: "purchase-1"}

	first, firstBody := do(t, f.app, fiber.MethodPost, purchasePath(f.mp.ID), map[string]any{"buyer": "buyer"}, headers)
	require.Equal(t, fiber.StatusCreated, first.StatusCode, string(firstBody))
	assert.Equal(t, "false", first.Header.Get(constant.IdempotencyReplayed))

	second, secondBody := do(t, f.app, fiber.MethodPost, purchasePath(f.mp.ID), map[string]any{"buyer": "buyer"}, headers)
	assert.Equal(t, fiber.StatusCreated, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get(constant.IdempotencyReplayed))
	assert.Equal(t, firstBody, secondBody)

	third, _ := do(t, f.app, fiber.MethodPost, purchasePath(f.mp.ID), map[string]any{"buyer": "buyer"},
		map[string]string{constant.IdempotencyKey: "purchase-2"})
	assert.Equal(t, fiber.StatusNotFound, third.StatusCode)

	balance, err := f.svc.Balance(context.Background(), "buyer")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance, "the replay must not charge the buyer twice")
}

func newIdempotentFixture(t *testing.T) fixture {
	t.Helper()

	mr := miniredis.RunT(t)

	client, err := redis.New(context.Background(), redis.Config{Addresses: []string{mr.Addr()}})
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	idem, err := redis.NewIdempotencyStore(client, time.Minute)
	require.NoError(t, err)

	return newFixture(t, func(cfg *httpapi.RouterConfig) { cfg.Idempotency = idem })
}

func TestIdempotencyKeyIsNotSharedAcrossBuyers(t *testing.T) {
	t.Parallel()

	f := newIdempotentFixture(t)
	ctx := context.Background()

	for _, buyer := range []string{"alice", "bob"} {
		_, err := f.svc.Fund(ctx, buyer, 1002)
		require.NoError(t, err)
	}

	headers := map[string]string{constant.IdempotencyKey: "order-1"}

	first, firstBody := do(t, f.app, fiber.MethodPost, purchasePath(f.mp.ID), map[string]any{"buyer": "alice"}, headers)
	require.Equal(t, fiber.StatusCreated, first.StatusCode, string(firstBody))

	second, secondBody := do(t, f.app, fiber.MethodPost, purchasePath(f.mp.ID), map[string]any{"buyer": "bob"}, headers)
	assert.NotEqual(t, "true", second.Header.Get(constant.IdempotencyReplayed))
	assert.NotEqual(t, fiber.StatusCreated, second.StatusCode)
	assert.NotEqual(t, firstBody, secondBody, "alice's receipt must not be served to bob")

	balance, err := f.svc.Balance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1002), balance)
}

func TestIdempotencyKeyReuseWithDifferentBodyRejected(t *testing.T) {
	t.Parallel()

	f := newIdempotentFixture(t)
	ctx := context.Background()

	_, err := f.svc.Fund(ctx, "alice", 1002)
	require.NoError(t, err)

	headers := map[string]string{constant.IdempotencyKey: "order-1"}

	first, firstBody := do(t, f.app, fiber.MethodPost, purchasePath(f.mp.ID), map[string]any{"buyer": "alice"}, headers)
	require.Equal(t, fiber.StatusCreated, first.StatusCode, string(firstBody))

	second, secondBody := do(t, f.app, fiber.MethodPost, purchasePath(f.mp.ID),
		map[string]any{"buyer": "alice", "destination": "alice-cold"}, headers)
	assert.Equal(t, fiber.StatusUnprocessableEntity, second.StatusCode, string(secondBody))
	assert.NotEqual(t, "true", second.Header.Get(constant.IdempotencyReplayed))
	assert.NotEqual(t, firstBody, secondBody)

	third, thirdBody := do(t, f.app, fiber.MethodPost, purchasePath(f.mp.ID), map[string]any{"buyer": "alice"}, headers)
	assert.Equal(t, fiber.StatusCreated, third.StatusCode)
	assert.Equal(t, "true", third.Header.Get(constant.IdempotencyReplayed))
	assert.Equal(t, firstBody, thirdBody, "the original request still replays")
}
