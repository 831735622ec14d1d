package http

import (
	"github.com/LerianStudio/lib-settlement/settlement/market"
	"github.com/gofiber/fiber/v2"
)

// Handler serves the marketplace routes.
type Handler struct {
	svc *market.Service
}

// NewHandler builds a Handler over svc.
func NewHandler(svc *market.Service) *Handler {
	return &Handler{svc: svc}
}

type createMarketplaceRequest struct {
	Name    string `json:"name" validate:"required,max=32"`
	Admin   string `json:"admin" validate:"required,max=64"`
	FeeRate int64  `json:"feeRate" validate:"amount"`
}

type listRequest struct {
	Seller string `json:"seller" validate:"required,max=64"`
	Mint   string `json:"mint" validate:"required,max=64"`
	Price  int64  `json:"price" validate:"amount"`
}

type delistRequest struct {
	Seller string `json:"seller" validate:"required,max=64"`
}

type purchaseRequest struct {
	Buyer       string `json:"buyer" validate:"required,max=64"`
	Seller      string `json:"seller" validate:"max=64"`
	Destination string `json:"destination" validate:"max=64"`
}

type depositRequest struct {
	Amount int64 `json:"amount" validate:"gt=0,amount"`
}

type issueAssetRequest struct {
	Owner string `json:"owner" validate:"required,max=64"`
	Mint  string `json:"mint" validate:"max=64"`
}

type balanceResponse struct {
	Address string `json:"address"`
	Balance int64  `json:"balance"`
}

// Health reports liveness.
func (h *Handler) Health(c *fiber.Ctx) error {
	return OK(c, fiber.Map{"status": "ok"})
}

// CreateMarketplace handles POST /v1/marketplaces.
func (h *Handler) CreateMarketplace(c *fiber.Ctx) error {
	var req createMarketplaceRequest
	if err := ParseBodyAndValidate(c, &req); err != nil {
		return RenderError(c, "marketplace", err)
	}

	if err := requireActor(c, "admin", req.Admin); err != nil {
		return RenderError(c, "marketplace", err)
	}

	mp, err := h.svc.CreateMarketplace(c.UserContext(), market.CreateMarketplaceInput{
		Name:    req.Name,
		Admin:   req.Admin,
		FeeRate: req.FeeRate,
	})
	if err != nil {
		return RenderError(c, "marketplace", err)
	}

	return Created(c, mp)
}

// GetMarketplace handles GET /v1/marketplaces/:marketplace.
func (h *Handler) GetMarketplace(c *fiber.Ctx) error {
	mp, err := h.svc.Marketplace(c.UserContext(), c.Params("marketplace"))
	if err != nil {
		return RenderError(c, "marketplace", err)
	}

	return OK(c, mp)
}

// List handles POST /v1/marketplaces/:marketplace/listings.
func (h *Handler) List(c *fiber.Ctx) error {
	var req listRequest
	if err := ParseBodyAndValidate(c, &req); err != nil {
		return RenderError(c, "listing", err)
	}

	if err := requireActor(c, "seller", req.Seller); err != nil {
		return RenderError(c, "listing", err)
	}

	view, err := h.svc.List(c.UserContext(), market.ListInput{
		Marketplace: c.Params("marketplace"),
		Seller:      req.Seller,
		Mint:        req.Mint,
		Price:       req.Price,
	})
	if err != nil {
		return RenderError(c, "listing", err)
	}

	return Created(c, view)
}

// GetListing handles GET /v1/marketplaces/:marketplace/listings/:mint.
func (h *Handler) GetListing(c *fiber.Ctx) error {
	view, err := h.svc.Listing(c.UserContext(), c.Params("marketplace"), c.Params("mint"))
	if err != nil {
		return RenderError(c, "listing", err)
	}

	return OK(c, view)
}

// Delist handles POST /v1/marketplaces/:marketplace/listings/:mint/delist.
func (h *Handler) Delist(c *fiber.Ctx) error {
	var req delistRequest
	if err := ParseBodyAndValidate(c, &req); err != nil {
		return RenderError(c, "listing", err)
	}

	if err := requireActor(c, "seller", req.Seller); err != nil {
		return RenderError(c, "listing", err)
	}

	result, err := h.svc.Delist(c.UserContext(), market.DelistInput{
		Marketplace: c.Params("marketplace"),
		Mint:        c.Params("mint"),
		Seller:      req.Seller,
	})
	if err != nil {
		return RenderError(c, "listing", err)
	}

	return OK(c, result)
}

// Purchase handles POST /v1/marketplaces/:marketplace/listings/:mint/purchase.
func (h *Handler) Purchase(c *fiber.Ctx) error {
	var req purchaseRequest
	if err := ParseBodyAndValidate(c, &req); err != nil {
		return RenderError(c, "settlement", err)
	}

	if err := requireActor(c, "buyer", req.Buyer); err != nil {
		return RenderError(c, "settlement", err)
	}

	receipt, err := h.svc.Purchase(c.UserContext(), market.PurchaseInput{
		Marketplace: c.Params("marketplace"),
		Mint:        c.Params("mint"),
		Buyer:       req.Buyer,
		Seller:      req.Seller,
		Destination: req.Destination,
	})
	if err != nil {
		return RenderError(c, "settlement", err)
	}

	return Created(c, receipt)
}

// Deposit handles POST /v1/accounts/:address/deposits.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	var req depositRequest
	if err := ParseBodyAndValidate(c, &req); err != nil {
		return RenderError(c, "account", err)
	}

	address := c.Params("address")

	balance, err := h.svc.Fund(c.UserContext(), address, req.Amount)
	if err != nil {
		return RenderError(c, "account", err)
	}

	return Created(c, balanceResponse{Address: address, Balance: balance})
}

// GetAccount handles GET /v1/accounts/:address.
func (h *Handler) GetAccount(c *fiber.Ctx) error {
	address := c.Params("address")

	balance, err := h.svc.Balance(c.UserContext(), address)
	if err != nil {
		return RenderError(c, "account", err)
	}

	return OK(c, balanceResponse{Address: address, Balance: balance})
}

// IssueAsset handles POST /v1/assets.
func (h *Handler) IssueAsset(c *fiber.Ctx) error {
	var req issueAssetRequest
	if err := ParseBodyAndValidate(c, &req); err != nil {
		return RenderError(c, "asset", err)
	}

	if err := requireActor(c, "owner", req.Owner); err != nil {
		return RenderError(c, "asset", err)
	}

	held, err := h.svc.IssueAsset(c.UserContext(), market.IssueAssetInput{Owner: req.Owner, Mint: req.Mint})
	if err != nil {
		return RenderError(c, "asset", err)
	}

	return Created(c, held)
}
