package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/securefin/ledger-core/internal/identity"
	"github.com/securefin/ledger-core/internal/ledger"
	"github.com/securefin/ledger-core/internal/views"
	"github.com/securefin/ledger-core/pkg"
	middleware "github.com/securefin/ledger-core/pkg/middlewares"
	"go.uber.org/zap"
)

type LedgerHandler struct {
	logger  *zap.Logger
	service *ledger.Service
	feed    *ledger.Feed
}

func NewLedgerHandler(logger *zap.Logger, service *ledger.Service, feed *ledger.Feed) *LedgerHandler {
	return &LedgerHandler{logger: logger, service: service, feed: feed}
}

// RegisterRoutes registers the ledger routes on an authenticated group.
func (h *LedgerHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/me", h.GetMe)
	r.GET("/accounts", h.ListAccounts)
	r.GET("/transactions", h.ListTransactions)
	r.GET("/requests", h.ListRequests)
	r.POST("/transfers", h.CreateTransfer)
	r.POST("/splits", h.CreateSplit)
	r.POST("/requests", h.CreateRequest)
	r.POST("/requests/:id/settle", h.SettleRequest)
	r.POST("/requests/:id/decline", h.DeclineRequest)
}

// GetMe resolves the caller's account, creating it with the opening balance
// on first sign-in.
func (h *LedgerHandler) GetMe(c *gin.Context) {
	principal, ok := identity.FromContext(c)
	if !ok {
		h.fail(c, pkg.NewAppError(pkg.ErrNotAuthenticatedCode, "no identity supplied", nil))
		return
	}
	account, err := h.service.Accounts().GetOrCreate(c.Request.Context(), principal.Identity, principal.DisplayName, principal.AvatarURL)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, toAccountView(account))
}

func (h *LedgerHandler) ListAccounts(c *gin.Context) {
	accounts, err := h.service.Accounts().List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]views.AccountView, 0, len(accounts))
	for _, account := range accounts {
		out = append(out, toAccountView(account))
	}
	h.ok(c, http.StatusOK, out)
}

func (h *LedgerHandler) ListTransactions(c *gin.Context) {
	principal, _ := identity.FromContext(c)
	txns, err := h.feed.TransactionsFor(c.Request.Context(), principal.Identity)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, txns)
}

func (h *LedgerHandler) ListRequests(c *gin.Context) {
	principal, _ := identity.FromContext(c)
	reqs, err := h.feed.PendingRequestsFor(c.Request.Context(), principal.Identity)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, reqs)
}

func (h *LedgerHandler) CreateTransfer(c *gin.Context) {
	principal, _ := identity.FromContext(c)

	var req views.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, pkg.NewAppError(pkg.ErrMissingFieldCode, "select a recipient and enter a valid amount", err))
		return
	}

	txn, err := h.service.Transfer(c.Request.Context(), principal.Identity, req.Recipient, req.Amount)
	middleware.ObserveLedgerOp("transfer", err)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusCreated, txn)
}

func (h *LedgerHandler) CreateSplit(c *gin.Context) {
	principal, _ := identity.FromContext(c)

	var req views.SplitBillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, pkg.NewAppError(pkg.ErrEmptyParticipantsCode, "select at least one participant", err))
		return
	}

	result, err := h.service.SplitBill(c.Request.Context(), principal.Identity, req.Amount, req.Participants)
	middleware.ObserveLedgerOp("split_bill", err)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusCreated, result)
}

func (h *LedgerHandler) CreateRequest(c *gin.Context) {
	principal, _ := identity.FromContext(c)

	var req views.RequestMoneyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, pkg.NewAppError(pkg.ErrMissingFieldCode, "please fill in all fields", err))
		return
	}

	request, err := h.service.RequestMoney(c.Request.Context(), principal.Identity, req.Recipient, req.Amount, req.DueDate)
	middleware.ObserveLedgerOp("request_money", err)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusCreated, request)
}

func (h *LedgerHandler) SettleRequest(c *gin.Context) {
	principal, _ := identity.FromContext(c)

	txn, err := h.service.SettleRequest(c.Request.Context(), principal.Identity, c.Param("id"))
	middleware.ObserveLedgerOp("settle_request", err)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.ok(c, http.StatusOK, txn)
}

func (h *LedgerHandler) DeclineRequest(c *gin.Context) {
	principal, _ := identity.FromContext(c)

	err := h.service.DeclineRequest(c.Request.Context(), principal.Identity, c.Param("id"))
	middleware.ObserveLedgerOp("decline_request", err)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *LedgerHandler) ok(c *gin.Context, status int, data any) {
	c.JSON(status, pkg.APIResponse{
		TraceID: c.GetString(pkg.TraceId),
		Data:    data,
	})
}

func (h *LedgerHandler) fail(c *gin.Context, err error) {
	resp := pkg.ToErrorResponse(h.logger, c.GetString(pkg.TraceId), err)
	c.JSON(resp.Status, resp)
}

func toAccountView(account ledger.Account) views.AccountView {
	return views.AccountView{
		Email:     account.Identity,
		Name:      account.DisplayName,
		AvatarURL: account.AvatarURL,
		Balance:   account.Balance,
	}
}
