package handler

import (
	"context"
	"errors"
	"strconv"

	"storycredits/internal/service"
	"storycredits/internal/wallet"
	"storycredits/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// WalletSessions is the wallet surface the HTTP layer needs.
type WalletSessions interface {
	Connect(ctx context.Context, userID string) (wallet.Snapshot, error)
	Status(ctx context.Context, userID string) (wallet.Snapshot, error)
	Disconnect(ctx context.Context, userID string) error
}

type Handler struct {
	ledger     *service.Ledger
	recorder   *service.Recorder
	settlement *service.Settlement
	authors    *service.Authors
	wallets    WalletSessions
	log        *logrus.Entry
}

// NewHandler wires the HTTP handlers. wallets may be nil when no session store is configured.
func NewHandler(ledger *service.Ledger, recorder *service.Recorder, settlement *service.Settlement, authors *service.Authors, wallets WalletSessions, log *logrus.Logger) *Handler {
	return &Handler{
		ledger:     ledger,
		recorder:   recorder,
		settlement: settlement,
		authors:    authors,
		wallets:    wallets,
		log:        log.WithField("component", "http"),
	}
}

// ============================================================
// Credits
// ============================================================

// GetBalance GET /api/v1/credits/balance?user_id=
func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.ParamError(c, "user_id is required")
		return
	}

	credits, err := h.ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			response.BusinessError(c, response.CodeCreditsNotFound, "credits account not found")
			return
		}
		h.fail(c, err)
		return
	}
	response.Success(c, credits)
}

type UserRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// InitCredits POST /api/v1/credits/init
func (h *Handler) InitCredits(c *gin.Context) {
	var req UserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	credits, err := h.ledger.Initialize(c.Request.Context(), req.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, credits)
}

// ============================================================
// Settlement
// ============================================================

// ExecuteSettlement POST /api/v1/settlement/execute
func (h *Handler) ExecuteSettlement(c *gin.Context) {
	var req service.SettlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.settlement.ProcessTransaction(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// ReverseSettlement POST /api/v1/settlement/reverse
func (h *Handler) ReverseSettlement(c *gin.Context) {
	var req service.ReversalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.settlement.Reverse(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, result)
}

// ============================================================
// Transactions
// ============================================================

// History GET /api/v1/transactions/history?user_id=&limit=
func (h *Handler) History(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.ParamError(c, "user_id is required")
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			response.ParamError(c, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	list, err := h.recorder.CollectHistory(c.Request.Context(), userID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"user_id":      userID,
		"transactions": list,
	})
}

// TransactionDetail GET /api/v1/transactions/detail?transaction_no=
func (h *Handler) TransactionDetail(c *gin.Context) {
	transactionNo := c.Query("transaction_no")
	if transactionNo == "" {
		response.ParamError(c, "transaction_no is required")
		return
	}

	trans, err := h.recorder.Get(c.Request.Context(), transactionNo)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			response.BusinessError(c, response.CodeTransactionNotFound, "transaction not found")
			return
		}
		h.fail(c, err)
		return
	}
	response.Success(c, trans)
}

// ============================================================
// Authors
// ============================================================

// AuthorStats GET /api/v1/authors/stats?user_id=
func (h *Handler) AuthorStats(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.ParamError(c, "user_id is required")
		return
	}

	profile, err := h.authors.Stats(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			response.BusinessError(c, response.CodeAuthorNotFound, "author profile not found")
			return
		}
		h.fail(c, err)
		return
	}
	response.Success(c, profile)
}

// ============================================================
// Wallet
// ============================================================

func (h *Handler) walletsAvailable(c *gin.Context) bool {
	if h.wallets == nil {
		response.BusinessError(c, response.CodeWalletFailed, "wallet sessions are not enabled")
		return false
	}
	return true
}

// ConnectWallet POST /api/v1/wallet/connect
func (h *Handler) ConnectWallet(c *gin.Context) {
	var req UserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	if !h.walletsAvailable(c) {
		return
	}

	snap, err := h.wallets.Connect(c.Request.Context(), req.UserID)
	if err != nil {
		h.log.WithError(err).WithField("user_id", req.UserID).Warn("wallet connect failed")
		c.JSON(200, response.Response{Code: response.CodeWalletFailed, Message: err.Error(), Data: snap})
		return
	}
	response.Success(c, snap)
}

// WalletStatus GET /api/v1/wallet/status?user_id=
func (h *Handler) WalletStatus(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.ParamError(c, "user_id is required")
		return
	}
	if !h.walletsAvailable(c) {
		return
	}

	snap, err := h.wallets.Status(c.Request.Context(), userID)
	if err != nil && snap.State != wallet.StateFailed {
		h.fail(c, err)
		return
	}
	response.Success(c, snap)
}

// DisconnectWallet POST /api/v1/wallet/disconnect
func (h *Handler) DisconnectWallet(c *gin.Context) {
	var req UserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}
	if !h.walletsAvailable(c) {
		return
	}

	if err := h.wallets.Disconnect(c.Request.Context(), req.UserID); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"user_id": req.UserID, "state": wallet.StateDisconnected})
}

// fail maps service errors onto the response envelope. Anything unexpected is
// logged and reported with a generic message.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidAmount), errors.Is(err, service.ErrInvalidRequest):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrInsufficientFunds):
		response.BusinessError(c, response.CodeBalanceNotEnough, "insufficient credits")
	case errors.Is(err, service.ErrNotReversible):
		response.BusinessError(c, response.CodeNotReversible, err.Error())
	case errors.Is(err, service.ErrConcurrentUpdate), errors.Is(err, service.ErrBusy):
		response.BusinessError(c, response.CodeConcurrentUpdate, "account is busy, please retry")
	case errors.Is(err, service.ErrWalletNotReady):
		response.BusinessError(c, response.CodeWalletNotReady, "wallet session is not ready")
	case errors.Is(err, service.ErrNotFound):
		response.NotFound(c, err.Error())
	default:
		h.log.WithError(err).WithFields(logrus.Fields{
			"path":       c.FullPath(),
			"request_id": c.GetString(requestIDKey),
		}).Error("request failed")
		response.ServerError(c)
	}
}
