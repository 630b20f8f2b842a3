package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prismgen/creditledger/pkg/creditledger"
	"go.uber.org/zap"
)

const (
	errorCodeInvalidUserID        = "invalid_user_id"
	errorCodeInvalidReservationID = "invalid_reservation_id"
	errorCodeInvalidAmount        = "invalid_amount"
	errorCodeInvalidSource        = "invalid_source"
	errorCodeInvalidMetadata      = "invalid_metadata_json"
	errorCodeInvalidPayload       = "invalid_payload"
	errorCodeUserNotFound         = "user_not_found"
	errorCodeReservationNotFound  = "reservation_not_found"
	errorCodeInsufficientCredits  = "insufficient_credits"
	errorCodeInvalidState         = "invalid_reservation_state"
	errorCodeReservationExpired   = "reservation_expired"
	errorCodeCycleLotExists       = "cycle_lot_exists"
	errorCodeIntegrityViolation   = "integrity_violation"
	errorCodeStoreUnavailable     = "store_unavailable"
	errorCodeInternal             = "internal_error"
)

// Run boots the HTTP facade and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg Config, service *creditledger.Service, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	router := NewRouter(cfg, service, logger)
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("credit api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter wires the gin engine for the credit API.
func NewRouter(cfg Config, service *creditledger.Service, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
	}

	api := router.Group("/api/v1")
	api.POST("/reservations", handler.handleReserve)
	api.POST("/reservations/:id/capture", handler.handleCapture)
	api.POST("/reservations/:id/release", handler.handleRelease)
	api.POST("/credits/grant", handler.handleGrant)
	api.POST("/credits/subscription", handler.handleSubscriptionGrant)
	api.POST("/credits/debit", handler.handleDebit)
	api.POST("/credits/balances", handler.handleBatchBalances)
	api.GET("/users/:user_id/credits", handler.handleGetCredits)
	api.GET("/users/:user_id/balance", handler.handleGetBalance)
	api.GET("/users/:user_id/transactions", handler.handleListTransactions)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *creditledger.Service
	cfg     Config
}

type reserveRequest struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	SessionRef  string `json:"session_ref"`
	TTLSeconds  int64  `json:"ttl_seconds"`
}

func (handler *httpHandler) handleReserve(ctx *gin.Context) {
	var request reserveRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	userID, err := creditledger.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	amount, err := creditledger.NewCreditAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.Reserve(requestCtx, userID, amount, creditledger.ReserveOptions{
		Description: request.Description,
		SessionRef:  request.SessionRef,
		TTLSeconds:  request.TTLSeconds,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"reservation_id": result.ReservationID,
		"expires_at":     result.ExpiresAtUnixUTC,
	})
}

type captureRequest struct {
	Description string `json:"description"`
}

func (handler *httpHandler) handleCapture(ctx *gin.Context) {
	reservationID, err := creditledger.NewReservationID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	var request captureRequest
	_ = ctx.ShouldBindJSON(&request)
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.service.Capture(requestCtx, reservationID, request.Description); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true})
}

func (handler *httpHandler) handleRelease(ctx *gin.Context) {
	reservationID, err := creditledger.NewReservationID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.service.Release(requestCtx, reservationID); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true})
}

type grantRequest struct {
	UserID           string         `json:"user_id"`
	Amount           int64          `json:"amount"`
	Source           string         `json:"source"`
	Description      string         `json:"description"`
	Metadata         map[string]any `json:"metadata"`
	ExpiresInSeconds int64          `json:"expires_in_seconds"`
}

func (handler *httpHandler) handleGrant(ctx *gin.Context) {
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	userID, err := creditledger.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	amount, err := creditledger.NewCreditAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.AddCredits(requestCtx, userID, amount, creditledger.GrantOptions{
		Source:           creditledger.LotSource(request.Source),
		Description:      request.Description,
		Metadata:         marshalMetadata(request.Metadata),
		ExpiresInSeconds: request.ExpiresInSeconds,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance": result.Balance,
		"lot_id":  result.LotID,
	})
}

type subscriptionGrantRequest struct {
	UserID     string `json:"user_id"`
	Amount     int64  `json:"amount"`
	PlanKey    string `json:"plan_key"`
	CycleStart int64  `json:"cycle_start"`
	CycleEnd   int64  `json:"cycle_end"`
}

func (handler *httpHandler) handleSubscriptionGrant(ctx *gin.Context) {
	var request subscriptionGrantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	userID, err := creditledger.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	amount, err := creditledger.NewCreditAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.AddSubscriptionCredits(requestCtx, userID, amount, request.PlanKey, request.CycleStart, request.CycleEnd)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance":     result.Balance,
		"lot_id":      result.LotID,
		"lot_created": result.LotCreated,
	})
}

type debitRequest struct {
	UserID      string `json:"user_id"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

func (handler *httpHandler) handleDebit(ctx *gin.Context) {
	var request debitRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	userID, err := creditledger.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	amount, err := creditledger.NewCreditAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.service.Debit(requestCtx, userID, amount, request.Description); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true})
}

type batchBalancesRequest struct {
	UserIDs []string `json:"user_ids"`
}

func (handler *httpHandler) handleBatchBalances(ctx *gin.Context) {
	var request batchBalancesRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	if len(request.UserIDs) == 0 || len(request.UserIDs) > defaultBatchBalanceMaxSize {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "user_ids must hold between 1 and 100 ids"))
		return
	}
	userIDs := make([]creditledger.UserID, 0, len(request.UserIDs))
	for _, raw := range request.UserIDs {
		userID, err := creditledger.NewUserID(raw)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
		userIDs = append(userIDs, userID)
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balances, err := handler.service.GetCreditsForUsers(requestCtx, userIDs)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make(map[string]gin.H, len(balances))
	for userID, balance := range balances {
		payload[userID] = gin.H{
			"balance":   balance.Balance,
			"reserved":  balance.Reserved,
			"available": balance.Available,
		}
	}
	ctx.JSON(http.StatusOK, gin.H{"balances": payload})
}

func (handler *httpHandler) handleGetCredits(ctx *gin.Context) {
	userID, err := creditledger.NewUserID(ctx.Param("user_id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	summary, err := handler.service.GetCredits(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	lots := make([]lotPayload, 0, len(summary.Lots))
	for _, lot := range summary.Lots {
		lots = append(lots, lotPayload{
			LotID:      lot.LotID,
			Source:     lot.Source.String(),
			PlanKey:    lot.PlanKey,
			Amount:     lot.Amount,
			Remaining:  lot.Remaining,
			ExpiresAt:  lot.ExpiresAtUnixUTC,
			CycleStart: lot.CycleStartUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance":   summary.Balance,
		"reserved":  summary.Reserved,
		"available": summary.Available,
		"lots":      lots,
	})
}

func (handler *httpHandler) handleGetBalance(ctx *gin.Context) {
	userID, err := creditledger.NewUserID(ctx.Param("user_id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.service.GetAvailableCredits(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance":   balance.Balance,
		"reserved":  balance.Reserved,
		"available": balance.Available,
	})
}

func (handler *httpHandler) handleListTransactions(ctx *gin.Context) {
	userID, err := creditledger.NewUserID(ctx.Param("user_id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	before, _ := strconv.ParseInt(ctx.Query("before"), 10, 64)
	limit, _ := strconv.Atoi(ctx.Query("limit"))
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	transactions, err := handler.service.ListTransactions(requestCtx, userID, before, clampHistoryLimit(limit))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, transactionPayload{
			TransactionID: transaction.TransactionID,
			Description:   transaction.Description,
			Amount:        transaction.Amount,
			BalanceAfter:  transaction.BalanceAfter,
			LotID:         transaction.LotID,
			ReservationID: transaction.ReservationID,
			Metadata:      transaction.Metadata.String(),
			ExpiresAt:     transaction.ExpiresAtUnixUTC,
			CreatedAt:     transaction.CreatedAtUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code := mapToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("credit operation failed", zap.String("code", code), zap.Error(err))
	}
	var insufficient creditledger.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		ctx.JSON(status, gin.H{
			"error": gin.H{
				"code":      code,
				"message":   "not enough credits",
				"available": insufficient.Available,
			},
		})
		return
	}
	ctx.JSON(status, errorResponse(code, messageForCode(code)))
}

func mapToHTTPStatus(source error) (int, string) {
	switch {
	case errors.Is(source, creditledger.ErrInvalidUserID):
		return http.StatusBadRequest, errorCodeInvalidUserID
	case errors.Is(source, creditledger.ErrInvalidReservationID):
		return http.StatusBadRequest, errorCodeInvalidReservationID
	case errors.Is(source, creditledger.ErrInvalidAmount):
		return http.StatusBadRequest, errorCodeInvalidAmount
	case errors.Is(source, creditledger.ErrInvalidLotSource):
		return http.StatusBadRequest, errorCodeInvalidSource
	case errors.Is(source, creditledger.ErrInvalidMetadataJSON):
		return http.StatusBadRequest, errorCodeInvalidMetadata
	case errors.Is(source, creditledger.ErrUserNotFound):
		return http.StatusNotFound, errorCodeUserNotFound
	case errors.Is(source, creditledger.ErrReservationNotFound):
		return http.StatusNotFound, errorCodeReservationNotFound
	case errors.Is(source, creditledger.ErrInsufficientCredits):
		return http.StatusPaymentRequired, errorCodeInsufficientCredits
	case errors.Is(source, creditledger.ErrReservationExpired):
		return http.StatusGone, errorCodeReservationExpired
	case errors.Is(source, creditledger.ErrInvalidReservationState):
		return http.StatusConflict, errorCodeInvalidState
	case errors.Is(source, creditledger.ErrCycleLotExists):
		return http.StatusConflict, errorCodeCycleLotExists
	case errors.Is(source, creditledger.ErrIntegrityViolation):
		return http.StatusInternalServerError, errorCodeIntegrityViolation
	case errors.Is(source, creditledger.ErrTransientStore):
		return http.StatusServiceUnavailable, errorCodeStoreUnavailable
	default:
		return http.StatusInternalServerError, errorCodeInternal
	}
}

func messageForCode(code string) string {
	switch code {
	case errorCodeUserNotFound:
		return "user not found"
	case errorCodeReservationNotFound:
		return "reservation not found"
	case errorCodeInvalidState:
		return "reservation already settled"
	case errorCodeReservationExpired:
		return "reservation expired"
	case errorCodeCycleLotExists:
		return "cycle already granted"
	case errorCodeIntegrityViolation:
		return "ledger integrity violation, operator attention required"
	case errorCodeStoreUnavailable:
		return "storage temporarily unavailable"
	case errorCodeInternal:
		return "internal error"
	default:
		return code
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func marshalMetadata(metadata map[string]any) string {
	if metadata == nil {
		return ""
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

type lotPayload struct {
	LotID      string `json:"lot_id"`
	Source     string `json:"source"`
	PlanKey    string `json:"plan_key,omitempty"`
	Amount     int64  `json:"amount"`
	Remaining  int64  `json:"remaining"`
	ExpiresAt  int64  `json:"expires_at,omitempty"`
	CycleStart int64  `json:"cycle_start,omitempty"`
}

type transactionPayload struct {
	TransactionID string `json:"transaction_id"`
	Description   string `json:"description"`
	Amount        int64  `json:"amount"`
	BalanceAfter  int64  `json:"balance_after"`
	LotID         string `json:"lot_id,omitempty"`
	ReservationID string `json:"reservation_id,omitempty"`
	Metadata      string `json:"metadata"`
	ExpiresAt     int64  `json:"expires_at,omitempty"`
	CreatedAt     int64  `json:"created_at"`
}
