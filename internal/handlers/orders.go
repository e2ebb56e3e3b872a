package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"log/slog"

	"github.com/spotcore/spotcore/internal/auth"
	"github.com/spotcore/spotcore/internal/engine"
	"github.com/spotcore/spotcore/internal/httpmiddleware"
	"github.com/spotcore/spotcore/internal/rate"
	"github.com/spotcore/spotcore/internal/storage"
	"github.com/spotcore/spotcore/internal/validation"
)

type ExchangeService interface {
	PlaceOrder(ctx context.Context, userID uuid.UUID, symbol, side, price, amount string) (storage.Order, error)
	CancelOrder(ctx context.Context, userID, orderID uuid.UUID) error
	Book(ctx context.Context, symbol string) (engine.OrderBook, error)
	UserOrders(ctx context.Context, userID uuid.UUID) ([]storage.Order, error)
	Profile(ctx context.Context, userID uuid.UUID) (engine.Profile, error)
	Trades(ctx context.Context, symbol string, limit int) ([]storage.Trade, error)
}

type Handler struct {
	Service ExchangeService
	Limiter rate.Limiter
	Logger  *slog.Logger
}

func New(service ExchangeService, limiter rate.Limiter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: service, Limiter: limiter, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	group := r.Group("/api/v1", auth.Middleware(jwtSecret))
	group.POST("/orders", h.PlaceOrder)
	group.GET("/orders", h.Book)
	group.DELETE("/orders/:id", h.CancelOrder)
	group.GET("/user/orders", h.UserOrders)
	group.GET("/profile", h.Profile)
	group.GET("/trades", h.Trades)
}

type placeOrderRequest struct {
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
	Price  string `json:"price"`
	Amount string `json:"amount"`
}

type orderItem struct {
	OrderID   string `json:"order_id"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Amount    string `json:"amount"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type tradeItem struct {
	TradeID     string `json:"trade_id"`
	Symbol      string `json:"symbol"`
	BuyOrderID  string `json:"buy_order_id"`
	SellOrderID string `json:"sell_order_id"`
	Price       string `json:"price"`
	Amount      string `json:"amount"`
	Total       string `json:"total"`
	Commission  string `json:"commission"`
	CreatedAt   string `json:"created_at"`
}

type errorResponse struct {
	Code    string                  `json:"code"`
	Message string                  `json:"message"`
	Fields  []validation.FieldError `json:"fields,omitempty"`
}

func (h *Handler) PlaceOrder(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	if h.Limiter != nil {
		allowed, retryAfter, err := h.Limiter.Allow(c.Request.Context(), userID.String(), time.Now())
		if err != nil {
			h.Logger.Error("rate limiter failed", "error", err, "request_id", httpmiddleware.RequestIDFromContext(c))
		} else if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			writeError(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many orders", nil)
			return
		}
	}

	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}

	order, err := h.Service.PlaceOrder(c.Request.Context(), userID, req.Symbol, req.Side, req.Price, req.Amount)
	if err != nil {
		h.writePlaceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "order created",
		"order":   orderToItem(order),
	})
}

func (h *Handler) writePlaceError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", verrs)
	case errors.Is(err, engine.ErrInsufficientFunds):
		writeError(c, http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE", "insufficient cash balance", nil)
	case errors.Is(err, engine.ErrInsufficientAsset):
		writeError(c, http.StatusUnprocessableEntity, "INSUFFICIENT_ASSET", "insufficient asset balance", nil)
	case errors.Is(err, engine.ErrNoAssetAccount):
		writeError(c, http.StatusUnprocessableEntity, "NO_ASSET_ACCOUNT", "no holding for symbol", nil)
	case errors.Is(err, storage.ErrConflict):
		writeError(c, http.StatusConflict, "CONFLICT", "concurrent update, retry", nil)
	default:
		h.Logger.Error("place order failed", "error", err, "request_id", httpmiddleware.RequestIDFromContext(c))
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
	}
}

func (h *Handler) CancelOrder(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	orderID, err := uuid.Parse(strings.TrimSpace(c.Param("id")))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order id", nil)
		return
	}

	if err := h.Service.CancelOrder(c.Request.Context(), userID, orderID); err != nil {
		switch {
		case errors.Is(err, engine.ErrOrderNotFound):
			writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found or already processed", nil)
		case errors.Is(err, storage.ErrConflict):
			writeError(c, http.StatusConflict, "CONFLICT", "concurrent update, retry", nil)
		default:
			h.Logger.Error("cancel order failed", "error", err, "request_id", httpmiddleware.RequestIDFromContext(c))
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "order cancelled"})
}

func (h *Handler) Book(c *gin.Context) {
	book, err := h.Service.Book(c.Request.Context(), c.Query("symbol"))
	if err != nil {
		var verrs validation.ValidationErrors
		if errors.As(err, &verrs) {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", verrs)
			return
		}
		h.Logger.Error("load book failed", "error", err, "request_id", httpmiddleware.RequestIDFromContext(c))
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":      book.Symbol,
		"buy_orders":  ordersToItems(book.BuyOrders),
		"sell_orders": ordersToItems(book.SellOrders),
	})
}

func (h *Handler) UserOrders(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	orders, err := h.Service.UserOrders(c.Request.Context(), userID)
	if err != nil {
		h.Logger.Error("list user orders failed", "error", err, "request_id", httpmiddleware.RequestIDFromContext(c))
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": ordersToItems(orders)})
}

func (h *Handler) Profile(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	profile, err := h.Service.Profile(c.Request.Context(), userID)
	if err != nil {
		h.Logger.Error("load profile failed", "error", err, "request_id", httpmiddleware.RequestIDFromContext(c))
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	holdings := make([]gin.H, 0, len(profile.Holdings))
	for _, holding := range profile.Holdings {
		holdings = append(holdings, gin.H{
			"symbol":    holding.Symbol,
			"amount":    holding.Amount.String(),
			"locked":    holding.Locked.String(),
			"available": holding.Available().String(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":  profile.UserID.String(),
		"balance":  profile.Balance.String(),
		"holdings": holdings,
	})
}

func (h *Handler) Trades(c *gin.Context) {
	limit := 50
	if limitStr := strings.TrimSpace(c.Query("limit")); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit", nil)
			return
		}
		limit = n
	}

	trades, err := h.Service.Trades(c.Request.Context(), c.Query("symbol"), limit)
	if err != nil {
		var verrs validation.ValidationErrors
		if errors.As(err, &verrs) {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", verrs)
			return
		}
		h.Logger.Error("list trades failed", "error", err, "request_id", httpmiddleware.RequestIDFromContext(c))
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	items := make([]tradeItem, 0, len(trades))
	for _, trade := range trades {
		items = append(items, tradeItem{
			TradeID:     trade.ID.String(),
			Symbol:      trade.Symbol,
			BuyOrderID:  trade.BuyOrderID.String(),
			SellOrderID: trade.SellOrderID.String(),
			Price:       trade.Price.String(),
			Amount:      trade.Amount.String(),
			Total:       trade.Total.String(),
			Commission:  trade.Commission.String(),
			CreatedAt:   trade.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"trades": items})
}

func orderToItem(order storage.Order) orderItem {
	return orderItem{
		OrderID:   order.ID.String(),
		Symbol:    order.Symbol,
		Side:      order.Side,
		Price:     order.Price.String(),
		Amount:    order.Amount.String(),
		Status:    order.Status,
		CreatedAt: order.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: order.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func ordersToItems(orders []storage.Order) []orderItem {
	items := make([]orderItem, 0, len(orders))
	for _, order := range orders {
		items = append(items, orderToItem(order))
	}
	return items
}

func userIDFromContext(c *gin.Context) (uuid.UUID, bool) {
	val, ok := c.Get(auth.ContextUserIDKey)
	if !ok {
		return uuid.Nil, false
	}
	raw, ok := val.(string)
	if !ok {
		return uuid.Nil, false
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return parsed, true
}

func writeError(c *gin.Context, status int, code, message string, fields []validation.FieldError) {
	c.JSON(status, errorResponse{Code: code, Message: message, Fields: fields})
}
