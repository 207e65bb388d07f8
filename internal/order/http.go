package order

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/shopcraft/fulfillment/pkg/tracelog"
	"go.uber.org/zap"
)

type Handler struct {
	ledger *Ledger
	logger *zap.Logger
}

func NewHandler(ledger *Ledger, logger *zap.Logger) *Handler {
	return &Handler{
		ledger: ledger,
		logger: logger,
	}
}

func (h *Handler) Register(r *gin.Engine) {
	r.POST("/orders", h.placeOrder)
	r.GET("/orders", h.listOrders)
	r.GET("/orders/:id", h.getOrder)
	r.POST("/orders/:id/cancel", h.cancelOrder)
	r.PUT("/orders/:id/status", h.advanceOrder)
}

func (h *Handler) placeOrder(c *gin.Context) {
	var req PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	o, err := h.ledger.PlaceOrder(c.Request.Context(), req)
	if err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verrs.Error()})
			return
		}

		// Total mismatch and other validation failures come back as plain
		// errors from Validate.
		tracelog.Warn(c.Request.Context(), h.logger, "Place order failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, orderResponse(o))
}

func (h *Handler) getOrder(c *gin.Context) {
	o, err := h.ledger.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}

		tracelog.Error(c.Request.Context(), h.logger, "Failed to get order", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get order"})
		return
	}

	c.JSON(http.StatusOK, orderResponse(o))
}

func (h *Handler) listOrders(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId query parameter is required"})
		return
	}

	orders, err := h.ledger.OrdersByUser(c.Request.Context(), userID)
	if err != nil {
		tracelog.Error(c.Request.Context(), h.logger, "Failed to list orders", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list orders"})
		return
	}

	out := make([]gin.H, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderResponse(o))
	}

	c.JSON(http.StatusOK, gin.H{"orders": out})
}

func (h *Handler) cancelOrder(c *gin.Context) {
	o, err := h.ledger.CancelOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeTransitionError(c, err, "Failed to cancel order")
		return
	}

	c.JSON(http.StatusOK, orderResponse(o))
}

type advanceRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *Handler) advanceOrder(c *gin.Context) {
	var req advanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	o, err := h.ledger.AdvanceOrder(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		h.writeTransitionError(c, err, "Failed to advance order")
		return
	}

	c.JSON(http.StatusOK, orderResponse(o))
}

func (h *Handler) writeTransitionError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
	case errors.Is(err, ErrInvalidStateTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		tracelog.Error(c.Request.Context(), h.logger, msg, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func orderResponse(o *Order) gin.H {
	return gin.H{
		"orderId":       o.ID,
		"userId":        o.UserID,
		"items":         o.Items,
		"totalAmount":   o.TotalAmount,
		"paymentMethod": o.PaymentMethod,
		"status":        o.Status,
		"createdAt":     o.CreatedAt,
		"updatedAt":     o.UpdatedAt,
	}
}
