package payment

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopcraft/fulfillment/pkg/tracelog"
	"go.uber.org/zap"
)

type Handler struct {
	processor *Processor
	logger    *zap.Logger
}

func NewHandler(processor *Processor, logger *zap.Logger) *Handler {
	return &Handler{
		processor: processor,
		logger:    logger,
	}
}

func (h *Handler) Register(r *gin.Engine) {
	r.GET("/payments/:orderId", h.getPayment)
	r.POST("/payments/:orderId/refund", h.refund)
}

func (h *Handler) getPayment(c *gin.Context) {
	p, err := h.processor.PaymentForOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
			return
		}

		tracelog.Error(c.Request.Context(), h.logger, "Failed to get payment", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get payment"})
		return
	}

	c.JSON(http.StatusOK, paymentResponse(p))
}

func (h *Handler) refund(c *gin.Context) {
	p, err := h.processor.Refund(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		switch {
		case errors.Is(err, ErrPaymentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		case errors.Is(err, ErrInvalidStateTransition):
			c.JSON(http.StatusConflict, gin.H{"error": "payment is not refundable"})
		default:
			tracelog.Error(c.Request.Context(), h.logger, "Failed to refund payment", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to refund payment"})
		}

		return
	}

	c.JSON(http.StatusOK, paymentResponse(p))
}

func paymentResponse(p *Payment) gin.H {
	return gin.H{
		"paymentId":     p.ID,
		"orderId":       p.OrderID,
		"userId":        p.UserID,
		"amount":        p.Amount,
		"method":        p.Method,
		"status":        p.Status,
		"transactionId": p.TransactionID,
		"failureReason": p.FailureReason,
		"createdAt":     p.CreatedAt,
		"updatedAt":     p.UpdatedAt,
	}
}
