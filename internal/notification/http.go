package notification

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopcraft/fulfillment/pkg/tracelog"
	"go.uber.org/zap"
)

type Handler struct {
	dispatcher *Dispatcher
	logger     *zap.Logger
}

func NewHandler(dispatcher *Dispatcher, logger *zap.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		logger:     logger,
	}
}

func (h *Handler) Register(r *gin.Engine) {
	r.GET("/notifications", h.listNotifications)
}

func (h *Handler) listNotifications(c *gin.Context) {
	orderID := c.Query("orderId")
	if orderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "orderId query parameter is required"})
		return
	}

	notifications, err := h.dispatcher.NotificationsByOrder(c.Request.Context(), orderID)
	if err != nil {
		tracelog.Error(c.Request.Context(), h.logger, "Failed to list notifications", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list notifications"})
		return
	}

	out := make([]gin.H, 0, len(notifications))
	for _, n := range notifications {
		out = append(out, gin.H{
			"notificationId": n.ID,
			"orderId":        n.OrderID,
			"userId":         n.UserID,
			"type":           n.Type,
			"status":         n.Status,
			"subject":        n.Subject,
			"createdAt":      n.CreatedAt,
			"sentAt":         n.SentAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"notifications": out})
}
