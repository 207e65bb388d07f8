package inventory

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopcraft/fulfillment/pkg/tracelog"
	"go.uber.org/zap"
)

type Handler struct {
	engine *Engine
	reader StockReader
	logger *zap.Logger
}

func NewHandler(engine *Engine, reader StockReader, logger *zap.Logger) *Handler {
	return &Handler{
		engine: engine,
		reader: reader,
		logger: logger,
	}
}

func (h *Handler) Register(r *gin.Engine) {
	r.POST("/products", h.createProduct)
	r.GET("/products/:id/stock", h.getStock)
	r.PUT("/products/:id/stock", h.setStock)
}

type createProductRequest struct {
	Name     string `json:"name" binding:"required"`
	Price    int64  `json:"price" binding:"required,gt=0"`
	Quantity int64  `json:"quantity" binding:"gte=0"`
}

func (h *Handler) createProduct(c *gin.Context) {
	var req createProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.engine.CreateProduct(c.Request.Context(), req.Name, req.Price, req.Quantity)
	if err != nil {
		tracelog.Error(c.Request.Context(), h.logger, "Failed to create product", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create product"})
		return
	}

	c.JSON(http.StatusCreated, stockResponse(rec))
}

func (h *Handler) getStock(c *gin.Context) {
	rec, err := h.reader.GetStock(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrProductNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "product not found"})
			return
		}

		tracelog.Error(c.Request.Context(), h.logger, "Failed to get stock", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get stock"})
		return
	}

	c.JSON(http.StatusOK, stockResponse(rec))
}

type setStockRequest struct {
	Quantity int64 `json:"quantity" binding:"gte=0"`
}

func (h *Handler) setStock(c *gin.Context) {
	var req setStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.engine.SetStock(c.Request.Context(), c.Param("id"), req.Quantity)
	if err != nil {
		if errors.Is(err, ErrProductNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "product not found"})
			return
		}

		tracelog.Error(c.Request.Context(), h.logger, "Failed to set stock", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to set stock"})
		return
	}

	c.JSON(http.StatusOK, stockResponse(rec))
}

func stockResponse(rec *StockRecord) gin.H {
	return gin.H{
		"productId": rec.ProductID,
		"name":      rec.Name,
		"price":     rec.Price,
		"available": rec.Available,
		"updatedAt": rec.UpdatedAt,
	}
}
