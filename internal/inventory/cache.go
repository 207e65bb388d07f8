package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopcraft/fulfillment/pkg/bus"
	"github.com/shopcraft/fulfillment/pkg/events"
	"github.com/shopcraft/fulfillment/pkg/tracelog"
	"go.uber.org/zap"
)

// StockReader is the read side served to the HTTP surface.
type StockReader interface {
	GetStock(ctx context.Context, productID string) (*StockRecord, error)
}

// CachedStockReader is a read-through Redis cache over stock lookups,
// invalidated by the StockChanged stream rather than by TTL alone.
type CachedStockReader struct {
	next   StockReader
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedStockReader(next StockReader, client *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedStockReader {
	return &CachedStockReader{
		next:   next,
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

func (c *CachedStockReader) GetStock(ctx context.Context, productID string) (*StockRecord, error) {
	key := cacheKey(productID)

	val, err := c.client.Get(ctx, key).Result()
	if err == nil {
		var rec StockRecord
		if err := json.Unmarshal([]byte(val), &rec); err == nil {
			return &rec, nil
		}
	}

	rec, err := c.next.GetStock(ctx, productID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(rec); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			tracelog.Warn(ctx, c.logger, "Failed to populate stock cache",
				zap.String("product_id", productID),
				zap.Error(err),
			)
		}
	}

	return rec, nil
}

// Start subscribes to stock changes and drops the affected cache entries.
func (c *CachedStockReader) Start(ctx context.Context, b bus.Bus) error {
	return b.Subscribe(ctx, events.TopicInventoryUpdates, "inventory-cache", func(ctx context.Context, env *events.Envelope) error {
		if env.Type != events.TypeStockChanged {
			return nil
		}

		var ev events.StockChanged
		if err := env.Decode(&ev); err != nil {
			tracelog.Warn(ctx, c.logger, "Error decoding StockChanged", zap.Error(err))
			return nil
		}

		if err := c.client.Del(ctx, cacheKey(ev.ProductID)).Err(); err != nil {
			tracelog.Warn(ctx, c.logger, "Failed to invalidate stock cache",
				zap.String("product_id", ev.ProductID),
				zap.Error(err),
			)
		}

		return nil
	})
}

func cacheKey(productID string) string {
	return fmt.Sprintf("stock:%s", productID)
}
