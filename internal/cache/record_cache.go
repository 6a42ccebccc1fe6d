package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ncecere/usage_insights/internal/models"
	"github.com/ncecere/usage_insights/internal/timeutil"
)

// RecordCache is a short-lived Redis tier in front of the durable store.
// It only ever serves whole serialized records; freshness decisions still
// run on the record fields, so this tier cannot extend a stale record's
// life. All methods degrade to no-ops when Redis is unavailable.
type RecordCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRecordCache(client *redis.Client, ttl time.Duration) *RecordCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RecordCache{client: client, ttl: ttl}
}

func (c *RecordCache) Get(ctx context.Context, day timeutil.Day) *models.CacheRecord {
	if c == nil || c.client == nil {
		return nil
	}
	data, err := c.client.Get(ctx, c.key(day)).Bytes()
	if err != nil {
		return nil
	}
	var record models.CacheRecord
	if err := json.Unmarshal(data, &record); err != nil {
		slog.Warn("discard corrupt cached day record", slog.String("date", day.String()), slog.String("error", err.Error()))
		c.client.Del(ctx, c.key(day))
		return nil
	}
	return &record
}

func (c *RecordCache) Set(ctx context.Context, record *models.CacheRecord) {
	if c == nil || c.client == nil || record == nil {
		return
	}
	day, err := timeutil.ParseDay(record.Date)
	if err != nil {
		return
	}
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	c.client.Set(ctx, c.key(day), data, c.ttl)
}

func (c *RecordCache) Invalidate(ctx context.Context, day timeutil.Day) {
	if c == nil || c.client == nil {
		return
	}
	c.client.Del(ctx, c.key(day))
}

func (c *RecordCache) key(day timeutil.Day) string {
	return "dayrec:" + day.String()
}
