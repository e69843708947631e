package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	eventsKeyFmt = "flashback:task:%s:events"
	statusKeyFmt = "flashback:task:%s:status"
)

// ProgressCache keeps the event log and the latest status of each task run so
// a caller that lost its connection can catch up.
type ProgressCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewProgressCache(rdb *redis.Client, ttl time.Duration) *ProgressCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ProgressCache{rdb: rdb, ttl: ttl}
}

// Record appends one event. Events with a "status" field also update the status snapshot.
func (c *ProgressCache) Record(ctx context.Context, taskID string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode progress event: %w", err)
	}
	var head struct {
		Status string `json:"status"`
	}
	_ = json.Unmarshal(data, &head)

	eventsKey := fmt.Sprintf(eventsKeyFmt, taskID)
	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, eventsKey, data)
	pipe.Expire(ctx, eventsKey, c.ttl)
	if head.Status != "" {
		statusKey := fmt.Sprintf(statusKeyFmt, taskID)
		pipe.Set(ctx, statusKey, head.Status, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record progress event: %w", err)
	}
	return nil
}

// Reset drops the log of a previous run.
func (c *ProgressCache) Reset(ctx context.Context, taskID string) error {
	return c.rdb.Del(ctx, fmt.Sprintf(eventsKeyFmt, taskID), fmt.Sprintf(statusKeyFmt, taskID)).Err()
}

// Events returns the recorded events in emission order.
func (c *ProgressCache) Events(ctx context.Context, taskID string) ([]json.RawMessage, error) {
	raw, err := c.rdb.LRange(ctx, fmt.Sprintf(eventsKeyFmt, taskID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read progress events: %w", err)
	}
	events := make([]json.RawMessage, 0, len(raw))
	for _, r := range raw {
		events = append(events, json.RawMessage(r))
	}
	return events, nil
}

// LastStatus returns "" when nothing was recorded.
func (c *ProgressCache) LastStatus(ctx context.Context, taskID string) (string, error) {
	status, err := c.rdb.Get(ctx, fmt.Sprintf(statusKeyFmt, taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read progress status: %w", err)
	}
	return status, nil
}
