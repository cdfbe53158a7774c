package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"alumniportal/internal/model"
)

// HistoryCache keeps rendered chat histories in Redis for a short TTL. An
// invalidated session also carries a dirty marker so a racing read-through
// Set cannot repopulate the key with a stale snapshot.
//
// The cache is best-effort: Redis failures are logged and treated as misses,
// never surfaced to the chat flow.
type HistoryCache struct {
	client         *redisv9.Client
	historyTTL     time.Duration
	dirtyMarkerTTL time.Duration
}

func NewHistoryCache(client *redisv9.Client, historyTTL, dirtyMarkerTTL time.Duration) *HistoryCache {
	if historyTTL <= 0 {
		historyTTL = 60 * time.Second
	}
	if dirtyMarkerTTL <= 0 {
		dirtyMarkerTTL = 5 * time.Second
	}
	return &HistoryCache{
		client:         client,
		historyTTL:     historyTTL,
		dirtyMarkerTTL: dirtyMarkerTTL,
	}
}

func (c *HistoryCache) Get(ctx context.Context, sessionID uint) ([]model.ChatMessage, bool) {
	raw, err := c.client.Get(ctx, c.historyKey(sessionID)).Result()
	if err == redisv9.Nil {
		return nil, false
	}
	if err != nil {
		log.Printf("history cache get session %d: %v", sessionID, err)
		return nil, false
	}

	var messages []model.ChatMessage
	if err := json.Unmarshal([]byte(raw), &messages); err != nil {
		log.Printf("history cache decode session %d: %v", sessionID, err)
		return nil, false
	}
	return messages, true
}

func (c *HistoryCache) Set(ctx context.Context, sessionID uint, messages []model.ChatMessage) {
	dirty, err := c.client.Exists(ctx, c.dirtyKey(sessionID)).Result()
	if err != nil {
		log.Printf("history cache dirty check session %d: %v", sessionID, err)
		return
	}
	if dirty > 0 {
		return
	}

	payload, err := json.Marshal(messages)
	if err != nil {
		log.Printf("history cache encode session %d: %v", sessionID, err)
		return
	}
	if err := c.client.Set(ctx, c.historyKey(sessionID), payload, c.historyTTL).Err(); err != nil {
		log.Printf("history cache set session %d: %v", sessionID, err)
	}
}

func (c *HistoryCache) Invalidate(ctx context.Context, sessionID uint) {
	if err := c.client.Set(ctx, c.dirtyKey(sessionID), "1", c.dirtyMarkerTTL).Err(); err != nil {
		log.Printf("history cache mark dirty session %d: %v", sessionID, err)
	}
	if err := c.client.Del(ctx, c.historyKey(sessionID)).Err(); err != nil {
		log.Printf("history cache invalidate session %d: %v", sessionID, err)
	}
}

func (c *HistoryCache) historyKey(sessionID uint) string {
	return fmt.Sprintf("chat:history:%d", sessionID)
}

func (c *HistoryCache) dirtyKey(sessionID uint) string {
	return fmt.Sprintf("chat:history:dirty:%d", sessionID)
}
