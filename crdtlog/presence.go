package crdtlog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// PresenceStore holds the ephemeral awareness state (cursors, selections,
// user metadata) clients exchange on the update pipeline. Entries expire
// after a TTL so a vanished client disappears without an explicit leave.
type PresenceStore interface {
	// Set stores a client's presence JSON for a page, refreshing its TTL.
	Set(ctx context.Context, pageID, clientID, presenceJSON string) error

	// List returns the live presence entries for a page, keyed by client id.
	List(ctx context.Context, pageID string) (map[string]string, error)

	// Remove drops a client's presence entry.
	Remove(ctx context.Context, pageID, clientID string) error

	// Close releases store resources.
	Close() error
}

const presenceKeyPrefix = "collab:presence"

func presenceKey(pageID, clientID string) string {
	return fmt.Sprintf("%s:%s:%s", presenceKeyPrefix, pageID, clientID)
}

// RedisPresence is the redis-backed presence store. TTL handling is native:
// every Set refreshes the key's expiry.
type RedisPresence struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPresence creates a presence store over an existing redis client.
func NewRedisPresence(client *redis.Client, ttl time.Duration) (*RedisPresence, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisPresence{client: client, ttl: ttl}, nil
}

func (p *RedisPresence) Set(ctx context.Context, pageID, clientID, presenceJSON string) error {
	if err := p.client.Set(ctx, presenceKey(pageID, clientID), presenceJSON, p.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}
	return nil
}

func (p *RedisPresence) List(ctx context.Context, pageID string) (map[string]string, error) {
	pattern := fmt.Sprintf("%s:%s:*", presenceKeyPrefix, pageID)
	keys, err := p.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list presence keys: %w", err)
	}

	entries := make(map[string]string, len(keys))
	for _, key := range keys {
		value, err := p.client.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				continue // expired between KEYS and GET
			}
			return nil, fmt.Errorf("failed to get presence entry: %w", err)
		}
		clientID := key[strings.LastIndex(key, ":")+1:]
		entries[clientID] = value
	}
	return entries, nil
}

func (p *RedisPresence) Remove(ctx context.Context, pageID, clientID string) error {
	if err := p.client.Del(ctx, presenceKey(pageID, clientID)).Err(); err != nil {
		return fmt.Errorf("failed to remove presence: %w", err)
	}
	return nil
}

func (p *RedisPresence) Close() error {
	return p.client.Close()
}

// MemoryPresence is the in-process fallback used when redis is not
// configured. Expiry is checked lazily on read.
type MemoryPresence struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]memoryPresenceEntry // key -> entry
}

type memoryPresenceEntry struct {
	pageID    string
	clientID  string
	json      string
	expiresAt time.Time
}

// NewMemoryPresence creates an in-memory presence store.
func NewMemoryPresence(ttl time.Duration) *MemoryPresence {
	return &MemoryPresence{
		ttl:     ttl,
		entries: make(map[string]memoryPresenceEntry),
	}
}

func (p *MemoryPresence) Set(_ context.Context, pageID, clientID, presenceJSON string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[presenceKey(pageID, clientID)] = memoryPresenceEntry{
		pageID:    pageID,
		clientID:  clientID,
		json:      presenceJSON,
		expiresAt: time.Now().Add(p.ttl),
	}
	return nil
}

func (p *MemoryPresence) List(_ context.Context, pageID string) (map[string]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := time.Now()
	entries := make(map[string]string)
	for _, e := range p.entries {
		if e.pageID != pageID || now.After(e.expiresAt) {
			continue
		}
		entries[e.clientID] = e.json
	}
	return entries, nil
}

func (p *MemoryPresence) Remove(_ context.Context, pageID, clientID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, presenceKey(pageID, clientID))
	return nil
}

func (p *MemoryPresence) Close() error {
	return nil
}
