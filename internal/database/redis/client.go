// Package redis provides hot-state caching for the mining coordinator: the
// active template, per-template solved markers, and worker hashrate samples.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for the coordinator
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Active template cache

// ActiveTemplate mirrors the template fields downstream readers need.
type ActiveTemplate struct {
	TemplateID  uint64    `json:"template_id"`
	BlockHeight int64     `json:"block_height"`
	Target      string    `json:"target"`
	NonceSpace  uint64    `json:"nonce_space"`
	ActivatedAt time.Time `json:"activated_at"`
}

// SetActiveTemplate stores the currently mined template
func (c *Client) SetActiveTemplate(ctx context.Context, tmpl *ActiveTemplate) error {
	jsonData, err := json.Marshal(tmpl)
	if err != nil {
		return fmt.Errorf("failed to marshal template: %w", err)
	}

	if err := c.rdb.Set(ctx, "template:active", jsonData, 0).Err(); err != nil {
		return fmt.Errorf("failed to set active template: %w", err)
	}

	return nil
}

// GetActiveTemplate retrieves the currently mined template
func (c *Client) GetActiveTemplate(ctx context.Context) (*ActiveTemplate, error) {
	jsonData, err := c.rdb.Get(ctx, "template:active").Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("no active template")
		}
		return nil, fmt.Errorf("failed to get active template: %w", err)
	}

	tmpl := &ActiveTemplate{}
	if err := json.Unmarshal([]byte(jsonData), tmpl); err != nil {
		return nil, fmt.Errorf("failed to unmarshal template: %w", err)
	}

	return tmpl, nil
}

// Solved markers

// MarkSolved sets the solved marker for a template. Returns false when the
// marker already existed, so cross-process duplicate submissions can be
// suppressed.
func (c *Client) MarkSolved(ctx context.Context, templateID uint64, expiration time.Duration) (bool, error) {
	key := fmt.Sprintf("solved:%d", templateID)
	set, err := c.rdb.SetNX(ctx, key, time.Now().Unix(), expiration).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark solved: %w", err)
	}
	return set, nil
}

// IsSolved reports whether a template has a solved marker
func (c *Client) IsSolved(ctx context.Context, templateID uint64) (bool, error) {
	key := fmt.Sprintf("solved:%d", templateID)
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check solved marker: %w", err)
	}
	return n > 0, nil
}

// Worker hashrate tracking

// SetWorkerHashrate stores a worker's current hashrate with expiration
func (c *Client) SetWorkerHashrate(ctx context.Context, workerID string, hashrate float64, expiration time.Duration) error {
	key := fmt.Sprintf("hashrate:%s", workerID)
	if err := c.rdb.Set(ctx, key, hashrate, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set hashrate: %w", err)
	}
	return nil
}

// GetWorkerHashrate retrieves a worker's last reported hashrate
func (c *Client) GetWorkerHashrate(ctx context.Context, workerID string) (float64, error) {
	key := fmt.Sprintf("hashrate:%s", workerID)
	hashrate, err := c.rdb.Get(ctx, key).Float64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get hashrate: %w", err)
	}
	return hashrate, nil
}

// GetFleetHashrate sums the hashrates of the given workers
func (c *Client) GetFleetHashrate(ctx context.Context, workerIDs []string) (float64, error) {
	if len(workerIDs) == 0 {
		return 0, nil
	}

	keys := make([]string, len(workerIDs))
	for i, id := range workerIDs {
		keys[i] = fmt.Sprintf("hashrate:%s", id)
	}

	values, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get fleet hashrate: %w", err)
	}

	var total float64
	for _, v := range values {
		if s, ok := v.(string); ok {
			var rate float64
			if _, err := fmt.Sscanf(s, "%g", &rate); err == nil {
				total += rate
			}
		}
	}
	return total, nil
}

// Counters

// IncrCounter increments a named counter
func (c *Client) IncrCounter(ctx context.Context, name string) (int64, error) {
	n, err := c.rdb.Incr(ctx, fmt.Sprintf("counter:%s", name)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return n, nil
}

// GetCounter reads a named counter
func (c *Client) GetCounter(ctx context.Context, name string) (int64, error) {
	n, err := c.rdb.Get(ctx, fmt.Sprintf("counter:%s", name)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return n, nil
}
