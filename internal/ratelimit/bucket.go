// Package ratelimit paces work: a token bucket guards per-connection inbound
// frame rates and a Gate serializes generation admissions across sessions.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures a token bucket.
type Config struct {
	// RequestsPerSecond is the sustained refill rate.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// BurstSize is the bucket capacity.
	BurstSize int `yaml:"burst_size"`
	// Enabled controls whether the bucket is applied at all.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the inbound frame limits used for ink connections.
// A stylus at 240 Hz with cursor updates stays well inside them.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 400,
		BurstSize:         800,
		Enabled:           true,
	}
}

// Bucket implements token bucket rate limiting. A nil *Bucket allows
// everything.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewBucket creates a bucket, or returns nil when config is disabled.
func NewBucket(config Config) *Bucket {
	if !config.Enabled {
		return nil
	}
	return newBucketAt(config, time.Now)
}

func newBucketAt(config Config, now func() time.Time) *Bucket {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}
	if config.BurstSize <= 0 {
		config.BurstSize = int(config.RequestsPerSecond * 2)
	}
	return &Bucket{
		tokens:     float64(config.BurstSize),
		maxTokens:  float64(config.BurstSize),
		refillRate: config.RequestsPerSecond,
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes a token if one is available.
func (b *Bucket) Allow() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Tokens returns the currently available tokens.
func (b *Bucket) Tokens() float64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// WaitTime returns how long until the next token is available.
func (b *Bucket) WaitTime() time.Duration {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		return 0
	}
	needed := 1 - b.tokens
	return time.Duration(needed / b.refillRate * float64(time.Second))
}

// refill must be called with the lock held.
func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.lastRefill = now
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}
