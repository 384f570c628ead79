// Package throttle tracks process-local rate-limit windows per upstream.
package throttle

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/vectorroulette/internal/asset"
	"github.com/JakeFAU/vectorroulette/internal/metrics"
)

// Status is the client-facing view of an upstream's throttle state.
type Status struct {
	IsLimited        bool       `json:"isLimited"`
	SecondsRemaining int        `json:"secondsRemaining"`
	LimitedUntil     *time.Time `json:"limitedUntil"`
}

// Coordinator holds one expiry per key. Keys are an upstream name or "<upstream>/<scope>".
type Coordinator struct {
	mu      sync.Mutex
	windows map[string]time.Time
	clock   asset.Clock
	logger  *zap.Logger
}

// New builds a Coordinator.
func New(clock asset.Clock, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		windows: make(map[string]time.Time),
		clock:   clock,
		logger:  logger.Named("throttle"),
	}
}

// ScopedKey joins an upstream and a scope into a window key.
func ScopedKey(upstream asset.Source, scope string) string {
	if scope == "" {
		return string(upstream)
	}
	return string(upstream) + "/" + scope
}

// MarkThrottled sets the key's expiry to now+window, replacing whatever was there,
// including a later expiry.
func (c *Coordinator) MarkThrottled(key string, window time.Duration) time.Time {
	expires := c.clock.Now().Add(window)
	c.mu.Lock()
	c.windows[key] = expires
	c.mu.Unlock()

	metrics.ObserveThrottleMark(key)
	c.logger.Info("throttle window set", zap.String("key", key), zap.Time("expires_at", expires))
	return expires
}

// IsThrottled reports whether the key's window is still open.
func (c *Coordinator) IsThrottled(key string) bool {
	return c.Remaining(key) > 0
}

// Remaining returns the time left on the key's window, or zero.
func (c *Coordinator) Remaining(key string) time.Duration {
	c.mu.Lock()
	expires, ok := c.windows[key]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	if left := expires.Sub(c.clock.Now()); left > 0 {
		return left
	}
	return 0
}

// Status reports the latest window among the upstream itself and every scope under it.
func (c *Coordinator) Status(upstream asset.Source) Status {
	now := c.clock.Now()
	prefix := string(upstream) + "/"

	var latest time.Time
	c.mu.Lock()
	for key, expires := range c.windows {
		if key != string(upstream) && !strings.HasPrefix(key, prefix) {
			continue
		}
		if expires.After(latest) {
			latest = expires
		}
	}
	c.mu.Unlock()

	return statusAt(now, latest)
}

// StatusMax reports the latest window across every tracked key.
func (c *Coordinator) StatusMax() Status {
	now := c.clock.Now()

	var latest time.Time
	c.mu.Lock()
	for _, expires := range c.windows {
		if expires.After(latest) {
			latest = expires
		}
	}
	c.mu.Unlock()

	return statusAt(now, latest)
}

// Keys returns the keys with open windows, sorted.
func (c *Coordinator) Keys() []string {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.windows))
	for key, expires := range c.windows {
		if expires.After(now) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func statusAt(now, expires time.Time) Status {
	left := expires.Sub(now)
	if expires.IsZero() || left <= 0 {
		return Status{}
	}
	until := expires.UTC()
	return Status{
		IsLimited:        true,
		SecondsRemaining: int(math.Ceil(left.Seconds())),
		LimitedUntil:     &until,
	}
}
