// Package clock keeps a device clock anchored to the authority's time so
// grace-period math cannot be gamed by winding the local clock back.
package clock

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMaxAnchorAge is how long an anchor stays trusted without a
// re-sync.
const DefaultMaxAnchorAge = 72 * time.Hour

// TimeSource provides the authority's current time.
type TimeSource interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// Clock is a drift-corrected view of time. Now() applies the last known
// offset between the authority clock and the local clock; Trusted()
// reports whether that anchor is still fresh enough to rely on.
type Clock struct {
	mu           sync.RWMutex
	offset       time.Duration
	anchoredAt   time.Time
	maxAnchorAge time.Duration
	logger       zerolog.Logger
}

// New creates a Clock with no anchor yet.
func New(maxAnchorAge time.Duration, logger zerolog.Logger) *Clock {
	if maxAnchorAge <= 0 {
		maxAnchorAge = DefaultMaxAnchorAge
	}
	return &Clock{
		maxAnchorAge: maxAnchorAge,
		logger:       logger.With().Str("component", "clock").Logger(),
	}
}

// Anchor records the offset between the authority's clock and the local
// clock as of now.
func (c *Clock) Anchor(serverNow time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	local := time.Now()
	c.offset = serverNow.Sub(local)
	c.anchoredAt = local

	if abs(c.offset) > time.Minute {
		c.logger.Warn().Dur("offset", c.offset).Msg("large clock drift detected")
	}
}

// Restore re-installs a persisted anchor, e.g. across daemon restarts.
func (c *Clock) Restore(offset time.Duration, anchoredAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = offset
	c.anchoredAt = anchoredAt
}

// Snapshot returns the current anchor for persistence.
func (c *Clock) Snapshot() (offset time.Duration, anchoredAt time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset, c.anchoredAt
}

// Now returns the drift-corrected current time. With no anchor it falls
// back to the local clock.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Add(c.offset)
}

// Trusted reports whether the anchor is fresh enough for billing math.
// Callers must not extend grace windows on an untrusted clock.
func (c *Clock) Trusted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.anchoredAt.IsZero() && time.Since(c.anchoredAt) <= c.maxAnchorAge
}

// Sync fetches the authority's time and re-anchors. Transient failures
// leave the previous anchor in place.
func (c *Clock) Sync(ctx context.Context, source TimeSource) error {
	serverNow, err := source.ServerTime(ctx)
	if err != nil {
		return err
	}
	c.Anchor(serverNow)
	c.logger.Debug().Time("server_now", serverNow).Msg("clock re-anchored")
	return nil
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
