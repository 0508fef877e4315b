package auction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// CountdownConfig holds the reconciler's cadence and the grace delay
// between local expiry and the authoritative refetch.
type CountdownConfig struct {
	Interval time.Duration
	Grace    time.Duration
}

// DefaultCountdownConfig returns the default countdown configuration.
func DefaultCountdownConfig() CountdownConfig {
	return CountdownConfig{
		Interval: time.Second,
		Grace:    2 * time.Second,
	}
}

// DeadlineFunc reads the authoritative instant to count down to. It is
// called on every tick so the countdown always reconciles against live
// state: a push event can move the deadline mid-countdown (anti-snipe) and
// a value captured at creation time would go stale. ok=false means this
// countdown is not relevant to the current lifecycle state.
type DeadlineFunc func() (deadline time.Time, ok bool)

// CountdownHooks are the countdown's outbound notifications.
type CountdownHooks struct {
	// OnTick fires once per interval with the remaining duration.
	OnTick func(remaining time.Duration)
	// OnProcessing fires when the local clock reaches zero, before the
	// refetch. The UI shows a transitional label; the lifecycle state has
	// NOT changed yet.
	OnProcessing func()
	// Resync forces the single authoritative refetch after the grace
	// delay. Client and server clocks drift, and the deadline itself may
	// have moved, so expiry is never declared on the local clock alone.
	Resync func(ctx context.Context) error
}

// Countdown derives a remaining-time display from an authoritative instant
// without polling the server every tick. On reaching zero it does not trust
// itself: it stops, waits the grace delay and triggers exactly one resync.
type Countdown struct {
	clock  clockwork.Clock
	config CountdownConfig
	read   DeadlineFunc
	hooks  CountdownHooks

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// NewCountdown creates a stopped countdown.
func NewCountdown(clock clockwork.Clock, config CountdownConfig, read DeadlineFunc, hooks CountdownHooks) *Countdown {
	return &Countdown{
		clock:  clock,
		config: config,
		read:   read,
		hooks:  hooks,
	}
}

// Start begins ticking. A countdown runs at most once; after expiry or Stop
// it stays stopped and the view creates a fresh one for the next deadline.
func (c *Countdown) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	go c.run(runCtx)
}

// Stop cancels the countdown. Safe to call multiple times.
func (c *Countdown) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Running reports whether the ticker is live.
func (c *Countdown) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Countdown) run(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	ticker := c.clock.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			deadline, ok := c.read()
			if !ok || deadline.IsZero() {
				// Not relevant to the current lifecycle state.
				continue
			}

			remaining := deadline.Sub(c.clock.Now())
			if remaining > 0 {
				if c.hooks.OnTick != nil {
					c.hooks.OnTick(remaining)
				}
				continue
			}

			// Local clock says expired. Stop ticking and confirm with the
			// server after the grace delay.
			ticker.Stop()
			if c.hooks.OnProcessing != nil {
				c.hooks.OnProcessing()
			}

			select {
			case <-ctx.Done():
				return
			case <-c.clock.After(c.config.Grace):
			}

			if c.hooks.Resync != nil {
				if err := c.hooks.Resync(ctx); err != nil {
					// Known gap: the view stays on the transitional label.
					log.Error().Err(err).Msg("post-expiry resync failed")
				}
			}
			return
		}
	}
}

// FormatRemaining renders a remaining duration the way the auction views
// display it, e.g. "1d 3h 04m 09s".
func FormatRemaining(remaining time.Duration) string {
	if remaining < 0 {
		remaining = 0
	}
	days := int(remaining.Hours()) / 24
	hours := int(remaining.Hours()) % 24
	minutes := int(remaining.Minutes()) % 60
	seconds := int(remaining.Seconds()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %02dm %02ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %02dm %02ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%02dm %02ds", minutes, seconds)
}
