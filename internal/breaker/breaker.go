package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/eternisai/notify-relay/internal/logger"
	"github.com/eternisai/notify-relay/internal/subscriptions"
)

// State of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a breaker.
type Config struct {
	// Window is the span over which the failure rate is measured.
	Window time.Duration
	// FailureRate trips the breaker when reached with at least MinSamples outcomes.
	FailureRate float64
	MinSamples  int
	// Cooldown is how long the breaker stays open before probing. It doubles
	// after each failed probe up to MaxCooldown.
	Cooldown    time.Duration
	MaxCooldown time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Window:      5 * time.Minute,
		FailureRate: 0.5,
		MinSamples:  10,
		Cooldown:    60 * time.Second,
		MaxCooldown: 10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.FailureRate <= 0 || c.FailureRate > 1 {
		c.FailureRate = d.FailureRate
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = d.MaxCooldown
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = c.Cooldown
	}
	return c
}

const bucketCount = 10

type bucket struct {
	start     time.Time
	successes int
	failures  int
}

// Permit is returned by Allow and must be handed back to exactly one of
// RecordSuccess, RecordFailure or Release.
type Permit struct {
	generation uint64
	probe      bool
}

// Probe reports whether this permit is the single half-open trial call.
func (p Permit) Probe() bool {
	return p.probe
}

// Snapshot is a point-in-time view of a breaker for admin reads and metrics.
type Snapshot struct {
	Channel     subscriptions.ChannelType `json:"channel"`
	State       string                    `json:"state"`
	Successes   int                       `json:"successes"`
	Failures    int                       `json:"failures"`
	OpenedAt    *time.Time                `json:"openedAt,omitempty"`
	CooldownMs  int64                     `json:"cooldownMs"`
	NextProbeAt *time.Time                `json:"nextProbeAt,omitempty"`
}

// Breaker isolates one channel type. It is safe for concurrent use.
type Breaker struct {
	channel  subscriptions.ChannelType
	cfg      Config
	now      func() time.Time
	onChange func(channel subscriptions.ChannelType, from, to State)
	logger   *logger.Logger

	mu            sync.Mutex
	state         State
	generation    uint64
	buckets       [bucketCount]bucket
	openedAt      time.Time
	cooldown      time.Duration
	probeInFlight bool
}

func newBreaker(channel subscriptions.ChannelType, cfg Config, opts options) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		channel:  channel,
		cfg:      cfg,
		now:      opts.now,
		onChange: opts.onChange,
		logger:   opts.logger.WithComponent("breaker").WithChannel(string(channel)),
		cooldown: cfg.Cooldown,
	}
}

// Channel returns the channel type this breaker guards.
func (b *Breaker) Channel() subscriptions.ChannelType {
	return b.channel
}

// Allow reports whether a call may go through. While open it always refuses;
// once the cooldown has elapsed it admits exactly one probe at a time.
func (b *Breaker) Allow() (Permit, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.advance(now)

	switch b.state {
	case StateClosed:
		return Permit{generation: b.generation}, true
	case StateHalfOpen:
		if b.probeInFlight {
			return Permit{}, false
		}
		b.probeInFlight = true
		return Permit{generation: b.generation, probe: true}, true
	default:
		return Permit{}, false
	}
}

// RecordSuccess reports a delivered call.
func (b *Breaker) RecordSuccess(p Permit) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p.generation != b.generation {
		return
	}
	now := b.now()

	switch b.state {
	case StateClosed:
		b.bucketAt(now).successes++
	case StateHalfOpen:
		if p.probe {
			b.probeInFlight = false
			b.transition(StateClosed, now)
		}
	}
}

// RecordFailure reports a transient failure of the channel.
func (b *Breaker) RecordFailure(p Permit) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p.generation != b.generation {
		return
	}
	now := b.now()

	switch b.state {
	case StateClosed:
		b.bucketAt(now).failures++
		successes, failures := b.counts(now)
		total := successes + failures
		if total >= b.cfg.MinSamples && float64(failures)/float64(total) >= b.cfg.FailureRate {
			b.cooldown = b.cfg.Cooldown
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		if p.probe {
			b.probeInFlight = false
			b.cooldown = min(b.cooldown*2, b.cfg.MaxCooldown)
			b.transition(StateOpen, now)
		}
	}
}

// Release returns a permit without counting it, e.g. for an outcome that says
// nothing about channel health. A released probe lets the next call probe.
func (b *Breaker) Release(p Permit) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p.generation == b.generation && p.probe && b.state == StateHalfOpen {
		b.probeInFlight = false
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance(b.now())
	return b.state
}

// Snapshot returns the breaker's current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.advance(now)

	successes, failures := b.counts(now)
	snap := Snapshot{
		Channel:    b.channel,
		State:      b.state.String(),
		Successes:  successes,
		Failures:   failures,
		CooldownMs: b.cooldown.Milliseconds(),
	}
	if b.state != StateClosed {
		openedAt := b.openedAt
		nextProbe := b.openedAt.Add(b.cooldown)
		snap.OpenedAt = &openedAt
		snap.NextProbeAt = &nextProbe
	}
	return snap
}

// advance moves an open breaker to half-open once its cooldown has elapsed.
func (b *Breaker) advance(now time.Time) {
	if b.state == StateOpen && !now.Before(b.openedAt.Add(b.cooldown)) {
		b.transition(StateHalfOpen, now)
	}
}

func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	b.state = to
	b.generation++

	switch to {
	case StateOpen:
		b.openedAt = now
		b.logger.Warn("circuit breaker opened",
			slog.String("from", from.String()),
			slog.Duration("cooldown", b.cooldown))
	case StateHalfOpen:
		b.logger.Info("circuit breaker half-open, awaiting probe")
	case StateClosed:
		b.buckets = [bucketCount]bucket{}
		b.cooldown = b.cfg.Cooldown
		b.openedAt = time.Time{}
		b.logger.Info("circuit breaker closed")
	}

	if b.onChange != nil {
		b.onChange(b.channel, from, to)
	}
}

func (b *Breaker) bucketWidth() time.Duration {
	return b.cfg.Window / bucketCount
}

// bucketAt returns the bucket covering now, recycling it if it is stale.
func (b *Breaker) bucketAt(now time.Time) *bucket {
	width := b.bucketWidth()
	start := now.Truncate(width)
	idx := int((start.UnixNano() / int64(width)) % bucketCount)
	bk := &b.buckets[idx]
	if !bk.start.Equal(start) {
		*bk = bucket{start: start}
	}
	return bk
}

// counts sums outcomes whose bucket lies inside the window ending at now.
func (b *Breaker) counts(now time.Time) (successes, failures int) {
	cutoff := now.Add(-b.cfg.Window)
	for _, bk := range b.buckets {
		if bk.start.IsZero() || !bk.start.After(cutoff) {
			continue
		}
		successes += bk.successes
		failures += bk.failures
	}
	return successes, failures
}
