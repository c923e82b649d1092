package breaker

import (
	"log/slog"
	"time"

	"github.com/eternisai/notify-relay/internal/logger"
	"github.com/eternisai/notify-relay/internal/subscriptions"
)

type options struct {
	now      func() time.Time
	onChange func(channel subscriptions.ChannelType, from, to State)
	logger   *logger.Logger
}

// Option customizes a Registry.
type Option func(*options)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithStateHook is called, under the breaker's lock, on every transition.
func WithStateHook(fn func(channel subscriptions.ChannelType, from, to State)) Option {
	return func(o *options) { o.onChange = fn }
}

// WithLogger sets the logger used for transition logs.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Registry owns one breaker per channel type. Build it once at startup and
// pass it to the components that deliver.
type Registry struct {
	breakers map[subscriptions.ChannelType]*Breaker
	order    []subscriptions.ChannelType
}

// NewRegistry creates a breaker for each channel in channels. Per-channel
// overrides replace cfg for that channel.
func NewRegistry(cfg Config, overrides map[subscriptions.ChannelType]Config, channels []subscriptions.ChannelType, opts ...Option) *Registry {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.New(logger.Config{Level: slog.LevelInfo})
	}

	r := &Registry{
		breakers: make(map[subscriptions.ChannelType]*Breaker, len(channels)),
	}
	for _, ch := range channels {
		chCfg := cfg
		if override, ok := overrides[ch]; ok {
			chCfg = override
		}
		r.breakers[ch] = newBreaker(ch, chCfg, o)
		r.order = append(r.order, ch)
	}
	return r
}

// For returns the breaker guarding channel, or nil if the registry has none.
func (r *Registry) For(channel subscriptions.ChannelType) *Breaker {
	if r == nil {
		return nil
	}
	return r.breakers[channel]
}

// Snapshots returns every breaker's state in registration order.
func (r *Registry) Snapshots() []Snapshot {
	if r == nil {
		return []Snapshot{}
	}
	out := make([]Snapshot, 0, len(r.order))
	for _, ch := range r.order {
		out = append(out, r.breakers[ch].Snapshot())
	}
	return out
}
