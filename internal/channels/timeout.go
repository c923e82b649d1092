package channels

import (
	"context"
	"errors"
	"time"

	"github.com/eternisai/notify-relay/internal/subscriptions"
)

// Bounded wraps an adapter so Deliver returns within timeout. A call that does
// not finish in time is reported as a transient failure; the underlying call is
// left to finish on its own with a cancelled context.
func Bounded(adapter Adapter, timeout time.Duration) Adapter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &boundedAdapter{adapter: adapter, timeout: timeout}
}

type boundedAdapter struct {
	adapter Adapter
	timeout time.Duration
}

func (b *boundedAdapter) Channel() subscriptions.ChannelType {
	return b.adapter.Channel()
}

func (b *boundedAdapter) Deliver(ctx context.Context, endpoint subscriptions.Endpoint, payload Payload) Result {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		done <- b.adapter.Deliver(ctx, endpoint, payload)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return transient(CodeTimeout)
		}
		return transient(CodeCanceled)
	}
}
