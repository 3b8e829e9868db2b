package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Notification is one message received on a NOTIFY channel.
type Notification struct {
	Channel string
	Payload string
}

// Listener holds a dedicated connection subscribed to one or more
// NOTIFY channels. Consumers receive on C; debouncing and coalescing
// are left to the consumer's drain loop.
type Listener struct {
	C chan Notification

	pl       *pq.Listener
	channels []string
}

const (
	listenerMinReconnect = 2 * time.Second
	listenerMaxReconnect = 30 * time.Second
)

// NewListener opens a dedicated listening connection and subscribes to
// the given channels. Reconnects are handled by lib/pq; a reconnect
// event is surfaced as a synthetic notification with an empty payload
// so consumers re-check state they may have missed.
func NewListener(url string, channels ...string) (*Listener, error) {
	out := make(chan Notification, 64)

	pl := pq.NewListener(url, listenerMinReconnect, listenerMaxReconnect, nil)
	for _, ch := range channels {
		if err := pl.Listen(ch); err != nil {
			pl.Close()
			return nil, fmt.Errorf("failed to listen on %s: %w", ch, err)
		}
	}

	l := &Listener{C: out, pl: pl, channels: channels}
	go l.pump()
	return l, nil
}

func (l *Listener) pump() {
	defer close(l.C)
	for n := range l.pl.Notify {
		if n == nil {
			// Connection was re-established; notifications may have
			// been lost while disconnected. Wake every channel.
			for _, ch := range l.channels {
				l.deliver(Notification{Channel: ch})
			}
			continue
		}
		l.deliver(Notification{Channel: n.Channel, Payload: n.Extra})
	}
}

// deliver drops on a full buffer. Consumers treat notifications as
// wakeups, not as a reliable stream, so a dropped message is absorbed
// by the next poll tick.
func (l *Listener) deliver(n Notification) {
	select {
	case l.C <- n:
	default:
	}
}

// Ping verifies the listening connection is alive.
func (l *Listener) Ping(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- l.pl.Ping() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Listener) Close() error {
	return l.pl.Close()
}
