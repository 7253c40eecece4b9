package signal

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	inboxPrefix  = "signal/"
	presencePath = "presence"

	publishRetryInitial = 200 * time.Millisecond
	publishRetryMax     = 2 * time.Second
)

// Channel exchanges call-control and negotiation messages for one local peer
// through the realtime store. Direct messages land in the recipient's inbox
// path; presence heartbeats fan out on a shared path. Per-sender order is
// preserved by the store connection; nothing orders messages across senders.
type Channel struct {
	store   Store
	localID string
	log     *logrus.Entry
}

// NewChannel creates a signaling channel bound to the local peer id.
func NewChannel(store Store, localID string) *Channel {
	return &Channel{
		store:   store,
		localID: localID,
		log:     logrus.WithField("comp", "signal"),
	}
}

// LocalID returns the peer id this channel publishes as.
func (c *Channel) LocalID() string { return c.localID }

// Publish sends one message. Heartbeats go to the shared presence path,
// everything else to the recipient's inbox. Returns *TransportError when the
// store is unreachable; the message is not queued.
func (c *Channel) Publish(ctx context.Context, m Message) error {
	if m.From == "" {
		m.From = c.localID
	}
	record, err := m.encode()
	if err != nil {
		return err
	}
	path := inboxPrefix + m.To
	if m.Type == TypePresenceHeartbeat {
		path = presencePath
	}
	return c.store.Publish(ctx, path, record)
}

// PublishRetry publishes with exponential backoff until it succeeds, exhausts
// attempts, or ctx ends. Only transport errors are retried.
func (c *Channel) PublishRetry(ctx context.Context, m Message, attempts int) error {
	delay := publishRetryInitial
	var err error
	for try := 0; try < attempts; try++ {
		err = c.Publish(ctx, m)
		if err == nil || !IsTransport(err) {
			return err
		}
		c.log.WithError(err).WithField("type", m.Type).Debug("publish failed, retrying")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if delay < publishRetryMax {
			delay *= 2
			if delay > publishRetryMax {
				delay = publishRetryMax
			}
		}
	}
	return err
}

// Subscribe streams messages addressed to the local peer until ctx ends.
// Delivery is at least once: duplicate IceCandidate and PresenceHeartbeat
// messages must be tolerated by consumers; the remaining variants are
// idempotent because the session state machine guards them.
func (c *Channel) Subscribe(ctx context.Context) (<-chan Message, error) {
	return c.decodeStream(ctx, inboxPrefix+c.localID, false)
}

// SubscribePresence streams every peer's heartbeat, including our own echo.
func (c *Channel) SubscribePresence(ctx context.Context) (<-chan Message, error) {
	return c.decodeStream(ctx, presencePath, true)
}

func (c *Channel) decodeStream(ctx context.Context, path string, keepOwn bool) (<-chan Message, error) {
	records, err := c.store.Subscribe(ctx, path)
	if err != nil {
		return nil, &TransportError{Op: "subscribe " + path, Err: err}
	}
	out := make(chan Message, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case record, ok := <-records:
				if !ok {
					return
				}
				m, err := decodeMessage(record)
				if err != nil {
					c.log.WithError(err).Debug("dropping record")
					continue
				}
				if !keepOwn && m.From == c.localID {
					continue
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
