package input

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

// Event is one recognized key press.
type Event int

const (
	EventNone Event = iota
	EventToggleAudio
	EventToggleVideo
	EventQuit
	EventAccept
	EventDecline
)

func (e Event) String() string {
	switch e {
	case EventToggleAudio:
		return "toggle-audio"
	case EventToggleVideo:
		return "toggle-video"
	case EventQuit:
		return "quit"
	case EventAccept:
		return "accept"
	case EventDecline:
		return "decline"
	default:
		return "none"
	}
}

// Controller reads single key presses from a raw-mode terminal and delivers
// them as events. Delivery never blocks the read loop: if the consumer lags,
// the oldest pending event is dropped in favor of the newest.
type Controller struct {
	in  io.Reader
	fd  int
	log *logrus.Entry

	mu       sync.Mutex
	oldState *term.State

	events chan Event
}

// NewController builds a controller reading from stdin.
func NewController() *Controller {
	return &Controller{
		in:     os.Stdin,
		fd:     int(os.Stdin.Fd()),
		log:    logrus.WithField("comp", "input"),
		events: make(chan Event, 1),
	}
}

// NewControllerFrom builds a controller reading from r without touching
// terminal modes. Used by tests.
func NewControllerFrom(r io.Reader) *Controller {
	return &Controller{
		in:     r,
		fd:     -1,
		log:    logrus.WithField("comp", "input"),
		events: make(chan Event, 1),
	}
}

// Events returns the stream of recognized key presses.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Start switches the terminal to raw mode and launches the read loop. The
// loop ends when ctx is canceled or the input stream closes; terminal state
// is restored either way.
func (c *Controller) Start(ctx context.Context) error {
	if c.fd >= 0 {
		state, err := term.MakeRaw(c.fd)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.oldState = state
		c.mu.Unlock()
	}

	go func() {
		<-ctx.Done()
		c.Restore()
	}()
	go c.readLoop(ctx)
	return nil
}

// Restore puts the terminal back into its pre-raw state. Safe to call more
// than once.
func (c *Controller) Restore() {
	c.mu.Lock()
	state := c.oldState
	c.oldState = nil
	c.mu.Unlock()
	if state != nil && c.fd >= 0 {
		if err := term.Restore(c.fd, state); err != nil {
			c.log.WithError(err).Warn("restore terminal state")
		}
	}
}

func (c *Controller) readLoop(ctx context.Context) {
	buf := make([]byte, 1)
	for {
		n, err := c.in.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		ev := mapKey(buf[0])
		if ev == EventNone {
			continue
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		c.deliver(ev)
		if ev == EventQuit {
			return
		}
	}
}

// deliver pushes ev, replacing a stale undelivered event if needed.
func (c *Controller) deliver(ev Event) {
	select {
	case c.events <- ev:
	default:
		select {
		case <-c.events:
		default:
		}
		select {
		case c.events <- ev:
		default:
		}
	}
}

func mapKey(b byte) Event {
	switch b {
	case 'm', 'M':
		return EventToggleAudio
	case 'v', 'V':
		return EventToggleVideo
	case 'q', 'Q', 3: // Ctrl-C in raw mode arrives as byte 3
		return EventQuit
	case 'a', 'A', '\r', '\n':
		return EventAccept
	case 'd', 'D', 27:
		return EventDecline
	}
	return EventNone
}
