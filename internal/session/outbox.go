package session

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// SendTimeout bounds how long a direct reply may wait when the connection's
// queue is full.
const SendTimeout = 50 * time.Millisecond

const writeTimeout = 5 * time.Second

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Outbox is a bounded queue of encoded frames drained by a single writer.
type Outbox struct {
	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewOutbox returns an outbox holding up to size frames.
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = 64
	}
	return &Outbox{
		queue: make(chan []byte, size),
		done:  make(chan struct{}),
	}
}

// Push enqueues frame without waiting. Rooms fan out through Push while
// holding their lock, so a full queue drops the frame instead of stalling the
// room. It reports whether the frame was queued.
func (o *Outbox) Push(frame []byte) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.queue <- frame:
		return true
	default:
		return false
	}
}

// Send enqueues a direct reply, waiting up to SendTimeout for room in a
// full queue.
func (o *Outbox) Send(frame []byte) bool {
	if o.Push(frame) {
		return true
	}
	select {
	case <-o.done:
		return false
	default:
	}

	timer := time.NewTimer(SendTimeout)
	defer timer.Stop()
	select {
	case o.queue <- frame:
		return true
	case <-o.done:
		return false
	case <-timer.C:
		return false
	}
}

// Close stops accepting frames. Run writes whatever is already queued and
// then returns.
func (o *Outbox) Close() {
	o.closeOnce.Do(func() { close(o.done) })
}

// Done is closed once Close has been called.
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

// Run writes queued frames to w until the outbox is closed and drained, or a
// write fails.
func (o *Outbox) Run(w io.Writer) error {
	for {
		select {
		case frame := <-o.queue:
			if err := write(w, frame); err != nil {
				return err
			}
		case <-o.done:
			for {
				select {
				case frame := <-o.queue:
					if err := write(w, frame); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}

func write(w io.Writer, frame []byte) error {
	if d, ok := w.(writeDeadliner); ok {
		_ = d.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
