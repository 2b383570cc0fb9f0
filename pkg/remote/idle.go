package remote

import (
	"io"
	"sync/atomic"
	"time"
)

// idleTimer calls cancel when it is not kicked for timeout.
type idleTimer struct {
	timeout time.Duration
	t       *time.Timer
	expired atomic.Bool
}

func newIdleTimer(timeout time.Duration, cancel func()) *idleTimer {
	it := &idleTimer{timeout: timeout}
	it.t = time.AfterFunc(timeout, func() {
		it.expired.Store(true)
		cancel()
	})
	return it
}

func (it *idleTimer) kick() {
	if !it.expired.Load() {
		it.t.Reset(it.timeout)
	}
}

func (it *idleTimer) stop() {
	it.t.Stop()
}

func (it *idleTimer) fired() bool {
	return it.expired.Load()
}

// progressReader kicks idle on every read that returns data. The transport
// only reads more of the body once the previous bytes were written, so a
// stalled connection stops the kicks.
type progressReader struct {
	r    io.Reader
	idle *idleTimer
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.idle.kick()
	}
	return n, err
}
