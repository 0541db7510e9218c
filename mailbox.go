package so_tracker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// FrameMailbox is a capacity-1 queue that keeps only the newest frame.
// Publish never blocks; a frame the worker has not picked up yet is replaced.
type FrameMailbox struct {
	mu    sync.Mutex
	slot  chan queuedFrame
	close chan struct{}
	once  sync.Once

	published atomic.Uint64
	dropped   atomic.Uint64
}

type queuedFrame struct {
	Frame
	queued time.Time
}

func NewFrameMailbox() *FrameMailbox {
	return &FrameMailbox{
		slot:  make(chan queuedFrame, 1),
		close: make(chan struct{}),
	}
}

// Publish queues f and reports whether an unconsumed frame was dropped to make room.
func (m *FrameMailbox) Publish(f Frame) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.published.Add(1)
	replaced := false
	select {
	case <-m.slot:
		replaced = true
		m.dropped.Add(1)
	default:
	}
	m.slot <- queuedFrame{Frame: f, queued: time.Now()}
	return replaced
}

// Next blocks until a frame is available, the context ends, or the mailbox is closed.
func (m *FrameMailbox) Next(ctx context.Context) (Frame, time.Duration, error) {
	select {
	case qf := <-m.slot:
		return qf.Frame, time.Since(qf.queued), nil
	case <-ctx.Done():
		return Frame{}, 0, ctx.Err()
	case <-m.close:
		return Frame{}, 0, context.Canceled
	}
}

// Close wakes any blocked Next.
func (m *FrameMailbox) Close() {
	m.once.Do(func() { close(m.close) })
}

// Stats returns frames published and frames dropped unseen.
func (m *FrameMailbox) Stats() (published, dropped uint64) {
	return m.published.Load(), m.dropped.Load()
}
