package stream

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Frame is one encoded frame ready for display.
type Frame struct {
	JPEG      []byte
	Seq       uint64
	Timestamp time.Time
}

// Broadcaster fans frames out to viewers. A viewer whose buffer is full
// misses the frame instead of slowing the capture loop.
type Broadcaster struct {
	mu     sync.RWMutex
	latest *Frame
	subs   map[uint64]chan Frame
	nextID uint64
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]chan Frame)}
}

// Publish never blocks.
func (b *Broadcaster) Publish(f Frame) {
	b.published.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.latest = &f
	for _, ch := range b.subs {
		select {
		case ch <- f:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a viewer. The latest frame, if any, is queued right
// away so a new viewer does not wait for the next capture. The returned
// cancel func closes the channel and is safe to call more than once.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Frame, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Frame, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	if b.latest != nil {
		ch <- *b.latest
	}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
}

func (b *Broadcaster) Latest() (Frame, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.latest == nil {
		return Frame{}, false
	}
	return *b.latest, true
}

// Viewers is the number of current subscribers.
func (b *Broadcaster) Viewers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broadcaster) Stats() (published, dropped uint64) {
	return b.published.Load(), b.dropped.Load()
}

// Close ends every subscription. Later Publish calls are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
