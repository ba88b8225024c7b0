package supervisor

import "sync"

const (
	// retainedLines is how much recent output a broadcaster replays to a
	// late subscriber.
	retainedLines = 256
	// subscriberBuffer must cover a full replay plus live slack; a
	// subscriber that stops draining loses lines rather than stalling the
	// pump.
	subscriberBuffer = retainedLines + 64
)

// Broadcaster fans one process output stream out to any number of
// subscribers, retaining recent lines so a subscriber attaching after
// startup still sees what happened.
type Broadcaster struct {
	mu       sync.Mutex
	subs     map[chan []byte]struct{}
	retained [][]byte
	closed   bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan []byte]struct{})}
}

// Publish delivers one line to all subscribers and retains it. Slow
// subscribers are skipped, never waited on.
func (b *Broadcaster) Publish(line []byte) {
	cp := make([]byte, len(line))
	copy(cp, line)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.retained = append(b.retained, cp)
	if len(b.retained) > retainedLines {
		b.retained = b.retained[len(b.retained)-retainedLines:]
	}

	for ch := range b.subs {
		select {
		case ch <- cp:
		default:
		}
	}
}

// Subscribe registers a new subscriber and replays retained output into
// its channel. The returned cancel function must be called when done; the
// channel is closed by cancel or by Close.
func (b *Broadcaster) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, subscriberBuffer)

	b.mu.Lock()
	for _, line := range b.retained {
		ch <- line
	}
	if b.closed {
		close(ch)
		b.mu.Unlock()
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Close closes all subscriber channels. Further publishes are dropped;
// retained output remains available to new subscribers.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
