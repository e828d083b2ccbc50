package audio

import "sync"

// Tap fans frames out to observers (the /tap websocket, tests) without ever
// blocking the audio path. A subscriber that cannot keep up loses frames;
// each subscriber receives its own copy of the samples.
type Tap struct {
	mu     sync.Mutex
	subs   map[int]chan AudioFrame
	next   int
	closed bool
}

// NewTap returns an empty tap.
func NewTap() *Tap {
	return &Tap{subs: make(map[int]chan AudioFrame)}
}

// Subscribe registers a subscriber with the given channel buffer. The
// returned cancel function unregisters it and closes the channel; it is safe
// to call more than once. Subscribing to a closed tap yields a closed
// channel.
func (t *Tap) Subscribe(buffer int) (<-chan AudioFrame, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan AudioFrame, buffer)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		close(ch)
		return ch, func() {}
	}
	id := t.next
	t.next++
	t.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if c, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers a copy of f to every subscriber with room in its buffer.
// It returns the number of subscribers that dropped the frame.
func (t *Tap) Publish(f AudioFrame) (dropped int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		cp := f
		cp.Samples = append([]int16(nil), f.Samples...)
		select {
		case ch <- cp:
		default:
			dropped++
		}
	}
	return dropped
}

// Subscribers returns the current subscriber count.
func (t *Tap) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close closes every subscriber channel. Later Publish calls are no-ops.
func (t *Tap) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}
