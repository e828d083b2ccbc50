package audio

import "sync"

// DefaultRelayCapacity bounds the outbound relay. At 20 ms per frame this is
// ten seconds of assistant speech.
const DefaultRelayCapacity = 500

// RelayStats counts what happened to frames passing through a [Relay].
type RelayStats struct {
	Enqueued  uint64 `json:"enqueued"`
	Dequeued  uint64 `json:"dequeued"`
	Evicted   uint64 `json:"evicted"`
	Underruns uint64 `json:"underruns"`
	Cleared   uint64 `json:"cleared"`
}

// Relay is the bounded outbound queue between the AI endpoint and the
// telephony sender. It absorbs bursty arrival so the sender can emit one
// frame per interval.
//
// When full, Enqueue evicts the oldest frame so playback stays close to live.
// When empty, Dequeue returns a pre-built silence frame so the telephony leg
// never starves. Relay is safe for concurrent use.
type Relay struct {
	mu      sync.Mutex
	ring    []AudioFrame
	head    int
	count   int
	silence AudioFrame
	stats   RelayStats
}

// NewRelay returns a relay holding at most capacity frames. A non-positive
// capacity selects [DefaultRelayCapacity]. silence is returned on underrun;
// callers must not modify its samples.
func NewRelay(capacity int, silence AudioFrame) *Relay {
	if capacity <= 0 {
		capacity = DefaultRelayCapacity
	}
	return &Relay{
		ring:    make([]AudioFrame, capacity),
		silence: silence,
	}
}

// Enqueue adds a frame at the tail. It reports whether the oldest frame was
// evicted to make room.
func (r *Relay) Enqueue(f AudioFrame) (evicted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.Enqueued++
	capacity := len(r.ring)
	if r.count == capacity {
		r.ring[r.head] = AudioFrame{}
		r.head = (r.head + 1) % capacity
		r.count--
		r.stats.Evicted++
		evicted = true
	}
	r.ring[(r.head+r.count)%capacity] = f
	r.count++
	return evicted
}

// Dequeue removes the head frame. When the relay is empty it returns the
// silence frame and false.
func (r *Relay) Dequeue() (AudioFrame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		r.stats.Underruns++
		return r.silence, false
	}
	f := r.ring[r.head]
	r.ring[r.head] = AudioFrame{}
	r.head = (r.head + 1) % len(r.ring)
	r.count--
	r.stats.Dequeued++
	return f, true
}

// Clear drops every queued frame and returns how many were dropped.
func (r *Relay) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.count
	for i := range r.count {
		r.ring[(r.head+i)%len(r.ring)] = AudioFrame{}
	}
	r.head = 0
	r.count = 0
	r.stats.Cleared += uint64(n)
	return n
}

// Len returns the number of queued frames.
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the relay's capacity in frames.
func (r *Relay) Cap() int { return len(r.ring) }

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() RelayStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
