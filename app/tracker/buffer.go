package tracker

import "sync"

// DefaultLossBufferSize is the default capacity of the recent-loss buffer
const DefaultLossBufferSize = 10

// LossBuffer keeps the last N observed training-loss samples in a circular
// buffer, FIFO eviction. Appended on training-step events only; evaluation
// events don't carry a training loss and read the most recent sample instead.
// Thread safe for a single writer with concurrent readers.
type LossBuffer struct {
	capacity int
	vals     []float64
	mu       sync.RWMutex
}

// NewLossBuffer creates a buffer with the given capacity, or the default for
// capacity <= 0
func NewLossBuffer(capacity int) *LossBuffer {
	if capacity <= 0 {
		capacity = DefaultLossBufferSize
	}
	return &LossBuffer{capacity: capacity}
}

// Add appends a training-loss sample, evicting the oldest when full
func (b *LossBuffer) Add(v float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.vals) >= b.capacity {
		b.vals = b.vals[1:]
	}
	b.vals = append(b.vals, v)
}

// Last returns the most recent sample, ok is false when nothing was observed yet
func (b *LossBuffer) Last() (v float64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.vals) == 0 {
		return 0, false
	}
	return b.vals[len(b.vals)-1], true
}

// Values returns a copy of the buffered samples, oldest first
func (b *LossBuffer) Values() []float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	res := make([]float64, len(b.vals))
	copy(res, b.vals)
	return res
}
