package engine

import (
	"sync"

	"insiderwatch/internal/model"
)

// RollingWindow is a fixed-capacity FIFO of feature tuples. The backing
// slice is allocated once; head points at the oldest entry.
type RollingWindow struct {
	mu    sync.Mutex
	buf   []model.FeatureTuple
	head  int
	count int
}

func NewRollingWindow(capacity int) *RollingWindow {
	if capacity <= 0 {
		capacity = 500
	}
	return &RollingWindow{buf: make([]model.FeatureTuple, capacity)}
}

func (w *RollingWindow) Append(t model.FeatureTuple) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.buf)
	if w.count < n {
		w.buf[(w.head+w.count)%n] = t
		w.count++
		return
	}
	w.buf[w.head] = t
	w.head = (w.head + 1) % n
}

// Snapshot returns a copy of the window in arrival order.
func (w *RollingWindow) Snapshot() []model.FeatureTuple {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]model.FeatureTuple, w.count)
	n := len(w.buf)
	first := n - w.head
	if first > w.count {
		first = w.count
	}
	copy(out, w.buf[w.head:w.head+first])
	copy(out[first:], w.buf[:w.count-first])
	return out
}

func (w *RollingWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

func (w *RollingWindow) Cap() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}

// reset empties the window, reallocating only when capacity changes.
func (w *RollingWindow) reset(capacity int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if capacity > 0 && capacity != len(w.buf) {
		w.buf = make([]model.FeatureTuple, capacity)
	} else {
		clear(w.buf)
	}
	w.head = 0
	w.count = 0
}
