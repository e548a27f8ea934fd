package engine

import (
	"sort"
	"sync"
)

// Suspicion counts activity per employee since the last evaluation.
type Suspicion struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewSuspicion() *Suspicion {
	return &Suspicion{counts: make(map[string]int)}
}

func (s *Suspicion) Increment(employeeID string) {
	s.mu.Lock()
	s.counts[employeeID]++
	s.mu.Unlock()
}

func (s *Suspicion) Count(employeeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[employeeID]
}

// Candidates returns, sorted, every employee at or above threshold.
func (s *Suspicion) Candidates(threshold int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return candidatesOf(s.counts, threshold)
}

// Drain returns the current counts and clears them in one step, so no
// increment lands between reading candidates and resetting.
func (s *Suspicion) Drain() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.counts
	s.counts = make(map[string]int, len(out))
	return out
}

func (s *Suspicion) ResetAll() {
	s.mu.Lock()
	s.counts = make(map[string]int)
	s.mu.Unlock()
}

func (s *Suspicion) Snapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

func candidatesOf(counts map[string]int, threshold int) []string {
	var out []string
	for id, n := range counts {
		if n >= threshold {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
