package metrics

import (
	"sort"
	"sync"
	"time"

	"insiderwatch/internal/model"
)

type EmployeeStats struct {
	EmployeeID    string                    `json:"employee_id"`
	Username      string                    `json:"username"`
	Events        int64                     `json:"events"`
	ByKind        map[model.EventKind]int64 `json:"by_kind"`
	LastSeen      time.Time                 `json:"last_seen"`
	LastSuspicion int                       `json:"last_suspicion"`
	LastTick      time.Time                 `json:"last_tick,omitempty"`
	Alerts        int                       `json:"alerts"`
}

func (s EmployeeStats) clone() EmployeeStats {
	out := s
	out.ByKind = make(map[model.EventKind]int64, len(s.ByKind))
	for k, v := range s.ByKind {
		out.ByKind[k] = v
	}
	return out
}

// Store keeps a bounded per-employee activity profile for the operator API.
type Store struct {
	mu         sync.RWMutex
	byEmployee map[string]*EmployeeStats
	limit      int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byEmployee: make(map[string]*EmployeeStats),
		limit:      limit,
	}
}

func (s *Store) Observe(ev model.ActivityEvent) {
	if ev.EmployeeID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.entry(ev.EmployeeID)
	if ev.Username != "" {
		st.Username = ev.Username
	}
	st.Events++
	st.ByKind[ev.Kind]++
	if ev.Timestamp.After(st.LastSeen) {
		st.LastSeen = ev.Timestamp
	}
	if len(s.byEmployee) > s.limit {
		s.evictOldest()
	}
}

// RecordSuspicion stores the per-employee counts observed by a tick just
// before they were reset.
func (s *Store) RecordSuspicion(counts map[string]int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.byEmployee {
		st.LastSuspicion = counts[id]
		st.LastTick = at
	}
}

func (s *Store) RecordAlert(employeeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(employeeID).Alerts++
}

func (s *Store) Get(employeeID string) (EmployeeStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.byEmployee[employeeID]
	if !ok {
		return EmployeeStats{}, false
	}
	return st.clone(), true
}

func (s *Store) GetAll() []EmployeeStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EmployeeStats, 0, len(s.byEmployee))
	for _, st := range s.byEmployee {
		out = append(out, st.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmployeeID < out[j].EmployeeID })
	return out
}

func (s *Store) entry(id string) *EmployeeStats {
	st, ok := s.byEmployee[id]
	if !ok {
		st = &EmployeeStats{EmployeeID: id, ByKind: make(map[model.EventKind]int64)}
		s.byEmployee[id] = st
	}
	return st
}

func (s *Store) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, st := range s.byEmployee {
		if oldestID == "" || st.LastSeen.Before(oldest) {
			oldestID = id
			oldest = st.LastSeen
		}
	}
	if oldestID != "" {
		delete(s.byEmployee, oldestID)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byEmployee = make(map[string]*EmployeeStats)
}
