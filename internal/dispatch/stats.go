package dispatch

import (
	"sync"

	dserrors "github.com/kartikbazzad/mppdispatch/internal/errors"
)

// Stats counts dispatcher activity over its lifetime.
type Stats struct {
	mu               sync.Mutex
	plans            uint64
	slices           uint64
	maxSlicesPerPlan int
	commands         uint64
	cancelled        uint64

	tracker *dserrors.ErrorTracker
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Plans            uint64
	Slices           uint64
	MaxSlicesPerPlan int
	Commands         uint64
	Cancelled        uint64
	Errors           map[string]uint64
}

func (s *Stats) addPlan(slices int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans++
	s.slices += uint64(slices)
	if slices > s.maxSlicesPerPlan {
		s.maxSlicesPerPlan = slices
	}
}

func (s *Stats) addCommand() {
	s.mu.Lock()
	s.commands++
	s.mu.Unlock()
}

func (s *Stats) addCancelled() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.cancelled++
	s.mu.Unlock()
}

func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	snap := StatsSnapshot{
		Plans:            s.plans,
		Slices:           s.slices,
		MaxSlicesPerPlan: s.maxSlicesPerPlan,
		Commands:         s.commands,
		Cancelled:        s.cancelled,
		Errors:           make(map[string]uint64),
	}
	s.mu.Unlock()

	if s.tracker != nil {
		for category, n := range s.tracker.Snapshot() {
			snap.Errors[category.String()] = n
		}
	}
	return snap
}
