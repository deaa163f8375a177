// Package counter keeps per-frame and cumulative detection counts.
package counter

import (
	"maps"
	"sync"

	iface "TrafficDetServer/interface"
)

// Snapshot is a copy of the counter state after a frame.
type Snapshot struct {
	Frame           map[iface.Category]int
	FrameTotal      int
	Cumulative      map[iface.Category]int
	CumulativeTotal int
}

// State holds FrameCounts (reset on every Record) and CumulativeCounts
// (reset only by Reset). Safe for concurrent use.
type State struct {
	mu              sync.Mutex
	frame           map[iface.Category]int
	frameTotal      int
	cumulative      map[iface.Category]int
	cumulativeTotal int
}

func New() *State {
	return &State{
		frame:      iface.NewCounts(),
		cumulative: iface.NewCounts(),
	}
}

// Record replaces the frame counts with the given detections and adds them to
// the cumulative counts.
func (s *State) Record(detections []iface.Detection) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = iface.NewCounts()
	s.frameTotal = 0
	for _, d := range detections {
		s.frame[d.Category]++
		s.frameTotal++
		s.cumulative[d.Category]++
		s.cumulativeTotal++
	}
	return s.snapshotLocked()
}

// Reset zeroes the cumulative counts. Frame counts keep their value until the
// next Record.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cumulative = iface.NewCounts()
	s.cumulativeTotal = 0
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() Snapshot {
	return Snapshot{
		Frame:           maps.Clone(s.frame),
		FrameTotal:      s.frameTotal,
		Cumulative:      maps.Clone(s.cumulative),
		CumulativeTotal: s.cumulativeTotal,
	}
}
