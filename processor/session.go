package processor

import (
	"fmt"
	"maps"
	"sync"
	"time"

	"TrafficDetServer/counter"
	iface "TrafficDetServer/interface"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Snapshot is the polling view of a processing session.
type Snapshot struct {
	SessionID        string                 `json:"session_id,omitempty"`
	Status           Status                 `json:"status"`
	IsProcessing     bool                   `json:"is_processing"`
	Progress         float64                `json:"progress"`
	CurrentFrame     int                    `json:"current_frame"`
	TotalFrames      int                    `json:"total_frames"`
	DetectedVehicles int                    `json:"detected_vehicles"`
	VehicleCounts    map[iface.Category]int `json:"vehicle_counts"`
	CumulativeTotal  int                    `json:"cumulative_total"`
	CumulativeCounts map[iface.Category]int `json:"cumulative_counts"`
	Message          string                 `json:"message"`
	Filename         string                 `json:"filename,omitempty"`
	OutputFile       string                 `json:"output_file,omitempty"`
	StartedAt        *time.Time             `json:"started_at,omitempty"`
	FinishedAt       *time.Time             `json:"finished_at,omitempty"`
}

// IdleSnapshot is reported before any upload.
func IdleSnapshot() Snapshot {
	return Snapshot{
		Status:           StatusIdle,
		VehicleCounts:    iface.NewCounts(),
		CumulativeCounts: iface.NewCounts(),
		Message:          "Ready to process video",
	}
}

// Session is the single live processing session. The worker is the only writer
// apart from ResetCumulative; every read and write goes through mu.
type Session struct {
	mu      sync.Mutex
	state   Snapshot
	counter *counter.State
}

func NewSession(id, filename string) *Session {
	now := time.Now()
	st := IdleSnapshot()
	st.SessionID = id
	st.Filename = filename
	st.Status = StatusRunning
	st.IsProcessing = true
	st.Message = "Initializing..."
	st.StartedAt = &now
	return &Session{state: st, counter: counter.New()}
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.state
	out.VehicleCounts = maps.Clone(s.state.VehicleCounts)
	out.CumulativeCounts = maps.Clone(s.state.CumulativeCounts)
	return out
}

func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Status == StatusRunning
}

// ResetCumulative zeroes the cumulative counters of this session. The current
// frame counts are left alone.
func (s *Session) ResetCumulative() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter.Reset()
	s.state.CumulativeTotal = 0
	s.state.CumulativeCounts = iface.NewCounts()
}

func (s *Session) setMessage(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Message = msg
}

func (s *Session) begin(totalFrames int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.TotalFrames = totalFrames
	s.state.Progress = 0
	s.state.CurrentFrame = 0
	s.state.DetectedVehicles = 0
	s.state.Message = fmt.Sprintf("Processing %d frames...", totalFrames)
}

// publishFrame copies the counter state into the snapshot after frame index
// was written.
func (s *Session) publishFrame(index, frameTotal int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := s.counter.Snapshot()
	s.state.CurrentFrame = index
	s.state.DetectedVehicles += frameTotal
	s.state.VehicleCounts = counts.Frame
	s.state.CumulativeCounts = counts.Cumulative
	s.state.CumulativeTotal = counts.CumulativeTotal
	if total := s.state.TotalFrames; total > 0 {
		s.state.Progress = min(float64(index)/float64(total)*100, 100)
		s.state.Message = fmt.Sprintf("Processing frame %d/%d (%.1f%%)", index, total, s.state.Progress)
	} else {
		s.state.Message = fmt.Sprintf("Processing frame %d", index)
	}
}

func (s *Session) complete(outputFile string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.state.Status = StatusCompleted
	s.state.IsProcessing = false
	s.state.Progress = 100
	s.state.Message = "Processing completed!"
	s.state.OutputFile = outputFile
	s.state.FinishedAt = &now
}

func (s *Session) fail(err error) {
	s.failMessage(fmt.Sprintf("Error: %v", err))
}

func (s *Session) failMessage(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.state.Status = StatusFailed
	s.state.IsProcessing = false
	s.state.Message = msg
	s.state.FinishedAt = &now
}
