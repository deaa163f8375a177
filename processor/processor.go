// Package processor runs the per-frame detect, annotate, count and write loop
// over an uploaded video.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"TrafficDetServer/annotate"
	iface "TrafficDetServer/interface"
	"TrafficDetServer/logger"
	"TrafficDetServer/monitor"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Job describes one uploaded video to process.
type Job struct {
	SessionID  string
	SourcePath string
	Filename   string
	Confidence float32
}

// Summary is written once per completed session next to the output video.
type Summary struct {
	TotalFrames             int                    `json:"total_frames"`
	TotalVehicles           int                    `json:"total_vehicles"`
	CumulativeTotal         int                    `json:"cumulative_total"`
	AverageVehiclesPerFrame float64                `json:"average_vehicles_per_frame"`
	VehicleBreakdown        map[iface.Category]int `json:"vehicle_breakdown"`
	CumulativeBreakdown     map[iface.Category]int `json:"cumulative_breakdown"`
	OutputFile              string                 `json:"output_file"`
}

func OutputName(filename string) string  { return "processed_" + filename }
func SummaryName(filename string) string { return "summary_" + filename + ".json" }

type Processor struct {
	Backend    iface.Backend
	OutputDir  string
	FrameDelay time.Duration
	OpenSource OpenSourceFunc
	OpenSink   OpenSinkFunc
}

func New(backend iface.Backend, outputDir string) *Processor {
	return &Processor{
		Backend:    backend,
		OutputDir:  outputDir,
		OpenSource: OpenVideoFile,
		OpenSink:   CreateVideoFile,
	}
}

// Run processes job to completion, updating session as it goes. Any error or
// panic marks the session failed; frames already written stay on disk.
func (p *Processor) Run(ctx context.Context, session *Session, job Job) (summary *Summary, err error) {
	log := logger.Named("processor").With(zap.String("session", job.SessionID), zap.String("file", job.Filename))
	monitor.SessionRunning.Set(1)
	defer monitor.SessionRunning.Set(0)
	defer func() {
		if r := recover(); r != nil {
			err = &FrameError{Frame: session.Snapshot().CurrentFrame, Err: fmt.Errorf("%v", r)}
			session.fail(err)
		}
		if err != nil {
			var fe *FrameError
			if errors.As(err, &fe) {
				log = log.With(zap.Int("frame", fe.Frame))
			}
			log.Error("Processing failed", zap.Error(err))
			monitor.Sessions.WithLabelValues(string(StatusFailed)).Inc()
		}
	}()

	var (
		src  FrameSource
		sink FrameSink
	)
	release := func() {
		if src != nil {
			_ = src.Close()
			src = nil
		}
		if sink != nil {
			if cerr := sink.Close(); cerr != nil {
				log.Warn("Closing output video failed", zap.Error(cerr))
			}
			sink = nil
		}
	}
	defer release()

	session.setMessage("Opening video...")
	src, err = p.OpenSource(job.SourcePath)
	if err != nil {
		session.failMessage("Error: Could not open video")
		if !errors.Is(err, ErrSourceOpen) {
			err = fmt.Errorf("%w: %v", ErrSourceOpen, err)
		}
		return nil, err
	}

	info := src.Info()
	session.begin(info.FrameCount)
	log.Info("Processing video",
		zap.Int("frames", info.FrameCount),
		zap.Float64("fps", info.FPS),
		zap.Int("width", info.Width),
		zap.Int("height", info.Height),
		zap.Float32("confidence", job.Confidence))

	outputFile := OutputName(job.Filename)
	sink, err = p.OpenSink(filepath.Join(p.OutputDir, outputFile), info)
	if err != nil {
		session.fail(err)
		return nil, err
	}

	frames, err := p.loop(ctx, session, src, sink, job.Confidence)
	if err != nil {
		session.fail(err)
		return nil, err
	}
	release()

	snap := session.Snapshot()
	summary = &Summary{
		TotalFrames:         frames,
		TotalVehicles:       snap.DetectedVehicles,
		CumulativeTotal:     snap.CumulativeTotal,
		VehicleBreakdown:    snap.CumulativeCounts,
		CumulativeBreakdown: snap.CumulativeCounts,
		OutputFile:          outputFile,
	}
	if frames > 0 {
		summary.AverageVehiclesPerFrame = float64(snap.DetectedVehicles) / float64(frames)
	}
	if err = WriteSummary(filepath.Join(p.OutputDir, SummaryName(job.Filename)), summary); err != nil {
		session.fail(err)
		return nil, err
	}

	session.complete(outputFile)
	monitor.Sessions.WithLabelValues(string(StatusCompleted)).Inc()
	log.Info("Processing completed",
		zap.Int("frames", frames),
		zap.Int("detections", summary.TotalVehicles),
		zap.String("output", outputFile))
	return summary, nil
}

func (p *Processor) loop(ctx context.Context, session *Session, src FrameSource, sink FrameSink, conf float32) (int, error) {
	frame := gocv.NewMat()
	defer frame.Close()

	index := 0
	for {
		if err := ctx.Err(); err != nil {
			return index, ErrCancelled
		}
		if ok := src.Read(&frame); !ok {
			break
		}
		if frame.Empty() {
			continue
		}
		index++

		detections, err := p.Backend.Detect(frame, conf)
		if err != nil {
			return index, &FrameError{Frame: index, Err: err}
		}
		annotated := annotate.Annotate(frame, detections)
		counts := session.counter.Record(detections)
		annotate.DrawCounts(&annotated, counts.FrameTotal, counts.CumulativeTotal)
		err = sink.Write(annotated)
		_ = annotated.Close()
		if err != nil {
			return index, &FrameError{Frame: index, Err: err}
		}

		session.publishFrame(index, counts.FrameTotal)
		monitor.FramesProcessed.Inc()
		for _, d := range detections {
			monitor.Detections.WithLabelValues(string(d.Category)).Inc()
		}

		if p.FrameDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(p.FrameDelay):
			}
		}
	}
	return index, nil
}

// WriteSummary stores s as indented JSON.
func WriteSummary(path string, s *Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}
