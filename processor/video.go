package processor

import (
	"fmt"

	"gocv.io/x/gocv"
)

const (
	outputCodec = "mp4v"
	defaultFPS  = 25.0
)

type VideoInfo struct {
	FPS        float64
	Width      int
	Height     int
	FrameCount int
}

// FrameSource yields decoded frames in container order.
type FrameSource interface {
	Read(dst *gocv.Mat) bool
	Info() VideoInfo
	Close() error
}

// FrameSink accepts frames in output order.
type FrameSink interface {
	Write(frame gocv.Mat) error
	Close() error
}

type (
	OpenSourceFunc func(path string) (FrameSource, error)
	OpenSinkFunc   func(path string, info VideoInfo) (FrameSink, error)
)

type captureSource struct {
	cap  *gocv.VideoCapture
	info VideoInfo
}

// OpenVideoFile opens path with the OpenCV video backend.
func OpenVideoFile(path string) (FrameSource, error) {
	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceOpen, err)
	}
	if !capture.IsOpened() {
		_ = capture.Close()
		return nil, ErrSourceOpen
	}
	return &captureSource{
		cap: capture,
		info: VideoInfo{
			FPS:        capture.Get(gocv.VideoCaptureFPS),
			Width:      int(capture.Get(gocv.VideoCaptureFrameWidth)),
			Height:     int(capture.Get(gocv.VideoCaptureFrameHeight)),
			FrameCount: int(capture.Get(gocv.VideoCaptureFrameCount)),
		},
	}, nil
}

func (c *captureSource) Read(dst *gocv.Mat) bool { return c.cap.Read(dst) }
func (c *captureSource) Info() VideoInfo         { return c.info }
func (c *captureSource) Close() error            { return c.cap.Close() }

type writerSink struct {
	w *gocv.VideoWriter
}

// CreateVideoFile opens an mp4v writer with the source geometry.
func CreateVideoFile(path string, info VideoInfo) (FrameSink, error) {
	fps := info.FPS
	if fps <= 0 {
		fps = defaultFPS
	}
	w, err := gocv.VideoWriterFile(path, outputCodec, fps, info.Width, info.Height, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSinkOpen, err)
	}
	if !w.IsOpened() {
		_ = w.Close()
		return nil, ErrSinkOpen
	}
	return &writerSink{w: w}, nil
}

func (s *writerSink) Write(frame gocv.Mat) error { return s.w.Write(frame) }
func (s *writerSink) Close() error               { return s.w.Close() }
