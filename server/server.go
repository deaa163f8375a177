// Package server owns the single processing session and exposes it over HTTP.
package server

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"TrafficDetServer/history"
	"TrafficDetServer/logger"
	"TrafficDetServer/processor"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

//go:embed static/index.html
var indexHTML []byte

// SessionObserver is told about every session once it has finished, whatever
// the outcome.
type SessionObserver interface {
	SessionFinished(ctx context.Context, snap processor.Snapshot) error
}

type HistoryLister interface {
	List(ctx context.Context, limit int) ([]history.Record, error)
}

type Options struct {
	UploadDir         string
	MaxUploadBytes    int64
	DefaultConfidence *float32 // nil means 0.3
	PushInterval      time.Duration
	History           HistoryLister
	Observers         []SessionObserver
}

type Server struct {
	opts Options
	proc *processor.Processor

	mu       sync.Mutex
	session  *processor.Session
	reserved bool // an upload holds the session slot while its file is saved
	closed   bool
	wg       sync.WaitGroup

	baseCtx context.Context
	stop    context.CancelFunc
	engine  *gin.Engine
}

func New(proc *processor.Processor, opts Options) (*Server, error) {
	if opts.UploadDir == "" {
		opts.UploadDir = "uploads"
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 500 << 20
	}
	if opts.DefaultConfidence == nil {
		v := float32(0.3)
		opts.DefaultConfidence = &v
	}
	if opts.PushInterval <= 0 {
		opts.PushInterval = 500 * time.Millisecond
	}
	for _, dir := range []string{opts.UploadDir, proc.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	s := &Server{opts: opts, proc: proc}
	s.baseCtx, s.stop = context.WithCancel(context.Background())
	s.engine = s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// StartSession runs the processing loop for sourcePath on a background
// goroutine and returns the new session id.
func (s *Server) StartSession(sourcePath, filename string, threshold float32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.availableLocked(); err != nil {
		return "", err
	}
	return s.startLocked(sourcePath, filename, threshold), nil
}

// reserve claims the session slot before an upload writes its file, so no
// other start can begin until startReserved or release is called.
func (s *Server) reserve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.availableLocked(); err != nil {
		return err
	}
	s.reserved = true
	return nil
}

func (s *Server) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserved = false
}

// startReserved turns a reservation taken with reserve into a session.
func (s *Server) startReserved(sourcePath, filename string, threshold float32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserved = false
	if s.closed {
		return "", ErrServerClosed
	}
	return s.startLocked(sourcePath, filename, threshold), nil
}

func (s *Server) availableLocked() error {
	if s.closed {
		return ErrServerClosed
	}
	if s.reserved || (s.session != nil && s.session.Running()) {
		return ErrSessionActive
	}
	return nil
}

func (s *Server) startLocked(sourcePath, filename string, threshold float32) string {
	id := uuid.NewString()
	session := processor.NewSession(id, filename)
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.session = session

	job := processor.Job{
		SessionID:  id,
		SourcePath: sourcePath,
		Filename:   filename,
		Confidence: threshold,
	}
	s.wg.Add(1)
	go s.runSession(ctx, cancel, session, job)

	logger.Log().Info("Session started",
		zap.String("session", id),
		zap.String("file", filename),
		zap.Float32("confidence", threshold))
	return id
}

func (s *Server) runSession(ctx context.Context, cancel context.CancelFunc, session *processor.Session, job processor.Job) {
	defer s.wg.Done()
	defer cancel()
	_, _ = s.proc.Run(ctx, session, job)
	s.notify(session.Snapshot())
}

func (s *Server) notify(snap processor.Snapshot) {
	for _, o := range s.opts.Observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Log().Error("Session observer panic recovered", zap.Any("panic", r))
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := o.SessionFinished(ctx, snap); err != nil {
				logger.Log().Warn("Session observer failed",
					zap.String("session", snap.SessionID),
					zap.String("observer", fmt.Sprintf("%T", o)),
					zap.Error(err))
			}
		}()
	}
}

// Status returns a consistent copy of the current session, or the idle view
// before the first upload.
func (s *Server) Status() processor.Snapshot {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == nil {
		return processor.IdleSnapshot()
	}
	return session.Snapshot()
}

// Busy reports whether a session is running or an upload holds the slot.
func (s *Server) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserved || (s.session != nil && s.session.Running())
}

func (s *Server) ResetCumulative() error {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == nil {
		return ErrNoSession
	}
	session.ResetCumulative()
	logger.Log().Info("Cumulative counters reset", zap.String("session", session.Snapshot().SessionID))
	return nil
}

// OutputArtifact resolves name inside the output directory. Only the base
// name is used.
func (s *Server) OutputArtifact(name string) (string, error) {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." || base == ".." {
		return "", ErrArtifactNotFound
	}
	path := filepath.Join(s.proc.OutputDir, base)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", ErrArtifactNotFound
	}
	return path, nil
}

// Shutdown refuses new sessions, cancels the running one and waits for its
// worker until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrServerClosed, ctx.Err())
	}
}
