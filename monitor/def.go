package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"TrafficDetServer/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

var (
	Registry = prometheus.NewRegistry()

	memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})

	FramesProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "frames_processed_total",
		Help: "Total number of video frames run through the detector",
	})
	Detections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detections_total",
		Help: "Total number of accepted detections by category",
	}, []string{"category"})
	Sessions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sessions_total",
		Help: "Finished processing sessions by final status",
	}, []string{"status"})
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests served by route and status code",
	}, []string{"route", "code"})
	GRPCTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grpc_requests_total",
		Help: "Total number of gRPC requests processed",
	})
	SessionRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "session_running",
		Help: "1 while a video is being processed",
	})
)

func init() {
	Registry.MustRegister(memUsage, cpuUsage, FramesProcessed, Detections, Sessions, HTTPRequests, GRPCTotal, SessionRunning)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// CheckProcessInfo samples RSS and CPU of proc into the process gauges.
func CheckProcessInfo(proc *process.Process) {
	if memInfo, err := proc.MemoryInfo(); err == nil {
		memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := proc.CPUPercent(); err == nil {
		cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

// StartMon serves /metrics on port and samples process gauges until ctx is done.
func StartMon(ctx context.Context, port int) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Log().Error("monitor: cannot inspect own process", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("Prometheus server ListenAndServe error", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			if proc != nil {
				CheckProcessInfo(proc)
			}
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("Prometheus server Shutdown error", zap.Error(err))
	}
}
