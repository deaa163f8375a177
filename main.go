package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	adhoc "TrafficDetServer/Adhoc"
	"TrafficDetServer/config"
	"TrafficDetServer/emitter"
	"TrafficDetServer/engine"
	control "TrafficDetServer/gRPC"
	"TrafficDetServer/history"
	iface "TrafficDetServer/interface"
	"TrafficDetServer/logger"
	"TrafficDetServer/monitor"
	"TrafficDetServer/processor"
	"TrafficDetServer/server"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

func configPath() string {
	if p := os.Getenv("TRAFFIC_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func buildBackend(cfg config.DetectorConfig) (iface.Backend, error) {
	var names []string
	if cfg.NamesFile != "" {
		lines, err := engine.ReadLinesReadFile(cfg.NamesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read names file: %w", err)
		}
		names = lines
	}
	return engine.NewBackend(iface.EngineConfig{
		Backend:   cfg.Backend,
		ModelPath: cfg.ModelPath,
		Endpoint:  cfg.Endpoint,
		Names:     names,
		UseGPU:    cfg.UseGPU,
		InputSize: cfg.InputSize,
		Iou:       cfg.NMSThreshold,
	}, cfg.Timeout())
}

// warmUp runs a few blank frames through the backend so the first real frame
// does not pay for GPU initialisation.
func warmUp(backend iface.Backend) {
	warmMat := gocv.NewMatWithSize(32, 32, gocv.MatTypeCV8UC3)
	defer warmMat.Close()
	for range 3 {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Log().Warn("Panic during warm-up detect", zap.Any("panic", r))
				}
			}()
			_, _ = backend.Detect(warmMat, 0.5)
		}()
	}
}

func main() {
	cfg, err := config.Load(configPath())
	if err != nil {
		fmt.Println("Failed to load config:", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Logging.Development); err != nil {
		fmt.Println("Failed to init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Log()

	fmt.Println(strings.Repeat("#", 64))
	fmt.Printf("CPU Cores: %d\n", runtime.NumCPU())
	fmt.Println(" HTTP    Port:", cfg.Server.HTTPPort)
	fmt.Println(" gRPC    Port:", cfg.Server.GRPCPort)
	fmt.Println(" Metrics Port:", cfg.Server.MetricsPort)
	fmt.Println(" Detector    :", cfg.Detector.Backend)
	fmt.Println(strings.Repeat("#", 64))
	fmt.Println("")

	backend, err := buildBackend(cfg.Detector)
	if err != nil {
		log.Fatal("Failed to initialise detector", zap.Error(err))
	}
	defer backend.Destroy()
	if cfg.Detector.UseGPU {
		fmt.Println("Using GPU, warming up detector")
		warmUp(backend)
		fmt.Println("Warm up finished")
	}

	store, err := history.Open(cfg.History.Path)
	if err != nil {
		log.Fatal("Failed to open history store", zap.Error(err))
	}
	defer store.Close()
	observers := []server.SessionObserver{store}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mqttEmitter *emitter.MQTTEmitter
	if cfg.MQTT.Broker != "" {
		mqttEmitter = emitter.NewMQTTEmitter(cfg.MQTT)
		if err := mqttEmitter.Connect(ctx); err != nil {
			log.Warn("MQTT unavailable, session events will not be published", zap.Error(err))
			mqttEmitter = nil
		} else {
			observers = append(observers, mqttEmitter)
		}
	}

	proc := processor.New(backend, cfg.Server.OutputDir)
	proc.FrameDelay = cfg.Processing.FrameDelay()
	srv, err := server.New(proc, server.Options{
		UploadDir:         cfg.Server.UploadDir,
		MaxUploadBytes:    cfg.Server.MaxUploadBytes(),
		DefaultConfidence: cfg.Server.DefaultConfidence,
		PushInterval:      cfg.Server.PushInterval(),
		History:           store,
		Observers:         observers,
	})
	if err != nil {
		log.Fatal("Failed to create server", zap.Error(err))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.StartMon(ctx, cfg.Server.MetricsPort)
	}()

	if cfg.Registry.Enabled {
		ip, err := adhoc.GetOutboundIP()
		if err != nil {
			log.Warn("Failed to get outbound IP, skipping registration", zap.Error(err))
		} else {
			hb := adhoc.NewHeartbeat(cfg.Registry, ip, cfg.Server.HTTPPort, cfg.Server.GRPCPort, srv.Status)
			wg.Add(1)
			go hb.Run(ctx, &wg)
		}
	} else {
		fmt.Println("Registry disabled, skipping registration")
	}

	controlSrv := control.NewServer(srv, cfg.Server.UploadDir, cfg.Server.Confidence())
	grpcServer, err := control.StartGRPCServer(cfg.Server.GRPCPort, controlSrv)
	if err != nil {
		log.Fatal("Failed to start gRPC server", zap.Error(err))
	}

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: srv.Handler(),
	}
	httpErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info("Received signal, shutting down", zap.String("signal", s.String()))
	case <-controlSrv.CloseChannel:
		log.Info("Shutdown requested over gRPC")
	case err := <-httpErr:
		log.Error("HTTP server failed", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Processing worker did not stop in time", zap.Error(err))
	}
	grpcServer.GracefulStop()
	cancel()
	wg.Wait()
	if mqttEmitter != nil {
		mqttEmitter.Disconnect()
	}
	fmt.Println("Safely exited")
}
