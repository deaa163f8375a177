package engine

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	iface "TrafficDetServer/interface"
)

const UNREGISTERED = 0x0001
const REGISTERED = 0x0002
const IDLE = 0x0003

const (
	BackendDNN    = "dnn"
	BackendRemote = "remote"
)

var (
	ErrNotRegistered  = errors.New("detector not registered")
	ErrModelNotLoaded = errors.New("model not loaded")
)

// ReadLinesReadFile reads a class-names file, one name per line, skipping blank lines.
func ReadLinesReadFile(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	// CRLF files
	raw := strings.Split(string(b), "\n")
	var lines []string
	for _, l := range raw {
		l = strings.TrimRight(l, "\r")
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

// NewBackend builds the detection backend selected by cfg.Backend.
func NewBackend(cfg iface.EngineConfig, timeout time.Duration) (iface.Backend, error) {
	switch cfg.Backend {
	case BackendDNN, "":
		d := &Detector{}
		d.New()
		if err := d.LoadModel(cfg.ModelPath, cfg.Names, cfg.InputSize, cfg.Iou, cfg.UseGPU); err != nil {
			return nil, err
		}
		return d, nil
	case BackendRemote:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("remote backend requires an endpoint")
		}
		return NewRemoteDetector(cfg.Endpoint, timeout), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Backend)
	}
}

// category resolves a raw class id (and optional label list) to a counted category.
func category(classID int, names []string) (iface.Category, bool) {
	if len(names) > 0 {
		if classID < 0 || classID >= len(names) {
			return "", false
		}
		return iface.CategoryForName(names[classID])
	}
	return iface.CategoryForClass(classID)
}

func clampBox(b iface.Box, width, height int) iface.Box {
	clamp := func(v, hi int) int {
		if v < 0 {
			return 0
		}
		if v > hi {
			return hi
		}
		return v
	}
	return iface.Box{
		X1: clamp(b.X1, width-1),
		Y1: clamp(b.Y1, height-1),
		X2: clamp(b.X2, width-1),
		Y2: clamp(b.Y2, height-1),
	}
}
