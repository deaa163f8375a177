package engine

import (
	"errors"
	"fmt"
	"image"
	"os"
	"slices"
	"sync"

	iface "TrafficDetServer/interface"
	"TrafficDetServer/logger"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

const defaultInputSize = 640

// Detector runs a YOLOv8 ONNX export through the OpenCV DNN module.
type Detector struct {
	ModelPath string
	Names     []string
	InputSize int
	Iou       float32
	UseGPU    bool
	State     int

	mu  sync.Mutex
	net gocv.Net
}

func (d *Detector) New() bool {
	d.State = REGISTERED
	return true
}

func (d *Detector) LoadModel(modelPath string, names []string, inputSize int, iou float32, useGPU bool) error {
	if d.State == UNREGISTERED {
		return ErrNotRegistered
	}
	if modelPath == "" {
		return fmt.Errorf("model path cannot be empty")
	}
	if iou < 0 || iou > 1 {
		return fmt.Errorf("IoU must be between 0.0 and 1.0, got %f", iou)
	}
	if _, err := os.Stat(modelPath); err != nil {
		return fmt.Errorf("model file: %w", err)
	}
	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		_ = net.Close()
		return fmt.Errorf("failed to read network model from %s", modelPath)
	}
	if useGPU {
		net.SetPreferableBackend(gocv.NetBackendCUDA)
		net.SetPreferableTarget(gocv.NetTargetCUDA)
	} else {
		net.SetPreferableBackend(gocv.NetBackendDefault)
		net.SetPreferableTarget(gocv.NetTargetCPU)
	}
	if inputSize <= 0 {
		inputSize = defaultInputSize
	}
	d.net = net
	d.ModelPath = modelPath
	d.Names = names
	d.InputSize = inputSize
	d.Iou = iou
	d.UseGPU = useGPU
	d.State = IDLE
	logger.Log().Info("Loaded detection model",
		zap.String("ModelPath", modelPath),
		zap.Int("InputSize", inputSize),
		zap.Float32("IoU", iou),
		zap.Bool("UseGPU", useGPU))
	return nil
}

func (d *Detector) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{
		Backend:   BackendDNN,
		ModelPath: d.ModelPath,
		Names:     d.Names,
		UseGPU:    d.UseGPU,
		InputSize: d.InputSize,
		Iou:       d.Iou,
	}
}

func (d *Detector) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State == IDLE {
		_ = d.net.Close()
	}
	d.ModelPath = ""
	d.Iou = 0
	d.UseGPU = false
	d.State = UNREGISTERED
}

// Detect letterboxes the frame into a square, runs a forward pass and decodes
// the 1x(4+C)xN output with NMS.
func (d *Detector) Detect(img gocv.Mat, conf float32) ([]iface.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.State {
	case UNREGISTERED:
		return nil, ErrNotRegistered
	case REGISTERED:
		return nil, ErrModelNotLoaded
	}
	if img.Empty() {
		return nil, errors.New("empty frame")
	}

	height, width := img.Rows(), img.Cols()
	maxDim := max(height, width)
	square := gocv.NewMatWithSize(maxDim, maxDim, gocv.MatTypeCV8UC3)
	defer square.Close()
	roi := square.Region(image.Rect(0, 0, width, height))
	img.CopyTo(&roi)
	roi.Close()

	scale := float32(maxDim) / float32(d.InputSize)
	blob := gocv.BlobFromImage(square, 1.0/255.0, image.Pt(d.InputSize, d.InputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	return decodeYOLO(out, scale, conf, d.Iou, d.Names, width, height)
}

func decodeYOLO(out gocv.Mat, scale, conf, iou float32, names []string, width, height int) ([]iface.Detection, error) {
	dims := out.Size()
	if len(dims) != 3 || dims[1] <= 4 {
		return nil, fmt.Errorf("unexpected model output shape %v", dims)
	}
	rows, anchors := dims[1], dims[2]

	var (
		boxes      []image.Rectangle
		scores     []float32
		categories []iface.Category
		classes    []int
	)
	for i := 0; i < anchors; i++ {
		bestClass, bestScore := -1, float32(0)
		for c := 4; c < rows; c++ {
			if s := out.GetFloatAt3(0, c, i); s > bestScore {
				bestClass, bestScore = c-4, s
			}
		}
		if bestScore < conf {
			continue
		}
		cat, ok := category(bestClass, names)
		if !ok {
			continue
		}
		x := out.GetFloatAt3(0, 0, i)
		y := out.GetFloatAt3(0, 1, i)
		w := out.GetFloatAt3(0, 2, i)
		h := out.GetFloatAt3(0, 3, i)
		boxes = append(boxes, image.Rect(
			int((x-w/2)*scale), int((y-h/2)*scale),
			int((x+w/2)*scale), int((y+h/2)*scale),
		))
		scores = append(scores, bestScore)
		categories = append(categories, cat)
		classes = append(classes, bestClass)
	}
	if len(boxes) == 0 {
		return nil, nil
	}

	indices := nmsPerClass(boxes, scores, classes, conf, iou)
	detections := make([]iface.Detection, 0, len(indices))
	for _, idx := range indices {
		r := boxes[idx]
		detections = append(detections, iface.Detection{
			Category:   categories[idx],
			Confidence: scores[idx],
			Box:        clampBox(iface.Box{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y}, width, height),
		})
	}
	return detections, nil
}

// nmsPerClass suppresses overlaps only between boxes of the same class and
// returns the kept indices by descending score.
func nmsPerClass(boxes []image.Rectangle, scores []float32, classes []int, conf, iou float32) []int {
	groups := make(map[int][]int)
	for i, c := range classes {
		groups[c] = append(groups[c], i)
	}
	var kept []int
	for _, members := range groups {
		b := make([]image.Rectangle, len(members))
		s := make([]float32, len(members))
		for j, idx := range members {
			b[j], s[j] = boxes[idx], scores[idx]
		}
		for _, k := range gocv.NMSBoxes(b, s, conf, iou) {
			kept = append(kept, members[k])
		}
	}
	slices.SortStableFunc(kept, func(a, b int) int {
		switch {
		case scores[a] > scores[b]:
			return -1
		case scores[a] < scores[b]:
			return 1
		}
		return a - b
	})
	return kept
}
