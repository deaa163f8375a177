package iface

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

type EngineConfig struct {
	Backend   string
	ModelPath string
	Endpoint  string
	Names     []string
	UseGPU    bool
	InputSize int
	Iou       float32
}

type Box struct {
	X1, Y1, X2, Y2 int
}

func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Detection is one accepted object in a frame.
type Detection struct {
	Category   Category
	Confidence float32
	Box        Box
}

// Label is the text drawn above the detection box.
func (d Detection) Label() string {
	return fmt.Sprintf("%s: %.2f", d.Category, d.Confidence)
}

// Backend is the detection boundary. Detect returns only detections of counted
// categories with confidence >= conf.
type Backend interface {
	Detect(image gocv.Mat, conf float32) ([]Detection, error)
	CheckConfig() EngineConfig
	Destroy()
}
