// Package annotate draws detection overlays on video frames.
package annotate

import (
	"fmt"
	"image"
	"image/color"

	iface "TrafficDetServer/interface"

	"gocv.io/x/gocv"
)

const (
	boxThickness   = 2
	labelScale     = 0.6
	labelThickness = 2
	labelPadding   = 10
	countsScale    = 0.8
)

var (
	labelText   = color.RGBA{R: 255, G: 255, B: 255, A: 0}
	countsColor = color.RGBA{R: 0, G: 255, B: 0, A: 0}
	fallback    = color.RGBA{R: 255, G: 255, B: 255, A: 0}
)

var palette = map[iface.Category]color.RGBA{
	iface.Person:     {R: 255, G: 0, B: 255},
	iface.Bicycle:    {R: 255, G: 165, B: 0},
	iface.Car:        {R: 0, G: 0, B: 255},
	iface.Truck:      {R: 0, G: 255, B: 0},
	iface.Bus:        {R: 255, G: 0, B: 0},
	iface.Motorcycle: {R: 0, G: 255, B: 255},
}

// Color returns the box colour of a category.
func Color(c iface.Category) color.RGBA {
	if col, ok := palette[c]; ok {
		return col
	}
	return fallback
}

// Annotate returns a copy of frame with a box and a "{category}: {conf}" label
// for every detection. The input frame is never modified; the caller owns the
// returned Mat.
func Annotate(frame gocv.Mat, detections []iface.Detection) gocv.Mat {
	out := frame.Clone()
	for _, d := range detections {
		col := Color(d.Category)
		gocv.Rectangle(&out, d.Box.Rect(), col, boxThickness)

		label := d.Label()
		size := gocv.GetTextSize(label, gocv.FontHersheySimplex, labelScale, labelThickness)
		bg := image.Rect(d.Box.X1, d.Box.Y1-size.Y-labelPadding, d.Box.X1+size.X, d.Box.Y1)
		gocv.Rectangle(&out, bg, col, -1)
		gocv.PutText(&out, label, image.Pt(d.Box.X1, d.Box.Y1-5), gocv.FontHersheySimplex, labelScale, labelText, labelThickness)
	}
	return out
}

// DrawCounts writes the running "Current | Total" overlay in the top-left corner.
func DrawCounts(frame *gocv.Mat, current, total int) {
	text := fmt.Sprintf("Current: %d | Total: %d", current, total)
	gocv.PutText(frame, text, image.Pt(10, 30), gocv.FontHersheySimplex, countsScale, countsColor, 2)
}
