package engine

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	iface "TrafficDetServer/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestDetector_All(t *testing.T) {
	d := &Detector{}

	t.Run("Test New", func(t *testing.T) {
		assert.True(t, d.New())
		assert.Equal(t, REGISTERED, d.State)
	})

	t.Run("Test Detect before LoadModel", func(t *testing.T) {
		img := gocv.NewMatWithSize(32, 32, gocv.MatTypeCV8UC3)
		defer img.Close()
		_, err := d.Detect(img, 0.3)
		assert.ErrorIs(t, err, ErrModelNotLoaded)
	})

	t.Run("Test LoadModel rejects bad input", func(t *testing.T) {
		assert.Error(t, d.LoadModel("", nil, 640, 0.45, false))
		assert.Error(t, d.LoadModel("model/yolov8n.onnx", nil, 640, 1.5, false))
		assert.Equal(t, REGISTERED, d.State)
	})

	t.Run("Test LoadModel missing file", func(t *testing.T) {
		err := d.LoadModel(filepath.Join(t.TempDir(), "absent.onnx"), nil, 640, 0.45, false)
		assert.ErrorIs(t, err, os.ErrNotExist)
		assert.Equal(t, REGISTERED, d.State)
	})

	t.Run("Test Destroy", func(t *testing.T) {
		d.Destroy()
		assert.Equal(t, "", d.ModelPath)
		assert.Equal(t, float32(0), d.Iou)
		assert.False(t, d.UseGPU)
		assert.Equal(t, UNREGISTERED, d.State)
		assert.ErrorIs(t, d.LoadModel("model/yolov8n.onnx", nil, 640, 0.45, false), ErrNotRegistered)
	})
}

func TestReadLinesReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coco.names")
	require.NoError(t, os.WriteFile(path, []byte("person\r\nbicycle\n\ncar\n"), 0o644))

	lines, err := ReadLinesReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"person", "bicycle", "car"}, lines)

	_, err = ReadLinesReadFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestCategoryLookup(t *testing.T) {
	c, ok := category(2, nil)
	assert.True(t, ok)
	assert.Equal(t, iface.Car, c)

	_, ok = category(4, nil)
	assert.False(t, ok, "airplane is not counted")

	c, ok = category(1, []string{"dog", "truck"})
	assert.True(t, ok)
	assert.Equal(t, iface.Truck, c)

	_, ok = category(5, []string{"dog"})
	assert.False(t, ok)
}

func TestDecodeYOLO(t *testing.T) {
	out := gocv.NewMatWithSizes([]int{1, 84, 3}, gocv.MatTypeCV32F)
	defer out.Close()
	for r := 0; r < 84; r++ {
		for a := 0; a < 3; a++ {
			out.SetFloatAt3(0, r, a, 0)
		}
	}
	set := func(anchor int, cx, cy, w, h float32, class int, score float32) {
		out.SetFloatAt3(0, 0, anchor, cx)
		out.SetFloatAt3(0, 1, anchor, cy)
		out.SetFloatAt3(0, 2, anchor, w)
		out.SetFloatAt3(0, 3, anchor, h)
		out.SetFloatAt3(0, 4+class, anchor, score)
	}
	set(0, 100, 100, 50, 50, 2, 0.9)  // car
	set(1, 300, 300, 40, 40, 4, 0.95) // airplane, ignored
	set(2, 500, 500, 20, 20, 0, 0.1)  // person below threshold

	dets, err := decodeYOLO(out, 1.0, 0.3, 0.45, nil, 640, 640)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, iface.Car, dets[0].Category)
	assert.InDelta(t, 0.9, dets[0].Confidence, 0.0001)
	assert.Equal(t, iface.Box{X1: 75, Y1: 75, X2: 125, Y2: 125}, dets[0].Box)
}

func TestDecodeYOLOKeepsOverlapsAcrossClasses(t *testing.T) {
	out := gocv.NewMatWithSizes([]int{1, 84, 3}, gocv.MatTypeCV32F)
	defer out.Close()
	for r := 0; r < 84; r++ {
		for a := 0; a < 3; a++ {
			out.SetFloatAt3(0, r, a, 0)
		}
	}
	set := func(anchor int, cx, cy, w, h float32, class int, score float32) {
		out.SetFloatAt3(0, 0, anchor, cx)
		out.SetFloatAt3(0, 1, anchor, cy)
		out.SetFloatAt3(0, 2, anchor, w)
		out.SetFloatAt3(0, 3, anchor, h)
		out.SetFloatAt3(0, 4+class, anchor, score)
	}
	set(0, 200, 200, 100, 60, 2, 0.8)  // car
	set(1, 202, 200, 100, 60, 7, 0.85) // truck on the same spot
	set(2, 201, 201, 100, 60, 2, 0.6)  // duplicate car

	dets, err := decodeYOLO(out, 1.0, 0.3, 0.45, nil, 640, 640)
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, iface.Truck, dets[0].Category)
	assert.InDelta(t, 0.85, dets[0].Confidence, 0.0001)
	assert.Equal(t, iface.Car, dets[1].Category)
	assert.InDelta(t, 0.8, dets[1].Confidence, 0.0001)
}

func TestRemoteDetector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/detect", r.URL.Path)
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "0.300", r.FormValue("conf_threshold"))
		_, _, err := r.FormFile("file")
		assert.NoError(t, err)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(RemoteResult{
			Detections: []RemoteDetection{
				{Class: "car", ClassID: 2, Confidence: 0.8, BBox: []float32{1, 2, 30, 40}},
				{Class: "dog", ClassID: 16, Confidence: 0.9, BBox: []float32{1, 2, 3, 4}},
				{Class: "bus", ClassID: 5, Confidence: 0.2, BBox: []float32{1, 2, 3, 4}},
				{ClassID: 0, Confidence: 0.7, BBox: []float32{-5, 0, 500, 10}},
			},
			Count: 4,
		})
	}))
	defer srv.Close()

	d := NewRemoteDetector(srv.URL+"/", time.Second)
	img := gocv.NewMatWithSize(64, 64, gocv.MatTypeCV8UC3)
	defer img.Close()

	dets, err := d.Detect(img, 0.3)
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, iface.Car, dets[0].Category)
	assert.Equal(t, iface.Box{X1: 1, Y1: 2, X2: 30, Y2: 40}, dets[0].Box)
	assert.Equal(t, iface.Person, dets[1].Category)
	assert.Equal(t, iface.Box{X1: 0, Y1: 0, X2: 63, Y2: 10}, dets[1].Box)
	assert.Equal(t, BackendRemote, d.CheckConfig().Backend)
}

func TestRemoteDetectorServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	img := gocv.NewMatWithSize(16, 16, gocv.MatTypeCV8UC3)
	defer img.Close()
	_, err := NewRemoteDetector(srv.URL, time.Second).Detect(img, 0.5)
	assert.Error(t, err)
}

func TestNewBackend(t *testing.T) {
	_, err := NewBackend(iface.EngineConfig{Backend: "tensorrt"}, 0)
	assert.Error(t, err)

	_, err = NewBackend(iface.EngineConfig{Backend: BackendRemote}, 0)
	assert.Error(t, err)

	b, err := NewBackend(iface.EngineConfig{Backend: BackendRemote, Endpoint: "http://localhost:9000"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", b.CheckConfig().Endpoint)
}
