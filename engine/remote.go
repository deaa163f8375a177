package engine

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	iface "TrafficDetServer/interface"

	"github.com/go-resty/resty/v2"
	"gocv.io/x/gocv"
)

// RemoteDetection is one entry of a remote YOLO service response.
type RemoteDetection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float32   `json:"confidence"`
	BBox       []float32 `json:"bbox"` // [x1, y1, x2, y2]
}

type RemoteResult struct {
	Detections      []RemoteDetection `json:"detections"`
	Count           int               `json:"count"`
	InferenceTimeMs float32           `json:"inference_time_ms"`
	Device          string            `json:"device"`
}

// RemoteDetector posts JPEG-encoded frames to an HTTP detection service.
type RemoteDetector struct {
	endpoint string
	client   *resty.Client
}

func NewRemoteDetector(endpoint string, timeout time.Duration) *RemoteDetector {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RemoteDetector{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   resty.New().SetTimeout(timeout),
	}
}

func (r *RemoteDetector) Detect(img gocv.Mat, conf float32) ([]iface.Detection, error) {
	if img.Empty() {
		return nil, fmt.Errorf("empty frame")
	}
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	data := append([]byte(nil), buf.GetBytes()...)
	buf.Close()

	var result RemoteResult
	resp, err := r.client.R().
		SetFileReader("file", "frame.jpg", bytes.NewReader(data)).
		SetFormData(map[string]string{
			"conf_threshold": fmt.Sprintf("%.3f", conf),
		}).
		SetResult(&result).
		Post(r.endpoint + "/detect")
	if err != nil {
		return nil, fmt.Errorf("detection request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("detection service returned %s: %s", resp.Status(), resp.String())
	}

	width, height := img.Cols(), img.Rows()
	detections := make([]iface.Detection, 0, len(result.Detections))
	for _, det := range result.Detections {
		if det.Confidence < conf || len(det.BBox) != 4 {
			continue
		}
		cat, ok := iface.CategoryForName(det.Class)
		if !ok && det.Class == "" {
			cat, ok = iface.CategoryForClass(det.ClassID)
		}
		if !ok {
			continue
		}
		detections = append(detections, iface.Detection{
			Category:   cat,
			Confidence: det.Confidence,
			Box: clampBox(iface.Box{
				X1: int(det.BBox[0]), Y1: int(det.BBox[1]),
				X2: int(det.BBox[2]), Y2: int(det.BBox[3]),
			}, width, height),
		})
	}
	return detections, nil
}

func (r *RemoteDetector) CheckConfig() iface.EngineConfig {
	return iface.EngineConfig{Backend: BackendRemote, Endpoint: r.endpoint}
}

func (r *RemoteDetector) Destroy() {}
