package engine

import (
	iface "RecycleDetServer/interface"
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

type inferResponse struct {
	Detections []inferHit `json:"detections"`
}

// inferHit accepts both [x1,y1,x2,y2] boxes and x/y/width/height boxes.
type inferHit struct {
	BBox       []float64 `json:"bbox"`
	X          float64   `json:"x"`
	Y          float64   `json:"y"`
	Width      float64   `json:"width"`
	Height     float64   `json:"height"`
	Confidence float64   `json:"confidence"`
	Label      string    `json:"label"`
	Class      string    `json:"class"`
	ClassID    *int      `json:"class_id"`
}

func (h inferHit) toResult() (iface.RawResult, error) {
	r := iface.RawResult{Confidence: h.Confidence, Label: h.Label, ClassID: -1}
	if r.Label == "" {
		r.Label = h.Class
	}
	if h.ClassID != nil {
		r.ClassID = *h.ClassID
	}
	switch len(h.BBox) {
	case 4:
		r.Box = iface.BBox{X1: h.BBox[0], Y1: h.BBox[1], X2: h.BBox[2], Y2: h.BBox[3]}
	case 0:
		r.Box = iface.BBox{X1: h.X, Y1: h.Y, X2: h.X + h.Width, Y2: h.Y + h.Height}
	default:
		return r, fmt.Errorf("bbox must have 4 values, got %d", len(h.BBox))
	}
	return r, nil
}

// HTTPBackend posts the encoded frame as multipart "file" to a remote inference service.
type HTTPBackend struct {
	url    string
	client *resty.Client
}

func NewHTTPBackend(url string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPBackend{
		url:    url,
		client: resty.New().SetTimeout(timeout),
	}
}

func (b *HTTPBackend) Infer(ctx context.Context, img iface.ImageData) ([]iface.RawResult, error) {
	if len(img.Encoded) == 0 {
		return nil, fmt.Errorf("no encoded image to send")
	}
	var body inferResponse
	resp, err := b.client.R().
		SetContext(ctx).
		SetFileReader("file", "image.jpg", bytes.NewReader(img.Encoded)).
		SetResult(&body).
		Post(b.url)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("inference service returned %s", resp.Status())
	}
	out := make([]iface.RawResult, 0, len(body.Detections))
	for i, h := range body.Detections {
		r, err := h.toResult()
		if err != nil {
			return nil, fmt.Errorf("detection %d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (b *HTTPBackend) Close() error {
	b.client.GetClient().CloseIdleConnections()
	return nil
}
