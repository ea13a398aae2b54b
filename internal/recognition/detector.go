package recognition

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"sentinelcam/internal/model"
)

// DetectedFace is one raw detector result before threshold filtering.
type DetectedFace struct {
	BBox       model.BoundingBox `json:"bbox"`
	Confidence float32           `json:"confidence"`
}

// Detector finds candidate faces in a still frame. It is the other
// external collaborator treated as a black box by the design.
type Detector interface {
	Detect(ctx context.Context, image []byte) ([]DetectedFace, error)
}

// HTTPDetector posts a JPEG frame to a remote detection service and parses
// its JSON response. Grounded on the multipart/form-data upload used by
// the HTTP-based recognizer client, ported onto go-resty's higher-level
// request builder instead of hand-rolled multipart.Writer plumbing.
type HTTPDetector struct {
	client   *resty.Client
	endpoint string
}

// NewHTTPDetector creates an HTTPDetector posting to endpoint + "/detect".
func NewHTTPDetector(endpoint string) *HTTPDetector {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(1)
	return &HTTPDetector{client: client, endpoint: endpoint}
}

type detectResponse struct {
	Faces []DetectedFace `json:"faces"`
}

// Detect uploads image as multipart form field "file" and returns the
// detector's raw face list, unfiltered by confidence.
func (d *HTTPDetector) Detect(ctx context.Context, image []byte) ([]DetectedFace, error) {
	resp, err := d.client.R().
		SetContext(ctx).
		SetFileReader("file", "frame.jpg", newBytesReader(image)).
		Post(d.endpoint + "/detect")
	if err != nil {
		return nil, fmt.Errorf("detector request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("detector returned status %d: %s", resp.StatusCode(), resp.String())
	}

	var out detectResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("detector response decode: %w", err)
	}
	return out.Faces, nil
}
