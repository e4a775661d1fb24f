// Package detect adapts object-detection services to a common label/box shape.
package detect

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	rktypes "github.com/aws/aws-sdk-go-v2/service/rekognition/types"

	"github.com/andresmejia3/glimpse/internal/types"
)

var ErrEmptyImage = errors.New("detect: image bytes are empty")

// Detector returns the labels found in an encoded image, one Detection per distinct label,
// in the order the service reported them.
type Detector interface {
	Detect(ctx context.Context, image []byte) ([]types.Detection, error)
}

// DetectLabelsAPI is the slice of the Rekognition client the detector needs.
type DetectLabelsAPI interface {
	DetectLabels(ctx context.Context, params *rekognition.DetectLabelsInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectLabelsOutput, error)
}

// Rekognition calls AWS Rekognition DetectLabels.
type Rekognition struct {
	client        DetectLabelsAPI
	maxLabels     int32
	minConfidence float32
	timeout       time.Duration
}

// NewRekognition creates a detector. maxLabels <= 0 leaves the service default in place.
func NewRekognition(client DetectLabelsAPI, maxLabels int, minConfidence float64, timeout time.Duration) *Rekognition {
	return &Rekognition{
		client:        client,
		maxLabels:     int32(maxLabels),
		minConfidence: float32(minConfidence),
		timeout:       timeout,
	}
}

// NewRekognitionFromConfig builds the client from a loaded AWS config.
func NewRekognitionFromConfig(cfg aws.Config, maxLabels int, minConfidence float64, timeout time.Duration) *Rekognition {
	return NewRekognition(rekognition.NewFromConfig(cfg), maxLabels, minConfidence, timeout)
}

func (r *Rekognition) Detect(ctx context.Context, image []byte) ([]types.Detection, error) {
	if len(image) == 0 {
		return nil, ErrEmptyImage
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	in := &rekognition.DetectLabelsInput{
		Image: &rktypes.Image{Bytes: image},
	}
	if r.maxLabels > 0 {
		in.MaxLabels = aws.Int32(r.maxLabels)
	}
	if r.minConfidence > 0 {
		in.MinConfidence = aws.Float32(r.minConfidence)
	}

	out, err := r.client.DetectLabels(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("detect labels: %w", err)
	}
	return convertLabels(out.Labels), nil
}

func convertLabels(labels []rktypes.Label) []types.Detection {
	detections := make([]types.Detection, 0, len(labels))
	for _, l := range labels {
		d := types.Detection{
			Label:      aws.ToString(l.Name),
			Confidence: float64(aws.ToFloat32(l.Confidence)),
		}
		for _, inst := range l.Instances {
			if inst.BoundingBox == nil {
				continue
			}
			bb := inst.BoundingBox
			d.Boxes = append(d.Boxes, types.BoundingBox{
				Left:   float64(aws.ToFloat32(bb.Left)),
				Top:    float64(aws.ToFloat32(bb.Top)),
				Width:  float64(aws.ToFloat32(bb.Width)),
				Height: float64(aws.ToFloat32(bb.Height)),
			})
		}
		detections = append(detections, d)
	}
	return detections
}

// Invoker sends one JSON request and returns the JSON reply. *worker.Process satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, body []byte) ([]byte, error)
}

// Process asks a local model worker for detections. The request is {"image": "<base64>"} and the
// reply is a JSON array of {label, confidence, instances}.
type Process struct {
	invoker Invoker
	timeout time.Duration
}

func NewProcess(inv Invoker, timeout time.Duration) *Process {
	return &Process{invoker: inv, timeout: timeout}
}

type processRequest struct {
	Image string `json:"image"`
}

func (p *Process) Detect(ctx context.Context, image []byte) ([]types.Detection, error) {
	if len(image) == 0 {
		return nil, ErrEmptyImage
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	body, err := json.Marshal(processRequest{Image: base64.StdEncoding.EncodeToString(image)})
	if err != nil {
		return nil, err
	}
	raw, err := p.invoker.Invoke(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("detect labels: %w", err)
	}

	var detections []types.Detection
	if err := json.Unmarshal(raw, &detections); err != nil {
		return nil, fmt.Errorf("detect labels: malformed response: %w", err)
	}
	return detections, nil
}
