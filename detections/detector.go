package detections

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/Tutortoise/smart-vision/models"
)

// Detector runs a YOLOv8 detection export.
type Detector struct {
	runner
}

// NewDetector wraps s. release, when non-nil, is called by Close instead of destroying s.
func NewDetector(s *ModelSession, release ReleaseFunc, opts Options) (*Detector, error) {
	if s.Task != TaskDetect {
		return nil, fmt.Errorf("session is a %s model, want %s", s.Task, TaskDetect)
	}
	return newDetector(s, release, opts), nil
}

func newDetector(b backend, release ReleaseFunc, opts Options) *Detector {
	d := &Detector{}
	d.init(b, release, opts)
	return d
}

func (d *Detector) Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Detection, error) {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}
	lb, outputs, err := d.infer(ctx, img, timings)
	if err != nil {
		return nil, err
	}
	if err := checkOutputs(TaskDetect, outputs); err != nil {
		return nil, err
	}

	postStart := time.Now()
	dets, err := decodeDetections(outputs[0], lb, d.opts)
	if err != nil {
		return nil, fmt.Errorf("process predictions: %w", err)
	}
	timings.Postprocess = time.Since(postStart)
	return dets, nil
}

func decodeDetections(pred []float32, lb Letterbox, opts Options) ([]models.Detection, error) {
	cands, err := scanCandidates(pred, TaskDetect.Channels(), NumClasses, opts.ConfThreshold)
	if err != nil {
		return nil, err
	}
	kept := nms(cands, opts.IoUThreshold, opts.MaxDetections)

	out := make([]models.Detection, 0, len(kept))
	for _, c := range kept {
		out = append(out, models.Detection{
			BBox:       lb.UnmapBox(c.box),
			ClassID:    c.class,
			Confidence: c.score,
		})
	}
	return out, nil
}
