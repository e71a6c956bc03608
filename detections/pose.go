package detections

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/Tutortoise/smart-vision/models"
)

// PoseEstimator runs a YOLOv8 pose export (single person class, 17 keypoints).
type PoseEstimator struct {
	runner
}

func NewPoseEstimator(s *ModelSession, release ReleaseFunc, opts Options) (*PoseEstimator, error) {
	if s.Task != TaskPose {
		return nil, fmt.Errorf("session is a %s model, want %s", s.Task, TaskPose)
	}
	return newPoseEstimator(s, release, opts), nil
}

func newPoseEstimator(b backend, release ReleaseFunc, opts Options) *PoseEstimator {
	p := &PoseEstimator{}
	p.init(b, release, opts)
	return p
}

func (p *PoseEstimator) Estimate(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.KeypointSet, error) {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}
	lb, outputs, err := p.infer(ctx, img, timings)
	if err != nil {
		return nil, err
	}
	if err := checkOutputs(TaskPose, outputs); err != nil {
		return nil, err
	}

	postStart := time.Now()
	sets, err := decodePoses(outputs[0], lb, p.opts)
	if err != nil {
		return nil, fmt.Errorf("process predictions: %w", err)
	}
	timings.Postprocess = time.Since(postStart)
	return sets, nil
}

// decodePoses maps keypoints back to the frame. Keypoints under
// KeypointThreshold are reported at the origin, which is how the annotator
// recognises them as missing.
func decodePoses(pred []float32, lb Letterbox, opts Options) ([]models.KeypointSet, error) {
	cands, err := scanCandidates(pred, TaskPose.Channels(), 1, opts.ConfThreshold)
	if err != nil {
		return nil, err
	}
	kept := nms(cands, opts.IoUThreshold, opts.MaxDetections)

	w, h := float64(lb.SrcW), float64(lb.SrcH)
	out := make([]models.KeypointSet, 0, len(kept))
	for _, c := range kept {
		set := make(models.KeypointSet, models.NumKeypoints)
		for k := range set {
			base := 5 + 3*k
			conf := pred[(base+2)*NumAnchors+c.anchor]
			kp := models.Keypoint{Confidence: conf, HasConfidence: true}
			if conf >= KeypointThreshold {
				x, y := lb.Unmap(float64(pred[base*NumAnchors+c.anchor]), float64(pred[(base+1)*NumAnchors+c.anchor]))
				kp.X = float32(clamp(x, 0, w))
				kp.Y = float32(clamp(y, 0, h))
			}
			set[k] = kp
		}
		out = append(out, set)
	}
	return out, nil
}
