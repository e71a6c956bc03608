package detections

import (
	"context"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/Tutortoise/smart-vision/models"
)

// protoStride is the model-space size of one prototype cell.
const protoStride = float64(InputWidth) / ProtoSize

// Segmenter runs a YOLOv8 instance segmentation export.
type Segmenter struct {
	runner
}

func NewSegmenter(s *ModelSession, release ReleaseFunc, opts Options) (*Segmenter, error) {
	if s.Task != TaskSegment {
		return nil, fmt.Errorf("session is a %s model, want %s", s.Task, TaskSegment)
	}
	return newSegmenter(s, release, opts), nil
}

func newSegmenter(b backend, release ReleaseFunc, opts Options) *Segmenter {
	s := &Segmenter{}
	s.init(b, release, opts)
	return s
}

func (s *Segmenter) Segment(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Segmentation, error) {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}
	lb, outputs, err := s.infer(ctx, img, timings)
	if err != nil {
		return nil, err
	}
	if err := checkOutputs(TaskSegment, outputs); err != nil {
		return nil, err
	}

	postStart := time.Now()
	segs, err := decodeSegmentations(outputs[0], outputs[1], lb, s.opts)
	if err != nil {
		return nil, fmt.Errorf("process predictions: %w", err)
	}
	timings.Postprocess = time.Since(postStart)
	return segs, nil
}

func decodeSegmentations(pred, protos []float32, lb Letterbox, opts Options) ([]models.Segmentation, error) {
	const protoArea = ProtoSize * ProtoSize
	if len(protos) != MaskChannels*protoArea {
		return nil, fmt.Errorf("unexpected prototype length: got %d, want %d", len(protos), MaskChannels*protoArea)
	}
	cands, err := scanCandidates(pred, TaskSegment.Channels(), NumClasses, opts.ConfThreshold)
	if err != nil {
		return nil, err
	}
	kept := nms(cands, opts.IoUThreshold, opts.MaxDetections)

	out := make([]models.Segmentation, 0, len(kept))
	mask := make([]bool, protoArea)
	var coef [MaskChannels]float32
	for _, c := range kept {
		for k := range coef {
			coef[k] = pred[(4+NumClasses+k)*NumAnchors+c.anchor]
		}
		buildMask(mask, coef[:], protos, c.box)

		contour := traceLargestContour(mask, ProtoSize, ProtoSize)
		polygon := make([]models.Point, 0, len(contour))
		for _, p := range contour {
			x, y := lb.Unmap((float64(p.X)+0.5)*protoStride, (float64(p.Y)+0.5)*protoStride)
			polygon = append(polygon, models.Point{
				X: clamp(x, 0, float64(lb.SrcW)),
				Y: clamp(y, 0, float64(lb.SrcH)),
			})
		}

		out = append(out, models.Segmentation{
			BBox:       lb.UnmapBox(c.box),
			ClassID:    c.class,
			Polygon:    polygon,
			Confidence: c.score,
			ClassName:  ClassName(c.class),
		})
	}
	return out, nil
}

// buildMask fills mask with the prototype combination for one instance, cropped
// to its box. A logit above zero is a sigmoid above 0.5.
func buildMask(mask []bool, coef, protos []float32, box [4]float32) {
	const protoArea = ProtoSize * ProtoSize
	clear(mask)

	x0 := max(0, int(math.Ceil(float64(box[0])/protoStride)))
	y0 := max(0, int(math.Ceil(float64(box[1])/protoStride)))
	x1 := min(ProtoSize, int(math.Ceil(float64(box[2])/protoStride)))
	y1 := min(ProtoSize, int(math.Ceil(float64(box[3])/protoStride)))

	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			i := y*ProtoSize + x
			var logit float32
			for k, c := range coef {
				logit += c * protos[k*protoArea+i]
			}
			mask[i] = logit > 0
		}
	}
}
