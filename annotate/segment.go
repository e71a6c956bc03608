package annotate

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"

	"github.com/Tutortoise/smart-vision/models"
)

// DefaultMaskOpacity is the weight of the mask overlay in the blended frame.
const DefaultMaskOpacity = 0.4

type SegmentOptions struct {
	TargetClass int
	// Opacity is clamped to [0, 1].
	Opacity float64
}

func DefaultSegmentOptions() SegmentOptions {
	return SegmentOptions{TargetClass: 0, Opacity: DefaultMaskOpacity}
}

// Segmentations draws the box and class name of each target-class instance on
// the frame and blends its filled polygon over the result at opts.Opacity.
// Pixels outside every polygon keep their value.
func Segmentations(frame *image.RGBA, segs []models.Segmentation, opts SegmentOptions) *image.RGBA {
	alpha := min(max(opts.Opacity, 0), 1)
	b := frame.Bounds()

	dc := gg.NewContextForRGBA(frame)
	mask := gg.NewContext(b.Dx(), b.Dy())
	filled := false

	for _, s := range segs {
		if s.ClassID != opts.TargetClass {
			continue
		}
		box := intBox(s.BBox)
		drawRectangle(dc, box, Blue, 2)
		if len(s.Polygon) > 2 {
			mask.NewSubPath()
			for _, p := range s.Polygon {
				mask.LineTo(p.X, p.Y)
			}
			mask.ClosePath()
			mask.SetColor(Red)
			mask.FillPreserve()
			mask.SetLineWidth(1)
			mask.Stroke()
			filled = true
		}
		drawLabel(dc, s.ClassName, float64(box[0]), float64(box[1]-5), Red)
	}

	if !filled || alpha == 0 {
		return frame
	}
	return ToRGBA(imaging.Overlay(frame, mask.Image(), b.Min, alpha))
}
