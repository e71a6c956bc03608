package annotate

import (
	"image"
	"math"

	"github.com/fogleman/gg"

	"github.com/Tutortoise/smart-vision/models"
)

const (
	// PoseThreshold is the lowest keypoint confidence that is drawn.
	PoseThreshold = 0.5
	markerRadius  = 5
	limbWidth     = 2
)

// Poses draws keypoint markers and skeleton limbs for every person, last person first.
func Poses(frame *image.RGBA, sets []models.KeypointSet) *image.RGBA {
	if len(sets) == 0 {
		return frame
	}
	w, h := frame.Bounds().Dx(), frame.Bounds().Dy()
	dc := gg.NewContextForRGBA(frame)

	for i := len(sets) - 1; i >= 0; i-- {
		kpts := sets[i]
		for k, kp := range kpts {
			if !markerVisible(kp, w, h) {
				continue
			}
			dc.SetColor(Palette[KeypointColorIndex[k%len(KeypointColorIndex)]])
			dc.DrawCircle(float64(kp.X), float64(kp.Y), markerRadius)
			dc.Fill()
		}

		for l, limb := range Skeleton {
			a, b := limb[0]-1, limb[1]-1
			if a >= len(kpts) || b >= len(kpts) {
				continue
			}
			ax, ay, okA := limbEnd(kpts[a], w, h)
			bx, by, okB := limbEnd(kpts[b], w, h)
			if !okA || !okB {
				continue
			}
			dc.SetColor(Palette[LimbColorIndex[l]])
			dc.SetLineWidth(limbWidth)
			dc.DrawLine(float64(ax), float64(ay), float64(bx), float64(by))
			dc.Stroke()
		}
	}
	return frame
}

// markerVisible treats a coordinate that is a multiple of the frame size as the
// model's "not detected" sentinel.
func markerVisible(kp models.Keypoint, w, h int) bool {
	if math.Mod(float64(kp.X), float64(w)) == 0 || math.Mod(float64(kp.Y), float64(h)) == 0 {
		return false
	}
	return !kp.HasConfidence || kp.Confidence >= PoseThreshold
}

// limbEnd returns the integer endpoint of a limb, or false if it must not be drawn.
func limbEnd(kp models.Keypoint, w, h int) (int, int, bool) {
	if kp.HasConfidence && kp.Confidence < PoseThreshold {
		return 0, 0, false
	}
	x, y := int(kp.X), int(kp.Y)
	if x%w == 0 || y%h == 0 || x < 0 || y < 0 {
		return 0, 0, false
	}
	return x, y, true
}
