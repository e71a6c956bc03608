package annotate

import (
	"fmt"
	"image"

	"github.com/fogleman/gg"

	"github.com/Tutortoise/smart-vision/models"
)

// Tracks outlines every track in green with an "ID: n" label above it.
func Tracks(frame *image.RGBA, tracks []models.Track) *image.RGBA {
	if len(tracks) == 0 {
		return frame
	}
	dc := gg.NewContextForRGBA(frame)
	for _, trk := range tracks {
		box := intBox(trk.BBox)
		drawRectangle(dc, box, Green, 2)
		drawLabel(dc, fmt.Sprintf("ID: %d", trk.ID), float64(box[0]), float64(box[1]-10), Green)
	}
	return frame
}
