package detections

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
)

// Letterbox records how a frame was fitted into the square model input so
// that model-space coordinates can be mapped back onto the frame.
type Letterbox struct {
	Scale      float64
	PadX, PadY int
	SrcW, SrcH int
}

func NewLetterbox(srcW, srcH int) Letterbox {
	scale := math.Min(float64(InputWidth)/float64(srcW), float64(InputHeight)/float64(srcH))
	newW := int(math.Round(float64(srcW) * scale))
	newH := int(math.Round(float64(srcH) * scale))
	return Letterbox{
		Scale: scale,
		PadX:  int(math.Round(float64(InputWidth-newW)/2 - 0.1)),
		PadY:  int(math.Round(float64(InputHeight-newH)/2 - 0.1)),
		SrcW:  srcW,
		SrcH:  srcH,
	}
}

// Unmap converts a model-space point to frame coordinates without clipping.
func (l Letterbox) Unmap(x, y float64) (float64, float64) {
	return (x - float64(l.PadX)) / l.Scale, (y - float64(l.PadY)) / l.Scale
}

// UnmapBox converts a model-space corner box to frame coordinates clipped to the frame.
func (l Letterbox) UnmapBox(b [4]float32) [4]float32 {
	x1, y1 := l.Unmap(float64(b[0]), float64(b[1]))
	x2, y2 := l.Unmap(float64(b[2]), float64(b[3]))
	w, h := float64(l.SrcW), float64(l.SrcH)
	return [4]float32{
		float32(clamp(x1, 0, w)),
		float32(clamp(y1, 0, h)),
		float32(clamp(x2, 0, w)),
		float32(clamp(y2, 0, h)),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Preprocess letterboxes img into dst as normalised planar RGB.
func Preprocess(img image.Image, dst []float32) (Letterbox, error) {
	const channelSize = InputWidth * InputHeight
	if len(dst) != 3*channelSize {
		return Letterbox{}, fmt.Errorf("input buffer length %d, want %d", len(dst), 3*channelSize)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return Letterbox{}, fmt.Errorf("empty image %v", b)
	}

	lb := NewLetterbox(b.Dx(), b.Dy())
	newW := int(math.Round(float64(lb.SrcW) * lb.Scale))
	newH := int(math.Round(float64(lb.SrcH) * lb.Scale))

	canvas := imaging.New(InputWidth, InputHeight, color.NRGBA{PadValue, PadValue, PadValue, 255})
	var resized image.Image = img
	if newW != lb.SrcW || newH != lb.SrcH {
		resized = imaging.Resize(img, newW, newH, imaging.Linear)
	}
	canvas = imaging.Paste(canvas, resized, image.Pt(lb.PadX, lb.PadY))

	fillPlanar(canvas, dst)
	return lb, nil
}

// fillPlanar splits the rows across workers, writing R, G and B planes.
func fillPlanar(img *image.NRGBA, buffer []float32) {
	const channelSize = InputWidth * InputHeight
	numWorkers := runtime.NumCPU()
	if numWorkers > InputHeight {
		numWorkers = InputHeight
	}
	rowsPerWorker := InputHeight / numWorkers

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == numWorkers-1 {
			endRow = InputHeight
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				row := img.Pix[y*img.Stride:]
				offset := y * InputWidth
				for x := 0; x < InputWidth; x++ {
					i := offset + x
					p := row[x*4:]
					buffer[i] = float32(p[0]) / 255.0
					buffer[channelSize+i] = float32(p[1]) / 255.0
					buffer[channelSize*2+i] = float32(p[2]) / 255.0
				}
			}
		}(startRow, endRow)
	}
	wg.Wait()
}
