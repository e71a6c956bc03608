// Package annotate renders model output onto frames.
package annotate

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

// LabelSize is the point size used for all labels.
const LabelSize = 14

var (
	Green = color.RGBA{0, 128, 0, 255}
	Blue  = color.RGBA{0, 0, 255, 255}
	Red   = color.RGBA{255, 0, 0, 255}
)

var labelFont *truetype.Font

func init() {
	var err error
	labelFont, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

func labelFace() font.Face {
	return truetype.NewFace(labelFont, &truetype.Options{Size: LabelSize})
}

// ToRGBA returns img as an *image.RGBA, copying only when it has a different
// pixel layout or a non-zero origin.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

// drawLabel writes text with its top-left corner at (x, y).
func drawLabel(dc *gg.Context, text string, x, y float64, c color.Color) {
	dc.SetFontFace(labelFace())
	dc.SetColor(c)
	dc.DrawStringAnchored(text, x, y, 0, 1)
}

func drawRectangle(dc *gg.Context, box [4]int, c color.Color, width float64) {
	dc.SetColor(c)
	dc.SetLineWidth(width)
	dc.DrawRectangle(float64(box[0]), float64(box[1]), float64(box[2]-box[0]), float64(box[3]-box[1]))
	dc.Stroke()
}

func intBox(b [4]float32) [4]int {
	return [4]int{int(b[0]), int(b[1]), int(b[2]), int(b[3])}
}
