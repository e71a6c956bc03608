package stream

import (
	"bytes"
	"time"

	"github.com/disintegration/imaging"

	"github.com/Tutortoise/smart-vision/pipeline"
)

// Sink displays processed frames.
type Sink interface {
	Show(res *pipeline.Result) error
}

// JPEGSink encodes frames and publishes them to a Broadcaster.
type JPEGSink struct {
	b       *Broadcaster
	quality int
}

func NewJPEGSink(b *Broadcaster, quality int) *JPEGSink {
	if quality < 1 || quality > 100 {
		quality = 80
	}
	return &JPEGSink{b: b, quality: quality}
}

func (s *JPEGSink) Show(res *pipeline.Result) error {
	start := time.Now()
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, res.Frame, imaging.JPEG, imaging.JPEGQuality(s.quality)); err != nil {
		return err
	}
	res.Timings.Encode = time.Since(start)

	s.b.Publish(Frame{
		JPEG:      buf.Bytes(),
		Seq:       res.Timings.FrameID,
		Timestamp: time.Now(),
	})
	return nil
}
