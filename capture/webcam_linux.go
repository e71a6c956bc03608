package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"path/filepath"
	"sort"
	"sync"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

const (
	// from https://github.com/blackjack/webcam/blob/master/examples/http_mjpeg_streamer/webcam.go
	v4l2PixFmtYuyv = 0x56595559
	jpegVideo      = 1196444237
)

type webcamSource struct {
	mu            sync.Mutex
	cam           *webcam.Webcam
	format        webcam.PixelFormat
	width, height uint32
	closed        atomic.Bool
}

// Close may be called while a Read is waiting; that Read returns ErrClosed
// within one frame timeout.
func (s *webcamSource) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cam.Close()
}

func (s *webcamSource) decode(frame []byte) (image.Image, error) {
	switch s.format {
	case v4l2PixFmtYuyv:
		yuyv := image.NewYCbCr(image.Rect(0, 0, int(s.width), int(s.height)), image.YCbCrSubsampleRatio422)
		if len(frame) < len(yuyv.Cb)*4 {
			return nil, fmt.Errorf("short yuyv frame: %d bytes", len(frame))
		}
		for i := range yuyv.Cb {
			ii := i * 4
			yuyv.Y[i*2] = frame[ii]
			yuyv.Y[i*2+1] = frame[ii+2]
			yuyv.Cb[i] = frame[ii+1]
			yuyv.Cr[i] = frame[ii+3]
		}
		return yuyv, nil
	case jpegVideo:
		return jpeg.Decode(bytes.NewReader(frame))
	default:
		return nil, fmt.Errorf("unsupported pixel format %#x", uint32(s.format))
	}
}

func (s *webcamSource) Read(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.closed.Load() {
			return nil, ErrClosed
		}

		err := s.cam.WaitForFrame(1)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			continue
		default:
			return nil, errors.Wrap(err, "couldn't get webcam frame")
		}

		frame, err := s.cam.ReadFrame()
		if err != nil {
			return nil, errors.Wrap(err, "couldn't read webcam frame")
		}
		if len(frame) == 0 {
			continue
		}
		return s.decode(frame)
	}
}

// pickSize chooses the supported size closest in width to the request, or the
// widest one when no width is requested.
func pickSize(sizes []webcam.FrameSize, width, height int) (uint32, uint32) {
	best := 0
	for idx, sz := range sizes {
		if width <= 0 {
			if sz.MaxWidth > sizes[best].MaxWidth {
				best = idx
			}
			continue
		}
		if absDiff(sz.MaxWidth, uint32(width)) < absDiff(sizes[best].MaxWidth, uint32(width)) {
			best = idx
		}
	}
	sz := sizes[best]
	if width > 0 && height > 0 && sz.StepWidth > 0 && sz.StepHeight > 0 {
		return clampSize(uint32(width), sz.MinWidth, sz.MaxWidth), clampSize(uint32(height), sz.MinHeight, sz.MaxHeight)
	}
	return sz.MaxWidth, sz.MaxHeight
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

func clampSize(v, lo, hi uint32) uint32 {
	return min(max(v, lo), hi)
}

func openWebcam(path string, width, height int) (Source, error) {
	cam, err := webcam.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open webcam [%s]", path)
	}

	formats := cam.GetSupportedFormats()
	format := webcam.PixelFormat(0)

	goodFormats := []webcam.PixelFormat{v4l2PixFmtYuyv, jpegVideo}
	for _, f := range goodFormats {
		if _, ok := formats[f]; !ok {
			continue
		}
		if len(cam.GetSupportedFrameSizes(f)) == 0 {
			continue
		}
		format = f
		break
	}

	if format == 0 {
		cam.Close()
		return nil, fmt.Errorf("no supported format, supported ones: %v", formats)
	}

	w, h := pickSize(cam.GetSupportedFrameSizes(format), width, height)
	format, w, h, err = cam.SetImageFormat(format, w, h)
	if err != nil {
		cam.Close()
		return nil, errors.Wrap(err, "cannot set image format")
	}

	if err := cam.SetBufferCount(2); err != nil {
		cam.Close()
		return nil, errors.Wrapf(err, "cannot SetBufferCount stream for %s", path)
	}

	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return nil, errors.Wrapf(err, "cannot start webcam stream for %s", path)
	}

	return &webcamSource{cam: cam, format: format, width: w, height: h}, nil
}

// ListDevices probes every /dev/video* node that can be opened.
func ListDevices() ([]DeviceInfo, error) {
	paths, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var out []DeviceInfo
	for _, path := range paths {
		cam, err := webcam.Open(path)
		if err != nil {
			continue
		}
		info := DeviceInfo{Path: path}
		for f, desc := range cam.GetSupportedFormats() {
			info.Formats = append(info.Formats, desc)
			for _, sz := range cam.GetSupportedFrameSizes(f) {
				info.Sizes = append(info.Sizes, sz.GetString())
			}
		}
		sort.Strings(info.Formats)
		cam.Close()
		if len(info.Formats) > 0 {
			out = append(out, info)
		}
	}
	return out, nil
}
