// Package capture acquires frames from a local camera or a video file.
package capture

import (
	"context"
	"fmt"
	"image"
	"runtime"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrClosed is returned by Read after Close.
var ErrClosed = errors.New("capture source closed")

// Source yields decoded frames one at a time. Read blocks until the device
// produces a frame or fails. Implementations are not safe for concurrent Reads.
type Source interface {
	Read(ctx context.Context) (image.Image, error)
	Close() error
}

type Backend string

const (
	BackendAuto   Backend = "auto"
	BackendV4L2   Backend = "v4l2"
	BackendFFmpeg Backend = "ffmpeg"
)

type Config struct {
	// Device is the camera index, /dev/video<Device> on Linux.
	Device int `yaml:"device"`
	// Path overrides the device path or ffmpeg input when set.
	Path    string  `yaml:"path"`
	Backend Backend `yaml:"backend"`
	// InputFormat is the ffmpeg demuxer; empty picks one for the host OS.
	InputFormat string `yaml:"input_format"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	FrameRate   int    `yaml:"frame_rate"`
}

func DefaultConfig() Config {
	return Config{
		Device:    0,
		Backend:   BackendAuto,
		Width:     640,
		Height:    480,
		FrameRate: 30,
	}
}

func (c Config) Validate() error {
	switch c.Backend {
	case "", BackendAuto, BackendV4L2, BackendFFmpeg:
	default:
		return fmt.Errorf("unknown capture backend %q", c.Backend)
	}
	if c.Device < 0 {
		return fmt.Errorf("camera index must not be negative, got %d", c.Device)
	}
	if c.Width < 0 || c.Height < 0 || c.FrameRate < 0 {
		return errors.New("capture size and frame rate must not be negative")
	}
	return nil
}

// DeviceInfo describes one capture device.
type DeviceInfo struct {
	Path    string
	Formats []string
	Sizes   []string
}

// DevicePath is the V4L2 node for a camera index.
func DevicePath(index int) string {
	return fmt.Sprintf("/dev/video%d", index)
}

// Open starts capturing from the configured camera. With the auto backend,
// V4L2 is tried first on Linux and ffmpeg is the fallback.
func Open(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (Source, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	path := cfg.Path
	if path == "" {
		path = DevicePath(cfg.Device)
	}

	switch cfg.Backend {
	case BackendV4L2:
		return openWebcam(path, cfg.Width, cfg.Height)
	case BackendFFmpeg:
		return openCamera(ctx, cfg, logger)
	}

	if runtime.GOOS == "linux" {
		src, err := openWebcam(path, cfg.Width, cfg.Height)
		if err == nil {
			logger.Debugw("opened camera", "backend", BackendV4L2, "path", path)
			return src, nil
		}
		logger.Warnw("v4l2 open failed, falling back to ffmpeg", "path", path, "error", err)
	}
	return openCamera(ctx, cfg, logger)
}

// openCamera maps the camera index onto the platform's ffmpeg capture demuxer.
func openCamera(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (Source, error) {
	format := cfg.InputFormat
	if format == "" {
		switch runtime.GOOS {
		case "darwin":
			format = "avfoundation"
		case "windows":
			format = "dshow"
		default:
			format = "v4l2"
		}
	}

	input := cfg.Path
	if input == "" {
		switch format {
		case "v4l2":
			input = DevicePath(cfg.Device)
		case "dshow":
			return nil, errors.New("dshow capture needs capture.path, e.g. \"video=Integrated Camera\"")
		default:
			input = fmt.Sprint(cfg.Device)
		}
	}

	args := map[string]interface{}{"f": format}
	if cfg.FrameRate > 0 {
		args["framerate"] = cfg.FrameRate
	}
	if cfg.Width > 0 && cfg.Height > 0 {
		args["video_size"] = fmt.Sprintf("%dx%d", cfg.Width, cfg.Height)
	}
	return OpenFFmpeg(ctx, input, args, logger)
}
