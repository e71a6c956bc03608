// Package config loads the smartvision YAML configuration over built-in defaults.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/Tutortoise/smart-vision/capture"
	"github.com/Tutortoise/smart-vision/detections"
	"github.com/Tutortoise/smart-vision/logging"
	"github.com/Tutortoise/smart-vision/tracking"
)

// RuntimeLibEnv names the ONNX Runtime shared library when runtime_lib is unset.
const RuntimeLibEnv = "ONNXRUNTIME_LIB"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Capture   capture.Config  `yaml:"capture"`
	Models    ModelsConfig    `yaml:"models"`
	Inference InferenceConfig `yaml:"inference"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Tracker   tracking.Config `yaml:"tracker"`
	Logging   logging.Config  `yaml:"logging"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AllowedOrigins feeds the CORS handler; empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type ModelsConfig struct {
	Detect  string `yaml:"detect"`
	Segment string `yaml:"segment"`
	Pose    string `yaml:"pose"`
	// RuntimeLib is the onnxruntime shared library.
	RuntimeLib string `yaml:"runtime_lib"`
	// PoolSize is the number of sessions kept per loaded model.
	PoolSize int `yaml:"pool_size"`
	Threads  int `yaml:"threads"`
}

type InferenceConfig struct {
	ConfThreshold float32 `yaml:"conf_threshold"`
	IoUThreshold  float32 `yaml:"iou_threshold"`
	MaxDetections int     `yaml:"max_detections"`
}

// Options converts to the detections post-processing options.
func (c InferenceConfig) Options() detections.Options {
	return detections.Options{
		ConfThreshold: c.ConfThreshold,
		IoUThreshold:  c.IoUThreshold,
		MaxDetections: c.MaxDetections,
	}
}

type PipelineConfig struct {
	DefaultMode string  `yaml:"default_mode"`
	TargetClass int     `yaml:"target_class"`
	MaskOpacity float64 `yaml:"mask_opacity"`
	JPEGQuality int     `yaml:"jpeg_quality"`
}

func Default() Config {
	opts := detections.DefaultOptions()
	return Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8080",
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Capture: capture.DefaultConfig(),
		Models: ModelsConfig{
			Detect:   "models/yolov8n.onnx",
			Segment:  "models/yolov8n-seg.onnx",
			Pose:     "models/yolov8n-pose.onnx",
			PoolSize: 2,
		},
		Inference: InferenceConfig{
			ConfThreshold: opts.ConfThreshold,
			IoUThreshold:  opts.IoUThreshold,
			MaxDetections: opts.MaxDetections,
		},
		Pipeline: PipelineConfig{
			DefaultMode: "Object Detection",
			TargetClass: 0,
			MaskOpacity: 0.4,
			JPEGQuality: 80,
		},
		Tracker: tracking.DefaultConfig(),
		Logging: logging.DefaultConfig(),
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if cfg.Models.RuntimeLib == "" {
		cfg.Models.RuntimeLib = os.Getenv(RuntimeLibEnv)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

func (c *Config) Validate() error {
	var err error
	if c.Server.Addr == "" {
		err = multierr.Append(err, fmt.Errorf("server.addr is required"))
	}
	if c.Server.ShutdownTimeout < 0 {
		err = multierr.Append(err, fmt.Errorf("server.shutdown_timeout must not be negative"))
	}
	err = multierr.Append(err, c.Capture.Validate())
	if c.Models.PoolSize < 1 {
		err = multierr.Append(err, fmt.Errorf("models.pool_size must be at least 1, got %d", c.Models.PoolSize))
	}
	if c.Models.Threads < 0 {
		err = multierr.Append(err, fmt.Errorf("models.threads must not be negative"))
	}
	if c.Inference.ConfThreshold < 0 || c.Inference.ConfThreshold > 1 {
		err = multierr.Append(err, fmt.Errorf("inference.conf_threshold must be in [0,1], got %v", c.Inference.ConfThreshold))
	}
	if c.Inference.IoUThreshold < 0 || c.Inference.IoUThreshold > 1 {
		err = multierr.Append(err, fmt.Errorf("inference.iou_threshold must be in [0,1], got %v", c.Inference.IoUThreshold))
	}
	if c.Pipeline.TargetClass < 0 || c.Pipeline.TargetClass >= detections.NumClasses {
		err = multierr.Append(err, fmt.Errorf("pipeline.target_class out of range: %d", c.Pipeline.TargetClass))
	}
	if c.Pipeline.JPEGQuality < 1 || c.Pipeline.JPEGQuality > 100 {
		err = multierr.Append(err, fmt.Errorf("pipeline.jpeg_quality must be in [1,100], got %d", c.Pipeline.JPEGQuality))
	}
	if c.Tracker.MaxAge < 0 || c.Tracker.MinHits < 0 {
		err = multierr.Append(err, fmt.Errorf("tracker.max_age and tracker.min_hits must not be negative"))
	}
	return err
}
