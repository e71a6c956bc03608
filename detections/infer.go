package detections

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/Tutortoise/smart-vision/models"
)

// Options are the post-processing thresholds shared by all three heads.
type Options struct {
	ConfThreshold float32
	IoUThreshold  float32
	MaxDetections int
}

func DefaultOptions() Options {
	return Options{
		ConfThreshold: ConfThreshold,
		IoUThreshold:  IoUThreshold,
		MaxDetections: MaxDetections,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConfThreshold <= 0 {
		o.ConfThreshold = d.ConfThreshold
	}
	if o.IoUThreshold <= 0 {
		o.IoUThreshold = d.IoUThreshold
	}
	if o.MaxDetections <= 0 {
		o.MaxDetections = d.MaxDetections
	}
	return o
}

// ReleaseFunc hands a lent session back. broken is true once inference has
// failed on every retry, in which case the owner should not reuse it.
type ReleaseFunc func(broken bool)

// runner binds a backend to the release callback of whoever lent it out.
type runner struct {
	backend backend
	release ReleaseFunc
	opts    Options
	once    sync.Once
	broken  atomic.Bool
}

func (r *runner) init(b backend, release ReleaseFunc, opts Options) {
	r.backend = b
	r.release = release
	r.opts = opts.withDefaults()
}

// infer letterboxes img into the input tensor and runs the model, retrying
// transient runtime failures.
func (r *runner) infer(ctx context.Context, img image.Image, timings *models.ProcessingTimings) (Letterbox, [][]float32, error) {
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}
	var lastErr error

	for attempt := 1; attempt <= RetryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return Letterbox{}, nil, ctx.Err()
		default:
		}

		lb, outputs, err := r.inferOnce(img, timings)
		if err == nil {
			return lb, outputs, nil
		}
		lastErr = err

		var perr *ProcessingError
		if errors.As(err, &perr) && perr.Message == "prepare input buffer" {
			break
		}
		if attempt < RetryAttempts {
			select {
			case <-ctx.Done():
				return Letterbox{}, nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * RetryDelayMs * time.Millisecond):
			}
		}
	}

	if lastErr != nil {
		var perr *ProcessingError
		if errors.As(lastErr, &perr) && perr.Message == "model inference" {
			r.broken.Store(true)
		}
		return Letterbox{}, nil, lastErr
	}
	return Letterbox{}, nil, errors.New("unknown error")
}

func (r *runner) inferOnce(img image.Image, timings *models.ProcessingTimings) (Letterbox, [][]float32, error) {
	prepStart := time.Now()
	lb, err := Preprocess(img, r.backend.inputData())
	if err != nil {
		return Letterbox{}, nil, &ProcessingError{Message: "prepare input buffer", Cause: err}
	}
	timings.Preprocess = time.Since(prepStart)

	inferStart := time.Now()
	if err := r.backend.run(); err != nil {
		return Letterbox{}, nil, &ProcessingError{Message: "model inference", Cause: err}
	}
	timings.Inference = time.Since(inferStart)

	return lb, r.backend.outputData(), nil
}

// Close hands the session back to its owner. It is safe to call more than once.
func (r *runner) Close() error {
	var err error
	r.once.Do(func() {
		switch {
		case r.release != nil:
			r.release(r.broken.Load())
		case r.backend != nil:
			if d, ok := r.backend.(interface{ Destroy() error }); ok {
				err = d.Destroy()
			}
		}
	})
	return err
}

func checkOutputs(task Task, outputs [][]float32) error {
	if want := len(task.OutputNames()); len(outputs) != want {
		return fmt.Errorf("%s model produced %d outputs, want %d", task, len(outputs), want)
	}
	return nil
}
