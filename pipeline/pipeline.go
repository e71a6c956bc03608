// Package pipeline maps a Mode to a frame -> annotated frame function.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/samber/lo"
	"go.uber.org/atomic"

	"github.com/Tutortoise/smart-vision/annotate"
	"github.com/Tutortoise/smart-vision/models"
	"github.com/Tutortoise/smart-vision/tracking"
)

type Detector interface {
	Detect(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Detection, error)
	Close() error
}

type Segmenter interface {
	Segment(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.Segmentation, error)
	Close() error
}

type PoseEstimator interface {
	Estimate(ctx context.Context, img image.Image, timings *models.ProcessingTimings) ([]models.KeypointSet, error)
	Close() error
}

// Tracker turns one frame's detections into identified tracks. Empty input
// must yield an empty result.
type Tracker interface {
	Update(dets []models.Detection) []models.Track
	Active() int
	SkippedUpdates() int
}

// Loader provides loaded models. Each call hands out a model the caller must Close.
type Loader interface {
	Detector(ctx context.Context) (Detector, error)
	Segmenter(ctx context.Context) (Segmenter, error)
	PoseEstimator(ctx context.Context) (PoseEstimator, error)
}

type Options struct {
	// TargetClass is the only class tracked in detection mode and shaded in segmentation mode.
	TargetClass int
	MaskOpacity float64
	Tracking    tracking.Config
}

func DefaultOptions() Options {
	return Options{
		TargetClass: 0,
		MaskOpacity: annotate.DefaultMaskOpacity,
		Tracking:    tracking.DefaultConfig(),
	}
}

// Result is one processed frame.
type Result struct {
	Frame   *image.RGBA
	Timings models.ProcessingTimings
	// Objects is the number of tracks, instances or persons drawn.
	Objects int
	// ActiveTracks is the tracker population after this frame (detection mode only).
	ActiveTracks int
	// SkippedUpdates counts tracker corrections that kept the prediction so far.
	SkippedUpdates int
}

type processFunc func(ctx context.Context, frame *image.RGBA, res *Result) error

// Pipeline is a built mode: one model, an optional tracker and an annotator.
// It is not safe for concurrent use.
type Pipeline struct {
	mode    Mode
	process processFunc
	close   func() error
	frames  atomic.Uint64
}

// Build loads the model for mode and wires it to its annotator. Model load
// failures are returned unchanged to the caller.
func Build(ctx context.Context, mode Mode, loader Loader, opts Options) (*Pipeline, error) {
	p := &Pipeline{mode: mode}
	switch mode {
	case ObjectDetection:
		det, err := loader.Detector(ctx)
		if err != nil {
			return nil, fmt.Errorf("load %s model: %w", mode.Short(), err)
		}
		p.process = detectAndTrack(det, tracking.NewTracker(opts.Tracking), opts)
		p.close = det.Close
	case ObjectSegmentation:
		seg, err := loader.Segmenter(ctx)
		if err != nil {
			return nil, fmt.Errorf("load %s model: %w", mode.Short(), err)
		}
		p.process = segment(seg, opts)
		p.close = seg.Close
	case PoseEstimation:
		est, err := loader.PoseEstimator(ctx)
		if err != nil {
			return nil, fmt.Errorf("load %s model: %w", mode.Short(), err)
		}
		p.process = estimatePose(est)
		p.close = est.Close
	default:
		return nil, fmt.Errorf("build pipeline: %w", ErrUnknownMode)
	}
	return p, nil
}

// NewWithTracker builds a detection pipeline around an existing detector and tracker.
func NewWithTracker(det Detector, tr Tracker, opts Options) *Pipeline {
	return &Pipeline{
		mode:    ObjectDetection,
		process: detectAndTrack(det, tr, opts),
		close:   det.Close,
	}
}

func (p *Pipeline) Mode() Mode { return p.mode }

// Frames is the number of frames processed so far.
func (p *Pipeline) Frames() uint64 { return p.frames.Load() }

// Process annotates frame. Callers must display Result.Frame: detection and
// pose draw on a zero-origin *image.RGBA in place, but the segmentation mask
// is composited into a new image.
func (p *Pipeline) Process(ctx context.Context, frame image.Image) (*Result, error) {
	start := time.Now()
	res := &Result{Frame: annotate.ToRGBA(frame)}
	res.Timings.FrameID = p.frames.Add(1)

	if err := p.process(ctx, res.Frame, res); err != nil {
		return nil, err
	}
	res.Timings.Total = time.Since(start)
	return res, nil
}

// Close releases the model. The pipeline must not be used afterwards.
func (p *Pipeline) Close() error {
	if p.close == nil {
		return nil
	}
	return p.close()
}

func detectAndTrack(det Detector, tr Tracker, opts Options) processFunc {
	return func(ctx context.Context, frame *image.RGBA, res *Result) error {
		dets, err := det.Detect(ctx, frame, &res.Timings)
		if err != nil {
			return fmt.Errorf("detect: %w", err)
		}

		trackStart := time.Now()
		targets := lo.Filter(dets, func(d models.Detection, _ int) bool {
			return d.ClassID == opts.TargetClass
		})
		tracks := tr.Update(targets)
		res.Timings.Track = time.Since(trackStart)

		annotateStart := time.Now()
		res.Frame = annotate.Tracks(frame, tracks)
		res.Timings.Annotate = time.Since(annotateStart)
		res.Objects = len(tracks)
		res.ActiveTracks = tr.Active()
		res.SkippedUpdates = tr.SkippedUpdates()
		return nil
	}
}

func segment(seg Segmenter, opts Options) processFunc {
	annotateOpts := annotate.SegmentOptions{TargetClass: opts.TargetClass, Opacity: opts.MaskOpacity}
	return func(ctx context.Context, frame *image.RGBA, res *Result) error {
		segs, err := seg.Segment(ctx, frame, &res.Timings)
		if err != nil {
			return fmt.Errorf("segment: %w", err)
		}

		annotateStart := time.Now()
		res.Frame = annotate.Segmentations(frame, segs, annotateOpts)
		res.Timings.Annotate = time.Since(annotateStart)
		res.Objects = lo.CountBy(segs, func(s models.Segmentation) bool {
			return s.ClassID == opts.TargetClass
		})
		return nil
	}
}

func estimatePose(est PoseEstimator) processFunc {
	return func(ctx context.Context, frame *image.RGBA, res *Result) error {
		sets, err := est.Estimate(ctx, frame, &res.Timings)
		if err != nil {
			return fmt.Errorf("estimate pose: %w", err)
		}

		annotateStart := time.Now()
		res.Frame = annotate.Poses(frame, sets)
		res.Timings.Annotate = time.Since(annotateStart)
		res.Objects = len(sets)
		return nil
	}
}
