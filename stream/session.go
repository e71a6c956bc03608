// Package stream runs the capture -> process -> display loop and fans the
// annotated frames out to browser viewers.
package stream

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/Tutortoise/smart-vision/capture"
	"github.com/Tutortoise/smart-vision/metrics"
	"github.com/Tutortoise/smart-vision/pipeline"
)

const (
	// ReadFailedMessage is shown to the user when the camera stops delivering frames.
	ReadFailedMessage = "Error: Could not read frame"
	OpenFailedMessage = "Error: Could not open camera"
)

type State int

const (
	Idle State = iota
	Capturing
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{Idle, Capturing, Stopped} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}

// Status is the externally visible state of the current or last session.
type Status struct {
	SessionID string `json:"session_id,omitempty"`
	State     State  `json:"state"`
	Mode      string `json:"mode,omitempty"`
	Frames    uint64 `json:"frames"`
	Error     string `json:"error,omitempty"`
}

// Processor is a built pipeline.
type Processor interface {
	Mode() pipeline.Mode
	Process(ctx context.Context, frame image.Image) (*pipeline.Result, error)
	Close() error
}

// Session owns one camera and one processor for a single run.
type Session struct {
	id      string
	src     capture.Source
	proc    Processor
	sink    Sink
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
	notify  func(Status)

	stop atomic.Bool
	done chan struct{}

	mu     sync.Mutex
	state  State
	frames uint64
	errMsg string
}

func newSession(
	id string,
	src capture.Source,
	proc Processor,
	sink Sink,
	logger *zap.SugaredLogger,
	m *metrics.Metrics,
	notify func(Status),
) *Session {
	if notify == nil {
		notify = func(Status) {}
	}
	return &Session{
		id:      id,
		src:     src,
		proc:    proc,
		sink:    sink,
		logger:  logger,
		metrics: m,
		notify:  notify,
		done:    make(chan struct{}),
		state:   Capturing,
	}
}

func (s *Session) ID() string { return s.id }

// Done is closed once Run has released the camera and the model.
func (s *Session) Done() <-chan struct{} { return s.done }

// RequestStop is observed before the next frame is read.
func (s *Session) RequestStop() { s.stop.Store(true) }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	return Status{
		SessionID: s.id,
		State:     s.state,
		Mode:      s.proc.Mode().Label(),
		Frames:    s.frames,
		Error:     s.errMsg,
	}
}

// Run loops until a stop request, ctx cancellation, a read failure or a
// processing failure. It returns the processing failure, if any; a read
// failure only shows up in Status. The camera and the model are released
// before the Stopped state is published.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	msg, err := s.loop(ctx)
	if cerr := multierr.Combine(s.src.Close(), s.proc.Close()); cerr != nil {
		s.logger.Warnw("release session resources", "error", cerr)
	}
	s.finish(msg)
	return err
}

// loop returns the message to show once the session has stopped.
func (s *Session) loop(ctx context.Context) (string, error) {
	mode := s.proc.Mode().Short()
	for {
		if s.stopping(ctx) {
			return "", nil
		}

		frame, rerr := s.src.Read(ctx)
		if rerr != nil {
			if s.stopping(ctx) {
				return "", nil
			}
			s.logger.Errorw("camera read failed", "error", rerr)
			s.metrics.FrameFailed(mode)
			return ReadFailedMessage, nil
		}

		res, perr := s.proc.Process(ctx, frame)
		if perr != nil {
			if s.stopping(ctx) {
				return "", nil
			}
			s.metrics.FrameFailed(mode)
			return fmt.Sprintf("Error: %v", perr), errors.Wrap(perr, "process frame")
		}

		if serr := s.sink.Show(res); serr != nil {
			s.logger.Warnw("display frame", "error", serr)
			s.metrics.FrameFailed(mode)
			continue
		}
		s.metrics.ObserveFrame(mode, res.Timings, res.ActiveTracks)
		s.logger.Debugw("frame",
			"id", res.Timings.FrameID,
			"objects", res.Objects,
			"preprocess", res.Timings.Preprocess,
			"inference", res.Timings.Inference,
			"postprocess", res.Timings.Postprocess,
			"track", res.Timings.Track,
			"annotate", res.Timings.Annotate,
			"encode", res.Timings.Encode,
			"total", res.Timings.Total,
			"skipped_updates", res.SkippedUpdates,
		)

		s.mu.Lock()
		s.frames++
		s.mu.Unlock()
	}
}

func (s *Session) stopping(ctx context.Context) bool {
	return s.stop.Load() || ctx.Err() != nil
}

func (s *Session) finish(msg string) {
	s.mu.Lock()
	s.state = Stopped
	s.errMsg = msg
	st := s.statusLocked()
	s.mu.Unlock()
	s.notify(st)
}
