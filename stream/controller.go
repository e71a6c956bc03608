package stream

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Tutortoise/smart-vision/capture"
	"github.com/Tutortoise/smart-vision/metrics"
	"github.com/Tutortoise/smart-vision/pipeline"
)

var (
	ErrAlreadyRunning = errors.New("a capture session is already running")
	ErrNotRunning     = errors.New("no capture session is running")
)

// Opener opens the camera for a new session.
type Opener func(ctx context.Context) (capture.Source, error)

// Builder loads the model for mode and returns its processor.
type Builder func(ctx context.Context, mode pipeline.Mode) (Processor, error)

// Controller runs at most one Session at a time.
type Controller struct {
	open    Opener
	build   Builder
	sink    Sink
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics

	mu      sync.Mutex
	session *Session
	cancel  context.CancelFunc
	last    Status
	wg      sync.WaitGroup

	subsMu  sync.Mutex
	subs    map[int]chan Status
	nextSub int
}

func NewController(open Opener, build Builder, sink Sink, logger *zap.SugaredLogger, m *metrics.Metrics) *Controller {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Controller{
		open:    open,
		build:   build,
		sink:    sink,
		logger:  logger,
		metrics: m,
		last:    Status{State: Idle},
		subs:    make(map[int]chan Status),
	}
}

// Start loads the model for mode, opens the camera and starts the loop. The
// session outlives ctx; only Stop or Close end it.
func (c *Controller) Start(ctx context.Context, mode pipeline.Mode) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		if st := c.session.Status(); st.State == Capturing {
			return st, ErrAlreadyRunning
		}
		// the previous run may still hold the device
		select {
		case <-c.session.Done():
		case <-ctx.Done():
			return c.statusLocked(), ctx.Err()
		}
	}

	proc, err := c.build(ctx, mode)
	if err != nil {
		return c.statusLocked(), err
	}

	src, err := c.open(ctx)
	if err != nil {
		if cerr := proc.Close(); cerr != nil {
			c.logger.Warnw("release model", "error", cerr)
		}
		c.session = nil
		c.last = Status{State: Stopped, Mode: mode.Label(), Error: OpenFailedMessage}
		c.publish(c.last)
		return c.last, errors.Wrap(err, "open camera")
	}

	id := uuid.NewString()
	logger := c.logger.Named("session").With("session_id", id, "mode", mode.Short())
	sess := newSession(id, src, proc, c.sink, logger, c.metrics, c.publish)
	runCtx, cancel := context.WithCancel(context.Background())
	c.session = sess
	c.cancel = cancel
	c.metrics.SessionStarted(mode.Short())

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		if err := sess.Run(runCtx); err != nil {
			logger.Errorw("session ended", "error", err)
			return
		}
		logger.Infow("session ended", "frames", sess.Status().Frames)
	}()

	st := sess.Status()
	logger.Infow("session started")
	c.publish(st)
	return st, nil
}

// Stop ends the running session and waits until it has released the camera
// or ctx expires. With no running session it returns ErrNotRunning and the
// last status.
func (c *Controller) Stop(ctx context.Context) (Status, error) {
	c.mu.Lock()
	sess, cancel := c.session, c.cancel
	c.mu.Unlock()

	if sess == nil || sess.Status().State != Capturing {
		return c.Status(), ErrNotRunning
	}
	sess.RequestStop()
	cancel()

	select {
	case <-sess.Done():
		return sess.Status(), nil
	case <-ctx.Done():
		return sess.Status(), ctx.Err()
	}
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() Status {
	if c.session != nil {
		return c.session.Status()
	}
	return c.last
}

// Subscribe delivers every state change. Slow subscribers miss updates.
func (c *Controller) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 8)
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			defer c.subsMu.Unlock()
			delete(c.subs, id)
			close(ch)
		})
	}
}

func (c *Controller) publish(st Status) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- st:
		default:
		}
	}
}

// Close stops any running session and waits for its goroutine.
func (c *Controller) Close(ctx context.Context) error {
	if _, err := c.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
