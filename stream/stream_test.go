package stream

import (
	"bytes"
	"context"
	"image"
	"io"
	"mime"
	"mime/multipart"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/goleak"
	"go.viam.com/test"

	"github.com/Tutortoise/smart-vision/capture"
	"github.com/Tutortoise/smart-vision/logging"
	"github.com/Tutortoise/smart-vision/pipeline"
)

type fakeSource struct {
	mu     sync.Mutex
	frames int // frames before failing; negative never fails
	reads  int
	closes int
}

func (f *fakeSource) Read(ctx context.Context) (image.Image, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Millisecond):
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frames >= 0 && f.reads >= f.frames {
		return nil, errors.New("device unplugged")
	}
	f.reads++
	return image.NewRGBA(image.Rect(0, 0, 8, 8)), nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeSource) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// slowCloseSource takes a while to give the device back.
type slowCloseSource struct {
	*fakeSource
	delay time.Duration
}

func (s *slowCloseSource) Close() error {
	time.Sleep(s.delay)
	return s.fakeSource.Close()
}

type fakeProcessor struct {
	mode    pipeline.Mode
	failAt  int
	mu      sync.Mutex
	calls   int
	closes  int
	procErr error
}

func (p *fakeProcessor) Mode() pipeline.Mode { return p.mode }

func (p *fakeProcessor) Process(ctx context.Context, frame image.Image) (*pipeline.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failAt > 0 && p.calls >= p.failAt {
		return nil, p.procErr
	}
	res := &pipeline.Result{Frame: frame.(*image.RGBA)}
	res.Timings.FrameID = uint64(p.calls)
	return res, nil
}

func (p *fakeProcessor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

func (p *fakeProcessor) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

type fakeSink struct {
	mu    sync.Mutex
	shown int
}

func (s *fakeSink) Show(*pipeline.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shown++
	return nil
}

func newTestController(t *testing.T, src *fakeSource, proc *fakeProcessor, sink Sink) *Controller {
	t.Helper()
	open := func(context.Context) (capture.Source, error) { return src, nil }
	build := func(_ context.Context, mode pipeline.Mode) (Processor, error) {
		proc.mode = mode
		return proc, nil
	}
	return NewController(open, build, sink, logging.NewTestLogger(t), nil)
}

func waitForState(t *testing.T, c *Controller, want State) Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st := c.Status(); st.State == want {
			return st
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("controller never reached %v, last status %+v", want, c.Status())
	return Status{}
}

func TestSessionReadFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := &fakeSource{frames: 3}
	proc := &fakeProcessor{}
	sink := &fakeSink{}
	c := newTestController(t, src, proc, sink)

	st, err := c.Start(context.Background(), pipeline.PoseEstimation)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, st.SessionID, test.ShouldNotBeEmpty)
	test.That(t, st.Mode, test.ShouldEqual, "Pose Estimation")

	st = waitForState(t, c, Stopped)
	test.That(t, st.Error, test.ShouldEqual, ReadFailedMessage)
	test.That(t, st.Frames, test.ShouldEqual, uint64(3))
	test.That(t, c.Close(context.Background()), test.ShouldBeNil)

	test.That(t, src.closeCount(), test.ShouldEqual, 1)
	test.That(t, proc.closeCount(), test.ShouldEqual, 1)
	test.That(t, sink.shown, test.ShouldEqual, 3)
}

func TestSessionStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := &fakeSource{frames: -1}
	proc := &fakeProcessor{}
	c := newTestController(t, src, proc, &fakeSink{})

	events, unsubscribe := c.Subscribe()
	defer unsubscribe()

	_, err := c.Start(context.Background(), pipeline.ObjectDetection)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, (<-events).State, test.ShouldEqual, Capturing)

	_, err = c.Start(context.Background(), pipeline.ObjectSegmentation)
	test.That(t, err, test.ShouldBeError, ErrAlreadyRunning)

	st, err := c.Stop(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, st.State, test.ShouldEqual, Stopped)
	test.That(t, st.Error, test.ShouldBeEmpty)
	test.That(t, (<-events).State, test.ShouldEqual, Stopped)

	_, err = c.Stop(context.Background())
	test.That(t, err, test.ShouldBeError, ErrNotRunning)

	test.That(t, c.Close(context.Background()), test.ShouldBeNil)
	test.That(t, src.closeCount(), test.ShouldEqual, 1)
	test.That(t, proc.closeCount(), test.ShouldEqual, 1)
}

func TestSessionRestartAfterStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := &fakeSource{frames: -1}
	proc := &fakeProcessor{}
	c := newTestController(t, src, proc, &fakeSink{})

	first, err := c.Start(context.Background(), pipeline.ObjectDetection)
	test.That(t, err, test.ShouldBeNil)
	_, err = c.Stop(context.Background())
	test.That(t, err, test.ShouldBeNil)

	second, err := c.Start(context.Background(), pipeline.PoseEstimation)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, second.SessionID, test.ShouldNotEqual, first.SessionID)
	test.That(t, c.Close(context.Background()), test.ShouldBeNil)
}

func TestSessionRestartAfterReadFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	first := &slowCloseSource{fakeSource: &fakeSource{frames: 0}, delay: 50 * time.Millisecond}
	second := &fakeSource{frames: -1}
	opens := 0
	firstClosedAtReopen := -1
	open := func(context.Context) (capture.Source, error) {
		opens++
		if opens == 1 {
			return first, nil
		}
		firstClosedAtReopen = first.closeCount()
		return second, nil
	}
	build := func(_ context.Context, mode pipeline.Mode) (Processor, error) {
		return &fakeProcessor{mode: mode}, nil
	}
	c := NewController(open, build, &fakeSink{}, logging.NewTestLogger(t), nil)

	_, err := c.Start(context.Background(), pipeline.ObjectDetection)
	test.That(t, err, test.ShouldBeNil)
	st := waitForState(t, c, Stopped)
	test.That(t, st.Error, test.ShouldEqual, ReadFailedMessage)

	_, err = c.Start(context.Background(), pipeline.ObjectDetection)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, firstClosedAtReopen, test.ShouldEqual, 1)
	test.That(t, c.Close(context.Background()), test.ShouldBeNil)
	test.That(t, second.closeCount(), test.ShouldEqual, 1)
}

func TestSessionProcessingError(t *testing.T) {
	defer goleak.VerifyNone(t)

	proc := &fakeProcessor{failAt: 2, procErr: errors.New("inference failed")}
	src := &fakeSource{frames: -1}
	c := newTestController(t, src, proc, &fakeSink{})

	_, err := c.Start(context.Background(), pipeline.ObjectDetection)
	test.That(t, err, test.ShouldBeNil)

	st := waitForState(t, c, Stopped)
	test.That(t, st.Error, test.ShouldContainSubstring, "inference failed")
	test.That(t, st.Frames, test.ShouldEqual, uint64(1))
	test.That(t, c.Close(context.Background()), test.ShouldBeNil)
	test.That(t, src.closeCount(), test.ShouldEqual, 1)
}

func TestControllerOpenFailure(t *testing.T) {
	proc := &fakeProcessor{}
	open := func(context.Context) (capture.Source, error) { return nil, errors.New("no camera") }
	build := func(context.Context, pipeline.Mode) (Processor, error) { return proc, nil }
	c := NewController(open, build, &fakeSink{}, nil, nil)

	st, err := c.Start(context.Background(), pipeline.ObjectDetection)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, st.State, test.ShouldEqual, Stopped)
	test.That(t, st.Error, test.ShouldEqual, OpenFailedMessage)
	test.That(t, proc.closeCount(), test.ShouldEqual, 1)
}

func TestControllerBuildFailure(t *testing.T) {
	opened := false
	open := func(context.Context) (capture.Source, error) {
		opened = true
		return &fakeSource{}, nil
	}
	build := func(context.Context, pipeline.Mode) (Processor, error) { return nil, errors.New("model missing") }
	c := NewController(open, build, &fakeSink{}, nil, nil)

	st, err := c.Start(context.Background(), pipeline.ObjectSegmentation)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, st.State, test.ShouldEqual, Idle)
	test.That(t, opened, test.ShouldBeFalse)
}

func TestStateText(t *testing.T) {
	b, err := Capturing.MarshalText()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(b), test.ShouldEqual, "capturing")
	test.That(t, State(9).String(), test.ShouldEqual, "State(9)")

	var st State
	test.That(t, st.UnmarshalText([]byte("stopped")), test.ShouldBeNil)
	test.That(t, st, test.ShouldEqual, Stopped)
	test.That(t, st.UnmarshalText([]byte("paused")), test.ShouldNotBeNil)
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster()
	_, ok := b.Latest()
	test.That(t, ok, test.ShouldBeFalse)

	b.Publish(Frame{Seq: 1})
	ch, cancel := b.Subscribe(1)
	test.That(t, (<-ch).Seq, test.ShouldEqual, uint64(1))

	b.Publish(Frame{Seq: 2})
	b.Publish(Frame{Seq: 3})
	test.That(t, (<-ch).Seq, test.ShouldEqual, uint64(2))

	published, dropped := b.Stats()
	test.That(t, published, test.ShouldEqual, uint64(3))
	test.That(t, dropped, test.ShouldEqual, uint64(1))

	latest, ok := b.Latest()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, latest.Seq, test.ShouldEqual, uint64(3))

	test.That(t, b.Viewers(), test.ShouldEqual, 1)
	cancel()
	cancel()
	test.That(t, b.Viewers(), test.ShouldEqual, 0)
	_, open := <-ch
	test.That(t, open, test.ShouldBeFalse)
}

func TestBroadcasterClose(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe(1)
	b.Close()
	_, open := <-ch
	test.That(t, open, test.ShouldBeFalse)
	cancel()

	b.Publish(Frame{Seq: 1})
	late, _ := b.Subscribe(1)
	_, open = <-late
	test.That(t, open, test.ShouldBeFalse)
}

func TestMJPEGHandler(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewBroadcaster()
	b.Publish(Frame{JPEG: []byte("first"), Seq: 1})

	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		MJPEGHandler(b).ServeHTTP(rec, httptest.NewRequest("GET", "/stream.mjpeg", nil))
	}()

	for b.Viewers() == 0 {
		time.Sleep(time.Millisecond)
	}
	b.Publish(Frame{JPEG: []byte("second"), Seq: 2})
	b.Close()
	<-done

	mediaType, params, err := mime.ParseMediaType(rec.Header().Get("Content-Type"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mediaType, test.ShouldEqual, "multipart/x-mixed-replace")

	mr := multipart.NewReader(bytes.NewReader(rec.Body.Bytes()), params["boundary"])
	for _, want := range []string{"first", "second"} {
		part, err := mr.NextPart()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, part.Header.Get("Content-Type"), test.ShouldEqual, "image/jpeg")
		body, err := io.ReadAll(part)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, string(body), test.ShouldEqual, want)
	}
}

func TestJPEGSink(t *testing.T) {
	b := NewBroadcaster()
	sink := NewJPEGSink(b, 0)
	res := &pipeline.Result{Frame: image.NewRGBA(image.Rect(0, 0, 16, 16))}
	res.Timings.FrameID = 7

	test.That(t, sink.Show(res), test.ShouldBeNil)
	f, ok := b.Latest()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, f.Seq, test.ShouldEqual, uint64(7))
	test.That(t, f.JPEG[:2], test.ShouldResemble, capture.JpegSOI)
}
