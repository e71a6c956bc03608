package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/Tutortoise/smart-vision/capture"
	"github.com/Tutortoise/smart-vision/config"
	"github.com/Tutortoise/smart-vision/detections"
	"github.com/Tutortoise/smart-vision/logging"
	"github.com/Tutortoise/smart-vision/metrics"
	"github.com/Tutortoise/smart-vision/models"
	"github.com/Tutortoise/smart-vision/pipeline"
	"github.com/Tutortoise/smart-vision/stream"
)

type fakeModel struct{}

func (fakeModel) Detect(context.Context, image.Image, *models.ProcessingTimings) ([]models.Detection, error) {
	return []models.Detection{
		{BBox: [4]float32{10, 10, 50, 50}, ClassID: 0, Confidence: 0.9},
		{BBox: [4]float32{60, 10, 90, 50}, ClassID: 2, Confidence: 0.8},
	}, nil
}

func (fakeModel) Segment(context.Context, image.Image, *models.ProcessingTimings) ([]models.Segmentation, error) {
	return []models.Segmentation{{
		BBox:      [4]float32{10, 10, 50, 50},
		Polygon:   []models.Point{{X: 10, Y: 10}, {X: 50, Y: 10}, {X: 50, Y: 50}},
		ClassName: "person",
	}}, nil
}

func (fakeModel) Estimate(context.Context, image.Image, *models.ProcessingTimings) ([]models.KeypointSet, error) {
	return []models.KeypointSet{make(models.KeypointSet, models.NumKeypoints)}, nil
}

func (fakeModel) Close() error { return nil }

type fakeLoader struct {
	err        error
	poolErrors map[string][]string
}

func (l *fakeLoader) Detector(context.Context) (pipeline.Detector, error) {
	if l.err != nil {
		return nil, l.err
	}
	return fakeModel{}, nil
}

func (l *fakeLoader) Segmenter(context.Context) (pipeline.Segmenter, error) {
	if l.err != nil {
		return nil, l.err
	}
	return fakeModel{}, nil
}

func (l *fakeLoader) PoseEstimator(context.Context) (pipeline.PoseEstimator, error) {
	if l.err != nil {
		return nil, l.err
	}
	return fakeModel{}, nil
}

func (l *fakeLoader) Loaded() []string { return []string{"detect"} }

func (l *fakeLoader) PoolErrors() map[string][]string { return l.poolErrors }

type fakeCamera struct{}

func (fakeCamera) Read(ctx context.Context) (image.Image, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(2 * time.Millisecond):
	}
	return image.NewRGBA(image.Rect(0, 0, 64, 64)), nil
}

func (fakeCamera) Close() error { return nil }

func newTestState(t *testing.T, loader modelLoader) *AppState {
	t.Helper()
	cfg := config.Default()
	logger := logging.NewTestLogger(t)
	b := stream.NewBroadcaster()
	open := func(context.Context) (capture.Source, error) { return fakeCamera{}, nil }
	build := func(ctx context.Context, mode pipeline.Mode) (stream.Processor, error) {
		return pipeline.Build(ctx, mode, loader, pipelineOptions(&cfg))
	}
	ctrl := stream.NewController(open, build, stream.NewJPEGSink(b, 80), logger, nil)
	t.Cleanup(func() {
		test.That(t, ctrl.Close(context.Background()), test.ShouldBeNil)
		b.Close()
	})
	return &AppState{
		Config:       &cfg,
		Models:       loader,
		Controller:   ctrl,
		Broadcaster:  b,
		Metrics:      metrics.New(),
		Logger:       logger,
		RuntimeReady: true,
	}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := imaging.New(100, 100, color.NRGBA{200, 200, 200, 255})
	test.That(t, imaging.Encode(&buf, img, imaging.PNG), test.ShouldBeNil)
	return buf.Bytes()
}

func doRequest(h http.Handler, method, target, contentType string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	test.That(t, json.NewDecoder(rec.Body).Decode(&resp), test.ShouldBeNil)
	return resp
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var st map[string]interface{}
	test.That(t, json.NewDecoder(rec.Body).Decode(&st), test.ShouldBeNil)
	return st
}

func TestAnnotateRawBody(t *testing.T) {
	h := newRouter(newTestState(t, &fakeLoader{}))
	rec := doRequest(h, "POST", "/api/annotate?mode=detect", "image/png", bytes.NewReader(pngBytes(t)))

	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, rec.Header().Get("Content-Type"), test.ShouldEqual, "image/jpeg")
	test.That(t, rec.Header().Get("X-Objects"), test.ShouldEqual, "1")
	test.That(t, rec.Header().Get("X-Request-ID"), test.ShouldNotBeEmpty)

	img, err := imaging.Decode(rec.Body)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Bounds().Dx(), test.ShouldEqual, 100)
}

func TestAnnotateMultipart(t *testing.T) {
	h := newRouter(newTestState(t, &fakeLoader{}))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "frame.png")
	test.That(t, err, test.ShouldBeNil)
	_, err = part.Write(pngBytes(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mw.Close(), test.ShouldBeNil)

	rec := doRequest(h, "POST", "/api/annotate?mode=segment", mw.FormDataContentType(), &body)
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, rec.Header().Get("X-Mode"), test.ShouldEqual, "segment")
	test.That(t, rec.Header().Get("X-Objects"), test.ShouldEqual, "1")
}

func TestAnnotateJSON(t *testing.T) {
	h := newRouter(newTestState(t, &fakeLoader{}))
	payload, err := json.Marshal(map[string]string{"image": base64.StdEncoding.EncodeToString(pngBytes(t))})
	test.That(t, err, test.ShouldBeNil)

	rec := doRequest(h, "POST", "/api/annotate?mode=Pose%20Estimation", "application/json", bytes.NewReader(payload))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, rec.Header().Get("X-Mode"), test.ShouldEqual, "pose")
}

func TestAnnotateErrors(t *testing.T) {
	h := newRouter(newTestState(t, &fakeLoader{}))

	rec := doRequest(h, "POST", "/api/annotate?mode=classify", "image/png", bytes.NewReader(pngBytes(t)))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusBadRequest)
	test.That(t, decodeError(t, rec).Code, test.ShouldEqual, "invalid_mode")

	rec = doRequest(h, "POST", "/api/annotate", "image/png", strings.NewReader("not an image"))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusBadRequest)
	test.That(t, decodeError(t, rec).Code, test.ShouldEqual, "invalid_image")

	failing := newRouter(newTestState(t, &fakeLoader{err: errors.New("model file missing")}))
	rec = doRequest(failing, "POST", "/api/annotate", "image/png", bytes.NewReader(pngBytes(t)))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusInternalServerError)
	test.That(t, decodeError(t, rec).Details, test.ShouldContainSubstring, "model file missing")
}

func TestSessionLifecycle(t *testing.T) {
	h := newRouter(newTestState(t, &fakeLoader{}))

	rec := doRequest(h, "GET", "/api/session", "", nil)
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, decodeStatus(t, rec)["state"], test.ShouldEqual, "idle")

	rec = doRequest(h, "POST", "/api/session/start", "application/json", strings.NewReader(`{"mode":"Juggling"}`))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusBadRequest)

	rec = doRequest(h, "POST", "/api/session/start", "application/json", strings.NewReader(`{"mode":"Object Detection"}`))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	st := decodeStatus(t, rec)
	test.That(t, st["state"], test.ShouldEqual, "capturing")
	test.That(t, st["mode"], test.ShouldEqual, "Object Detection")
	test.That(t, st["session_id"], test.ShouldNotBeEmpty)

	rec = doRequest(h, "POST", "/api/session/start", "application/json", strings.NewReader(`{"mode":"pose"}`))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusConflict)
	test.That(t, decodeError(t, rec).Code, test.ShouldEqual, "already_running")

	rec = doRequest(h, "POST", "/api/session/stop", "", nil)
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, decodeStatus(t, rec)["state"], test.ShouldEqual, "stopped")

	rec = doRequest(h, "POST", "/api/session/stop", "", nil)
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
}

func TestSessionStartModelFailure(t *testing.T) {
	h := newRouter(newTestState(t, &fakeLoader{err: errors.New("no such file")}))
	rec := doRequest(h, "POST", "/api/session/start", "application/json", strings.NewReader(`{"mode":"segment"}`))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusInternalServerError)
	test.That(t, decodeError(t, rec).Code, test.ShouldEqual, "start_failed")
}

func TestEventsWebsocket(t *testing.T) {
	srv := httptest.NewServer(newRouter(newTestState(t, &fakeLoader{})))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/events", nil)
	test.That(t, err, test.ShouldBeNil)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var st map[string]interface{}
	test.That(t, wsjson.Read(ctx, conn, &st), test.ShouldBeNil)
	test.That(t, st["state"], test.ShouldEqual, "idle")

	resp, err := http.Post(srv.URL+"/api/session/start", "application/json", strings.NewReader(`{"mode":"detect"}`))
	test.That(t, err, test.ShouldBeNil)
	resp.Body.Close()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)

	test.That(t, wsjson.Read(ctx, conn, &st), test.ShouldBeNil)
	test.That(t, st["state"], test.ShouldEqual, "capturing")
}

func TestMonitoringRoutes(t *testing.T) {
	h := newRouter(newTestState(t, &fakeLoader{
		poolErrors: map[string][]string{"detect": {"load model: no such file"}},
	}))

	rec := doRequest(h, "GET", "/healthz", "", nil)
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	var health HealthResponse
	test.That(t, json.NewDecoder(rec.Body).Decode(&health), test.ShouldBeNil)
	test.That(t, health.Status, test.ShouldEqual, "ok")
	test.That(t, health.Service, test.ShouldEqual, AppTitle)
	test.That(t, health.Models, test.ShouldResemble, []string{"detect"})
	test.That(t, health.PoolErrors["detect"], test.ShouldResemble, []string{"load model: no such file"})

	rec = doRequest(h, "GET", "/metrics", "", nil)
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, rec.Body.String(), test.ShouldContainSubstring, "go_goroutines")
}

func TestUIServed(t *testing.T) {
	h := newRouter(newTestState(t, &fakeLoader{}))
	rec := doRequest(h, "GET", "/", "", nil)
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	body := rec.Body.String()
	test.That(t, body, test.ShouldContainSubstring, AppTitle)
	test.That(t, body, test.ShouldContainSubstring, AppCredit)
	test.That(t, body, test.ShouldContainSubstring, "Start Camera")
	test.That(t, body, test.ShouldContainSubstring, "Stop Camera")
}

func fakeSessions(task detections.Task) (sessionFactory, *int) {
	var mu sync.Mutex
	created := 0
	return func() (*detections.ModelSession, error) {
		mu.Lock()
		defer mu.Unlock()
		created++
		return &detections.ModelSession{Task: task}, nil
	}, &created
}

func TestModelSessionPool(t *testing.T) {
	factory, created := fakeSessions(detections.TaskDetect)
	pool, err := NewModelSessionPool(detections.TaskDetect, 2, factory, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, *created, test.ShouldEqual, 2)

	s1, err := pool.Acquire(context.Background())
	test.That(t, err, test.ShouldBeNil)
	s2, err := pool.Acquire(context.Background())
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.Acquire(ctx)
	test.That(t, err, test.ShouldBeError, context.Canceled)

	stats := pool.Stats()
	test.That(t, stats.Size, test.ShouldEqual, 2)
	test.That(t, stats.InUse, test.ShouldEqual, 2)
	test.That(t, stats.TotalAcquired, test.ShouldEqual, int64(2))

	pool.Release(s1)
	pool.Destroy()
	pool.Destroy()
	pool.Release(s2)

	_, err = pool.Acquire(context.Background())
	test.That(t, err, test.ShouldBeError, ErrPoolClosed)
	test.That(t, pool.Stats().TotalReleased, test.ShouldEqual, int64(2))
}

func TestModelSessionPoolInitFailure(t *testing.T) {
	calls := 0
	_, err := NewModelSessionPool(detections.TaskPose, 3, func() (*detections.ModelSession, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("bad model")
		}
		return &detections.ModelSession{Task: detections.TaskPose}, nil
	}, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "pose session 1")
}

func TestModelCacheEvictsOnModeChange(t *testing.T) {
	m := metrics.New()
	cache := newModelCache(func(task detections.Task) (*ModelSessionPool, error) {
		factory, _ := fakeSessions(task)
		return NewModelSessionPool(task, 1, factory, nil)
	}, detections.DefaultOptions(), m, logging.NewTestLogger(t))
	defer cache.Close()

	det, err := cache.Detector(context.Background())
	test.That(t, err, test.ShouldBeNil)
	seg, err := cache.Segmenter(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cache.Loaded(), test.ShouldResemble, []string{"detect", "segment"})

	cache.Retain(pipeline.ObjectSegmentation)
	test.That(t, cache.Loaded(), test.ShouldResemble, []string{"segment"})

	// the evicted pool still takes its session back
	test.That(t, det.Close(), test.ShouldBeNil)
	test.That(t, seg.Close(), test.ShouldBeNil)

	again, err := cache.Segmenter(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, again.Close(), test.ShouldBeNil)
}

func TestModelSessionPoolDiscard(t *testing.T) {
	var mu sync.Mutex
	created, failNext := 0, false
	pool, err := NewModelSessionPool(detections.TaskDetect, 1, func() (*detections.ModelSession, error) {
		mu.Lock()
		defer mu.Unlock()
		if failNext {
			failNext = false
			return nil, errors.New("model file vanished")
		}
		created++
		return &detections.ModelSession{Task: detections.TaskDetect}, nil
	}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer pool.Destroy()

	s, err := pool.Acquire(context.Background())
	test.That(t, err, test.ShouldBeNil)
	pool.Discard(s)
	stats := pool.Stats()
	test.That(t, stats.InUse, test.ShouldEqual, 0)
	test.That(t, stats.Discarded, test.ShouldEqual, int64(1))

	mu.Lock()
	failNext = true
	mu.Unlock()
	pool.replenish()
	test.That(t, len(pool.LastErrors()), test.ShouldEqual, 1)
	test.That(t, pool.LastErrors()[0].Error(), test.ShouldContainSubstring, "vanished")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	test.That(t, err, test.ShouldBeError, context.DeadlineExceeded)

	pool.replenish()
	mu.Lock()
	test.That(t, created, test.ShouldEqual, 2)
	mu.Unlock()
	s, err = pool.Acquire(context.Background())
	test.That(t, err, test.ShouldBeNil)
	pool.Release(s)

	// a full pool builds nothing
	pool.replenish()
	mu.Lock()
	test.That(t, created, test.ShouldEqual, 2)
	mu.Unlock()
}

func TestModelCacheDiscardsBrokenSession(t *testing.T) {
	var mu sync.Mutex
	failing := false
	cache := newModelCache(func(task detections.Task) (*ModelSessionPool, error) {
		return NewModelSessionPool(task, 1, func() (*detections.ModelSession, error) {
			mu.Lock()
			defer mu.Unlock()
			if failing {
				return nil, errors.New("runtime unavailable")
			}
			return &detections.ModelSession{Task: task}, nil
		}, nil)
	}, detections.DefaultOptions(), metrics.New(), logging.NewTestLogger(t))
	defer cache.Close()

	_, release, err := cache.acquire(context.Background(), detections.TaskPose)
	test.That(t, err, test.ShouldBeNil)
	release(true)

	p, err := cache.pool(detections.TaskPose)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.Stats().Discarded, test.ShouldEqual, int64(1))
	test.That(t, cache.PoolErrors(), test.ShouldBeEmpty)

	mu.Lock()
	failing = true
	mu.Unlock()
	p.replenish()
	test.That(t, cache.PoolErrors()["pose"], test.ShouldResemble, []string{"runtime unavailable"})
}

func TestModelPathAndTask(t *testing.T) {
	cfg := config.Default().Models
	test.That(t, modelPath(cfg, detections.TaskSegment), test.ShouldEqual, "models/yolov8n-seg.onnx")
	test.That(t, modelPath(cfg, detections.TaskPose), test.ShouldEqual, "models/yolov8n-pose.onnx")
	test.That(t, modelPath(cfg, detections.TaskDetect), test.ShouldEqual, "models/yolov8n.onnx")
	test.That(t, taskFor(pipeline.PoseEstimation), test.ShouldEqual, detections.TaskPose)
}
