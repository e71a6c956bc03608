package main

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Tutortoise/smart-vision/config"
	"github.com/Tutortoise/smart-vision/detections"
	"github.com/Tutortoise/smart-vision/metrics"
	"github.com/Tutortoise/smart-vision/pipeline"
)

type poolFactory func(task detections.Task) (*ModelSessionPool, error)

// modelCache keeps one session pool per model and lends sessions out as
// pipeline models. It implements pipeline.Loader.
type modelCache struct {
	newPool poolFactory
	opts    detections.Options
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger

	mu    sync.Mutex
	pools map[detections.Task]*ModelSessionPool
}

func newModelCache(newPool poolFactory, opts detections.Options, m *metrics.Metrics, logger *zap.SugaredLogger) *modelCache {
	return &modelCache{
		newPool: newPool,
		opts:    opts,
		metrics: m,
		logger:  logger,
		pools:   make(map[detections.Task]*ModelSessionPool),
	}
}

// onnxPoolFactory builds pools of ONNX Runtime sessions for the configured model files.
func onnxPoolFactory(cfg config.ModelsConfig, logger *zap.SugaredLogger) poolFactory {
	return func(task detections.Task) (*ModelSessionPool, error) {
		path := modelPath(cfg, task)
		return NewModelSessionPool(task, cfg.PoolSize, func() (*detections.ModelSession, error) {
			return initSession(task, path, cfg.Threads)
		}, logger.Named("pool").With("task", task.String()))
	}
}

func modelPath(cfg config.ModelsConfig, task detections.Task) string {
	switch task {
	case detections.TaskSegment:
		return cfg.Segment
	case detections.TaskPose:
		return cfg.Pose
	default:
		return cfg.Detect
	}
}

func taskFor(mode pipeline.Mode) detections.Task {
	switch mode {
	case pipeline.ObjectSegmentation:
		return detections.TaskSegment
	case pipeline.PoseEstimation:
		return detections.TaskPose
	default:
		return detections.TaskDetect
	}
}

func (c *modelCache) pool(task detections.Task) (*ModelSessionPool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pools[task]; ok {
		return p, nil
	}
	p, err := c.newPool(task)
	if err != nil {
		return nil, err
	}
	c.pools[task] = p
	c.metrics.RegisterPool(task.String(), p.Stats)
	c.logger.Infow("model loaded", "task", task.String())
	return p, nil
}

// Retain drops every pool except the one serving mode. Sessions still lent
// out are destroyed when they come back.
func (c *modelCache) Retain(mode pipeline.Mode) {
	keep := taskFor(mode)
	c.mu.Lock()
	var evicted []*ModelSessionPool
	for task, p := range c.pools {
		if task == keep {
			continue
		}
		delete(c.pools, task)
		c.metrics.UnregisterPool(task.String())
		evicted = append(evicted, p)
	}
	c.mu.Unlock()

	for _, p := range evicted {
		c.logger.Infow("model evicted", "task", p.Task().String())
		p.Destroy()
	}
}

func (c *modelCache) acquire(ctx context.Context, task detections.Task) (*detections.ModelSession, detections.ReleaseFunc, error) {
	p, err := c.pool(task)
	if err != nil {
		return nil, nil, err
	}
	s, err := p.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s, func(broken bool) {
		if broken {
			p.Discard(s)
			return
		}
		p.Release(s)
	}, nil
}

func (c *modelCache) Detector(ctx context.Context) (pipeline.Detector, error) {
	s, release, err := c.acquire(ctx, detections.TaskDetect)
	if err != nil {
		return nil, err
	}
	d, err := detections.NewDetector(s, release, c.opts)
	if err != nil {
		release(false)
		return nil, err
	}
	return d, nil
}

func (c *modelCache) Segmenter(ctx context.Context) (pipeline.Segmenter, error) {
	s, release, err := c.acquire(ctx, detections.TaskSegment)
	if err != nil {
		return nil, err
	}
	seg, err := detections.NewSegmenter(s, release, c.opts)
	if err != nil {
		release(false)
		return nil, err
	}
	return seg, nil
}

func (c *modelCache) PoseEstimator(ctx context.Context) (pipeline.PoseEstimator, error) {
	s, release, err := c.acquire(ctx, detections.TaskPose)
	if err != nil {
		return nil, err
	}
	est, err := detections.NewPoseEstimator(s, release, c.opts)
	if err != nil {
		release(false)
		return nil, err
	}
	return est, nil
}

// Loaded lists the tasks with a live pool.
func (c *modelCache) Loaded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.pools))
	for task := range c.pools {
		out = append(out, task.String())
	}
	sort.Strings(out)
	return out
}

// PoolErrors reports the recent session rebuild failures of each live pool.
func (c *modelCache) PoolErrors() map[string][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]string)
	for task, p := range c.pools {
		errs := p.LastErrors()
		if len(errs) == 0 {
			continue
		}
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		out[task.String()] = msgs
	}
	return out
}

func (c *modelCache) Close() {
	c.mu.Lock()
	pools := c.pools
	c.pools = make(map[detections.Task]*ModelSessionPool)
	c.mu.Unlock()
	for task, p := range pools {
		c.metrics.UnregisterPool(task.String())
		p.Destroy()
	}
}
