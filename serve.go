package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/spf13/cobra"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tutortoise/smart-vision/capture"
	"github.com/Tutortoise/smart-vision/config"
	"github.com/Tutortoise/smart-vision/detections"
	"github.com/Tutortoise/smart-vision/logging"
	"github.com/Tutortoise/smart-vision/metrics"
	"github.com/Tutortoise/smart-vision/pipeline"
	"github.com/Tutortoise/smart-vision/stream"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the browser UI and the camera stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

// newController wires the camera, the model cache and the display sink into
// a session controller. Starting a mode evicts the other modes' models.
func newController(
	cfg *config.Config,
	cache *modelCache,
	b *stream.Broadcaster,
	m *metrics.Metrics,
	open stream.Opener,
	logger *zap.SugaredLogger,
) *stream.Controller {
	build := func(ctx context.Context, mode pipeline.Mode) (stream.Processor, error) {
		cache.Retain(mode)
		return pipeline.Build(ctx, mode, cache, pipelineOptions(cfg))
	}
	return stream.NewController(open, build, stream.NewJPEGSink(b, cfg.Pipeline.JPEGQuality), logger, m)
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Infow("host cpu features", "features", detections.HostFeatures())
	if err := initRuntime(cfg.Models.RuntimeLib); err != nil {
		return err
	}
	defer ort.DestroyEnvironment()

	m := metrics.New()
	cache := newModelCache(onnxPoolFactory(cfg.Models, logger), cfg.Inference.Options(), m, logger.Named("models"))
	defer cache.Close()

	b := stream.NewBroadcaster()
	defer b.Close()

	open := func(ctx context.Context) (capture.Source, error) {
		return capture.Open(ctx, cfg.Capture, logger.Named("capture"))
	}
	ctrl := newController(cfg, cache, b, m, open, logger.Named("stream"))

	state := &AppState{
		Config:       cfg,
		Models:       cache,
		Controller:   ctrl,
		Broadcaster:  b,
		Metrics:      m,
		Logger:       logger.Named("http"),
		RuntimeReady: true,
	}

	srv := &http.Server{
		Handler:      newRouter(state),
		Addr:         cfg.Server.Addr,
		WriteTimeout: cfg.Server.WriteTimeout,
		ReadTimeout:  cfg.Server.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infow("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Infow("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := ctrl.Close(shutdownCtx); err != nil {
			logger.Warnw("stop capture session", "error", err)
		}
		// MJPEG viewers hold their requests open until the broadcaster closes.
		b.Close()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
