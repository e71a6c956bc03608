package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/Tutortoise/smart-vision/capture"
	"github.com/Tutortoise/smart-vision/config"
	"github.com/Tutortoise/smart-vision/logging"
	"github.com/Tutortoise/smart-vision/pipeline"
)

type annotateOptions struct {
	input  string
	output string
	mode   string
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".gif": true, ".tif": true, ".tiff": true,
}

func newAnnotateCmd() *cobra.Command {
	var opts annotateOptions
	cmd := &cobra.Command{
		Use:   "annotate",
		Short: "Annotate an image or a video file offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			mode, err := pipeline.ParseMode(opts.mode)
			if err != nil {
				return err
			}
			return runAnnotate(cmd.Context(), cfg, mode, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "input image or video")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "annotated", "output directory")
	cmd.Flags().StringVarP(&opts.mode, "mode", "m", "detect", "detect, segment or pose")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func runAnnotate(ctx context.Context, cfg *config.Config, mode pipeline.Mode, opts annotateOptions) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(opts.output, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := initRuntime(cfg.Models.RuntimeLib); err != nil {
		return err
	}
	defer ort.DestroyEnvironment()

	modelsCfg := cfg.Models
	modelsCfg.PoolSize = 1
	cache := newModelCache(onnxPoolFactory(modelsCfg, logger), cfg.Inference.Options(), nil, logger.Named("models"))
	defer cache.Close()

	p, err := pipeline.Build(ctx, mode, cache, pipelineOptions(cfg))
	if err != nil {
		return err
	}
	defer p.Close()

	if imageExts[strings.ToLower(filepath.Ext(opts.input))] {
		return annotateImage(ctx, p, opts)
	}
	return annotateVideo(ctx, p, opts, logger)
}

func annotateImage(ctx context.Context, p *pipeline.Pipeline, opts annotateOptions) error {
	img, err := imaging.Open(opts.input, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("open %s: %w", opts.input, err)
	}
	res, err := p.Process(ctx, img)
	if err != nil {
		return err
	}
	base := strings.TrimSuffix(filepath.Base(opts.input), filepath.Ext(opts.input))
	out := filepath.Join(opts.output, base+"_"+p.Mode().Short()+".jpg")
	if err := imaging.Save(res.Frame, out); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, out)
	return nil
}

func annotateVideo(ctx context.Context, p *pipeline.Pipeline, opts annotateOptions, logger *zap.SugaredLogger) error {
	src, err := capture.OpenFile(ctx, opts.input, logger.Named("capture"))
	if err != nil {
		return err
	}
	defer src.Close()

	totalFrames := capture.ProbeFrames(opts.input)
	if totalFrames <= 0 {
		totalFrames = -1 // spinner
	}
	bar := progressbar.NewOptions(totalFrames,
		progressbar.OptionSetDescription("Annotating ("+p.Mode().Label()+")"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	defer bar.Finish()

	for n := 1; ; n++ {
		frame, err := src.Read(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		res, err := p.Process(ctx, frame)
		if err != nil {
			return fmt.Errorf("frame %d: %w", n, err)
		}
		out := filepath.Join(opts.output, fmt.Sprintf("frame_%06d.jpg", n))
		if err := imaging.Save(res.Frame, out); err != nil {
			return err
		}
		_ = bar.Add(1)
	}
}
