package capture

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/zap"
)

const megabyte = 1024 * 1024

// ffmpegSource decodes the MJPEG stream ffmpeg writes to its stdout.
type ffmpegSource struct {
	cancel  context.CancelFunc
	reader  *io.PipeReader
	scanner *bufio.Scanner
	done    chan struct{}

	mu      sync.Mutex
	runErr  error
	closed  bool
	closeMu sync.Once
}

// OpenFFmpeg starts ffmpeg on input with the given input options and returns
// its frames. The process lives until Close, independent of ctx.
func OpenFFmpeg(ctx context.Context, input string, inputArgs map[string]interface{}, logger *zap.SugaredLogger) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, errors.Wrap(err, "ffmpeg capture")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()

	stream := ffmpeg.Input(input, ffmpeg.KwArgs(inputArgs)).
		Output("pipe:", ffmpeg.KwArgs{"format": "image2pipe", "vcodec": "mjpeg"})
	stream.Context = runCtx
	logger.Debugw("starting ffmpeg", "args", stream.GetArgs())

	src := &ffmpegSource{
		cancel: cancel,
		reader: pr,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(src.done)
		err := stream.WithOutput(pw).Run()
		if err != nil {
			src.mu.Lock()
			src.runErr = err
			src.mu.Unlock()
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()

	src.scanner = bufio.NewScanner(pr)
	src.scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	src.scanner.Split(SplitJpeg)
	return src, nil
}

// OpenFile decodes a video file frame by frame.
func OpenFile(ctx context.Context, path string, logger *zap.SugaredLogger) (Source, error) {
	return OpenFFmpeg(ctx, path, nil, logger)
}

func (s *ffmpegSource) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return nil, errors.Wrap(err, "read ffmpeg frame")
		}
		s.mu.Lock()
		runErr := s.runErr
		s.mu.Unlock()
		if runErr != nil {
			return nil, errors.Wrap(runErr, "ffmpeg exited")
		}
		return nil, io.EOF
	}
	img, err := jpeg.Decode(bytes.NewReader(s.scanner.Bytes()))
	if err != nil {
		return nil, errors.Wrap(err, "decode ffmpeg frame")
	}
	return img, nil
}

func (s *ffmpegSource) Close() error {
	s.closeMu.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		s.reader.Close()
		<-s.done
	})
	return nil
}

// ProbeFrames reports the frame count of a video file, or 0 when ffprobe
// cannot tell.
func ProbeFrames(path string) int {
	out, err := ffmpeg.Probe(path)
	if err != nil {
		return 0
	}
	var res struct {
		Streams []struct {
			CodecType string `json:"codec_type"`
			NbFrames  string `json:"nb_frames"`
		} `json:"streams"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		return 0
	}
	for _, s := range res.Streams {
		if s.CodecType != "video" {
			continue
		}
		if n, err := strconv.Atoi(s.NbFrames); err == nil && n > 0 {
			return n
		}
	}
	return 0
}
