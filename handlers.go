package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/Tutortoise/smart-vision/config"
	"github.com/Tutortoise/smart-vision/detections"
	"github.com/Tutortoise/smart-vision/logging"
	"github.com/Tutortoise/smart-vision/metrics"
	"github.com/Tutortoise/smart-vision/models"
	"github.com/Tutortoise/smart-vision/pipeline"
	"github.com/Tutortoise/smart-vision/stream"
)

const (
	maxUploadBytes    = 10 << 20
	stopTimeout       = 5 * time.Second
	eventWriteTimeout = 5 * time.Second
)

// modelLoader is the model cache as seen by the HTTP layer.
type modelLoader interface {
	pipeline.Loader
	Loaded() []string
	PoolErrors() map[string][]string
}

type AppState struct {
	Config      *config.Config
	Models      modelLoader
	Controller  *stream.Controller
	Broadcaster *stream.Broadcaster
	Metrics     *metrics.Metrics
	Logger      *zap.SugaredLogger
	// RuntimeReady reports whether the ONNX Runtime environment initialised.
	RuntimeReady bool
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type HealthResponse struct {
	Status      string              `json:"status"`
	Service     string              `json:"service"`
	Version     string              `json:"version"`
	ONNXRuntime bool                `json:"onnxruntime"`
	CPU         map[string]bool     `json:"cpu"`
	Models      []string            `json:"models"`
	PoolErrors  map[string][]string `json:"pool_errors,omitempty"`
	Session     stream.Status       `json:"session"`
	Viewers     int                 `json:"viewers"`
}

func pipelineOptions(cfg *config.Config) pipeline.Options {
	return pipeline.Options{
		TargetClass: cfg.Pipeline.TargetClass,
		MaskOpacity: cfg.Pipeline.MaskOpacity,
		Tracking:    cfg.Tracker,
	}
}

func logTimings(logger *zap.SugaredLogger, requestID string, t *models.ProcessingTimings) {
	if logging.DebugEnabled() {
		logger.Debugw("processing times",
			"request_id", requestID,
			"preprocess", t.Preprocess,
			"inference", t.Inference,
			"postprocess", t.Postprocess,
			"track", t.Track,
			"annotate", t.Annotate,
			"encode", t.Encode,
			"total", t.Total,
		)
	}
}

func newRouter(state *AppState) http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/session", handleSessionStatus(state)).Methods("GET")
	api.HandleFunc("/session/start", handleSessionStart(state)).Methods("POST")
	api.HandleFunc("/session/stop", handleSessionStop(state)).Methods("POST")
	api.HandleFunc("/annotate", handleAnnotate(state)).Methods("POST")

	r.Handle("/stream.mjpeg", stream.MJPEGHandler(state.Broadcaster)).Methods("GET")
	r.HandleFunc("/events", handleEvents(state)).Methods("GET")
	state.addMonitoringRoutes(r)
	r.PathPrefix("/").Handler(uiHandler()).Methods("GET")

	c := cors.AllowAll()
	if origins := state.Config.Server.AllowedOrigins; len(origins) > 0 {
		c = cors.New(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"*"},
		})
	}
	return c.Handler(r)
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.Handle("/metrics", s.Metrics.Handler()).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if !s.RuntimeReady {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:      status,
		Service:     AppTitle,
		Version:     Version,
		ONNXRuntime: s.RuntimeReady,
		CPU:         detections.HostFeatures(),
		Models:      s.Models.Loaded(),
		PoolErrors:  s.Models.PoolErrors(),
		Session:     s.Controller.Status(),
		Viewers:     s.Broadcaster.Viewers(),
	})
}

func handleSessionStatus(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, state.Controller.Status())
	}
}

func handleSessionStart(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Mode string `json:"mode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			sendErrorResponse(w, "invalid_request", "Request body must be JSON", err.Error(), http.StatusBadRequest)
			return
		}
		mode, err := pipeline.ParseMode(req.Mode)
		if err != nil {
			sendErrorResponse(w, "invalid_mode", MsgInvalidMode, err.Error(), http.StatusBadRequest)
			return
		}

		st, err := state.Controller.Start(r.Context(), mode)
		switch {
		case errors.Is(err, stream.ErrAlreadyRunning):
			sendErrorResponse(w, "already_running", MsgAlreadyRunning, st.Mode, http.StatusConflict)
		case err != nil:
			state.Logger.Errorw("start session", "mode", mode.Short(), "error", err)
			message := "Failed to start the camera"
			if st.Error != "" {
				message = st.Error
			}
			sendErrorResponse(w, "start_failed", message, err.Error(), http.StatusInternalServerError)
		default:
			writeJSON(w, http.StatusOK, st)
		}
	}
}

func handleSessionStop(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), stopTimeout)
		defer cancel()

		st, err := state.Controller.Stop(ctx)
		if err != nil && !errors.Is(err, stream.ErrNotRunning) {
			sendErrorResponse(w, "stop_failed", "Failed to stop the camera", err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// handleEvents pushes the session status on connect and on every change.
func handleEvents(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc := http.NewResponseController(w)
		_ = rc.SetReadDeadline(time.Time{})
		_ = rc.SetWriteDeadline(time.Time{})

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: state.Config.Server.AllowedOrigins,
		})
		if err != nil {
			state.Logger.Debugw("websocket accept", "error", err)
			return
		}
		defer conn.Close(websocket.StatusInternalError, "")

		events, unsubscribe := state.Controller.Subscribe()
		defer unsubscribe()

		ctx := conn.CloseRead(r.Context())
		if err := writeEvent(ctx, conn, state.Controller.Status()); err != nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return
			case st, ok := <-events:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "")
					return
				}
				if err := writeEvent(ctx, conn, st); err != nil {
					return
				}
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, st stream.Status) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, st)
}

// handleAnnotate runs one image through the pipeline for ?mode= and answers
// with the annotated JPEG.
func handleAnnotate(state *AppState) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTotal := time.Now()
		requestID := uuid.NewString()
		ctx := r.Context()

		mode := pipeline.ObjectDetection
		if q := r.URL.Query().Get("mode"); q != "" {
			parsed, err := pipeline.ParseMode(q)
			if err != nil {
				sendErrorResponse(w, "invalid_mode", MsgInvalidMode, err.Error(), http.StatusBadRequest)
				return
			}
			mode = parsed
		}

		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		var imgBytes []byte
		var err error

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		switch mediaType {
		case "application/json":
			imgBytes, err = handleJSONRequest(r)
		case "multipart/form-data":
			imgBytes, err = handleMultipartRequest(r)
		default:
			imgBytes, err = handleRawRequest(r)
		}

		if err != nil {
			sendErrorResponse(w, "invalid_request", "Failed to read image", err.Error(), http.StatusBadRequest)
			return
		}

		img, err := decodeImage(imgBytes)
		if err != nil {
			sendErrorResponse(w, "invalid_image", "Failed to decode image", err.Error(), http.StatusBadRequest)
			return
		}

		p, err := pipeline.Build(ctx, mode, state.Models, pipelineOptions(state.Config))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrAcquireTimeout) {
				status = http.StatusServiceUnavailable
			}
			sendErrorResponse(w, "session_error", "Model is not available", err.Error(), status)
			return
		}
		defer p.Close()

		res, err := p.Process(ctx, img)
		if err != nil {
			sendErrorResponse(w, "processing_error", "Failed to process image", err.Error(), http.StatusInternalServerError)
			return
		}

		encodeStart := time.Now()
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, res.Frame, imaging.JPEG, imaging.JPEGQuality(state.Config.Pipeline.JPEGQuality)); err != nil {
			sendErrorResponse(w, "encode_error", "Failed to encode image", err.Error(), http.StatusInternalServerError)
			return
		}
		res.Timings.Encode = time.Since(encodeStart)
		res.Timings.Total = time.Since(startTotal)
		logTimings(state.Logger, requestID, &res.Timings)

		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("X-Request-ID", requestID)
		w.Header().Set("X-Mode", mode.Short())
		w.Header().Set("X-Objects", strconv.Itoa(res.Objects))
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(buf.Bytes()); err != nil {
			state.Logger.Debugw("write annotate response", "request_id", requestID, "error", err)
		}
	}
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(req.Image)
}

func handleMultipartRequest(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

func handleRawRequest(r *http.Request) ([]byte, error) {
	return io.ReadAll(r.Body)
}

func decodeImage(data []byte) (image.Image, error) {
	return imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendErrorResponse(w http.ResponseWriter, code, message, details string, status int) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	})
}
