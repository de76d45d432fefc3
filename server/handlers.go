package server

import (
	"encoding/base64"
	"errors"
	"image"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Tutortoise/face-alignment-gate/checklist"
	"github.com/Tutortoise/face-alignment-gate/detections"
	"github.com/Tutortoise/face-alignment-gate/pipeline"
	"github.com/Tutortoise/face-alignment-gate/scheduler"
	"github.com/Tutortoise/face-alignment-gate/source"
)

const maxFrameBytes = 10 << 20

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type CreateSessionRequest struct {
	Rect *checklist.Rect `json:"rect" validate:"omitempty"`
}

type CreateSessionResponse struct {
	ID string `json:"id"`
}

type FrameResponse struct {
	Accepted  bool          `json:"accepted"`
	FrameSize pipeline.Size `json:"frameSize"`
}

type StateResponse struct {
	pipeline.Snapshot
	Message string `json:"message"`
}

func newStateResponse(snap pipeline.Snapshot) StateResponse {
	return StateResponse{
		Snapshot: snap,
		Message:  checklistMessage(snap.Checklist, snap.Landmarks.Len() > 0),
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
			return
		}
	}
	if err := s.validator.Struct(req); err != nil {
		sendErrorResponse(w, "invalid_rect", err.Error(), http.StatusBadRequest)
		return
	}

	id := newSessionID()
	log := s.log.WithField("session", id)

	opts := []pipeline.Option{
		pipeline.WithLogger(log),
		pipeline.WithSolver(s.solver),
		pipeline.WithRectDebounce(s.cfg.RectDebounce),
		pipeline.WithEvaluatorOptions(
			checklist.WithDirectionRange(s.cfg.DirectionRange),
			checklist.WithBrightnessThreshold(s.cfg.BrightnessThreshold),
		),
	}
	if req.Rect != nil {
		opts = append(opts, pipeline.WithRect(*req.Rect))
	}

	sess := &Session{
		ID:        id,
		Pipeline:  pipeline.New(id, opts...),
		Source:    source.NewLatest(source.WithStaleAfter(s.cfg.StreamStaleAfter)),
		Limiter:   rate.NewLimiter(rate.Limit(s.cfg.FrameRateLimit), s.cfg.FrameBurst),
		CreatedAt: time.Now(),
	}
	sess.Source.OnResize(func(p image.Point) {
		log.WithFields(logrus.Fields{"width": p.X, "height": p.Y}).Info("frame size changed")
	})

	if err := sess.Pipeline.Run(s.ctx, s.detector, sess.Source, scheduler.WithRefreshRate(s.cfg.RefreshRate)); err != nil {
		sess.Close()
		sendErrorResponse(w, "session_error", err.Error(), http.StatusInternalServerError)
		return
	}
	s.sessions.add(sess)
	log.Info("session created")

	writeJSON(w, http.StatusCreated, CreateSessionResponse{ID: id})
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	id := mux.Vars(r)["id"]
	sess, ok := s.sessions.get(id)
	if !ok {
		sendErrorResponse(w, "not_found", "unknown session "+id, http.StatusNotFound)
	}
	return sess, ok
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, ok := s.sessions.remove(id)
	if !ok {
		sendErrorResponse(w, "not_found", "unknown session "+id, http.StatusNotFound)
		return
	}
	sess.Close()
	s.log.WithField("session", id).Info("session closed")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePostFrame(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if !sess.Limiter.Allow() {
		sendErrorResponse(w, "rate_limited", "too many frames", http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFrameBytes)
	imgBytes, err := readFrame(r)
	if err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}

	img, err := source.Decode(imgBytes)
	if err != nil {
		sendErrorResponse(w, "invalid_image", "Failed to decode image", http.StatusBadRequest)
		return
	}
	if err := sess.Source.Push(img); err != nil {
		sendErrorResponse(w, "invalid_image", err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusAccepted, FrameResponse{
		Accepted:  true,
		FrameSize: sizeOf(img.Bounds().Size()),
	})
}

func (s *Server) handlePutRect(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	var rect checklist.Rect
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&rect); err != nil {
		sendErrorResponse(w, "invalid_request", err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.validator.Struct(rect); err != nil {
		sendErrorResponse(w, "invalid_rect", err.Error(), http.StatusBadRequest)
		return
	}

	sess.Pipeline.SetRect(rect)
	if r.URL.Query().Get("flush") == "true" {
		sess.Pipeline.FlushRect()
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newStateResponse(sess.Pipeline.Snapshot()))
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	schedulers := make(map[string]scheduler.Stats)
	for _, sess := range s.sessions.all() {
		if stats, ok := sess.Pipeline.SchedulerStats(); ok {
			schedulers[sess.ID] = stats
		}
	}

	pools := s.detector.Metrics()
	if pools == nil {
		pools = []detections.PoolMetrics{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions":     s.sessions.len(),
		"pools":        pools,
		"schedulers":   schedulers,
		"cpu_features": detections.CPUFeatures(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	select {
	case <-s.detector.Ready():
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	default:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "loading"})
	}
}

func readFrame(r *http.Request) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "application/json":
		return handleJSONRequest(r)
	case "multipart/form-data":
		return handleMultipartRequest(r)
	default:
		return handleRawRequest(r)
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
	if err := r.ParseMultipartForm(maxFrameBytes); err != nil {
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

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}
