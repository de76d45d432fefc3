package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/face-alignment-gate/config"
	"github.com/Tutortoise/face-alignment-gate/detections"
	"github.com/Tutortoise/face-alignment-gate/headpose"
	"github.com/Tutortoise/face-alignment-gate/scheduler"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Detector is the landmark detector shared by every session.
type Detector interface {
	scheduler.Detector
	Metrics() []detections.PoolMetrics
}

type Server struct {
	cfg       *config.Config
	log       *logrus.Logger
	validator *validator.Validate
	detector  Detector
	solver    headpose.GeometrySolver
	router    *mux.Router
	upgrader  websocket.Upgrader
	sessions  *registry

	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Server) error

func WithConfig(cfg *config.Config) Option {
	return func(s *Server) error {
		s.cfg = cfg
		return nil
	}
}

func WithLogger(log *logrus.Logger) Option {
	return func(s *Server) error {
		s.log = log
		return nil
	}
}

func WithValidator(v *validator.Validate) Option {
	return func(s *Server) error {
		s.validator = v
		return nil
	}
}

func WithDetector(d Detector) Option {
	return func(s *Server) error {
		s.detector = d
		return nil
	}
}

func WithSolver(solver headpose.GeometrySolver) Option {
	return func(s *Server) error {
		s.solver = solver
		return nil
	}
}

func New(options ...Option) (*Server, error) {
	s := &Server{
		sessions: newRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	for _, option := range options {
		if err := option(s); err != nil {
			return nil, err
		}
	}

	if s.cfg == nil {
		return nil, errors.New("config is required")
	}
	if s.log == nil {
		return nil, errors.New("logger is required")
	}
	if s.detector == nil {
		return nil, errors.New("detector is required")
	}
	if s.validator == nil {
		s.validator = config.NewValidator()
	}
	if s.solver == nil {
		s.solver = headpose.NewSolver()
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete)
	r.HandleFunc("/sessions/{id}/frames", s.handlePostFrame).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/rect", s.handlePutRect).Methods(http.MethodPut)
	r.HandleFunc("/sessions/{id}/state", s.handleGetState).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/ws", s.handleWebsocket).Methods(http.MethodGet)
	s.addMonitoringRoutes(r)
	return r
}

func (s *Server) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Handler:      s.router,
		Addr:         s.cfg.Addr,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}
}

// Close ends every session.
func (s *Server) Close() {
	s.cancel()
	for _, sess := range s.sessions.all() {
		if _, ok := s.sessions.remove(sess.ID); ok {
			sess.Close()
		}
	}
}
