package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tutortoise/face-alignment-gate/config"
	"github.com/Tutortoise/face-alignment-gate/detections"
	"github.com/Tutortoise/face-alignment-gate/logger"
	"github.com/Tutortoise/face-alignment-gate/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	log, err := logger.New(logger.Options{
		Level: cfg.LogLevel,
		File:  cfg.LogFile,
		Env:   cfg.Env,
	})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create logger")
	}

	libPath, err := resolveLibrary(cfg.OrtLibDir)
	if err != nil {
		log.WithError(err).Fatal("Failed to locate ONNX runtime")
	}
	modelPaths, err := resolveModels(cfg.FaceModelPath, cfg.LandmarkModelPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to locate models")
	}

	if err := detections.InitRuntime(libPath); err != nil {
		log.WithError(err).Fatal("Failed to initialize ONNX environment")
	}
	defer detections.DestroyRuntime()

	log.WithField("cpu_features", detections.CPUFeatures()).Info("runtime initialized")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	detector := detections.NewDetector(detections.Config{
		FaceModelPath:     modelPaths[0],
		LandmarkModelPath: modelPaths[1],
		PoolSize:          cfg.PoolSize,
	}, log.WithField("component", "detector"))
	defer detector.Close()

	// sessions may be created while the models load; they report not-detected until then
	go func() {
		if err := detector.Load(ctx); err != nil {
			log.WithError(err).Error("Failed to load models")
			stop()
		}
	}()

	srv, err := server.New(
		server.WithConfig(cfg),
		server.WithLogger(log),
		server.WithValidator(config.NewValidator()),
		server.WithDetector(detector),
	)
	if err != nil {
		log.WithError(err).Fatal("Failed to create server")
	}
	defer srv.Close()

	httpServer := srv.HTTPServer()
	go func() {
		log.Infof("Starting server on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Graceful shutdown failed")
	}
}
