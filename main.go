package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/smile-check/internal/config"
	"github.com/example/smile-check/internal/grpcclient"
	"github.com/example/smile-check/internal/handlers"
	"github.com/example/smile-check/internal/logging"
	"github.com/example/smile-check/internal/middleware"
	"github.com/example/smile-check/internal/smile"
	"github.com/example/smile-check/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	startupCtx, cancel := context.WithTimeout(context.Background(), cfg.OracleDialTimeout+time.Minute)
	defer cancel()

	oracle, conn, err := grpcclient.DialLandmarkService(startupCtx, cfg.LandmarkServiceAddr, cfg.OracleDialTimeout, logger)
	if err != nil {
		logger.Fatal("failed to connect to landmark service", zap.Error(err))
	}
	defer conn.Close()

	probe := grpcclient.NewReadinessProbe(cfg.OracleReadyAttempts, logger)
	if err := probe.Wait(startupCtx, oracle); err != nil {
		logger.Fatal("landmark service is not ready", zap.Error(err), zap.String("addr", cfg.LandmarkServiceAddr))
	}
	logger.Info("landmark service ready", zap.String("addr", cfg.LandmarkServiceAddr))

	scorer, err := smile.New(smile.Mode(cfg.ScoringMode))
	if err != nil {
		logger.Fatal("invalid scoring mode", zap.Error(err))
	}
	uc := usecase.NewSmileUseCase(oracle, scorer, cfg.MaxConcurrent, cfg.ProcessTimeout, cfg.MaxImagePixels, logger)

	r := gin.New()
	r.MaxMultipartMemory = cfg.MaxUploadBytes
	r.Use(middleware.RequestID(), middleware.AccessLog(logger), middleware.Recovery(logger))

	handlers.RegisterRoutes(r, uc, handlers.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		DefaultFormat:  cfg.ResponseFormat,
		TempDir:        cfg.TempDir,
		JPEGQuality:    cfg.JPEGQuality,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("smile detection API listening",
		zap.String("addr", cfg.Addr()),
		zap.String("scoring_mode", cfg.ScoringMode),
		zap.String("response_format", cfg.ResponseFormat),
		zap.Int("max_concurrent_detections", cfg.MaxConcurrent),
	)
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
