package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nikiz24/measured"
	"github.com/nikiz24/measured/middleware/ginmetrics"
	"github.com/nikiz24/measured/reporter/logreporter"
	"github.com/nikiz24/measured/reporter/promexport"
	"github.com/nikiz24/measured/reporter/remotewrite"
)

var (
	configFile = flag.String("config", "", "Configuration file path")
	version    = flag.Bool("version", false, "Show version information")
)

const Version = "v0.1.0"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("measured-demo %s\n", Version)
		os.Exit(0)
	}

	cfg, err := Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Demo server failed", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func run(cfg *FileConfig, logger *zap.Logger) error {
	router := gin.New()
	router.Use(gin.Recovery())

	reporter, err := buildReporter(cfg, logger, router)
	if err != nil {
		return err
	}

	reg, err := measured.NewSelfReportingRegistry(reporter, measured.Config{
		ReportInterval:  cfg.ReportInterval(),
		FlushOnShutdown: cfg.FlushOnShutdown,
		MaxSeries:       cfg.MaxSeries,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	defer reg.Shutdown()

	if cfg.RuntimeMetrics {
		keys := measured.RegisterRuntimeMetrics(reg.Registry())
		logger.Debug("Registered runtime metrics", zap.Strings("keys", keys))
	}

	router.Use(ginmetrics.New(reg, measured.WithLogger(logger)))
	registerRoutes(router, reg)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting demo server", zap.String("addr", cfg.Listen), zap.String("reporter", cfg.Reporter.Type))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info("Shutting down", zap.String("signal", s.String()))
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// buildReporter creates the configured reporter. The prometheus exporter
// is also mounted on router so it can be scraped.
func buildReporter(cfg *FileConfig, logger *zap.Logger, router *gin.Engine) (measured.Reporter, error) {
	switch cfg.Reporter.Type {
	case ReporterRemoteWrite:
		rw := cfg.Reporter.RemoteWrite
		return remotewrite.New(remotewrite.Config{
			URL:           rw.URL,
			Namespace:     rw.Namespace,
			Subsystem:     rw.Subsystem,
			ServiceName:   rw.ServiceName,
			CustomLabels:  rw.CustomLabels,
			Timeout:       time.Duration(rw.TimeoutSeconds) * time.Second,
			Logger:        logger,
			DNSEnable:     rw.DNSEnable,
			DNSUDPServers: rw.DNSUDPServers,
		})
	case ReporterPrometheus:
		p := cfg.Reporter.Prometheus
		exp := promexport.New(promexport.Options{
			Namespace: p.Namespace,
			Subsystem: p.Subsystem,
			Logger:    logger,
		})
		h, err := exp.Handler()
		if err != nil {
			return nil, err
		}
		router.GET(p.Path, gin.WrapH(h))
		return exp, nil
	default:
		return logreporter.New(logger), nil
	}
}

func registerRoutes(router *gin.Engine, reg *measured.SelfReportingRegistry) {
	router.GET("/hello", func(c *gin.Context) {
		c.String(http.StatusOK, "Hello")
	})
	router.POST("/world", func(c *gin.Context) {
		c.String(http.StatusOK, "World")
	})
	router.GET("/users/:userId", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": c.Param("userId")})
	})
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, reg.Status())
	})
}
