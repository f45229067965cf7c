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

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"github.com/savegress/dicomveil/internal/api"
	"github.com/savegress/dicomveil/internal/config"
	"github.com/savegress/dicomveil/internal/controller"
	"github.com/savegress/dicomveil/internal/deid"
	"github.com/savegress/dicomveil/pkg/log"
)

// version is stamped by the build.
var version = "dev"

// Exit codes. Operators key restart policies on these.
const (
	exitConfig  = 2
	exitBind    = 3
	exitStorage = 4
)

var cli struct {
	Config   string           `short:"c" required:"" type:"existingfile" help:"Path to the project model JSON."`
	LogLevel string           `placeholder:"LEVEL" help:"Override the configured log level (trace|debug|info|warn|error)."`
	Version  kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("dicomveil"),
		kong.Description("DICOM de-identification gateway: receives studies, pseudonymizes PHI and forwards clean instances to trial archives."),
		kong.Vars{"version": version},
	)
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dicomveil: %v\n", err)
		return exitConfig
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}

	logger := log.NewLogger(cfg.LogLevel, cfg.LogFormat, version)
	logger.WithFields(logrus.Fields{
		"site_id": cfg.SiteID,
		"project": cfg.ProjectName,
	}).Info("starting")

	ctrl, err := controller.New(cfg, cli.Config, logger)
	if err != nil {
		logger.WithError(err).Error("startup failed")
		switch deid.KindOf(err) {
		case deid.KindModelVersionMismatch, deid.KindStorageError:
			return exitStorage
		default:
			return exitConfig
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.StartSCP(ctx); err != nil {
		logger.WithError(err).Error("scp listen failed")
		_ = ctrl.Shutdown(context.Background())
		return exitBind
	}

	admin := api.NewServer(cfg, ctrl, version)
	httpServer := &http.Server{
		Addr:    cfg.Admin.Addr,
		Handler: admin.Handler(),
		// Queries run synchronously against remote archives, so writes may
		// take as long as the network timeout allows.
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Network.Network() + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Admin.Addr)
	if err != nil {
		logger.WithError(err).Error("admin listen failed")
		_ = ctrl.Shutdown(context.Background())
		return exitBind
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Admin.Addr).Info("admin api listening")
		serveErr <- httpServer.Serve(ln)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("shutdown signal")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("admin server failed")
			_ = ctrl.Shutdown(context.Background())
			return exitBind
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("admin server shutdown")
	}
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("controller shutdown")
		return exitStorage
	}

	logger.Info("stopped")
	return 0
}
