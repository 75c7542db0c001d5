// Command percyd is percy-core's process entrypoint: it loads
// configuration, wires the browser, build client, ledger and metrics into a
// Core, starts the ControlServer, and drains cleanly on SIGINT/SIGTERM.
// Signal handling follows abema-antares/main.go's sigCh-plus-terminated
// pattern, generalized to also stop percy-core's HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/percy-io/percy-core/internal/blobstore"
	"github.com/percy-io/percy-core/internal/browser"
	"github.com/percy-io/percy-core/internal/buildclient"
	"github.com/percy-io/percy-core/internal/config"
	"github.com/percy-io/percy-core/internal/core"
	"github.com/percy-io/percy-core/internal/interfaces"
	"github.com/percy-io/percy-core/internal/logging"
	"github.com/percy-io/percy-core/internal/metrics"
	"github.com/percy-io/percy-core/internal/registry"
	"github.com/percy-io/percy-core/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "percyd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !cfg.Enabled {
		fmt.Fprintln(os.Stderr, "percyd: disabled via PERCY_ENABLE=0")
		return nil
	}

	logger := logging.NewLogger(cfg.LogLevel, true)

	blobRoot := filepath.Join(os.TempDir(), "percy")
	blobs, err := blobstore.New(blobRoot)
	if err != nil {
		return fmt.Errorf("percyd: init blobstore: %w", err)
	}
	defer blobs.Close()

	ledgerPath := filepath.Join(os.TempDir(), "percy", "percy.db")
	ledger, err := registry.Open(ledgerPath, logger)
	if err != nil {
		logger.Warn("continuing without the on-disk build ledger", interfaces.Field{Key: "error", Value: err.Error()})
		ledger = nil
	} else {
		defer ledger.Close()
	}

	m := metrics.New()

	browserCtl := browser.New(logger)
	client := buildclient.New(cfg.APIBaseURL, cfg.Token, time.Duration(cfg.Timeouts.APICallMS)*time.Millisecond, nil, logger, m)

	c := core.New(cfg, logger, browserCtl, client, m, ledger, blobs)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := c.Start(ctx); err != nil {
		return fmt.Errorf("percyd: start: %w", err)
	}

	var httpServer *http.Server
	if cfg.Server {
		srv, err := server.New(server.Config{ListenAddr: fmt.Sprintf(":%d", cfg.Port)}, c, cfg, logger, m)
		if err != nil {
			return fmt.Errorf("percyd: build control server: %w", err)
		}
		httpServer = srv.HTTPServer()

		go func() {
			logger.Info("control server listening", interfaces.Field{Key: "addr", Value: httpServer.Addr})
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("control server exited", interfaces.Field{Key: "error", Value: err.Error()})
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("control server shutdown error", interfaces.Field{Key: "error", Value: err.Error()})
		}
	}

	return c.Stop(shutdownCtx)
}
