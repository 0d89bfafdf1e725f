// Command container-control runs the sidecar control plane: it resolves the
// configured workload adapter, builds the lifecycle orchestrator and serves
// the HTTP control surface until SIGTERM or SIGINT.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rdwr-taly/container-control/internal/config"
	"github.com/rdwr-taly/container-control/internal/logging"
	"github.com/rdwr-taly/container-control/internal/server"
	"github.com/rdwr-taly/container-control/pkg/adapter"
	"github.com/rdwr-taly/container-control/pkg/lifecycle"
	"github.com/rdwr-taly/container-control/pkg/metrics"
	"github.com/rdwr-taly/container-control/pkg/privilege"
)

const defaultConfigFile = "config.yaml"

func main() {
	log := logging.New("main", nil)
	if err := run(log); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(log *logging.Logger) error {
	path := os.Getenv("CCC_CONFIG_FILE")
	if path == "" {
		path = defaultConfigFile
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	ad, err := adapter.Resolve(cfg.Adapter.Class, cfg.Adapter.Settings)
	if err != nil {
		return err
	}

	orch, err := lifecycle.New(lifecycle.Config{
		Adapter:    ad,
		PrimaryKey: cfg.Adapter.PrimaryPayloadKey,
		EnsureUser: privilege.Wrapper(cfg.Adapter.RunAsUser),
		Log:        logging.New("lifecycle", nil),
	})
	if err != nil {
		return err
	}

	srv := server.New(orch, metrics.New(orch), logging.New("http", nil))
	httpSrv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGTERM, unix.SIGINT)

	errCh := make(chan error, 1)
	go func() {
		log.Infof("control plane listening on %s (adapter %q)", cfg.Server.Listen, cfg.Adapter.Class)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-sigCh:
		log.Infof("signal %s received, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout))
		defer cancel()
		if err := orch.Shutdown(ctx); err != nil {
			log.Warnf("workload stop incomplete at exit: %v", err)
		}
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.Warnf("http shutdown incomplete: %v", err)
		}
	}
	return nil
}
