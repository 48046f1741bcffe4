// Command randsrv runs the PPOPRF randomness server: one HTTP listener
// serving the randomness/info/instances routes, an optional metrics
// listener, and (when enclave_key_sync is configured) the enclave
// key-synchronization routes.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/katzenpost/randsrv/internal/api"
	"github.com/katzenpost/randsrv/internal/config"
	"github.com/katzenpost/randsrv/internal/epoch"
	"github.com/katzenpost/randsrv/internal/keysync"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	logging "gopkg.in/op/go-logging.v1"
)

var (
	configFile   string
	logLevelFlag string
)

func main() {
	root := &cobra.Command{
		Use:   "randsrv",
		Short: "PPOPRF randomness server",
		RunE:  run,
	}
	root.Flags().StringVarP(&configFile, "config", "c", "randsrv.toml", "path to the TOML configuration file")
	root.Flags().StringVar(&logLevelFlag, "log-level", "NOTICE", "log level (CRITICAL, ERROR, WARNING, NOTICE, INFO, DEBUG)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log, err := newLogger(logLevelFlag)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	if cfg.IncreaseNofileLimit {
		if err := raiseNofileLimit(log); err != nil {
			log.Warningf("failed to raise RLIMIT_NOFILE: %v", err)
		}
	}

	registry := epoch.NewRegistry(cfg, log)

	var ctrl *keysync.Controller
	if cfg.EnclaveKeySync {
		ctrl = keysync.NewController(cfg, registry, log)
		log.Notice("enclave key synchronization enabled; slots start empty pending a role-latching call")
	} else {
		if err := registry.Build(); err != nil {
			return fmt.Errorf("randsrv: building instance registry: %w", err)
		}
		log.Noticef("registry built with %d instance(s)", len(registry.Names()))
	}

	adapter := &api.Adapter{Registry: registry, KeySync: ctrl, Log: log}
	router := api.NewRouter(adapter)

	supervisor := newSupervisor(log)

	srv := &http.Server{Addr: cfg.Listen, Handler: router}
	supervisor.serve("http", srv)

	var metricsSrv *http.Server
	if cfg.MetricsListen != "" {
		metricsSrv = &http.Server{Addr: cfg.MetricsListen, Handler: promhttp.Handler()}
		supervisor.serve("metrics", metricsSrv)
	}

	log.Noticef("randsrv listening on %s", cfg.Listen)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Noticef("received signal %s, shutting down", s)
	case err := <-supervisor.fatal:
		log.Criticalf("fatal error, shutting down: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	if metricsSrv != nil {
		metricsSrv.Shutdown(ctx)
	}

	return nil
}

func newLogger(level string) (*logging.Logger, error) {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, logging.MustStringFormatter(
		`%{time:2006-01-02 15:04:05.000} %{level:.4s} %{module}: %{message}`,
	))
	leveled := logging.AddModuleLevel(formatted)
	lvl, err := logging.LogLevel(level)
	if err != nil {
		return nil, fmt.Errorf("randsrv: invalid --log-level %q: %w", level, err)
	}
	leveled.SetLevel(lvl, "")
	logging.SetBackend(leveled)
	return logging.MustGetLogger("randsrv"), nil
}

// raiseNofileLimit raises RLIMIT_NOFILE to its hard ceiling. Randomness
// clients arrive in bursts, and every enclave-synced instance can also
// hold open a connection to the nitriding sidecar.
func raiseNofileLimit(log *logging.Logger) error {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return err
	}
	if rlim.Cur >= rlim.Max {
		return nil
	}
	rlim.Cur = rlim.Max
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return err
	}
	log.Noticef("raised RLIMIT_NOFILE to %d", rlim.Max)
	return nil
}

// supervisor starts HTTP listeners in background goroutines and funnels
// any fatal ListenAndServe error (or a panic raised by ListenAndServe
// itself) onto a single channel so main can shut the whole process down
// uniformly. Handler panics run on net/http's per-connection goroutines
// and are not seen here. Scheduler goroutines are deliberately not covered: a panic
// there (puncture or key-export failure) must take the process down
// immediately rather than be translated into a graceful shutdown.
type supervisor struct {
	log   *logging.Logger
	fatal chan error
}

func newSupervisor(log *logging.Logger) *supervisor {
	return &supervisor{log: log, fatal: make(chan error, 1)}
}

func (s *supervisor) serve(name string, srv *http.Server) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.report(fmt.Errorf("%s listener: panic: %v", name, r))
			}
		}()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.report(fmt.Errorf("%s listener: %w", name, err))
		}
	}()
}

func (s *supervisor) report(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}
