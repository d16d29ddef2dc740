package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"groupcast/internal/api"
	"groupcast/internal/delivery"
	"groupcast/internal/gateway/telegram"
	"groupcast/internal/lifecycle"
	"groupcast/internal/metrics"
	"groupcast/internal/registry"
	"groupcast/internal/scheduler"
	"groupcast/internal/store"
	"groupcast/internal/worker"
)

var debugFlag bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the delivery scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&debugFlag, "debug", false, "expose /debug/pprof routes")
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := setupLogging(cfg.Logging); err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		log.Error().Err(err).Str("path", cfg.Storage.Path).Msg("open db")
		return err
	}
	defer db.Close()
	repo := store.NewSQLiteRepo(db)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("groupcast", promReg)

	gw := telegram.New(telegram.Config{
		APIURL:      cfg.Telegram.APIURL,
		PollTimeout: cfg.Telegram.PollTimeout.Duration,
	}, log.Logger)

	reg := registry.New()
	pool := worker.NewPool(cfg.Scheduler.Workers, cfg.Scheduler.AttemptTimeout.Duration, cfg.Telegram.RatePerSec)
	deliverer := delivery.New(gw, m, log.With().Str("component", "delivery").Logger())
	engine := scheduler.NewEngine(reg, deliverer, pool, repo, m, scheduler.Config{
		Poll:     cfg.Scheduler.Poll.Duration,
		Location: loc,
	}, log.With().Str("component", "scheduler").Logger())

	ctl := lifecycle.New(repo, reg, engine, gw, m, log.Logger)
	restoreCtx, cancelRestore := context.WithTimeout(context.Background(), 30*time.Second)
	err = ctl.Restore(restoreCtx)
	cancelRestore()
	if err != nil {
		log.Error().Err(err).Msg("restore state")
		return err
	}

	// Groups learned while running are written back with the session.
	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	go ctl.WatchSession(watchCtx, gw.Changed())

	// HTTP server
	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.NewServer(ctl, api.Options{
			UploadDir:      cfg.Uploads.Dir,
			MaxUploadBytes: cfg.Uploads.MaxMB << 20,
			Gatherer:       promReg,
			Scheduler:      engine,
			Debug:          debugFlag,
		}, log.Logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("timezone", loc.String()).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("systemd notify failed")
	} else if ok {
		log.Debug().Msg("systemd notified")
	}

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-c:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-serveErr:
		log.Error().Err(runErr).Msg("http server")
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	if err := engine.Shutdown(ctxTimeout); err != nil {
		log.Warn().Err(err).Msg("scheduler shutdown cut short")
	}
	stopWatch()
	if err := ctl.SyncSession(ctxTimeout); err != nil {
		log.Warn().Err(err).Msg("save session state")
	}
	_ = gw.Disconnect(ctxTimeout)
	return runErr
}
