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

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	var configFile string

	root := &cobra.Command{
		Use:          "dns-bridge",
		Short:        "Control-plane bridge between a hosting panel and authoritative DNS backends",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configFile)
		},
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Println(version)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, configFile string) error {
	cfg, err := loadSettings(configFile)
	if err != nil {
		return err
	}
	logger := setupLogging(cfg.Log)
	logger.Info().Str("version", version).Str("hostname", cfg.App.ServerHostname).
		Msg("dns-bridge starting")

	store, err := newDataStore(cfg.Datastore)
	if err != nil {
		logger.Error().Err(err).Msg("datastore open failed")
		return err
	}
	defer func() { _ = store.Close() }()

	queues, err := openQueues(cfg.Queue.Path)
	if err != nil {
		logger.Error().Err(err).Msg("queue open failed")
		return err
	}
	defer queues.Close()

	registry, err := newBackendRegistry(cfg.Backends, logger)
	if err != nil {
		logger.Error().Err(err).Msg("backend init failed")
		return err
	}
	if len(registry.All()) == 0 {
		logger.Warn().Msg("no backends enabled, accepted zones will only be stored")
	}

	disp := &dispatcher{store: store, registry: registry, queues: queues, log: logger}
	rec := newReconciler(cfg.Reconciliation, store, queues, registry, logger)
	ps := newPeerSyncer(cfg.PeerSync, cfg.App.ServerHostname, store, queues, logger)
	workers := newWorkerManager(disp, rec, ps, store, queues, cfg.App.ServerHostname, logger)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	workers.Start(workerCtx)

	if cfg.App.RegisterSelf {
		go registerWithUpstreams(ctx, cfg, logger)
	}

	srv := &server{
		cfg:     cfg,
		store:   store,
		queues:  queues,
		workers: workers,
		log:     logger,
		start:   time.Now(),
	}
	logger.Info().Str("addr", cfg.App.ListenAddr).Msg("listening")
	err = srv.runHTTP(ctx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("http server failed")
		stopWorkers()
		workers.Wait()
		return err
	}

	// HTTP is down: no new work can arrive. Let the drainers finish the
	// item in flight, then stop them.
	logger.Info().Msg("shutting down")
	stopWorkers()
	workers.Wait()
	logger.Info().Msg("shutdown complete")
	return nil
}

// registerWithUpstreams asks each configured upstream to add this node as an
// Extra DNS server so zone pushes start flowing without manual setup.
func registerWithUpstreams(ctx context.Context, cfg appSettings, logger zerolog.Logger) {
	ip := cfg.App.SelfIP
	if ip == "" {
		logger.Warn().Msg("register_self enabled but app.self_ip is empty, skipping")
		return
	}
	for _, up := range cfg.Reconciliation.Upstreams {
		client := newUpstreamClient(up, cfg.Reconciliation.VerifySSL)
		err := client.EnsureExtraDNSServer(ctx, ip, cfg.App.SelfPort,
			cfg.App.AuthUsername, cfg.App.AuthPassword, cfg.App.SelfSSL)
		if err != nil {
			logger.Warn().Err(err).Str("upstream", up.Hostname).Msg("self-registration failed")
			continue
		}
		logger.Info().Str("upstream", up.Hostname).Msg("registered as extra DNS server")
	}
}
