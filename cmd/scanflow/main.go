package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"scanflow/internal/api"
	"scanflow/internal/config"
	"scanflow/internal/database"
	"scanflow/internal/domain"
	"scanflow/internal/gateway"
	"scanflow/internal/jobs"
	"scanflow/internal/notify"
	"scanflow/internal/queue"
	"scanflow/internal/rollup"
	"scanflow/internal/scheduler"
	"scanflow/internal/store"
	"scanflow/internal/worker"
)

var (
	cfg config.Config

	flagConfigFilePath string
	flagAddr           string
	flagDB             string
	flagWorkers        int
	flagVerbose        bool
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "config file to load (default: built-in defaults)")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "HTTP bind address")
	serveCmd.Flags().StringVar(&flagDB, "db", "", "SQLite DB path")
	serveCmd.Flags().IntVar(&flagWorkers, "workers", 0, "maximum number of workers")

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initScanflow

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("scanflow failed")
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "scanflow",
	Short:        "Scan job scheduler and executor",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the API, scheduler and worker pool",
	RunE:  doServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "print the effective configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return config.Write(cmd.OutOrStdout(), cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("scanflow: version info not available")
			return
		}
		fmt.Printf("scanflow: %s\n", info.Main.Version)
		fmt.Printf("go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:     %s\n", s.Value)
			}
		}
	},
}

func initScanflow(cmd *cobra.Command, _ []string) error {
	path := flagConfigFilePath
	if env, ok := os.LookupEnv("SCANFLOW_CONFIG"); ok && path == "" {
		path = env
	}
	if path == "" {
		cfg = config.Default()
	} else {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
	}

	// flags have a precedence over the config file
	if flagAddr != "" {
		cfg.Server.Addr = flagAddr
	}
	if flagDB != "" {
		cfg.Database.Path = flagDB
	}
	if flagWorkers > 0 {
		cfg.Worker.Max = flagWorkers
		cfg.Worker.Min = min(cfg.Worker.Min, flagWorkers)
	}
	if flagVerbose {
		cfg.Log.Level = "debug"
	}

	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == config.LogFormatConsole {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log.Debug().Str("config", path).Msg("configuration loaded")
	return nil
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.EnsureSchema(db); err != nil {
		return fmt.Errorf("job store schema: %w", err)
	}
	if err := queue.EnsureSchema(db); err != nil {
		return fmt.Errorf("queue schema: %w", err)
	}

	st := store.NewSQLite(db)
	q := queue.NewSQLite(db)
	sched := scheduler.NewService(st, q, q, scheduler.Options{Spec: cfg.Scheduler.Spec, LockTTL: cfg.Scheduler.LockTTL})
	if n, err := sched.RecoverOrphans(ctx); err != nil {
		log.Error().Err(err).Msg("orphan recovery failed")
	} else {
		log.Info().Int("recovered", n).Msg("recovered orphaned jobs")
	}

	gw, data, registry := collaborators(cfg)
	bus := notify.NewBus()

	// run ends after the HTTP server has drained, so in-flight requests can
	// still see a live pool.
	run, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := rollup.NewWriter(st, bus, 256)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writer.Run(run)
	}()

	pool := worker.NewPool(st, q, sched, gw, data, writer.Events(), worker.Options{
		MinWorkers:        cfg.Worker.Min,
		MaxWorkers:        cfg.Worker.Max,
		PollInterval:      cfg.Worker.PollInterval,
		SuperviseInterval: cfg.Worker.SuperviseInterval,
		IdleTimeout:       cfg.Worker.IdleTimeout,
		Retry:             cfg.Retry(),
	})
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Run(run)
	}()

	if err := sched.Start(run); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	svc := jobs.NewService(st, sched, registry, pool, bus)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewServerWithDebug(svc, bus, q, pool, cfg.Server.Pprof),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err = <-srvErr:
		log.Error().Err(err).Msg("http server")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	sched.Stop()
	cancel()
	<-poolDone
	<-writerDone
	return err
}

// collaborators builds the module gateway, the data store client and the
// module registry. Local modules shadow remote ones with the same id.
func collaborators(cfg config.Config) (gateway.Gateway, gateway.DataStore, gateway.Registry) {
	client := &http.Client{Timeout: cfg.Gateway.Timeout}

	local := gateway.StaticRegistry{}
	shell := gateway.Shell{Commands: map[string]gateway.Cmd{}}
	mux := &gateway.Mux{Routes: map[string]gateway.Gateway{}}
	for id, m := range cfg.Modules {
		local[id] = domain.ModuleRef{ID: id, Name: m.Name, Version: m.Version}
		shell.Commands[id] = m.Cmd
		mux.Routes[id] = shell
	}

	registries := gateway.Registries{local}
	if cfg.Gateway.ModuleRegistryURL != "" {
		registries = append(registries, gateway.NewHTTPRegistry(cfg.Gateway.ModuleRegistryURL, client))
		// module calls are bounded by the per-unit timeout
		mux.Default = gateway.NewHTTP(cfg.Gateway.ModuleRegistryURL, &http.Client{})
	}

	var data gateway.DataStore = gateway.Discard{}
	if cfg.Gateway.DataStorageURL != "" {
		data = gateway.NewHTTPDataStore(cfg.Gateway.DataStorageURL, client)
	} else {
		log.Warn().Msg("no data storage configured, findings are discarded")
	}
	return mux, data, registries
}
