package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/luciancaetano/skillbridge"
	"github.com/luciancaetano/skillbridge/gamenet"
	"github.com/luciancaetano/skillbridge/internal/admin"
	"github.com/luciancaetano/skillbridge/internal/config"
	"github.com/luciancaetano/skillbridge/internal/game"
	"github.com/luciancaetano/skillbridge/internal/logging"
	"github.com/luciancaetano/skillbridge/internal/metrics"
)

type serveOptions struct {
	configPath string
	address    string
	port       int
	workers    int
	admin      string
	logLevel   string
	noConsole  bool
}

func serveCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the game server",
		Long: `Start the game server and an interactive console.

Settings come from the YAML file given by --config; flags override it.

Examples:
  gameserver serve
  gameserver serve --port 9000 --workers 16
  gameserver serve --config skillbridge.yaml --admin 127.0.0.1:9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			applyFlags(cmd, cfg, opts)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, !opts.noConsole)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "skillbridge.yaml", "Path to the YAML config file")
	cmd.Flags().StringVar(&opts.address, "address", "", "Listen address")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "Listen port")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 0, "Dispatch worker count")
	cmd.Flags().StringVar(&opts.admin, "admin", "", "Admin HTTP address (empty disables it)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.Flags().BoolVar(&opts.noConsole, "no-console", false, "Do not read commands from stdin")

	return cmd
}

func applyFlags(cmd *cobra.Command, cfg *config.Config, opts serveOptions) {
	flags := cmd.Flags()
	if flags.Changed("address") {
		cfg.Server.Address = opts.address
	}
	if flags.Changed("port") {
		cfg.Server.Port = opts.port
	}
	if flags.Changed("workers") {
		cfg.Server.Workers = opts.workers
	}
	if flags.Changed("admin") {
		cfg.Admin.Address = opts.admin
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
}

func runServe(ctx context.Context, cfg *config.Config, console bool) error {
	logger, err := logging.Init(cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(metrics.WithRegistry(registry), metrics.WithSubsystem("server"))

	serverCfg := gamenet.ServerConfigFrom(cfg.Server)
	serverCfg.Logger = logger
	serverCfg.Metrics = m
	serverCfg.OnDisconnect = func(conn skillbridge.Conn, code skillbridge.ErrorCode) {
		logger.Debug("client left", "conn_id", conn.ID(), "code", code.String())
	}
	server := gamenet.NewServer(serverCfg)

	service := game.NewFirstService(logger)
	service.Register(server.Distributor())
	defer service.Close()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Stop(stopCtx); err != nil {
			logger.Error("server stop", "error", err)
		}
	}()

	if cfg.Admin.Address != "" {
		as, err := admin.New(server, cfg.Admin.Address, registry, logger)
		if err != nil {
			return fmt.Errorf("start admin: %w", err)
		}
		as.Start()
		defer as.Stop()
	}

	if !console {
		<-ctx.Done()
		return nil
	}

	fmt.Printf("Game server listening on %s. Type 'help' for commands.\n", server.Addr())
	newConsole(os.Stdin, os.Stdout, server).Run(ctx)
	slog.Info("shutting down")
	return nil
}
