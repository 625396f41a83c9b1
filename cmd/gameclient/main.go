package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/luciancaetano/skillbridge"
	"github.com/luciancaetano/skillbridge/gamenet"
	"github.com/luciancaetano/skillbridge/internal/config"
	"github.com/luciancaetano/skillbridge/internal/logging"
	"github.com/luciancaetano/skillbridge/message"
)

type clientOptions struct {
	configPath string
	address    string
	port       int
	count      int
	hello      string
}

func main() {
	var opts clientOptions

	rootCmd := &cobra.Command{
		Use:   "gameclient",
		Short: "Connect to a skillbridge game server and exchange test requests",
		Long: `gameclient connects to a game server, sends FirstTestRequest
messages and logs the responses. It drives the client from a fixed
tick, the way a game loop would.

Examples:
  gameclient
  gameclient --port 9000 --count 10
  gameclient --config skillbridge.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("address") {
				cfg.Client.Address = opts.address
			}
			if cmd.Flags().Changed("port") {
				cfg.Client.Port = opts.port
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg, opts)
		},
	}

	rootCmd.Flags().StringVarP(&opts.configPath, "config", "c", "skillbridge.yaml", "Path to the YAML config file")
	rootCmd.Flags().StringVar(&opts.address, "address", "", "Server address")
	rootCmd.Flags().IntVarP(&opts.port, "port", "p", 0, "Server port")
	rootCmd.Flags().IntVarP(&opts.count, "count", "n", 1, "Requests to send before exiting (0 runs until interrupted)")
	rootCmd.Flags().StringVar(&opts.hello, "hello", "hello firstRequest", "FirstTestRequest text")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts clientOptions) error {
	logger, err := logging.Init(cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := gamenet.NewClient(gamenet.ClientConfigFrom(cfg.Client, logger, nil))
	defer c.Destroy()

	if err := c.Init(cfg.Client.Address, cfg.Client.Port); err != nil {
		return err
	}

	var (
		sent     int
		received int
		failure  error
	)
	sendHello := func() {
		c.SendMessage(message.NewRequest(&message.FirstTestRequest{HelloWorld: opts.hello}))
		sent++
	}

	c.OnConnect(func(code skillbridge.ErrorCode, reason string) {
		if code != skillbridge.ErrorNone {
			failure = fmt.Errorf("connect %s: %s", c.Address(), reason)
			return
		}
		logger.Info("connected", "addr", c.Address())
		sendHello()
	})
	c.OnDisconnect(func(code skillbridge.ErrorCode, reason string) {
		logger.Warn("disconnected", "code", code.String(), "reason", reason)
	})
	c.OnExpectPackageTimeout(func() {
		logger.Warn("server is slow to answer")
	})
	c.Subscribe(message.KindFirstTestResponse, func(_ skillbridge.Client, p message.Payload) error {
		received++
		logger.Info("response", "message", p.(*message.FirstTestResponse).Message, "received", received)
		if opts.count == 0 || sent < opts.count {
			sendHello()
		}
		return nil
	})
	c.Subscribe(message.KindHeartbeatResponse, func(_ skillbridge.Client, p message.Payload) error {
		hb := p.(*message.HeartbeatResponse)
		logger.Debug("heartbeat", "rtt_ms", time.Now().UnixMilli()-hb.ClientTime)
		return nil
	})

	if err := c.Connect(cfg.Client.MaxRetries); err != nil {
		return err
	}

	ticker := time.NewTicker(cfg.Client.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := c.Update(); err != nil {
			logger.Error("update", "error", err)
		}
		if failure != nil {
			return failure
		}
		if !c.Running() {
			return errors.New("client stopped: server speaks an unknown protocol")
		}
		if opts.count > 0 && received >= opts.count {
			return nil
		}
	}
}
