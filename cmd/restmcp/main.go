package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/restmcp/restmcp/bridge"
	"github.com/restmcp/restmcp/gateway"
	"github.com/restmcp/restmcp/internal/config"
	"github.com/restmcp/restmcp/mcp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "restmcp",
		Usage: "HTTP bridge exposing an MCP tool server's capabilities as REST endpoints",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-command",
				Usage:   "The tool server executable to spawn.",
				EnvVars: []string{"SERVER_COMMAND"},
			},
			&cli.StringSliceFlag{
				Name:    "server-arg",
				Usage:   "Argument passed to the tool server (repeatable).",
				EnvVars: []string{"SERVER_ARGS"},
			},
			&cli.StringFlag{
				Name:    "server-manifest",
				Usage:   "Path to a YAML manifest describing the tool server (overrides --server-command).",
				EnvVars: []string{"SERVER_MANIFEST"},
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	spec, err := resolveServerSpec(c)
	if err != nil {
		return err
	}
	logger.Infow("starting", "Command", spec.Command, "Args", spec.Args, "Port", cfg.Port)

	tr := mcp.NewStdioTransport(spec.Command, spec.Args, spec.Environ(cfg),
		mcp.WithTransportLogger(logger),
	)
	client := mcp.NewClient(tr,
		mcp.WithClientLogger(logger),
		mcp.WithCallTimeout(cfg.CallTimeout),
		mcp.WithHandshakeTimeout(cfg.HandshakeTimeout),
	)
	svc := bridge.New(client, bridge.WithLogger(logger))

	// Spawn and handshake must complete before the listener accepts traffic.
	// Failures here are fatal to startup, not a degraded start.
	if err := tr.Start(); err != nil {
		return err
	}
	if err := svc.Initialize(c.Context); err != nil {
		svc.Shutdown()
		return err
	}

	gw := gateway.New(svc,
		gateway.WithLogger(logger),
		gateway.WithListenAddr(fmt.Sprintf("0.0.0.0:%d", cfg.Port)),
		gateway.WithStderrTap(tr.Tap),
	)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- gw.Run()
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infof("received %s, shutting down", sig)
		go func() {
			for s := range sigCh {
				logger.Debugf("ignoring %s, shutdown already in progress", s)
			}
		}()
	case err := <-serveErr:
		svc.Shutdown()
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(ctx); err != nil {
		logger.Debugf("HTTP shutdown error: %s", err)
	}
	svc.Shutdown()
	return nil
}

func resolveServerSpec(c *cli.Context) (config.ServerSpec, error) {
	if path := c.String("server-manifest"); path != "" {
		return config.LoadServerSpec(path)
	}
	command := c.String("server-command")
	if command == "" {
		return config.ServerSpec{}, fmt.Errorf("no tool server configured: set --server-command or --server-manifest")
	}
	return config.ServerSpec{Command: command, Args: c.StringSlice("server-arg")}, nil
}

func newLogger(level string) (*zap.SugaredLogger, error) {
	switch level {
	case "silent":
		return zap.NewNop().Sugar(), nil
	case "debug":
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		return l.Sugar(), nil
	default:
		l, err := zap.NewProduction()
		if err != nil {
			return nil, err
		}
		return l.Sugar(), nil
	}
}
