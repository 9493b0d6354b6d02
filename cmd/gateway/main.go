package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/guseggert/stdiogateway/api"
	"github.com/guseggert/stdiogateway/config"
	"github.com/guseggert/stdiogateway/gateway"
	"github.com/guseggert/stdiogateway/internal/logging"
	"github.com/guseggert/stdiogateway/supervisor"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  "gateway",
		Usage: "expose stdio processes over HTTP, SSE and WebSockets",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to the YAML config. Defaults to the nearest " + config.DefaultFileName + " in this directory or its parents.",
				EnvVars: []string{"GATEWAY_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "The port to listen on, keeping the configured host.",
				EnvVars: []string{"PORT"},
			},
			&cli.StringFlag{
				Name:    "auth-token",
				Usage:   "Bearer token required on protected routes.",
				EnvVars: []string{"AUTH_TOKEN"},
			},
			&cli.StringSliceFlag{
				Name:    "allowed-ips",
				Usage:   "Client addresses or CIDR prefixes allowed on protected routes. 0.0.0.0 allows all.",
				EnvVars: []string{"ALLOWED_IPS"},
			},
			&cli.StringSliceFlag{
				Name:    "allowed-origins",
				Usage:   "Browser origins allowed by CORS. * allows all.",
				EnvVars: []string{"ALLOWED_ORIGINS"},
			},
			&cli.Int64Flag{
				Name:    "rate-limit-window-ms",
				Usage:   "Rate limit window in milliseconds.",
				EnvVars: []string{"RATE_LIMIT_WINDOW_MS"},
			},
			&cli.IntFlag{
				Name:    "rate-limit-max-requests",
				Usage:   "Requests allowed per client per window. 0 disables rate limiting.",
				EnvVars: []string{"RATE_LIMIT_MAX_REQUESTS"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.BoolFlag{
				Name:  "dev",
				Usage: "Use human readable development logging.",
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:  "gen-certs",
				Usage: "generate a CA, server and client certificates for TLS and mTLS",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "out",
						Usage: "Directory to write the PEM files to.",
						Value: "certs",
					},
					&cli.StringSliceFlag{
						Name:  "host",
						Usage: "Host name or IP the server cert is valid for. Repeatable.",
						Value: cli.NewStringSlice("localhost", "127.0.0.1", "::1"),
					},
					&cli.DurationFlag{
						Name:  "valid-for",
						Usage: "How long the certificates are valid.",
						Value: 365 * 24 * time.Hour,
					},
				},
				Action: genCerts,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (config.Config, string, error) {
	path := c.String("config")
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return config.Config{}, "", fmt.Errorf("getting working dir: %w", err)
		}
		path, err = config.Find(wd)
		if err != nil {
			return config.Config{}, "", fmt.Errorf("searching for config: %w", err)
		}
	}
	if path == "" {
		return config.Default(), "", nil
	}
	cfg, err := config.Load(path)
	return cfg, path, err
}

// applyFlags overrides file values with flags and their environment variables.
func applyFlags(c *cli.Context, cfg *config.Config) error {
	if c.IsSet("listen-addr") {
		cfg.ListenAddr = c.String("listen-addr")
	}
	if c.IsSet("port") {
		host, _, err := net.SplitHostPort(cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("parsing listen address: %w", err)
		}
		cfg.ListenAddr = net.JoinHostPort(host, strconv.Itoa(c.Int("port")))
	}
	if c.IsSet("auth-token") {
		cfg.AuthToken = c.String("auth-token")
	}
	if c.IsSet("allowed-ips") {
		cfg.AllowedIPs = c.StringSlice("allowed-ips")
	}
	if c.IsSet("allowed-origins") {
		cfg.AllowedOrigins = c.StringSlice("allowed-origins")
	}
	if c.IsSet("rate-limit-window-ms") {
		cfg.RateLimit.Window = time.Duration(c.Int64("rate-limit-window-ms")) * time.Millisecond
	}
	if c.IsSet("rate-limit-max-requests") {
		cfg.RateLimit.MaxRequests = c.Int("rate-limit-max-requests")
	}
	return cfg.Validate()
}

func serve(c *cli.Context) error {
	logger, err := logging.New(c.String("log-level"), c.Bool("dev"))
	if err != nil {
		return err
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	cfg, path, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := applyFlags(c, &cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if path == "" {
		sugar.Warnf("no %s found, serving no processes", config.DefaultFileName)
	} else {
		sugar.Infow("loaded config", "Path", path, "Processes", len(cfg.Processes))
	}
	if cfg.AuthToken == "" {
		sugar.Warn("no auth token configured, protected routes accept any caller on the allow list")
	}

	sup, err := supervisor.New(sugar, cfg.Definitions(), cfg.SupervisorOptions())
	if err != nil {
		return fmt.Errorf("building supervisor: %w", err)
	}
	gw := gateway.New(sugar, sup)

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithListenAddr(cfg.ListenAddr),
		api.WithAuthToken(cfg.AuthToken),
		api.WithAllowedIPs(cfg.AllowedIPs),
		api.WithAllowedOrigins(cfg.AllowedOrigins),
		api.WithRateLimit(cfg.RateLimit.Window, cfg.RateLimit.MaxRequests),
	}
	if cfg.TLS.Enabled() {
		tlsConfig, err := api.LoadServerTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.ClientCAFile)
		if err != nil {
			return fmt.Errorf("building server TLS config: %w", err)
		}
		opts = append(opts, api.WithTLSConfig(tlsConfig))
	}
	srv, err := api.NewServer(gw, opts...)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Run)
	g.Go(func() error {
		<-gctx.Done()
		sugar.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopGracePeriod+5*time.Second)
		defer cancel()
		return multierr.Append(
			srv.Shutdown(shutdownCtx),
			sup.Shutdown(shutdownCtx),
		)
	})
	err = g.Wait()
	if err != nil {
		sugar.Errorw("gateway stopped with error", "Error", err)
		return err
	}
	sugar.Info("gateway stopped")
	return nil
}

func genCerts(c *cli.Context) error {
	certs, err := api.GenerateCerts(c.StringSlice("host"), c.Duration("valid-for"))
	if err != nil {
		return err
	}
	out := c.String("out")
	if err := certs.WriteFiles(out); err != nil {
		return err
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	logger.Sugar().Infow("wrote certificates", "Dir", out, "Hosts", c.StringSlice("host"))
	return nil
}
