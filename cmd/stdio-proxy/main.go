package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/stdiogateway/api"
	"github.com/guseggert/stdiogateway/internal/logging"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:      "stdio-proxy",
		Usage:     "run a gateway process as if it were local, over stdin and stdout",
		ArgsUsage: "<server>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Usage:   "The gateway's base URL.",
				Value:   "http://localhost:3001",
				EnvVars: []string{"MCP_SSE_SERVER_URL", "GATEWAY_URL"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token for the gateway.",
				EnvVars: []string{"MCP_SSE_AUTH_TOKEN", "AUTH_TOKEN"},
			},
			&cli.StringFlag{
				Name:  "ca-cert",
				Usage: "PEM file of the CA that signed the gateway's certificate.",
			},
			&cli.StringFlag{
				Name:  "cert",
				Usage: "PEM client certificate, for gateways that require mTLS.",
			},
			&cli.StringFlag{
				Name:  "key",
				Usage: "PEM client key, for gateways that require mTLS.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error]. Logs go to stderr.",
				Value: "info",
			},
		},
		Action: func(c *cli.Context) error {
			server := c.Args().First()
			if server == "" || c.Args().Len() > 1 {
				return cli.Exit("exactly one server name is required", 2)
			}

			logger, err := logging.New(c.String("log-level"), false)
			if err != nil {
				return err
			}
			defer logger.Sync()

			opts := []api.ClientOption{
				api.WithClientLogger(logger),
				api.WithClientToken(c.String("token")),
			}
			if c.IsSet("ca-cert") || c.IsSet("cert") || c.IsSet("key") {
				tlsConfig, err := api.LoadClientTLSConfig(c.String("ca-cert"), c.String("cert"), c.String("key"))
				if err != nil {
					return fmt.Errorf("building client TLS config: %w", err)
				}
				opts = append(opts, api.WithClientTLSConfig(tlsConfig))
			}
			client, err := api.NewClient(c.String("url"), opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			p := &api.Proxy{
				Client: client,
				Server: server,
				Stdin:  os.Stdin,
				Stdout: os.Stdout,
				Stderr: os.Stderr,
			}
			err = p.Run(ctx)
			if err != nil && ctx.Err() != nil {
				// interrupted
				return nil
			}
			return err
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
