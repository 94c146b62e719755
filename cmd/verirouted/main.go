// verirouted is the routing reverse proxy daemon: it serves JSON-RPC traffic,
// dispatching each request by the `to` address of the raw transaction it
// carries, and keeps its routing table current from signed announcements on a
// consensus topic.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/veriroute/veriroute/internal/config"
	"github.com/veriroute/veriroute/internal/daemon"
)

func main() {
	app := &cli.App{
		Name:  "verirouted",
		Usage: "consensus-routed JSON-RPC reverse proxy",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "path to a .env file with configuration",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Usage: "log level (trace, debug, info, warn, error)",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Error("verirouted exited")
		code := 1
		var ec cli.ExitCoder
		if errors.As(err, &ec) {
			code = ec.ExitCode()
		}
		os.Exit(code)
	}
}

func run(c *cli.Context) error {
	// Missing .env is fine; plain environment variables still apply.
	_ = godotenv.Load(c.String("env-file"))

	cfg := config.Load()
	if v := c.String("verbosity"); v != "" {
		cfg.Verbosity = v
	}
	level, err := logrus.ParseLevel(cfg.Verbosity)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	d, err := daemon.New(cfg)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = d.Run(ctx)
	if ctx.Err() != nil {
		// Interrupted: conventional 128+SIGINT.
		return cli.Exit("", 130)
	}
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}
