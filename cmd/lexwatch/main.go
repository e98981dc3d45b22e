package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Logs go to stderr so stdout stays parseable; tables, notifications and
	// job JSON are the command output.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	_ = godotenv.Load()

	app := &cli.Command{
		Name:  "lexwatch",
		Usage: "submit and watch lexflowd analysis jobs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "base URL of the lexflowd API",
				Value:   "http://localhost:8084",
				Sources: cli.EnvVars("LEXFLOW_SERVER"),
			},
			&cli.StringFlag{
				Name:    "api-key",
				Usage:   "API key sent as X-API-Key",
				Sources: cli.EnvVars("LEXFLOW_API_KEY"),
			},
			&cli.StringFlag{
				Name:    "owner",
				Usage:   "owner identity jobs are scoped to",
				Sources: cli.EnvVars("LEXFLOW_OWNER"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "submit",
				Usage: "submit a job and wait for its outcome",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "type", Usage: "job type to run", Required: true},
					&cli.StringFlag{Name: "payload", Usage: "inline JSON payload"},
					&cli.StringFlag{Name: "payload-file", Usage: "file holding the JSON payload"},
					&cli.StringFlag{Name: "document", Usage: "document name shown in the outcome"},
					&cli.BoolFlag{Name: "detach", Usage: "print the job ID and exit without waiting"},
				},
				Action: submitAction,
			},
			{
				Name:  "watch",
				Usage: "follow every active job for this owner until interrupted",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "interval",
						Usage: "gap between job list fetches",
						Value: 10 * time.Second,
					},
				},
				Action: watchAction,
			},
			{
				Name:  "list",
				Usage: "list this owner's jobs, newest first",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Usage: "page size", Value: 20},
					&cli.IntFlag{Name: "offset", Usage: "page start"},
				},
				Action: listAction,
			},
			{
				Name:      "get",
				Usage:     "print one job as JSON",
				ArgsUsage: "<job-id>",
				Action:    getAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
