package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/lobby/pkg/usecase/reminder"
	"github.com/urfave/cli/v3"
)

func reminderCommand() *cli.Command {
	return &cli.Command{
		Name:  "reminder",
		Usage: "Departure reminder operations",
		Commands: []*cli.Command{
			reminderServeCommand(),
		},
	}
}

func reminderServeCommand() *cli.Command {
	var (
		cfg      config
		interval time.Duration
	)

	flags := []cli.Flag{
		&cli.DurationFlag{
			Name:        "interval",
			Usage:       "How often to pick up reminders recorded by kiosks",
			Value:       time.Minute,
			Sources:     cli.EnvVars("LOBBY_REMINDER_INTERVAL"),
			Destination: &interval,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, messengerFlags(&cfg)...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Send departure reminders until interrupted",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setupLogger(ctx)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Initialize dependencies
			repo, closeRepo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			messenger, err := cfg.newMessenger()
			if err != nil {
				return err
			}

			return reminder.New(repo, messenger).Serve(ctx, interval)
		},
	}
}
