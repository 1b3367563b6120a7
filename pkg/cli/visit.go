package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lobby/pkg/model"
	"github.com/m-mizutani/lobby/pkg/usecase/identity"
	"github.com/m-mizutani/lobby/pkg/usecase/reminder"
	"github.com/m-mizutani/lobby/pkg/usecase/visit"
	"github.com/urfave/cli/v3"
)

func sourceFlag(dst *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "source",
		Aliases:     []string{"s"},
		Usage:       "Captured face descriptor (local path or gs://bucket/key)",
		Sources:     cli.EnvVars("LOBBY_CAPTURE_SOURCE"),
		Destination: dst,
		Required:    true,
	}
}

func checkInCommand() *cli.Command {
	var (
		cfg      config
		source   string
		expected string
	)

	flags := []cli.Flag{
		sourceFlag(&source),
		&cli.StringFlag{
			Name:        "expected",
			Aliases:     []string{"t"},
			Usage:       "Expected check-out time (HH:MM); recognition only if omitted",
			Destination: &expected,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "checkin",
		Usage: "Recognize a visitor and open a visit",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setupLogger(ctx)
			if err != nil {
				return err
			}

			var expectedTime model.ClockTime
			if expected != "" {
				if expectedTime, err = model.ParseClockTime(expected); err != nil {
					return err
				}
			}

			// Initialize dependencies
			repo, closeRepo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			capture, err := cfg.newCapture(ctx, source)
			if err != nil {
				return err
			}

			// reminders are only recorded here; "reminder serve" sends them
			scheduler := reminder.New(repo, nil)
			defer scheduler.Stop()

			uc := visit.New(repo, capture, visit.WithScheduler(scheduler))

			res, err := uc.CheckIn(ctx, source)
			if err != nil {
				return goerr.Wrap(err, "failed to check in")
			}

			w := c.Root().Writer
			if res.Outcome != identity.AllowedMatch {
				fmt.Fprintln(w, res.Outcome.Message())
				return nil
			}
			fmt.Fprintf(w, "Welcome, %s!\n", res.Visitor.Name)

			if expectedTime.IsZero() {
				return nil
			}

			rem, err := uc.ConfirmCheckIn(ctx, res.Visitor.ID, expectedTime)
			if err != nil {
				return goerr.Wrap(err, "failed to confirm check-in")
			}

			fmt.Fprintln(w, "Thank you! You are checked in.")
			if rem != nil {
				fmt.Fprintf(w, "A reminder will be sent at %s.\n", rem.FireAt.Format("15:04"))
			}
			return nil
		},
	}
}

func checkOutCommand() *cli.Command {
	var (
		cfg      config
		source   string
		feedback string
	)

	flags := []cli.Flag{
		sourceFlag(&source),
		&cli.StringFlag{
			Name:        "feedback",
			Aliases:     []string{"f"},
			Usage:       "Visitor feedback",
			Destination: &feedback,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "checkout",
		Usage: "Recognize a departing visitor and close the visit",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setupLogger(ctx)
			if err != nil {
				return err
			}

			// Initialize dependencies
			repo, closeRepo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			capture, err := cfg.newCapture(ctx, source)
			if err != nil {
				return err
			}

			scheduler := reminder.New(repo, nil)
			defer scheduler.Stop()

			uc := visit.New(repo, capture, visit.WithScheduler(scheduler))

			res, err := uc.CheckOut(ctx, source)
			if err != nil {
				return goerr.Wrap(err, "failed to check out")
			}

			w := c.Root().Writer
			if res.Outcome != identity.AllowedMatch {
				fmt.Fprintln(w, res.Outcome.Message())
				return nil
			}

			if err := uc.CompleteCheckOut(ctx, res.Visitor.ID, feedback); err != nil {
				return goerr.Wrap(err, "failed to complete check-out")
			}

			fmt.Fprintf(w, "Thank you, %s! Checked out successfully.\n", res.Visitor.Name)
			return nil
		},
	}
}
