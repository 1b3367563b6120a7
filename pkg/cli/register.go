package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lobby/pkg/usecase/approval"
	"github.com/m-mizutani/lobby/pkg/usecase/visit"
	"github.com/urfave/cli/v3"
)

func registerCommand() *cli.Command {
	var (
		cfg     config
		input   visit.RegisterInput
		noWait  bool
		timeout time.Duration
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "name",
			Aliases:     []string{"n"},
			Usage:       "Visitor name",
			Destination: &input.Name,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "email",
			Aliases:     []string{"e"},
			Usage:       "Visitor email address",
			Destination: &input.Email,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "purpose",
			Usage:       "Who the visitor is or why they came",
			Destination: &input.Purpose,
		},
		&cli.StringFlag{
			Name:        "source",
			Aliases:     []string{"s"},
			Usage:       "Captured face descriptor (local path or gs://bucket/key)",
			Sources:     cli.EnvVars("LOBBY_CAPTURE_SOURCE"),
			Destination: &input.Source,
			Required:    true,
		},
		&cli.BoolFlag{
			Name:        "no-wait",
			Usage:       "Do not wait for the admin decision",
			Destination: &noWait,
		},
		&cli.DurationFlag{
			Name:        "timeout",
			Usage:       "How long to wait for the admin decision (0 waits forever)",
			Sources:     cli.EnvVars("LOBBY_APPROVAL_TIMEOUT"),
			Destination: &timeout,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "register",
		Usage: "Register a new visitor and wait for approval",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setupLogger(ctx)
			if err != nil {
				return err
			}

			if !noWait {
				if err := cfg.requireSharedBackend("waiting for approval"); err != nil {
					return goerr.Wrap(err, "use --no-wait or a shared backend")
				}
			}

			// Initialize dependencies
			repo, closeRepo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			capture, err := cfg.newCapture(ctx, input.Source)
			if err != nil {
				return err
			}

			visitor, err := visit.New(repo, capture).Register(ctx, input)
			if err != nil {
				return goerr.Wrap(err, "failed to register visitor")
			}

			w := c.Root().Writer
			fmt.Fprintf(w, "Registration successful: %s\n", visitor.ID)
			if noWait {
				return nil
			}

			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(w))
			sp.Suffix = " Waiting for admin approval..."
			sp.Start()
			decision, err := approval.New(repo).Await(ctx, visitor.ID)
			sp.Stop()
			if err != nil {
				return goerr.Wrap(err, "approval was not decided", goerr.V("visitor_id", visitor.ID))
			}

			switch decision {
			case approval.Approved:
				fmt.Fprintf(w, "Registration approved. Welcome, %s!\n", visitor.Name)
			case approval.Denied:
				fmt.Fprintf(w, "Registration denied.\n")
			}
			return nil
		},
	}
}
