package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lobby/pkg/adapter"
	"github.com/m-mizutani/lobby/pkg/model"
	"github.com/m-mizutani/lobby/pkg/repository"
	"github.com/m-mizutani/lobby/pkg/usecase/approval"
	"github.com/m-mizutani/lobby/pkg/usecase/export"
	"github.com/m-mizutani/lobby/pkg/usecase/notify"
	"github.com/m-mizutani/lobby/pkg/usecase/visit"
	"github.com/urfave/cli/v3"
)

var errQuitReview = errors.New("review finished")

func adminCommand() *cli.Command {
	return &cli.Command{
		Name:  "admin",
		Usage: "Admin dashboard operations",
		Commands: []*cli.Command{
			reviewCommand(),
			pendingCommand(),
			approveCommand(),
			denyCommand(),
			listCommand(),
			blacklistCommand(),
			notificationsCommand(),
			exportCommand(),
		},
	}
}

// withRepository runs fn with a configured logger and repository
func withRepository(cfg *config, fn func(ctx context.Context, c *cli.Command, repo repository.Repository) error) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		ctx, err := cfg.setupLogger(ctx)
		if err != nil {
			return err
		}

		repo, closeRepo, err := cfg.newRepository(ctx)
		if err != nil {
			return err
		}
		defer closeRepo()

		return fn(ctx, c, repo)
	}
}

func visitorIDArg(c *cli.Command) (model.VisitorID, error) {
	id := c.Args().First()
	if id == "" {
		return "", goerr.New("visitor ID is required")
	}
	return model.VisitorID(id), nil
}

func printVisitor(w io.Writer, v *model.Visitor) {
	fmt.Fprintf(w, "ID:         %s\n", v.ID)
	fmt.Fprintf(w, "Name:       %s\n", v.Name)
	fmt.Fprintf(w, "Email:      %s\n", v.Email)
	fmt.Fprintf(w, "Purpose:    %s\n", v.Purpose)
	fmt.Fprintf(w, "Registered: %s\n", v.CreatedAt.Local().Format("2006-01-02 15:04:05"))
}

func reviewCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "review",
		Usage: "Review pending registrations one at a time",
		Flags: globalFlags(&cfg),
		Action: withRepository(&cfg, func(ctx context.Context, c *cli.Command, repo repository.Repository) error {
			w := c.Root().Writer
			rl, err := readline.NewEx(&readline.Config{
				Prompt: "[a]pprove / [d]eny / [q]uit > ",
				Stdout: w,
			})
			if err != nil {
				return goerr.Wrap(err, "failed to initialize prompt")
			}
			defer rl.Close()

			uc := approval.New(repo)
			fmt.Fprintln(w, "Watching pending registrations. Press Ctrl-C to quit.")

			err = uc.WatchPending(ctx, func(head *model.Visitor) error {
				if head == nil {
					fmt.Fprintln(w, "No pending registrations. Waiting...")
					return nil
				}

				fmt.Fprintln(w, "\nPending registration")
				printVisitor(w, head)
				return promptDecision(ctx, rl, w, uc, head)
			})
			if errors.Is(err, errQuitReview) {
				return nil
			}
			return err
		}),
	}
}

// promptDecision asks until the admin approves, denies or quits
func promptDecision(ctx context.Context, rl *readline.Instance, w io.Writer, uc *approval.UseCase, head *model.Visitor) error {
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			return errQuitReview
		}
		if err != nil {
			return goerr.Wrap(err, "failed to read input")
		}

		var decide func(context.Context, model.VisitorID) error
		var verb string
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "a", "approve":
			decide, verb = uc.Approve, "approved"
		case "d", "deny":
			decide, verb = uc.Deny, "denied"
		case "q", "quit", "exit":
			return errQuitReview
		default:
			continue
		}

		if err := decide(ctx, head.ID); err != nil {
			if errors.Is(err, model.ErrWorkflowConflict) {
				fmt.Fprintf(w, "Registration for %s was already decided.\n", head.Name)
				return nil
			}
			return err
		}
		fmt.Fprintf(w, "Registration for %s %s.\n", head.Name, verb)
		return nil
	}
}

func pendingCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "pending",
		Usage: "List pending registrations in review order",
		Flags: globalFlags(&cfg),
		Action: withRepository(&cfg, func(ctx context.Context, c *cli.Command, repo repository.Repository) error {
			pending, err := approval.New(repo).Pending(ctx)
			if err != nil {
				return err
			}

			for _, v := range pending {
				fmt.Fprintf(c.Root().Writer, "%s\t%s\t%s\t%s\n",
					v.ID, v.Name, v.Email, v.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return nil
		}),
	}
}

func approveCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:      "approve",
		Usage:     "Approve a pending registration",
		ArgsUsage: "<visitor-id>",
		Flags:     globalFlags(&cfg),
		Action: withRepository(&cfg, func(ctx context.Context, c *cli.Command, repo repository.Repository) error {
			id, err := visitorIDArg(c)
			if err != nil {
				return err
			}
			if err := approval.New(repo).Approve(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(c.Root().Writer, "Registration %s approved.\n", id)
			return nil
		}),
	}
}

func denyCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:      "deny",
		Usage:     "Deny and remove a pending registration",
		ArgsUsage: "<visitor-id>",
		Flags:     globalFlags(&cfg),
		Action: withRepository(&cfg, func(ctx context.Context, c *cli.Command, repo repository.Repository) error {
			id, err := visitorIDArg(c)
			if err != nil {
				return err
			}
			if err := approval.New(repo).Deny(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(c.Root().Writer, "Registration %s denied.\n", id)
			return nil
		}),
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func listCommand() *cli.Command {
	var (
		cfg    config
		filter string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "filter",
			Aliases:     []string{"f"},
			Usage:       "Visitor filter (all, checked_in, checked_out, blacklisted)",
			Value:       string(visit.FilterAll),
			Destination: &filter,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "list",
		Usage: "List visitors",
		Flags: flags,
		Action: withRepository(&cfg, func(ctx context.Context, c *cli.Command, repo repository.Repository) error {
			f, err := visit.ParseFilter(filter)
			if err != nil {
				return err
			}

			uc := visit.New(repo, nil)
			all, err := uc.List(ctx, visit.ListOptions{Filter: visit.FilterAll})
			if err != nil {
				return err
			}

			w := c.Root().Writer
			counts := visit.Counts(all)
			tabs := make([]string, 0, len(visit.Filters))
			for _, tab := range visit.Filters {
				tabs = append(tabs, fmt.Sprintf("%s=%d", tab, counts[tab]))
			}
			fmt.Fprintln(w, strings.Join(tabs, " "))

			for _, v := range all {
				if !f.Match(v) {
					continue
				}
				status := "registered"
				switch {
				case v.Blacklisted:
					status = "blacklisted"
				case v.Pending():
					status = "pending"
				case v.OnPremises():
					status = "on premises"
				case v.CheckedOut():
					status = "checked out"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\tin:%s\tout:%s\texpected:%s\n",
					v.ID, v.Name, v.Email, status,
					formatTime(v.CheckInTime), formatTime(v.CheckOutTime), v.ExpectedCheckOutTime)
			}
			return nil
		}),
	}
}

func blacklistCommand() *cli.Command {
	var (
		cfg   config
		state string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "state",
			Usage:       "Blacklist state to set (on, off, toggle)",
			Value:       "toggle",
			Destination: &state,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:      "blacklist",
		Usage:     "Change the blacklist flag of a visitor",
		ArgsUsage: "<visitor-id>",
		Flags:     flags,
		Action: withRepository(&cfg, func(ctx context.Context, c *cli.Command, repo repository.Repository) error {
			id, err := visitorIDArg(c)
			if err != nil {
				return err
			}

			uc := visit.New(repo, nil)
			var blacklisted bool
			switch state {
			case "on":
				blacklisted = true
				err = uc.SetBlacklisted(ctx, id, true)
			case "off":
				err = uc.SetBlacklisted(ctx, id, false)
			case "toggle":
				blacklisted, err = uc.ToggleBlacklist(ctx, id)
			default:
				return goerr.New("invalid blacklist state", goerr.V("state", state))
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(c.Root().Writer, "Visitor %s blacklisted: %t\n", id, blacklisted)
			return nil
		}),
	}
}

func notificationsCommand() *cli.Command {
	var cfg config

	flags := append(globalFlags(&cfg), policyFlags(&cfg)...)

	return &cli.Command{
		Name:  "notifications",
		Usage: "Show dashboard notifications",
		Flags: flags,
		Action: withRepository(&cfg, func(ctx context.Context, c *cli.Command, repo repository.Repository) error {
			engine, err := cfg.newPolicy(ctx)
			if err != nil {
				return err
			}

			notifications, err := notify.New(repo, notify.WithPolicy(engine)).Load(ctx)
			if err != nil {
				return err
			}

			w := c.Root().Writer
			if len(notifications) == 0 {
				fmt.Fprintln(w, "No notifications.")
				return nil
			}
			for _, n := range notifications {
				fmt.Fprintf(w, "[%s] %s\n", n.Kind, n.Message)
			}
			return nil
		}),
	}
}

func exportCommand() *cli.Command {
	var (
		cfg         config
		bqProject   string
		dataset     string
		table       string
		since       time.Duration
		includeOpen bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "bigquery-project",
			Usage:       "BigQuery project ID (defaults to --project)",
			Sources:     cli.EnvVars("LOBBY_BIGQUERY_PROJECT"),
			Destination: &bqProject,
		},
		&cli.StringFlag{
			Name:        "bigquery-dataset",
			Usage:       "BigQuery dataset ID",
			Sources:     cli.EnvVars("LOBBY_BIGQUERY_DATASET"),
			Destination: &dataset,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "bigquery-table",
			Usage:       "BigQuery table for visits",
			Value:       "visits",
			Sources:     cli.EnvVars("LOBBY_BIGQUERY_TABLE"),
			Destination: &table,
		},
		&cli.DurationFlag{
			Name:        "since",
			Usage:       "Only export visits that started within this duration (0 exports all)",
			Destination: &since,
		},
		&cli.BoolFlag{
			Name:        "include-open",
			Usage:       "Also export visits of visitors still on premises",
			Destination: &includeOpen,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "export",
		Usage: "Export visits to BigQuery",
		Flags: flags,
		Action: withRepository(&cfg, func(ctx context.Context, c *cli.Command, repo repository.Repository) error {
			if bqProject == "" {
				bqProject = cfg.project
			}
			sink, err := adapter.NewBigQuery(ctx, bqProject, dataset, table)
			if err != nil {
				return err
			}

			opts := export.Options{IncludeOpen: includeOpen}
			if since > 0 {
				opts.Since = time.Now().Add(-since)
			}

			n, err := export.New(repo, sink).Export(ctx, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.Root().Writer, "Exported %d visits to %s.%s\n", n, dataset, table)
			return nil
		}),
	}
}
