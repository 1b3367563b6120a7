package cli

import (
	"context"
	"os"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lobby/pkg/adapter"
	"github.com/m-mizutani/lobby/pkg/policy"
	"github.com/m-mizutani/lobby/pkg/repository"
	"github.com/m-mizutani/lobby/pkg/utils/logging"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

const (
	backendFirestore = "firestore"
	backendMemory    = "memory"
)

// config holds configuration values
type config struct {
	// Repository
	backend  string
	project  string
	database string

	// Logging
	logLevel  string
	logFormat string

	// Messaging
	emailJSConfigPath string
	emailJS           adapter.EmailJSConfig

	// Notifications
	policyDir string
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "Visitor directory backend (firestore, memory). memory is not shared between commands and only suits a single process",
			Value:       backendFirestore,
			Sources:     cli.EnvVars("LOBBY_BACKEND"),
			Destination: &cfg.backend,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("LOBBY_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       "console",
			Sources:     cli.EnvVars("LOBBY_LOG_FORMAT"),
			Destination: &cfg.logFormat,
		},
	}
}

// messengerFlags returns flags for the EmailJS reminder sender
func messengerFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "emailjs-config",
			Usage:       "Path to YAML file with EmailJS settings",
			Sources:     cli.EnvVars("LOBBY_EMAILJS_CONFIG"),
			Destination: &cfg.emailJSConfigPath,
		},
		&cli.StringFlag{
			Name:        "emailjs-service-id",
			Usage:       "EmailJS service ID",
			Sources:     cli.EnvVars("LOBBY_EMAILJS_SERVICE_ID"),
			Destination: &cfg.emailJS.ServiceID,
		},
		&cli.StringFlag{
			Name:        "emailjs-template-id",
			Usage:       "EmailJS template ID",
			Sources:     cli.EnvVars("LOBBY_EMAILJS_TEMPLATE_ID"),
			Destination: &cfg.emailJS.TemplateID,
		},
		&cli.StringFlag{
			Name:        "emailjs-public-key",
			Usage:       "EmailJS public key",
			Sources:     cli.EnvVars("LOBBY_EMAILJS_PUBLIC_KEY"),
			Destination: &cfg.emailJS.PublicKey,
		},
		&cli.StringFlag{
			Name:        "emailjs-private-key",
			Usage:       "EmailJS private key (access token)",
			Sources:     cli.EnvVars("LOBBY_EMAILJS_PRIVATE_KEY"),
			Destination: &cfg.emailJS.PrivateKey,
		},
	}
}

// policyFlags returns flags for site notification policy
func policyFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "policy-dir",
			Usage:       "Directory with Rego notification policies",
			Sources:     cli.EnvVars("LOBBY_POLICY_DIR"),
			Destination: &cfg.policyDir,
		},
	}
}

// setupLogger builds the logger from flags and attaches it to ctx
func (cfg *config) setupLogger(ctx context.Context) (context.Context, error) {
	level, err := logging.ParseLevel(cfg.logLevel)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.logFormat)
	if err != nil {
		return nil, err
	}

	logger := logging.NewWithFormat(level, format, os.Stderr)
	logging.SetDefault(logger)
	return logging.With(ctx, logger), nil
}

// requireSharedBackend fails when the directory is private to this process,
// so that nothing another command does can reach it
func (cfg *config) requireSharedBackend(feature string) error {
	if cfg.backend == backendMemory {
		return goerr.New("memory backend is not shared between processes",
			goerr.V("feature", feature),
			goerr.V("backend", cfg.backend))
	}
	return nil
}

// newRepository creates a new repository instance. The returned function
// releases it.
func (cfg *config) newRepository(ctx context.Context) (repository.Repository, func(), error) {
	switch cfg.backend {
	case backendMemory:
		logging.From(ctx).Warn("memory backend keeps data only for this process")
		return repository.NewMemory(), func() {}, nil

	case backendFirestore, "":
		if cfg.project == "" {
			return nil, nil, goerr.New("project is required")
		}
		if cfg.database == "" {
			return nil, nil, goerr.New("database is required")
		}

		repo, err := repository.NewFirestore(ctx, cfg.project, cfg.database)
		if err != nil {
			return nil, nil, goerr.Wrap(err, "failed to create repository")
		}
		return repo, func() {
			if err := repo.Close(); err != nil {
				logging.From(ctx).Warn("failed to close firestore client", "error", err)
			}
		}, nil

	default:
		return nil, nil, goerr.New("unknown backend", goerr.V("backend", cfg.backend))
	}
}

// newCapture creates a capture adapter. Cloud Storage is only set up when
// source points to it.
func (cfg *config) newCapture(ctx context.Context, source string) (adapter.Capture, error) {
	if source == "" {
		return nil, goerr.New("source is required")
	}

	if !strings.HasPrefix(source, "gs://") {
		return adapter.NewFileCapture(), nil
	}

	storage, err := adapter.NewStorage(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create storage")
	}
	return adapter.NewFileCapture(adapter.WithCaptureStorage(storage)), nil
}

// loadEmailJSConfig reads the YAML file if given. Values set by flags or
// environment variables take precedence over the file.
func (cfg *config) loadEmailJSConfig() (adapter.EmailJSConfig, error) {
	var merged adapter.EmailJSConfig
	if cfg.emailJSConfigPath != "" {
		data, err := os.ReadFile(cfg.emailJSConfigPath)
		if err != nil {
			return merged, goerr.Wrap(err, "failed to read emailjs config", goerr.V("path", cfg.emailJSConfigPath))
		}
		if err := yaml.Unmarshal(data, &merged); err != nil {
			return merged, goerr.Wrap(err, "failed to parse emailjs config", goerr.V("path", cfg.emailJSConfigPath))
		}
	}

	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&merged.ServiceID, cfg.emailJS.ServiceID)
	override(&merged.TemplateID, cfg.emailJS.TemplateID)
	override(&merged.PublicKey, cfg.emailJS.PublicKey)
	override(&merged.PrivateKey, cfg.emailJS.PrivateKey)

	return merged, nil
}

// newMessenger creates the EmailJS messenger
func (cfg *config) newMessenger() (adapter.Messenger, error) {
	emailJS, err := cfg.loadEmailJSConfig()
	if err != nil {
		return nil, err
	}

	messenger, err := adapter.NewEmailJS(emailJS)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create messenger")
	}
	return messenger, nil
}

// newPolicy loads site notification policies
func (cfg *config) newPolicy(ctx context.Context) (*policy.Engine, error) {
	engine, err := policy.Load(ctx, cfg.policyDir)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load policy", goerr.V("dir", cfg.policyDir))
	}
	return engine, nil
}
