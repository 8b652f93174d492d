package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/developingchet/bastion-access/internal/cloud"
	"github.com/developingchet/bastion-access/internal/config"
	"github.com/developingchet/bastion-access/internal/logger"
	"github.com/developingchet/bastion-access/internal/service"
	"github.com/developingchet/bastion-access/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// rootCmd runs the Lambda handler when invoked without a subcommand.
func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bastion-access",
		Short: "Time-limited bastion access leases on security groups and network ACLs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLambda()
		},
		SilenceUsage: true,
	}
	root.AddCommand(
		serveCmd(),
		invokeCmd(),
		versionCmd(),
	)
	return root
}

func runLambda() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := buildLogger(cfg)

	provider, cleanup, err := openProvider(context.Background(), cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	svc, err := newService(cfg, provider, log)
	if err != nil {
		return err
	}
	log.Info().Str("service", svc.String()).Msg("lambda handler starting")
	lambda.Start(svc.Handle)
	return nil
}

// serveCmd runs the long-lived local mode on the bbolt backend.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run locally against the embedded backend with a schedule janitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Backend != config.BackendLocal {
		return fmt.Errorf("serve requires BACKEND=%s; got %q", config.BackendLocal, cfg.Backend)
	}
	log := buildLogger(cfg)

	store, err := storage.NewBboltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := service.Seed(ctx, store, cfg); err != nil {
		return err
	}

	svc, err := newService(cfg, store, log)
	if err != nil {
		return err
	}
	log.Info().Str("service", svc.String()).Str("data_dir", cfg.DataDir).Msg("bastion-access serving")
	return service.NewServer(svc, store, log).Run(ctx)
}

// invokeCmd processes one event payload and prints the response.
func invokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invoke [event.json]",
		Short: "Process one event payload from a file or stdin and exit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			raw, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("read event: %w", err)
			}
			if !json.Valid(raw) {
				return fmt.Errorf("event is not valid JSON")
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := buildLogger(cfg)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			provider, cleanup, err := openProvider(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer cleanup()

			svc, err := newService(cfg, provider, log)
			if err != nil {
				return err
			}
			resp, err := svc.Handle(ctx, raw)
			if err != nil {
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
		},
	}
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bastion-access %s\n", Version)
		},
	}
}

// openProvider selects the backend named by cfg.Backend.
func openProvider(ctx context.Context, cfg *config.Config, log zerolog.Logger) (cloud.Provider, func(), error) {
	switch cfg.Backend {
	case config.BackendLocal:
		store, err := storage.NewBboltStore(cfg.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("open storage: %w", err)
		}
		if err := service.Seed(ctx, store, cfg); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		return cloud.NewAWS(awsCfg, log), func() {}, nil
	}
}

func newService(cfg *config.Config, provider cloud.Provider, log zerolog.Logger) (*service.Service, error) {
	service.BinaryVersion = Version
	svc, err := service.New(cfg, provider, log)
	if err != nil {
		return nil, fmt.Errorf("build service: %w", err)
	}
	return svc, nil
}

// buildLogger constructs a zerolog.Logger based on config.
func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var base zerolog.Logger
	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(cw).Level(level).With().Timestamp().Logger()
	} else {
		base = zerolog.New(logger.NewRedactWriter(os.Stderr)).Level(level).With().Timestamp().Logger()
	}
	return base
}
