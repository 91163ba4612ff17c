// Package main provides the conductor binary entry point.
// Conductor is a workflow orchestrator that drives multi-stage agent
// pipelines over NATS with PostgreSQL state and Redis coordination.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/conductor/config"
	"github.com/c360studio/conductor/workflow"
)

const (
	Version = "0.1.0"
	appName = "conductor"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Workflow orchestrator for agent pipelines",
		Long: `Conductor orchestrates multi-stage agent workflows.

It dispatches stage tasks to agent worker queues over NATS, consumes
their results exactly once, advances workflow state in PostgreSQL with
optimistic concurrency, and runs scheduled jobs on cron expressions.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(&configPath, &logLevel))
	cmd.AddCommand(submitCmd(&configPath, &logLevel))
	cmd.AddCommand(statusCmd(&configPath, &logLevel))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	})

	return cmd
}

func serveCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := app.Connect(ctx); err != nil {
				return err
			}
			return app.Run(ctx)
		},
	}
}

func submitCmd(configPath, logLevel *string) *cobra.Command {
	var (
		wfType       string
		name         string
		description  string
		platformID   string
		requirements string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := context.Background()
			if err := app.Connect(ctx); err != nil {
				return err
			}

			req := &workflow.CreateRequest{
				Type:        workflow.Type(wfType),
				PlatformID:  platformID,
				Name:        name,
				Description: description,
				CreatedBy:   "cli",
			}
			if requirements != "" {
				raw, err := readRequirements(requirements)
				if err != nil {
					return err
				}
				req.Requirements = raw
			}

			w, err := app.Engine.Create(ctx, req)
			if err != nil {
				return fmt.Errorf("create workflow: %w", err)
			}

			fmt.Printf("workflow %s created (stage: %s)\n", w.ID, w.CurrentStage)
			return nil
		},
	}

	cmd.Flags().StringVar(&wfType, "type", string(workflow.TypeApp), "Workflow type (app, feature, bugfix, pipeline, terraform)")
	cmd.Flags().StringVar(&name, "name", "", "Workflow name")
	cmd.Flags().StringVar(&description, "description", "", "Workflow description")
	cmd.Flags().StringVar(&platformID, "platform", "", "Platform id for definition lookup")
	cmd.Flags().StringVar(&requirements, "requirements", "", "Requirements as JSON, or @path to a JSON file")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func statusCmd(configPath, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Show a workflow's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(*configPath, *logLevel)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := context.Background()
			if err := app.Connect(ctx); err != nil {
				return err
			}

			w, err := app.Engine.Get(ctx, args[0])
			if err != nil {
				return fmt.Errorf("get workflow: %w", err)
			}

			out, err := json.MarshalIndent(w, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal workflow: %w", err)
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

// setup loads configuration and installs the process logger.
func setup(configPath, logLevel string) (*App, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(logLevel)
	slog.SetDefault(logger)

	return NewApp(cfg, logger), nil
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path != "" {
		fileCfg, err := config.LoadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg.Merge(fileCfg)
	}
	cfg.ApplyEnv()
	return cfg, nil
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// readRequirements accepts inline JSON or an @path reference and verifies
// the payload parses before it is stored.
func readRequirements(arg string) (json.RawMessage, error) {
	data := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		b, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, fmt.Errorf("read requirements file: %w", err)
		}
		data = b
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("requirements must be valid JSON")
	}
	return json.RawMessage(data), nil
}
