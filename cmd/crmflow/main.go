package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crmflow/internal/app"
	"crmflow/internal/config"
	"crmflow/internal/db"
	"crmflow/internal/engine"
	"crmflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "crmflow",
	Short: "Agent onboarding pipelines",
	Long: `crmflow moves agents through onboarding pipelines.
- Pipeline: ordered stages imported from a YAML definition.
- Stage: entering one drafts tasks from the task sets attached to it.
- Tasks: completing every task of a stage makes the stage complete; completing a stage can advance the agent to the next one.
- Requirements: checklists, documents, agreements and training that gate activation.
- Audit: every change is logged and can be forwarded to webhooks.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if path := viper.GetString("settings"); path != "" {
			viper.SetConfigFile(path)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("read settings: %w", err)
			}
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CRMFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory (holds crmflow.yml and the sqlite database)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier recorded in the audit log")
	flags.String("driver", app.DriverSQLite, "store backend: sqlite or postgres")
	flags.String("dsn", "", "postgres connection string (defaults to DATABASE_URL)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("settings", "", "optional settings file (yaml) for these flags")
	for _, name := range []string{"workspace", "json", "actor-id", "driver", "dsn", "log-level", "settings"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(onboardingCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(requirementCmd())
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runtimeOptions(metrics bool, log *slog.Logger) app.Options {
	return app.Options{
		Workspace: viper.GetString("workspace"),
		Driver:    viper.GetString("driver"),
		DSN:       viper.GetString("dsn"),
		Metrics:   metrics,
		Logger:    log,
	}
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := app.Open(ctx, runtimeOptions(false, newLogger()))
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

func actorID() string {
	return viper.GetString("actor-id")
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader, metrics bool
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start HTTP API server",
		PreRunE: bindSecret,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("CRMFLOW_JWT_SECRET (or --jwt-secret) is required for bearer auth")
			}
			log := newLogger()
			opts := runtimeOptions(metrics, log)
			rt, err := app.Open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, AllowLegacyActorHeader: allowActorHeader},
				Metrics:  rt.Metrics,
				Logger:   log,
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(cmd.Context(), rt.Engine, log)
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Info("serving crmflow API", "addr", addr, "base_path", basePath, "driver", opts.Driver, "openapi", basePath+"/openapi.json", "docs", "/docs")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept unauthenticated X-Actor-Id headers")
	cmd.Flags().BoolVar(&metrics, "metrics", true, "serve Prometheus metrics at /metrics")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := app.OpenStore(cmd.Context(), runtimeOptions(false, newLogger()))
			if err != nil {
				return err
			}
			defer st.Close()
			target := viper.GetString("driver")
			if target == "" || target == app.DriverSQLite {
				target = db.Path(viper.GetString("workspace"))
			}
			fmt.Printf("Schema up to date (%s)\n", target)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage crmflow.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default crmflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective policy config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"completion_scope":        c.Scope(),
				"dedupe_tasks":            c.Dedupe(),
				"tx_timeout":              c.TxTimeout().String(),
				"require_financial_setup": c.RequireFinancialSetup(),
				"webhooks":                len(c.Webhooks),
			})
		},
	}
	cfg.AddCommand(initCmd, showCmd)
	return cfg
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	var roles []string
	cmd := &cobra.Command{
		Use:     "token",
		Short:   "Issue a bearer token for the actor",
		PreRunE: bindSecret,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.IssueToken(viper.GetString("jwt-secret"), actorID(), roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	return cmd
}

// bindSecret binds --jwt-secret of the running command; serve and token both
// declare it.
func bindSecret(cmd *cobra.Command, args []string) error {
	return viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
