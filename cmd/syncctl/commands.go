package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ticketsync/internal/bootstrap"
	"ticketsync/internal/config"
	"ticketsync/internal/httpserver"
	"ticketsync/internal/model"
	"ticketsync/internal/service/syncer"
	pkgconfig "ticketsync/pkg/config"
	"ticketsync/pkg/logger"
	"ticketsync/pkg/rbac"
	"ticketsync/pkg/trace"
)

type globalFlags struct {
	env      string
	dir      string
	logLevel string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "syncctl",
		Short:         "Operate ticket sync integrations from the command line",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&g.env, "env", pkgconfig.GetConfigEnv(), "config environment overlay")
	root.PersistentFlags().StringVar(&g.dir, "config-dir", pkgconfig.GetEnv("CONFIG_DIR", "config"), "directory holding base.yaml")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override log level")

	root.AddCommand(
		newSyncCmd(g),
		newStatusCmd(g),
		newResyncCmd(g),
		newTokenCmd(g),
	)
	return root
}

// withApp 加载配置并构造 App，命令结束后释放
func withApp(cmd *cobra.Command, g *globalFlags, fn func(ctx context.Context, app *bootstrap.App) error) error {
	cfg, err := config.LoadFrom(g.env, g.dir)
	if err != nil {
		return err
	}
	level := cfg.Log.Level
	if g.logLevel != "" {
		level = g.logLevel
	}
	log := logger.NewLogger(level)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, traceID := trace.Ensure(ctx)

	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()

	log.Debug("syncctl ready", zap.String("trace_id", traceID), zap.String("command", cmd.Name()))
	return fn(ctx, app)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSyncCmd(g *globalFlags) *cobra.Command {
	var (
		integrationID string
		mode          string
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a sync for one integration, or every enabled integration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			syncMode := model.SyncMode(mode)
			if syncMode != model.ModeFull && syncMode != model.ModeIncremental {
				return fmt.Errorf("--mode must be full or incremental, got %q", mode)
			}
			return withApp(cmd, g, func(ctx context.Context, app *bootstrap.App) error {
				opts := syncer.RunOptions{Mode: syncMode, Manual: true}
				if integrationID == "" {
					return printJSON(cmd, app.Orchestrator.RunAll(ctx, opts))
				}
				summaries, err := app.Orchestrator.RunIntegration(ctx, integrationID, opts)
				if perr := printJSON(cmd, summaries); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&integrationID, "integration", "i", "", "integration id (default: all enabled)")
	cmd.Flags().StringVarP(&mode, "mode", "m", string(model.ModeIncremental), "full or incremental")
	return cmd
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <integration-id>",
		Short: "Show cursor and health of an integration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, app *bootstrap.App) error {
				report, err := app.Orchestrator.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
	}
	return cmd
}

func newResyncCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resync <integration-id> <external-id>",
		Short: "Re-fetch a single ticket from the vendor and upsert it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, app *bootstrap.App) error {
				res, err := app.Orchestrator.ResyncTicket(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	return cmd
}

// token 不需要连接外部依赖，只读 admin.jwt_secret
func newTokenCmd(g *globalFlags) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFrom(g.env, g.dir)
			if err != nil {
				return err
			}
			if !rbac.IsKnownRole(role) {
				return fmt.Errorf("unknown role %q", role)
			}
			if cfg.Admin.JWTSecret == "" {
				return fmt.Errorf("admin.jwt_secret is not configured")
			}
			tok, err := httpserver.GenerateToken(subject, role, cfg.Admin.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "ops", "token subject")
	cmd.Flags().StringVar(&role, "role", rbac.RoleAdmin, "admin, operator or viewer")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
