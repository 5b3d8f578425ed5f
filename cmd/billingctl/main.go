package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/reviewloop/backend/internal/app"
	"github.com/reviewloop/backend/internal/auth"
	"github.com/reviewloop/backend/internal/config"
	"github.com/reviewloop/backend/internal/logging"
)

var (
	reconcileEmail string
	tokenUserID    string
	tokenEmail     string
)

var rootCmd = &cobra.Command{
	Use:          "billingctl",
	Short:        "ReviewLoop billing and usage maintenance",
	Long:         `Operator tooling for entitlement repair, retention sweeps and usage sync`,
	SilenceUsage: true,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Re-derive an account's tier from the payment processor",
	Example: `  # Repair an account whose webhook was missed
  billingctl reconcile --email owner@example.com`,
	RunE: func(cmd *cobra.Command, args []string) error {
		email := strings.ToLower(strings.TrimSpace(reconcileEmail))
		if email == "" {
			return fmt.Errorf("--email is required")
		}
		return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
			result, err := a.Billing.Reconcile(ctx, email)
			if err != nil {
				return err
			}
			return printJSON(result)
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Purge accounts whose deletion grace window has ended",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
			result, err := a.Jobs.Sweep(ctx)
			if err != nil {
				return err
			}
			return printJSON(result)
		})
	},
}

var syncUsageCmd = &cobra.Command{
	Use:   "sync-usage",
	Short: "Drain pending usage counters into the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
			stats, err := a.Jobs.SyncUsage(ctx)
			if err != nil {
				return err
			}
			return printJSON(stats)
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
			if err := a.DB.Migrate(ctx); err != nil {
				return err
			}
			fmt.Println("Schema applied")
			return nil
		})
	},
}

var tokenCmd = &cobra.Command{
	Use:     "token",
	Short:   "Mint a bearer token for local testing",
	Example: `  billingctl token --user 3f2c... --email owner@example.com`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.IsProduction() {
			return fmt.Errorf("refusing to mint tokens in production")
		}
		if tokenUserID == "" || tokenEmail == "" {
			return fmt.Errorf("--user and --email are required")
		}
		token, err := auth.NewJWTService(cfg.JWTSecret, 24*time.Hour).Generate(tokenUserID, strings.ToLower(tokenEmail))
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileEmail, "email", "", "account email")
	tokenCmd.Flags().StringVar(&tokenUserID, "user", "", "user id (token subject)")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "account email")

	rootCmd.AddCommand(reconcileCmd, sweepCmd, syncUsageCmd, migrateCmd, tokenCmd)
}

func loadConfig() (config.Config, error) {
	_ = godotenv.Load()
	cfg, err := config.Load(".")
	if err != nil {
		return config.Config{}, err
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: "console", Component: "billingctl"})
	return cfg, nil
}

// withApp builds the services, runs fn and releases connections. validate
// requires the full server configuration (processor keys included).
func withApp(ctx context.Context, validate bool, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
