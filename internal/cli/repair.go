package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/syncguard/syncguard/internal/control"
	"github.com/syncguard/syncguard/internal/core/config"
	"github.com/syncguard/syncguard/internal/core/domain"
)

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Recompute the consolidated status of every connection",
	Long:  `Repair re-derives every connection's consolidated status through the same pure function the live workers use. Safe to run at any time; a second run with unchanged inputs writes identical statuses.`,
	Run:   runRepair,
}

func init() {
	rootCmd.AddCommand(repairCmd)
}

func runRepair(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)

	app, err := control.NewGuardian(cfg, control.Options{}, logger)
	if err != nil {
		logger.Error("Failed to initialize syncguard", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = app.Stop(context.Background())
	}()

	n, err := app.Tracker().Repair(context.Background())
	if err != nil {
		logger.Error("Repair failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("Recomputed %d connection(s)\n", n)
}

// providerArg converts a CLI flag into a provider filter.
func providerArg(raw string) domain.Provider {
	return domain.Provider(raw)
}
