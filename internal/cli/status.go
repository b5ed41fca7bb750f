package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/syncguard/syncguard/internal/core/config"
	"github.com/syncguard/syncguard/internal/infra/storage/postgres"
)

var statusProvider string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the consolidated status of all connections",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusProvider, "provider", "", "filter by provider")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	repo := postgres.NewHealthRepo(db)
	records, err := repo.List(ctx, providerArg(statusProvider))
	if err != nil {
		slog.Error("Failed to list connections", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "USER\tPROVIDER\tSTATUS\tFAILS\tLAST SUCCESS\tLAST ERROR")

	for _, h := range records {
		lastSuccess := "-"
		if !h.LastSuccessAt.IsZero() {
			lastSuccess = h.LastSuccessAt.Format(time.RFC3339)
		}
		lastError := h.LastErrorType
		if lastError == "" {
			lastError = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			h.UserID, h.Provider, h.Consolidated, h.ConsecutiveFails, lastSuccess, lastError)
	}
	_ = w.Flush()
}
