package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/syncguard/syncguard/internal/control"
	"github.com/syncguard/syncguard/internal/core/config"
	"github.com/syncguard/syncguard/internal/settings"
)

var setConfirm bool

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Inspect and modify the runtime settings",
}

var settingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show every modifiable setting and its current value",
	Run:   runSettingsList,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Change one setting",
	Args:  cobra.ExactArgs(2),
	Run:   runSettingsSet,
}

var settingsValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check every stored setting against its type and bounds",
	Run:   runSettingsValidate,
}

func init() {
	settingsSetCmd.Flags().BoolVar(&setConfirm, "confirm", false, "confirm a protected setting change")
	settingsCmd.AddCommand(settingsListCmd, settingsSetCmd, settingsValidateCmd)
	rootCmd.AddCommand(settingsCmd)
}

func settingsService() *settings.Service {
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
	return app.Settings()
}

func runSettingsList(cmd *cobra.Command, args []string) {
	svc := settingsService()
	ctx := context.Background()

	keys := make([]string, 0, len(settings.Keys))
	for key := range settings.Keys {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "KEY\tVALUE\tCONFIRM REQUIRED")
	for _, key := range keys {
		value, err := svc.Get(ctx, key)
		if err != nil {
			value = fmt.Sprintf("<%v>", err)
		}
		_, _ = fmt.Fprintf(w, "%s\t%v\t%t\n", key, value, settings.Keys[key].RequireConfirm)
	}
	_ = w.Flush()
}

func runSettingsSet(cmd *cobra.Command, args []string) {
	svc := settingsService()

	if err := svc.Set(context.Background(), args[0], args[1], setConfirm); err != nil {
		fmt.Printf("Failed to set %s: %v\n", args[0], err)
		os.Exit(1)
	}
	fmt.Printf("Set %s = %s\n", args[0], args[1])
}

func runSettingsValidate(cmd *cobra.Command, args []string) {
	svc := settingsService()

	errs := svc.Validate(context.Background())
	if len(errs) == 0 {
		fmt.Println("All settings valid")
		return
	}
	for _, err := range errs {
		fmt.Printf("invalid: %v\n", err)
	}
	os.Exit(1)
}
