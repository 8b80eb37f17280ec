package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mixelka/nodefarm/internal/scheduler"
	"github.com/mixelka/nodefarm/pkg/models"
)

type flags struct {
	accounts string
	proxies  string
	output   string
}

func newRootCmd() *cobra.Command {
	var f flags

	root := &cobra.Command{
		Use:           "nodefarm",
		Short:         "Account automation for the node rewards service",
		Long:          "Registers, verifies and logs in accounts, completes profile tasks, exports stats and keeps accounts farming",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&f.accounts, "accounts", "", "Accounts file (overrides ACCOUNTS_FILE)")
	root.PersistentFlags().StringVar(&f.proxies, "proxies", "", "Proxies file (overrides PROXIES_FILE)")

	descriptions := map[models.OperationKind]string{
		models.OperationRegister: "Register every account",
		models.OperationVerify:   "Confirm registrations through the mailed link",
		models.OperationLogin:    "Log in every account and store the session",
		models.OperationTasks:    "Complete the profile tasks",
		models.OperationStats:    "Export account statistics",
	}
	for _, kind := range models.AllOperationKinds {
		if kind == models.OperationFarm {
			continue
		}
		root.AddCommand(newOnceCmd(kind, descriptions[kind], &f))
	}

	root.AddCommand(newFarmCmd(&f), newRunCmd(&f), newCleanProxiesCmd(&f))
	return root
}

func newOnceCmd(kind models.OperationKind, short string, f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   string(kind),
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModule(kind, f)
		},
	}
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "Write results as JSON to this file")
	return cmd
}

func newFarmCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   string(models.OperationFarm),
		Short: "Ping logged-in accounts forever, respecting their cooldowns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModule(models.OperationFarm, f)
		},
	}
}

// newRunCmd selects the module by name, e.g. from a wrapper script
func newRunCmd(f *flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:       "run <module>",
		Short:     "Run the named module",
		Args:      cobra.ExactArgs(1),
		ValidArgs: kindNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := models.ParseOperationKind(args[0])
			if err != nil {
				return err
			}
			return runModule(kind, f)
		},
	}
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "Write results as JSON to this file")
	return cmd
}

func runModule(kind models.OperationKind, f *flags) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, f, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if kind == models.OperationFarm {
		return a.farm(ctx)
	}

	results := a.controller.RunOnce(ctx, a.accounts, kind)
	for _, res := range results {
		if !res.Status {
			a.logger.Warn("operation failed", "email", res.Identifier, "operation", kind, "reason", res.Reason)
		}
	}
	a.notifier.NotifySummary(ctx, kind, results)

	if f.output != "" {
		if err := writeResults(f.output, results); err != nil {
			return err
		}
		a.logger.Info("results saved", "path", f.output)
	}
	return nil
}

func (a *app) farm(ctx context.Context) error {
	a.logger.Info("farming started, press Ctrl+C to stop", "accounts", len(a.accounts))
	err := a.controller.RunForeverFarm(ctx, a.accounts)
	switch {
	case errors.Is(err, context.Canceled):
		a.logger.Info("farming stopped")
		return nil
	case errors.Is(err, scheduler.ErrNothingToDo):
		a.notifier.NotifyFatal(ctx, err.Error())
	}
	return err
}

func kindNames() []string {
	names := make([]string, 0, len(models.AllOperationKinds))
	for _, k := range models.AllOperationKinds {
		names = append(names, string(k))
	}
	return names
}

func newCleanProxiesCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "clean-proxies",
		Short: "Forget every proxy stored in sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, f, false)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.controller.CleanProxies(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared proxies of %d sessions\n", n)
			return nil
		},
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func writeResults(path string, results []models.OperationResult) error {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	return nil
}
