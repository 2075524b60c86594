package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/stagehand/internal/plugin"
	"github.com/pitabwire/stagehand/model"
)

const notificationDrainTimeout = 10 * time.Second

func newRunCommand(opts *rootOptions) *cobra.Command {
	var params map[string]string

	cmd := &cobra.Command{
		Use:   "run <workflow-id> <plugin-id>",
		Short: "Run one workflow against a plugin and print the execution",
		Long: `Run executes a workflow in the foreground using the configured stores and
step settings. The finished execution is printed as JSON. The command fails
when the execution does not end in success.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			exec, err := a.engine.Prepare(ctx, args[0], args[1], params)
			if err != nil {
				return err
			}
			if err := a.engine.Execute(ctx, exec.ID); err != nil {
				return err
			}

			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notificationDrainTimeout)
			defer cancel()
			if err := a.engine.WaitNotifications(drainCtx); err != nil {
				logger.Warn("notifications still in flight", zap.Error(err))
			}

			final, err := a.engine.Get(context.WithoutCancel(ctx), exec.ID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(final); err != nil {
				return err
			}
			return outcomeError(final)
		},
	}
	cmd.Flags().StringToStringVarP(&params, "param", "p", nil, "execution parameter as key=value (repeatable)")
	return cmd
}

func newCleanupCommand(opts *rootOptions) *cobra.Command {
	var retentionDays int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove executions older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			days := cfg.Engine.RetentionDays
			if cmd.Flags().Changed("retention-days") {
				days = retentionDays
			}
			removed, err := a.engine.Cleanup(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d executions older than %d days\n", removed, days)
			return nil
		},
	}
	cmd.Flags().IntVar(&retentionDays, "retention-days", 0, "override engine.retention_days")
	return cmd
}

func newSnapshotCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <plugin-id>",
		Short: "Record the deployed plugin as its last known good release",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if cfg.Steps.HistoryDir == "" {
				return fmt.Errorf("steps.history_dir is not configured")
			}
			pluginID := args[0]
			if err := plugin.ValidateID(pluginID); err != nil {
				return err
			}
			src := filepath.Join(cfg.Steps.DeployRoot, pluginID)
			info, err := os.Stat(src)
			if err != nil {
				return fmt.Errorf("deployed plugin %s: %w", pluginID, err)
			}
			if !info.IsDir() {
				return fmt.Errorf("deployed plugin %s: %s is not a directory", pluginID, src)
			}

			path, err := plugin.NewDirectoryHistory(cfg.Steps.HistoryDir).Record(cmd.Context(), pluginID, src)
			if err != nil {
				return err
			}
			logger.Info("release snapshot recorded", zap.String("plugin_id", pluginID), zap.String("path", path))
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

// outcomeError maps a finished execution to the error the command exits
// with. Success yields nil.
func outcomeError(exec model.WorkflowExecution) error {
	switch exec.Status {
	case model.ExecutionSuccess:
		return nil
	case model.ExecutionTimedOut:
		return model.NewTimeoutExceededError(fmt.Sprintf("execution %s timed out: %s", exec.ID, exec.ErrorMessage))
	case model.ExecutionCancelled:
		return model.NewCancelledByUserError()
	default:
		return model.NewStepFailedError(fmt.Sprintf("execution %s %s: %s", exec.ID, exec.Status, exec.ErrorMessage))
	}
}
