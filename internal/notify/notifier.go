// Package notify delivers execution summaries to notification channels.
package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pitabwire/stagehand/model"
)

// Notifier sends a finished execution's summary to each channel.
type Notifier interface {
	Notify(ctx context.Context, channels []string, summary model.ExecutionSummary) error
}

// HealthChecker is implemented by notifiers with a remote dependency.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// LogNotifier writes summaries to a zap logger, one entry per channel.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier. A nil logger discards output.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs summary once per channel.
func (n *LogNotifier) Notify(_ context.Context, channels []string, summary model.ExecutionSummary) error {
	for _, ch := range channels {
		n.logger.Info("execution notification",
			zap.String("channel", ch),
			zap.String("execution_id", summary.ExecutionID),
			zap.String("workflow_id", summary.WorkflowID),
			zap.String("plugin_id", summary.PluginID),
			zap.String("status", string(summary.Status)),
			zap.String("error", summary.ErrorMessage),
			zap.Duration("duration", summary.EndTime.Sub(summary.StartTime)),
		)
	}
	return nil
}

// Multi fans a notification out to several notifiers. Every notifier is
// tried; their errors are joined.
type Multi []Notifier

// Notify calls each notifier in order.
func (m Multi) Notify(ctx context.Context, channels []string, summary model.ExecutionSummary) error {
	var errs []error
	for i, n := range m {
		if err := n.Notify(ctx, channels, summary); err != nil {
			errs = append(errs, fmt.Errorf("notifier %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// HealthCheck reports the first unhealthy member.
func (m Multi) HealthCheck(ctx context.Context) error {
	for _, n := range m {
		if hc, ok := n.(HealthChecker); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}
