package worker

import (
	"context"
	"log/slog"
	"time"
)

// Step is one scheduling quantum. It returns how many entries it handled.
type Step interface {
	RunOnce(ctx context.Context) (int, error)
}

type StepFunc func(ctx context.Context) (int, error)

func (f StepFunc) RunOnce(ctx context.Context) (int, error) { return f(ctx) }

// Loop runs a step on a ticker until ctx is cancelled.
type Loop struct {
	name     string
	step     Step
	interval time.Duration
	logger   *slog.Logger
}

func NewLoop(name string, step Step, interval time.Duration, logger *slog.Logger) *Loop {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		name:     name,
		step:     step,
		interval: interval,
		logger:   logger.With("loop", name),
	}
}

// Run returns nil when ctx is cancelled. Step errors are logged and the step is
// retried on the next tick; a step that handled entries runs again immediately.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info("loop started", "interval", l.interval.String())

	for {
		for {
			n, err := l.step.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				l.logger.Error("step failed", "error", err)
				break
			}
			if n == 0 || ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			l.logger.Info("loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}
