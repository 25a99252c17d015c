package dispatch

import (
	"context"
	"net/http"
	"time"

	"flowrelay/internal/config"
	"flowrelay/internal/logger"
	"flowrelay/pkg/metrics"
	"flowrelay/pkg/retry"
)

// Stats summarizes one dispatch pass over a rule's actions.
type Stats struct {
	Executed  int
	Skipped   int
	Succeeded int
	Failed    int
}

// Dispatcher executes a rule's actions strictly in declaration order. Each
// action is isolated: its failure is logged and counted, and the next
// action still runs.
type Dispatcher struct {
	store      RecordStore
	guard      *Guard
	httpClient *http.Client
	log        logger.Logger
}

func NewDispatcher(store RecordStore, guard *Guard, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:      store,
		guard:      guard,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
}

// Dispatch runs actions against the form data under the given execution
// policy. Record and webhook actions get retry_times+1 attempts spaced by
// the fixed retry interval; commands and scripts run once.
func (d *Dispatcher) Dispatch(ctx context.Context, actions []config.ActionConfig, in Input, exec config.ExecutionConfig) Stats {
	var stats Stats

	deps := buildDeps{store: d.store, httpClient: d.httpClient, log: d.log}

	for i, actionCfg := range actions {
		allowed, err := d.guard.Allows(ctx, actionCfg.When, in)
		if err != nil {
			stats.Failed++
			metrics.ActionExecutionsTotal.WithLabelValues(actionCfg.Type, "error").Inc()
			d.log.ErrorwCtx(ctx, "Guard evaluation failed, skipping action",
				"rule", in.RuleName, "action_index", i, "action_type", actionCfg.Type,
				"when", actionCfg.When, "error", err)
			continue
		}
		if !allowed {
			stats.Skipped++
			metrics.ActionExecutionsTotal.WithLabelValues(actionCfg.Type, "skipped").Inc()
			d.log.DebugwCtx(ctx, "Guard rejected action",
				"rule", in.RuleName, "action_index", i, "action_type", actionCfg.Type)
			continue
		}

		action, err := buildAction(actionCfg, deps)
		if err != nil {
			stats.Failed++
			metrics.ActionExecutionsTotal.WithLabelValues(actionCfg.Type, "error").Inc()
			d.log.ErrorwCtx(ctx, "Failed to build action",
				"rule", in.RuleName, "action_index", i, "error", err)
			continue
		}

		stats.Executed++
		if err := d.execute(ctx, action, in, exec); err != nil {
			stats.Failed++
			metrics.ActionExecutionsTotal.WithLabelValues(action.Type(), "error").Inc()
			d.log.ErrorwCtx(ctx, "Action failed after all attempts",
				"rule", in.RuleName, "action_index", i, "action_type", action.Type(),
				"error", err)
			continue
		}
		stats.Succeeded++
		metrics.ActionExecutionsTotal.WithLabelValues(action.Type(), "success").Inc()
	}

	return stats
}

func (d *Dispatcher) execute(ctx context.Context, action Action, in Input, exec config.ExecutionConfig) error {
	timeout := exec.Timeout()
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.ActionDuration.WithLabelValues(action.Type()).Observe(time.Since(start).Seconds())
	}()

	attempts := exec.RetryTimes + 1
	if attempts < 1 {
		attempts = 1
	}
	// Processes are not idempotent; one attempt only.
	if action.Type() == config.ActionTypeCommand || action.Type() == config.ActionTypeScript {
		attempts = 1
	}

	policy := retry.FixedPolicy(attempts, exec.RetryInterval())
	return retry.RetryWithCallback(ctx, policy,
		func() error {
			return action.Execute(ctx, in)
		},
		func(attempt int, err error, nextDelay time.Duration) {
			metrics.ActionRetriesTotal.WithLabelValues(action.Type()).Inc()
			d.log.WarnwCtx(ctx, "Action attempt failed, retrying",
				"rule", in.RuleName, "action_type", action.Type(),
				"attempt", attempt, "next_delay", nextDelay, "error", err)
		})
}
