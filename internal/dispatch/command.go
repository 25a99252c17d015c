package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"flowrelay/internal/config"
	"flowrelay/internal/formdata"
	"flowrelay/internal/logger"
	"flowrelay/pkg/errors"
	"flowrelay/pkg/retry"
)

// commandAction runs a local executable with placeholder-substituted
// arguments. Commands are assumed non-idempotent and never retried.
type commandAction struct {
	cfg config.ActionConfig
	log logger.Logger
}

func (a *commandAction) Type() string { return config.ActionTypeCommand }

func (a *commandAction) Execute(ctx context.Context, in Input) error {
	args := substituteArgs(a.cfg.Args, in.FormData)
	return runProcess(ctx, a.cfg.Command, args, a.cfg.Env, in, a.log)
}

// scriptAction runs a script file, passing the full form-data mapping as
// one JSON argument after any configured args.
type scriptAction struct {
	cfg config.ActionConfig
	log logger.Logger
}

func (a *scriptAction) Type() string { return config.ActionTypeScript }

func (a *scriptAction) Execute(ctx context.Context, in Input) error {
	payload, err := json.Marshal(in.FormData)
	if err != nil {
		return retry.NewFatalError(errors.ErrInternal.WithCause(err))
	}
	args := append(substituteArgs(a.cfg.Args, in.FormData), string(payload))
	return runProcess(ctx, a.cfg.Path, args, a.cfg.Env, in, a.log)
}

func substituteArgs(args []string, form map[string]interface{}) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = formdata.Substitute(arg, form)
	}
	return out
}

// runProcess executes one child process under the action context, which
// carries the execution timeout; expiry kills the process. A non-zero exit
// is a terminal failure.
func runProcess(ctx context.Context, program string, args []string, env map[string]string, in Input, log logger.Logger) error {
	cmd := exec.CommandContext(ctx, program, args...)

	cmd.Env = os.Environ()
	for key, value := range env {
		cmd.Env = append(cmd.Env, key+"="+formdata.Substitute(value, in.FormData))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	fields := []interface{}{
		"rule", in.RuleName,
		"program", program,
		"stdout", truncateOutput(stdout.String()),
		"stderr", truncateOutput(stderr.String()),
	}
	if err != nil {
		if ctx.Err() != nil {
			err = errors.ErrTimeout.WithCause(err)
		}
		log.ErrorwCtx(ctx, "Process failed", append(fields, "error", err)...)
		return retry.NewFatalError(fmt.Errorf("process %s: %w", program, err))
	}

	log.InfowCtx(ctx, "Process completed", fields...)
	return nil
}

func truncateOutput(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 2048 {
		return s[:2048] + "..."
	}
	return s
}
