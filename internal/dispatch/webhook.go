package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"flowrelay/internal/config"
	"flowrelay/internal/formdata"
	"flowrelay/internal/logger"
	"flowrelay/pkg/errors"
)

// webhookAction posts a substituted body template to a configured URL.
// Transport failures are retryable; a non-2xx response is logged and
// otherwise ignored, matching the fire-and-forget notification intent.
type webhookAction struct {
	cfg    config.ActionConfig
	client *http.Client
	log    logger.Logger
}

func (a *webhookAction) Type() string { return config.ActionTypeWebhook }

func (a *webhookAction) Execute(ctx context.Context, in Input) error {
	url := formdata.Substitute(a.cfg.URL, in.FormData)

	var reader io.Reader
	if a.cfg.Body != nil {
		body := formdata.SubstituteValue(map[string]interface{}(a.cfg.Body), in.FormData)
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.ErrInternal.AsFatal().WithCause(err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, a.cfg.Method, url, reader)
	if err != nil {
		return errors.ErrInternal.AsFatal().WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range a.cfg.Headers {
		req.Header.Set(key, formdata.Substitute(value, in.FormData))
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return errors.ErrServiceUnavailable.WithCause(fmt.Errorf("webhook delivery: %w", err))
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.log.WarnwCtx(ctx, "Webhook returned non-2xx status",
			"rule", in.RuleName, "url", url, "status", resp.StatusCode,
			"body", string(snippet))
		return nil
	}

	a.log.InfowCtx(ctx, "Webhook delivered",
		"rule", in.RuleName, "url", url, "status", resp.StatusCode)
	return nil
}
