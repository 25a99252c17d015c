package dispatch

import (
	"context"
	"fmt"
	"net/http"

	"flowrelay/internal/config"
	"flowrelay/internal/logger"
	"flowrelay/internal/recordstore"
	"flowrelay/pkg/errors"
)

// Input is everything one action execution needs from the event.
type Input struct {
	RuleName   string
	FormData   map[string]interface{}
	OperatorID string
}

// Action is one executable step of a rule. The set of implementations is
// closed: record, webhook, command, script.
type Action interface {
	Type() string
	Execute(ctx context.Context, in Input) error
}

// RecordStore is the slice of the record-store client the record action
// needs.
type RecordStore interface {
	FindRecord(ctx context.Context, sheetID, baseID, fieldName string, value interface{}) (*recordstore.Record, error)
	UpdateRecords(ctx context.Context, sheetID, baseID string, updates []recordstore.RecordUpdate, operatorID string) error
	AddRecords(ctx context.Context, sheetID, baseID string, rows []map[string]interface{}, operatorID string) ([]string, error)
}

type buildDeps struct {
	store      RecordStore
	httpClient *http.Client
	log        logger.Logger
}

func buildAction(cfg config.ActionConfig, deps buildDeps) (Action, error) {
	switch cfg.Type {
	case config.ActionTypeRecord:
		return &recordAction{cfg: cfg, store: deps.store, log: deps.log}, nil
	case config.ActionTypeWebhook:
		return &webhookAction{cfg: cfg, client: deps.httpClient, log: deps.log}, nil
	case config.ActionTypeCommand:
		return &commandAction{cfg: cfg, log: deps.log}, nil
	case config.ActionTypeScript:
		return &scriptAction{cfg: cfg, log: deps.log}, nil
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("unknown action type %q", cfg.Type))
	}
}
