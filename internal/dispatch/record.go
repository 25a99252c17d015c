package dispatch

import (
	"context"
	"fmt"
	"time"

	"flowrelay/internal/config"
	"flowrelay/internal/formdata"
	"flowrelay/internal/logger"
	"flowrelay/internal/recordstore"
	"flowrelay/pkg/errors"
	"flowrelay/pkg/retry"
)

const timestampLayout = "2006-01-02 15:04:05"

// recordAction patches an existing record located via find_by, or inserts
// a new one when no find_by is configured.
type recordAction struct {
	cfg   config.ActionConfig
	store RecordStore
	log   logger.Logger
}

func (a *recordAction) Type() string { return config.ActionTypeRecord }

func (a *recordAction) Execute(ctx context.Context, in Input) error {
	fields := a.resolveFields(ctx, in.FormData)
	if len(fields) == 0 {
		return retry.NewFatalError(errors.NewValidationError("no resolvable update fields"))
	}

	if a.cfg.FindBy == nil {
		ids, err := a.store.AddRecords(ctx, a.cfg.SheetID, a.cfg.BaseID,
			[]map[string]interface{}{fields}, in.OperatorID)
		if err != nil {
			return err
		}
		a.log.InfowCtx(ctx, "Record inserted",
			"rule", in.RuleName, "sheet_id", a.cfg.SheetID, "record_ids", ids)
		return nil
	}

	searchValue, ok := formdata.Lookup(in.FormData, a.cfg.FindBy.FormField)
	if !ok || searchValue == nil || searchValue == "" {
		return retry.NewFatalError(errors.NewValidationError(
			fmt.Sprintf("form data has no value for find_by field %q", a.cfg.FindBy.FormField)))
	}

	record, err := a.store.FindRecord(ctx, a.cfg.SheetID, a.cfg.BaseID, a.cfg.FindBy.FieldName, searchValue)
	if err != nil {
		if errors.IsNotFound(err) {
			// A missing target record will not appear by retrying.
			return retry.NewFatalError(err)
		}
		return err
	}

	err = a.store.UpdateRecords(ctx, a.cfg.SheetID, a.cfg.BaseID,
		[]recordstore.RecordUpdate{{ID: record.ID, Fields: fields}}, in.OperatorID)
	if err != nil {
		return err
	}

	a.log.InfowCtx(ctx, "Record updated",
		"rule", in.RuleName, "sheet_id", a.cfg.SheetID, "record_id", record.ID,
		"fields", fieldNames(fields))
	return nil
}

// resolveFields materializes the configured updates against the form data.
// Precedence per field: timestamp, then literal value (with substitution),
// then form-field copy. Unresolvable updates are skipped with a warning.
func (a *recordAction) resolveFields(ctx context.Context, form map[string]interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(a.cfg.Updates))
	for _, update := range a.cfg.Updates {
		switch {
		case update.Timestamp:
			fields[update.FieldName] = time.Now().Format(timestampLayout)
		case update.Value != "":
			fields[update.FieldName] = formdata.Substitute(update.Value, form)
		case update.FormField != "":
			value, ok := formdata.Lookup(form, update.FormField)
			if !ok {
				value = ""
			}
			fields[update.FieldName] = value
		default:
			a.log.WarnwCtx(ctx, "Update has no value source, skipping",
				"field_name", update.FieldName)
		}
	}
	return fields
}

func fieldNames(fields map[string]interface{}) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	return names
}
