package config

import (
	"fmt"

	"flowrelay/pkg/errors"
)

// Validate checks one snapshot against the structural rules. It returns the
// first problem found so the reload path can report a single clear reason.
func Validate(cfg *Config) error {
	switch cfg.Source.Type {
	case "stream":
		if cfg.Source.AppKey == "" || cfg.Source.AppSecret == "" {
			return errors.NewValidationError("source.app_key and source.app_secret are required for the stream source")
		}
	case "kafka":
		if len(cfg.Source.Kafka.Brokers) == 0 {
			return errors.NewValidationError("source.kafka.brokers is required for the kafka source")
		}
		if cfg.Source.Kafka.Topic == "" {
			return errors.NewValidationError("source.kafka.topic is required for the kafka source")
		}
	default:
		return errors.NewValidationError(fmt.Sprintf("unknown source.type %q", cfg.Source.Type))
	}

	if cfg.RecordStore.BaseURL == "" {
		return errors.NewValidationError("record_store.base_url is required")
	}

	seenTemplates := make(map[string]string)
	for i, rule := range cfg.Approvals {
		where := fmt.Sprintf("approvals[%d]", i)
		if rule.Name != "" {
			where = fmt.Sprintf("approvals[%d] (%s)", i, rule.Name)
		}
		if rule.TemplateID == "" {
			return errors.NewValidationError(where + ": template_id is required")
		}
		if prev, ok := seenTemplates[rule.TemplateID]; ok {
			return errors.NewValidationError(fmt.Sprintf(
				"%s: template_id %q already bound by %s", where, rule.TemplateID, prev))
		}
		seenTemplates[rule.TemplateID] = where
		if err := validateActions(where, rule.Actions); err != nil {
			return err
		}
	}

	seenChangeTypes := make(map[int]string)
	for i, rule := range cfg.PersonnelEvents {
		where := fmt.Sprintf("personnel_events[%d]", i)
		if rule.Name != "" {
			where = fmt.Sprintf("personnel_events[%d] (%s)", i, rule.Name)
		}
		if rule.ChangeType == 0 {
			return errors.NewValidationError(where + ": change_type is required")
		}
		if prev, ok := seenChangeTypes[rule.ChangeType]; ok {
			return errors.NewValidationError(fmt.Sprintf(
				"%s: change_type %d already bound by %s", where, rule.ChangeType, prev))
		}
		seenChangeTypes[rule.ChangeType] = where
		if err := validateActions(where, rule.Actions); err != nil {
			return err
		}
	}

	if cfg.Dedup.Backend != "memory" && cfg.Dedup.Backend != "redis" {
		return errors.NewValidationError(fmt.Sprintf("unknown dedup.backend %q", cfg.Dedup.Backend))
	}
	if cfg.Dedup.Backend == "redis" && cfg.Dedup.Redis.Host == "" {
		return errors.NewValidationError("dedup.redis.host is required for the redis backend")
	}

	return nil
}

func validateActions(where string, actions []ActionConfig) error {
	for i, a := range actions {
		at := fmt.Sprintf("%s.actions[%d]", where, i)
		switch a.Type {
		case ActionTypeRecord:
			if a.BaseID == "" {
				return errors.NewValidationError(at + ": base_id is required (set record_store.base_id or the action's base_id)")
			}
			if a.SheetID == "" {
				return errors.NewValidationError(at + ": sheet_id is required")
			}
			if len(a.Updates) == 0 {
				return errors.NewValidationError(at + ": at least one update is required")
			}
			if a.FindBy != nil && (a.FindBy.FieldName == "" || a.FindBy.FormField == "") {
				return errors.NewValidationError(at + ": find_by needs both field_name and form_field")
			}
			for j, u := range a.Updates {
				if u.FieldName == "" {
					return errors.NewValidationError(fmt.Sprintf("%s.updates[%d]: field_name is required", at, j))
				}
				if !u.Timestamp && u.Value == "" && u.FormField == "" {
					return errors.NewValidationError(fmt.Sprintf(
						"%s.updates[%d]: one of timestamp, value, form_field is required", at, j))
				}
			}
		case ActionTypeWebhook:
			if a.URL == "" {
				return errors.NewValidationError(at + ": url is required")
			}
		case ActionTypeCommand:
			if a.Command == "" {
				return errors.NewValidationError(at + ": command is required")
			}
		case ActionTypeScript:
			if a.Path == "" {
				return errors.NewValidationError(at + ": path is required")
			}
		default:
			return errors.NewValidationError(fmt.Sprintf("%s: unknown action type %q", at, a.Type))
		}
	}
	return nil
}
