package handler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"flowrelay/internal/config"
	"flowrelay/internal/dedup"
	"flowrelay/internal/dispatch"
	"flowrelay/internal/eventsource"
	"flowrelay/internal/formdata"
	"flowrelay/internal/logger"
	"flowrelay/internal/recordstore"
	"flowrelay/pkg/errors"
	"flowrelay/pkg/metrics"
)

// Personnel change-type codes to readable names.
var changeTypeNames = map[int]string{
	1: "onboarding",
	2: "confirmation",
	3: "transfer",
	4: "offboarding",
	8: "promotion",
}

// Enricher is the slice of the record-store client the handler uses for
// event enrichment.
type Enricher interface {
	GetProcessInstance(ctx context.Context, instanceID string) (map[string]interface{}, error)
	GetUserDetail(ctx context.Context, staffID, locale string) (recordstore.UserDetail, bool)
}

// Dispatcher runs a rule's actions.
type Dispatcher interface {
	Dispatch(ctx context.Context, actions []config.ActionConfig, in dispatch.Input, exec config.ExecutionConfig) dispatch.Stats
}

// Handler routes events through the gate/dedup/enrich/dispatch pipeline.
// Every event is processed against the config snapshot captured when it
// arrived; a concurrent reload never changes an in-flight event's rules.
type Handler struct {
	store      *config.Store
	dedup      dedup.Store
	enricher   Enricher
	dispatcher Dispatcher
	log        logger.Logger
}

func New(store *config.Store, dedupStore dedup.Store, enricher Enricher, dispatcher Dispatcher, log logger.Logger) *Handler {
	return &Handler{
		store:      store,
		dedup:      dedupStore,
		enricher:   enricher,
		dispatcher: dispatcher,
		log:        log,
	}
}

// Handle processes one event and returns its ack. Panics are contained
// here and surface as a retryable system exception.
func (h *Handler) Handle(ctx context.Context, event eventsource.Event) (ack eventsource.Ack) {
	start := time.Now()
	category := string(event.Category)

	defer func() {
		if r := recover(); r != nil {
			err := errors.RecoverPanic(r)
			h.log.ErrorwCtx(ctx, "Panic while processing event",
				"event_type", event.Type, "error", err)
			ack = eventsource.Ack{Status: eventsource.RetryableError, Message: err.Error()}
		}
		metrics.EventsTotal.WithLabelValues(category, ack.Status.String()).Inc()
		metrics.EventProcessingDuration.WithLabelValues(category).Observe(time.Since(start).Seconds())
	}()

	switch event.Category {
	case eventsource.CategoryApproval:
		return h.handleApproval(ctx, event)
	case eventsource.CategoryPersonnel:
		return h.handlePersonnel(ctx, event)
	default:
		h.log.DebugwCtx(ctx, "Skipping unhandled event type", "event_type", event.Type)
		return eventsource.Ack{Status: eventsource.Accepted}
	}
}

func (h *Handler) handleApproval(ctx context.Context, event eventsource.Event) eventsource.Ack {
	snapshot := h.store.Snapshot()
	data := event.Data

	if result, _ := data["result"].(string); result != "agree" {
		h.log.InfowCtx(ctx, "Approval not agreed, skipping", "result", data["result"])
		return eventsource.Ack{Status: eventsource.Accepted}
	}

	processCode, _ := data["processCode"].(string)
	if processCode == "" {
		h.log.WarnwCtx(ctx, "Approval event has no processCode")
		return eventsource.Ack{Status: eventsource.Accepted}
	}

	rule, ok := approvalRule(snapshot, processCode)
	if !ok {
		h.log.InfowCtx(ctx, "No rule for approval template", "process_code", processCode)
		return eventsource.Ack{Status: eventsource.Accepted}
	}

	instanceID, _ := data["processInstanceId"].(string)
	if instanceID == "" {
		h.log.WarnwCtx(ctx, "Approval event has no processInstanceId", "rule", rule.Name)
		return eventsource.Ack{Status: eventsource.Accepted}
	}

	if h.isDuplicate(ctx, dedup.Key(string(eventsource.CategoryApproval), instanceID), event.Category) {
		return eventsource.Ack{Status: eventsource.Accepted}
	}

	// Enrichment failures degrade to the raw event payload.
	merged := copyMap(data)
	if detail, err := h.enricher.GetProcessInstance(ctx, instanceID); err != nil {
		h.log.WarnwCtx(ctx, "Failed to fetch approval detail, using event payload only",
			"instance_id", instanceID, "error", err)
	} else {
		for key, value := range detail {
			merged[key] = value
		}
	}

	// Mark before dispatching so a redelivery arriving while actions are
	// still running is gated instead of double-executing.
	h.markProcessed(ctx, dedup.Key(string(eventsource.CategoryApproval), instanceID))

	form := formdata.Extract(merged)
	operatorID := resolveOperatorID(merged)

	h.log.InfowCtx(ctx, "Dispatching approval event",
		"rule", rule.Name, "instance_id", instanceID, "actions", len(rule.Actions))

	stats := h.dispatcher.Dispatch(ctx, rule.Actions, dispatch.Input{
		RuleName:   rule.Name,
		FormData:   form,
		OperatorID: operatorID,
	}, snapshot.Execution)

	h.logDispatchOutcome(ctx, rule.Name, stats)
	return eventsource.Ack{Status: eventsource.Accepted}
}

func (h *Handler) handlePersonnel(ctx context.Context, event eventsource.Event) eventsource.Ack {
	snapshot := h.store.Snapshot()
	data := event.Data

	changeType, ok := intField(data, "changeType")
	if !ok {
		h.log.WarnwCtx(ctx, "Personnel event has no changeType")
		return eventsource.Ack{Status: eventsource.Accepted}
	}
	staffID, _ := data["staffId"].(string)

	h.log.InfowCtx(ctx, "Received personnel event",
		"change_type", changeType, "change_type_name", changeTypeName(changeType),
		"staff_id", staffID)

	rule, ok := personnelRule(snapshot, changeType)
	if !ok {
		h.log.InfowCtx(ctx, "No rule for personnel change type", "change_type", changeType)
		return eventsource.Ack{Status: eventsource.Accepted}
	}

	dedupKey := dedup.Key(string(eventsource.CategoryPersonnel),
		fmt.Sprintf("%s:%d", staffID, changeType))
	if h.isDuplicate(ctx, dedupKey, event.Category) {
		return eventsource.Ack{Status: eventsource.Accepted}
	}

	h.markProcessed(ctx, dedupKey)

	merged := copyMap(data)
	if staffID != "" {
		// Aliases are projected only off a successful lookup; a degraded
		// result must not plant empty name/email keys on the form.
		if user, ok := h.enricher.GetUserDetail(ctx, staffID, snapshot.RecordStore.Locale); ok {
			if _, taken := merged["user"]; !taken {
				merged["user"] = userToMap(user)
			}
		}
	}

	form := formdata.ExtractPersonnel(merged)
	form["changeTypeName"] = changeTypeName(changeType)

	h.log.InfowCtx(ctx, "Dispatching personnel event",
		"rule", rule.Name, "staff_id", staffID, "actions", len(rule.Actions))

	stats := h.dispatcher.Dispatch(ctx, rule.Actions, dispatch.Input{
		RuleName: rule.Name,
		FormData: form,
	}, snapshot.Execution)

	h.logDispatchOutcome(ctx, rule.Name, stats)
	return eventsource.Ack{Status: eventsource.Accepted}
}

// ReplayStats summarizes one failed-delivery replay pass.
type ReplayStats struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// ReplayFailedDeliveries runs undelivered events through the normal
// handling path. The dedup gate keeps replays of already-processed events
// from dispatching twice.
func (h *Handler) ReplayFailedDeliveries(ctx context.Context, items []recordstore.FailedDelivery) ReplayStats {
	stats := ReplayStats{Total: len(items)}

	for _, item := range items {
		event := eventsource.Event{
			Category: eventsource.CategoryFor(item.EventType),
			Type:     item.EventType,
			Data:     item.Data,
		}
		ack := h.Handle(ctx, event)
		if ack.Status == eventsource.Accepted {
			stats.Succeeded++
			metrics.FailedDeliveryReplaysTotal.WithLabelValues("success").Inc()
		} else {
			stats.Failed++
			metrics.FailedDeliveryReplaysTotal.WithLabelValues("failure").Inc()
		}
	}

	if stats.Total > 0 {
		h.log.Infow("Failed-delivery replay finished",
			"total", stats.Total, "succeeded", stats.Succeeded, "failed", stats.Failed)
	}
	return stats
}

func (h *Handler) isDuplicate(ctx context.Context, key string, category eventsource.Category) bool {
	duplicate, err := h.dedup.IsDuplicate(ctx, key)
	if err != nil {
		// Treat an unavailable dedup backend as first delivery; downstream
		// record mutations are idempotent per find_by.
		h.log.WarnwCtx(ctx, "Dedup check failed, treating as first delivery",
			"dedup_key", key, "error", err)
		return false
	}
	if duplicate {
		metrics.DuplicateEventsTotal.WithLabelValues(string(category)).Inc()
		h.log.InfowCtx(ctx, "Duplicate event, skipping", "dedup_key", key)
	}
	return duplicate
}

func (h *Handler) markProcessed(ctx context.Context, key string) {
	if err := h.dedup.MarkProcessed(ctx, key); err != nil {
		h.log.WarnwCtx(ctx, "Failed to mark event processed", "dedup_key", key, "error", err)
	}
}

func (h *Handler) logDispatchOutcome(ctx context.Context, rule string, stats dispatch.Stats) {
	if stats.Failed > 0 {
		h.log.WarnwCtx(ctx, "Dispatch finished with failures",
			"rule", rule, "executed", stats.Executed, "succeeded", stats.Succeeded,
			"failed", stats.Failed, "skipped", stats.Skipped)
		return
	}
	h.log.InfowCtx(ctx, "Dispatch finished",
		"rule", rule, "executed", stats.Executed, "skipped", stats.Skipped)
}

func approvalRule(cfg *config.Config, templateID string) (config.ApprovalRule, bool) {
	for _, rule := range cfg.Approvals {
		if rule.TemplateID == templateID && rule.IsEnabled() {
			return rule, true
		}
	}
	return config.ApprovalRule{}, false
}

func personnelRule(cfg *config.Config, changeType int) (config.PersonnelRule, bool) {
	for _, rule := range cfg.PersonnelEvents {
		if rule.ChangeType == changeType && rule.IsEnabled() {
			return rule, true
		}
	}
	return config.PersonnelRule{}, false
}

// resolveOperatorID picks the acting user for record mutations.
func resolveOperatorID(data map[string]interface{}) string {
	for _, key := range []string{"operatorUnionId", "operator", "userid", "originatorUnionId"} {
		if value, ok := data[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

func changeTypeName(changeType int) string {
	if name, ok := changeTypeNames[changeType]; ok {
		return name
	}
	return strconv.Itoa(changeType)
}

func userToMap(user recordstore.UserDetail) map[string]interface{} {
	m := map[string]interface{}{
		"userid":  user.UserID,
		"unionid": user.UnionID,
		"name":    user.Name,
		"mobile":  user.Mobile,
		"email":   user.Email,
		"active":  user.Active,
	}
	if len(user.DeptList) > 0 {
		m["deptId"] = user.DeptList[0].DeptID
		m["deptName"] = user.DeptList[0].Name

		depts := make([]interface{}, 0, len(user.DeptList))
		for _, dept := range user.DeptList {
			depts = append(depts, map[string]interface{}{
				"dept_id": dept.DeptID,
				"name":    dept.Name,
			})
		}
		m["dept_list"] = depts
	}
	return m
}

func copyMap(src map[string]interface{}) map[string]interface{} {
	dst := make(map[string]interface{}, len(src))
	for key, value := range src {
		dst[key] = value
	}
	return dst
}

func intField(data map[string]interface{}, key string) (int, bool) {
	switch v := data[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	default:
		return 0, false
	}
}
