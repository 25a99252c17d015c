package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowrelay/internal/config"
	"flowrelay/internal/logger"
	"flowrelay/internal/recordstore"
	"flowrelay/pkg/errors"
)

type fakeStore struct {
	findCalls   atomic.Int32
	updateCalls atomic.Int32
	addCalls    atomic.Int32

	findErr        error
	updateFailures int32
	lastUpdates    []recordstore.RecordUpdate
	lastRows       []map[string]interface{}
	lastOperator   string
}

func (f *fakeStore) FindRecord(ctx context.Context, sheetID, baseID, fieldName string, value interface{}) (*recordstore.Record, error) {
	f.findCalls.Add(1)
	if f.findErr != nil {
		return nil, f.findErr
	}
	return &recordstore.Record{ID: "rec-1", Fields: map[string]interface{}{fieldName: value}}, nil
}

func (f *fakeStore) UpdateRecords(ctx context.Context, sheetID, baseID string, updates []recordstore.RecordUpdate, operatorID string) error {
	n := f.updateCalls.Add(1)
	f.lastUpdates = updates
	f.lastOperator = operatorID
	if n <= f.updateFailures {
		return errors.ErrServiceUnavailable.WithCause(context.DeadlineExceeded)
	}
	return nil
}

func (f *fakeStore) AddRecords(ctx context.Context, sheetID, baseID string, rows []map[string]interface{}, operatorID string) ([]string, error) {
	f.addCalls.Add(1)
	f.lastRows = rows
	f.lastOperator = operatorID
	return []string{"rec-new"}, nil
}

func newTestDispatcher(t *testing.T, store RecordStore) *Dispatcher {
	t.Helper()
	guard, err := NewGuard()
	require.NoError(t, err)
	return NewDispatcher(store, guard, logger.NopLogger())
}

func fastExec() config.ExecutionConfig {
	return config.ExecutionConfig{TimeoutSeconds: 5, RetryTimes: 2, RetryIntervalSeconds: 0}
}

func recordUpdateAction() config.ActionConfig {
	return config.ActionConfig{
		Type:    config.ActionTypeRecord,
		BaseID:  "base-1",
		SheetID: "sheet-1",
		FindBy:  &config.FindBy{FieldName: "Employee", FormField: "Employee"},
		Updates: []config.FieldUpdate{
			{FieldName: "Status", Value: "approved"},
			{FieldName: "Dept", FormField: "detail.deptName"},
			{FieldName: "ApprovedAt", Timestamp: true},
		},
	}
}

func TestRecordActionUpdateSucceedsAfterRetries(t *testing.T) {
	store := &fakeStore{updateFailures: 2}
	d := newTestDispatcher(t, store)

	in := Input{
		RuleName:   "leave",
		OperatorID: "op-1",
		FormData: map[string]interface{}{
			"Employee": "Jane",
			"detail":   map[string]interface{}{"deptName": "Eng"},
		},
	}

	stats := d.Dispatch(context.Background(), []config.ActionConfig{recordUpdateAction()}, in, fastExec())

	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 0, stats.Failed)
	// retry_times=2 gives three attempts; the first two update calls fail.
	assert.Equal(t, int32(3), store.updateCalls.Load())

	require.Len(t, store.lastUpdates, 1)
	fields := store.lastUpdates[0].Fields
	assert.Equal(t, "approved", fields["Status"])
	assert.Equal(t, "Eng", fields["Dept"])
	assert.NotEmpty(t, fields["ApprovedAt"])
	assert.Equal(t, "op-1", store.lastOperator)
}

func TestRecordActionExhaustsRetries(t *testing.T) {
	store := &fakeStore{updateFailures: 99}
	d := newTestDispatcher(t, store)

	in := Input{FormData: map[string]interface{}{"Employee": "Jane"}}
	stats := d.Dispatch(context.Background(), []config.ActionConfig{recordUpdateAction()}, in, fastExec())

	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, int32(3), store.updateCalls.Load())
}

func TestRecordActionMissingTargetIsNotRetried(t *testing.T) {
	store := &fakeStore{findErr: errors.ErrNotFound}
	d := newTestDispatcher(t, store)

	in := Input{FormData: map[string]interface{}{"Employee": "Nobody"}}
	stats := d.Dispatch(context.Background(), []config.ActionConfig{recordUpdateAction()}, in, fastExec())

	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, int32(1), store.findCalls.Load())
	assert.Equal(t, int32(0), store.updateCalls.Load())
}

func TestRecordActionMissingFindByValueIsNotRetried(t *testing.T) {
	store := &fakeStore{}
	d := newTestDispatcher(t, store)

	in := Input{FormData: map[string]interface{}{}}
	stats := d.Dispatch(context.Background(), []config.ActionConfig{recordUpdateAction()}, in, fastExec())

	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, int32(0), store.findCalls.Load())
}

func TestRecordActionWithoutFindByInserts(t *testing.T) {
	store := &fakeStore{}
	d := newTestDispatcher(t, store)

	action := config.ActionConfig{
		Type:    config.ActionTypeRecord,
		BaseID:  "base-1",
		SheetID: "sheet-1",
		Updates: []config.FieldUpdate{
			{FieldName: "Employee", FormField: "name"},
			{FieldName: "Note", Value: "hired {form_data:name}"},
		},
	}

	in := Input{FormData: map[string]interface{}{"name": "Jane"}}
	stats := d.Dispatch(context.Background(), []config.ActionConfig{action}, in, fastExec())

	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, int32(1), store.addCalls.Load())
	require.Len(t, store.lastRows, 1)
	assert.Equal(t, "Jane", store.lastRows[0]["Employee"])
	assert.Equal(t, "hired Jane", store.lastRows[0]["Note"])
}

func TestFailureIsolationNextActionRuns(t *testing.T) {
	store := &fakeStore{findErr: errors.ErrNotFound}
	d := newTestDispatcher(t, store)

	var webhookHits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		webhookHits.Add(1)
	}))
	defer server.Close()

	actions := []config.ActionConfig{
		recordUpdateAction(),
		{Type: config.ActionTypeWebhook, URL: server.URL, Method: "POST"},
	}

	in := Input{FormData: map[string]interface{}{"Employee": "Jane"}}
	stats := d.Dispatch(context.Background(), actions, in, fastExec())

	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, int32(1), webhookHits.Load())
}

func TestWebhookSubstitutesBodyAndHeaders(t *testing.T) {
	var received map[string]interface{}
	var gotHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Actor")
		json.NewDecoder(r.Body).Decode(&received)
	}))
	defer server.Close()

	d := newTestDispatcher(t, &fakeStore{})
	action := config.ActionConfig{
		Type:    config.ActionTypeWebhook,
		URL:     server.URL,
		Method:  "POST",
		Headers: map[string]string{"X-Actor": "{form_data:name}"},
		Body: map[string]interface{}{
			"who":   "{form_data:name}",
			"count": "{form_data:count}",
		},
	}

	in := Input{FormData: map[string]interface{}{"name": "Jane", "count": float64(3)}}
	stats := d.Dispatch(context.Background(), []config.ActionConfig{action}, in, fastExec())

	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, "Jane", gotHeader)
	assert.Equal(t, "Jane", received["who"])
	assert.Equal(t, float64(3), received["count"])
}

func TestWebhookNon2xxIsFireAndForget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	d := newTestDispatcher(t, &fakeStore{})
	action := config.ActionConfig{Type: config.ActionTypeWebhook, URL: server.URL, Method: "POST"}

	stats := d.Dispatch(context.Background(), []config.ActionConfig{action},
		Input{FormData: map[string]interface{}{}}, fastExec())

	assert.Equal(t, 1, stats.Succeeded)
	assert.Equal(t, 0, stats.Failed)
}

func TestCommandRunsOnceAndCapturesFailure(t *testing.T) {
	d := newTestDispatcher(t, &fakeStore{})
	action := config.ActionConfig{
		Type:    config.ActionTypeCommand,
		Command: "false",
	}

	stats := d.Dispatch(context.Background(), []config.ActionConfig{action},
		Input{FormData: map[string]interface{}{}}, fastExec())

	// Non-idempotent, so retry_times does not apply and a single run fails.
	assert.Equal(t, 1, stats.Failed)
}

func TestCommandSubstitutesArgs(t *testing.T) {
	d := newTestDispatcher(t, &fakeStore{})
	action := config.ActionConfig{
		Type:    config.ActionTypeCommand,
		Command: "true",
		Args:    []string{"--who", "{form_data:name}"},
	}

	stats := d.Dispatch(context.Background(), []config.ActionConfig{action},
		Input{FormData: map[string]interface{}{"name": "Jane"}}, fastExec())

	assert.Equal(t, 1, stats.Succeeded)
}

func TestGuardSkipsAction(t *testing.T) {
	store := &fakeStore{}
	d := newTestDispatcher(t, store)

	action := recordUpdateAction()
	action.When = `form_data.Status == "approved"`

	in := Input{FormData: map[string]interface{}{"Employee": "Jane", "Status": "rejected"}}
	stats := d.Dispatch(context.Background(), []config.ActionConfig{action}, in, fastExec())

	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, int32(0), store.findCalls.Load())

	in.FormData["Status"] = "approved"
	stats = d.Dispatch(context.Background(), []config.ActionConfig{action}, in, fastExec())
	assert.Equal(t, 1, stats.Succeeded)
}

func TestGuardCompileErrorCountsAsFailure(t *testing.T) {
	store := &fakeStore{}
	d := newTestDispatcher(t, store)

	action := recordUpdateAction()
	action.When = `form_data.` // malformed

	stats := d.Dispatch(context.Background(), []config.ActionConfig{action},
		Input{FormData: map[string]interface{}{"Employee": "Jane"}}, fastExec())

	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, int32(0), store.findCalls.Load())
}
