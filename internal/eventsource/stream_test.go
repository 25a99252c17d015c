package eventsource

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"flowrelay/internal/config"
	"flowrelay/internal/logger"
)

func TestCategoryFor(t *testing.T) {
	assert.Equal(t, CategoryApproval, CategoryFor("bpms_instance_change"))
	assert.Equal(t, CategoryApproval, CategoryFor("bpms_task_change"))
	assert.Equal(t, CategoryPersonnel, CategoryFor("hrm_mdm_user_change"))
	assert.Equal(t, CategoryUnknown, CategoryFor("chat_update_title"))
}

func TestAckStatusString(t *testing.T) {
	assert.Equal(t, "accepted", Accepted.String())
	assert.Equal(t, "retryable_error", RetryableError.String())
	assert.Equal(t, "fatal_error", FatalError.String())
}

// gatewayFixture hosts both the handshake endpoint and the websocket, and
// captures acks the client writes back.
type gatewayFixture struct {
	server *httptest.Server
	frames chan streamFrame
	acks   chan streamAck
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	f := &gatewayFixture{
		frames: make(chan streamFrame, 8),
		acks:   make(chan streamAck, 8),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1.0/gateway/connections/open", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test-key", body["clientId"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"endpoint": "ws://" + r.Host + "/connect",
			"ticket":   "ticket-1",
		})
	})
	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ticket-1", r.URL.Query().Get("ticket"))
		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx := r.Context()
		for frame := range f.frames {
			payload, err := json.Marshal(frame)
			require.NoError(t, err)
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}

			_, ackPayload, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var ack streamAck
			require.NoError(t, json.Unmarshal(ackPayload, &ack))
			f.acks <- ack
		}
		<-ctx.Done()
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func TestStreamSourceDeliversEventAndAcks(t *testing.T) {
	fixture := newGatewayFixture(t)

	source := NewStreamSource(config.SourceConfig{
		Type:       "stream",
		AppKey:     "test-key",
		AppSecret:  "test-secret",
		GatewayURL: fixture.server.URL,
	}, logger.NopLogger())

	events := make(chan Event, 1)
	handler := func(ctx context.Context, event Event) Ack {
		events <- event
		return Ack{Status: Accepted}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- source.Run(ctx, handler) }()

	data, _ := json.Marshal(map[string]interface{}{
		"processInstanceId": "inst-1",
		"result":            "agree",
	})
	fixture.frames <- streamFrame{
		SpecVersion: "1.0",
		Type:        frameTypeEvent,
		Headers: map[string]string{
			"eventType": "bpms_instance_change",
			"eventId":   "ev-1",
		},
		Data: string(data),
	}

	select {
	case event := <-events:
		assert.Equal(t, CategoryApproval, event.Category)
		assert.Equal(t, "bpms_instance_change", event.Type)
		assert.Equal(t, "ev-1", event.ID)
		assert.Equal(t, "inst-1", event.Data["processInstanceId"])
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event delivery")
	}

	select {
	case ack := <-fixture.acks:
		assert.Equal(t, http.StatusOK, ack.Code)
		var status map[string]string
		require.NoError(t, json.Unmarshal([]byte(ack.Data), &status))
		assert.Equal(t, ackStatusSuccess, status["status"])
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ack")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("source did not stop on context cancel")
	}
}

func TestStreamSourceRetryableAckRequestsRedelivery(t *testing.T) {
	fixture := newGatewayFixture(t)

	source := NewStreamSource(config.SourceConfig{
		AppKey:     "test-key",
		AppSecret:  "test-secret",
		GatewayURL: fixture.server.URL,
	}, logger.NopLogger())

	handler := func(ctx context.Context, event Event) Ack {
		return Ack{Status: RetryableError, Message: "downstream unavailable"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go source.Run(ctx, handler)

	fixture.frames <- streamFrame{
		Type:    frameTypeEvent,
		Headers: map[string]string{"eventType": "hrm_mdm_user_change", "messageId": "m-1"},
		Data:    `{"staffId":"u-1","changeType":1}`,
	}

	select {
	case ack := <-fixture.acks:
		var status map[string]string
		require.NoError(t, json.Unmarshal([]byte(ack.Data), &status))
		assert.Equal(t, ackStatusLater, status["status"])
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ack")
	}
}

func TestStreamSourceAnswersSystemPing(t *testing.T) {
	fixture := newGatewayFixture(t)

	source := NewStreamSource(config.SourceConfig{
		AppKey:     "test-key",
		AppSecret:  "test-secret",
		GatewayURL: fixture.server.URL,
	}, logger.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go source.Run(ctx, func(context.Context, Event) Ack { return Ack{Status: Accepted} })

	fixture.frames <- streamFrame{
		Type:    frameTypeSystem,
		Headers: map[string]string{"topic": "ping", "messageId": "sys-1"},
		Data:    `{"healthCheck":true}`,
	}

	select {
	case ack := <-fixture.acks:
		assert.Equal(t, http.StatusOK, ack.Code)
		assert.Equal(t, "sys-1", ack.Headers["messageId"])
		assert.Equal(t, `{"healthCheck":true}`, ack.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for system ack")
	}
}
