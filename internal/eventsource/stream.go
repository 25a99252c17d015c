package eventsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"flowrelay/internal/config"
	"flowrelay/internal/logger"
	"flowrelay/pkg/logging"
	"flowrelay/pkg/metrics"
)

const defaultGatewayURL = "https://api.dingtalk.com"

const (
	frameTypeSystem = "SYSTEM"
	frameTypeEvent  = "EVENT"

	ackStatusSuccess = "SUCCESS"
	ackStatusLater   = "LATER"
)

// streamFrame is one message on the gateway websocket.
type streamFrame struct {
	SpecVersion string            `json:"specVersion"`
	Type        string            `json:"type"`
	Headers     map[string]string `json:"headers"`
	Data        string            `json:"data"`
}

type streamAck struct {
	Code    int               `json:"code"`
	Headers map[string]string `json:"headers"`
	Message string            `json:"message"`
	Data    string            `json:"data"`
}

// StreamSource maintains a websocket connection to the event gateway:
// credential handshake for an endpoint ticket, dial, JSON frames, per-event
// ack. Connection loss reconnects with exponential backoff.
type StreamSource struct {
	cfg        config.SourceConfig
	httpClient *http.Client
	log        logger.Logger
}

func NewStreamSource(cfg config.SourceConfig, log logger.Logger) *StreamSource {
	return &StreamSource{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
}

func (s *StreamSource) Run(ctx context.Context, handler Handler) error {
	backoffDelay := time.Second
	const maxBackoff = 60 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		start := time.Now()
		err := s.runConnection(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that survived a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			backoffDelay = time.Second
		}

		metrics.SourceRetryAttemptsTotal.WithLabelValues("stream").Inc()
		s.log.Warnw("Stream connection lost, reconnecting",
			"error", err, "delay", backoffDelay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDelay):
		}
		backoffDelay *= 2
		if backoffDelay > maxBackoff {
			backoffDelay = maxBackoff
		}
	}
}

func (s *StreamSource) runConnection(ctx context.Context, handler Handler) error {
	endpoint, ticket, err := s.openConnection(ctx)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	conn, _, err := websocket.Dial(dialCtx, endpoint+"?ticket="+ticket, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to dial gateway: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")
	conn.SetReadLimit(4 << 20)

	s.log.Infow("Stream connection established")

	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}

		var frame streamFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			s.log.Warnw("Dropping malformed frame", "error", err)
			continue
		}

		switch frame.Type {
		case frameTypeSystem:
			if err := s.replySystem(ctx, conn, frame); err != nil {
				return err
			}
		case frameTypeEvent:
			if err := s.handleEvent(ctx, conn, frame, handler); err != nil {
				return err
			}
		default:
			s.log.Debugw("Ignoring frame", "frame_type", frame.Type)
		}
	}
}

// openConnection performs the credential handshake and returns the
// websocket endpoint plus a single-use ticket.
func (s *StreamSource) openConnection(ctx context.Context) (string, string, error) {
	gateway := s.cfg.GatewayURL
	if gateway == "" {
		gateway = defaultGatewayURL
	}

	body, err := json.Marshal(map[string]interface{}{
		"clientId":     s.cfg.AppKey,
		"clientSecret": s.cfg.AppSecret,
		"subscriptions": []map[string]string{
			{"type": frameTypeEvent, "topic": "*"},
		},
	})
	if err != nil {
		return "", "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		gateway+"/v1.0/gateway/connections/open", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("gateway handshake: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("gateway handshake returned %d: %s", resp.StatusCode, data)
	}

	var result struct {
		Endpoint string `json:"endpoint"`
		Ticket   string `json:"ticket"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", "", fmt.Errorf("decoding handshake response: %w", err)
	}
	if result.Endpoint == "" || result.Ticket == "" {
		return "", "", fmt.Errorf("handshake response missing endpoint or ticket: %s", data)
	}
	return result.Endpoint, result.Ticket, nil
}

// replySystem echoes system frames (keepalive pings and disconnect
// notices) so the gateway keeps the connection open.
func (s *StreamSource) replySystem(ctx context.Context, conn *websocket.Conn, frame streamFrame) error {
	return s.writeAck(ctx, conn, streamAck{
		Code:    http.StatusOK,
		Headers: frame.Headers,
		Message: "OK",
		Data:    frame.Data,
	})
}

func (s *StreamSource) handleEvent(ctx context.Context, conn *websocket.Conn, frame streamFrame, handler Handler) error {
	eventType := frame.Headers["eventType"]
	eventID := frame.Headers["eventId"]
	if eventID == "" {
		eventID = frame.Headers["messageId"]
	}

	var data map[string]interface{}
	if err := json.Unmarshal([]byte(frame.Data), &data); err != nil {
		s.log.Warnw("Event frame carries undecodable data, acking to drop",
			"event_type", eventType, "error", err)
		return s.ackEvent(ctx, conn, frame, Ack{Status: FatalError, Message: "undecodable payload"})
	}

	event := Event{
		Category: CategoryFor(eventType),
		Type:     eventType,
		ID:       eventID,
		Data:     data,
	}

	msgCtx := logging.WithEventID(ctx, event.ID)
	ack := handler(msgCtx, event)
	return s.ackEvent(msgCtx, conn, frame, ack)
}

func (s *StreamSource) ackEvent(ctx context.Context, conn *websocket.Conn, frame streamFrame, ack Ack) error {
	status := ackStatusSuccess
	// Only retryable failures ask the gateway to redeliver; fatal outcomes
	// are consumed so they do not loop forever.
	if ack.Status == RetryableError {
		status = ackStatusLater
	}

	payload, err := json.Marshal(map[string]string{"status": status, "message": ack.Message})
	if err != nil {
		return err
	}

	return s.writeAck(ctx, conn, streamAck{
		Code:    http.StatusOK,
		Headers: frame.Headers,
		Message: "OK",
		Data:    string(payload),
	})
}

func (s *StreamSource) writeAck(ctx context.Context, conn *websocket.Conn, ack streamAck) error {
	payload, err := json.Marshal(ack)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("write ack: %w", err)
	}
	return nil
}

func (s *StreamSource) Close() error {
	return nil
}
