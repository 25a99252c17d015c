package eventsource

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"flowrelay/internal/config"
	"flowrelay/internal/logger"
	"flowrelay/pkg/logging"
	"flowrelay/pkg/metrics"
	"flowrelay/pkg/retry"
)

// kafkaEnvelope is the wire shape of one event on the ingest topic.
type kafkaEnvelope struct {
	EventType string                 `json:"eventType"`
	EventID   string                 `json:"eventId"`
	Data      map[string]interface{} `json:"data"`
}

// KafkaSource consumes platform events from a Kafka topic: fetch, handle
// with bounded retry, commit on ack, dead-letter what cannot be processed.
type KafkaSource struct {
	cfg config.KafkaConfig
	log logger.Logger

	mu     sync.Mutex
	reader *kafka.Reader
	dlq    *kafka.Writer
}

func NewKafkaSource(cfg config.KafkaConfig, log logger.Logger) *KafkaSource {
	s := &KafkaSource{cfg: cfg, log: log}
	if cfg.DLQTopic != "" {
		s.dlq = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.DLQTopic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 50 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
		}
	}
	return s
}

func (s *KafkaSource) Run(ctx context.Context, handler Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  s.cfg.Brokers,
		GroupID:  s.cfg.GroupID,
		Topic:    s.cfg.Topic,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	s.mu.Lock()
	s.reader = reader
	s.mu.Unlock()

	s.log.Infow("Kafka source started",
		"topic", s.cfg.Topic, "brokers", s.cfg.Brokers, "group_id", s.cfg.GroupID)

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.log.Infow("Kafka source stopped", "topic", s.cfg.Topic)
				return ctx.Err()
			}
			s.log.Errorw("Error fetching kafka message", "error", err, "topic", s.cfg.Topic)
			time.Sleep(time.Second)
			continue
		}

		var envelope kafkaEnvelope
		if err := json.Unmarshal(m.Value, &envelope); err != nil {
			s.log.Errorw("Failed to unmarshal kafka message, dead-lettering",
				"error", err, "topic", s.cfg.Topic, "offset", m.Offset)
			s.deadLetter(ctx, m.Value, fmt.Errorf("unmarshal: %w", err))
			_ = reader.CommitMessages(ctx, m)
			continue
		}

		event := Event{
			Category: CategoryFor(envelope.EventType),
			Type:     envelope.EventType,
			ID:       envelope.EventID,
			Data:     envelope.Data,
		}
		if event.ID == "" {
			event.ID = uuid.NewString()
		}

		msgCtx := logging.WithEventID(ctx, event.ID)
		if err := s.handleWithRetry(msgCtx, event, handler); err != nil {
			s.log.ErrorwCtx(msgCtx, "Event processing exhausted retries, dead-lettering",
				"error", err, "topic", s.cfg.Topic, "event_type", event.Type)
			s.deadLetter(msgCtx, m.Value, err)
		}
		if err := reader.CommitMessages(ctx, m); err != nil {
			s.log.ErrorwCtx(msgCtx, "Failed to commit kafka message",
				"error", err, "topic", s.cfg.Topic)
		}
	}
}

func (s *KafkaSource) handleWithRetry(ctx context.Context, event Event, handler Handler) error {
	policy := retry.DefaultPolicy()
	if s.cfg.Retry.MaxAttempts > 0 {
		policy.MaxAttempts = s.cfg.Retry.MaxAttempts
	}
	if s.cfg.Retry.InitialInterval > 0 {
		policy.InitialInterval = s.cfg.Retry.InitialInterval
	}
	if s.cfg.Retry.MaxInterval > 0 {
		policy.MaxInterval = s.cfg.Retry.MaxInterval
	}
	if s.cfg.Retry.Multiplier > 0 {
		policy.Multiplier = s.cfg.Retry.Multiplier
	}
	if s.cfg.Retry.MaxElapsedTime > 0 {
		policy.MaxElapsedTime = s.cfg.Retry.MaxElapsedTime
	}

	return retry.RetryWithCallback(ctx, policy,
		func() error {
			ack := handler(ctx, event)
			switch ack.Status {
			case Accepted:
				return nil
			case FatalError:
				return retry.NewFatalError(fmt.Errorf("fatal ack: %s", ack.Message))
			default:
				return fmt.Errorf("retryable ack: %s", ack.Message)
			}
		},
		func(attempt int, err error, nextDelay time.Duration) {
			metrics.SourceRetryAttemptsTotal.WithLabelValues("kafka").Inc()
			s.log.WarnwCtx(ctx, "Retrying event processing",
				"attempt", attempt, "max_attempts", policy.MaxAttempts,
				"next_delay", nextDelay, "error", err)
		})
}

func (s *KafkaSource) deadLetter(ctx context.Context, value []byte, cause error) {
	if s.dlq == nil {
		s.log.Warnw("No DLQ configured, dropping undeliverable event", "topic", s.cfg.Topic)
		return
	}

	err := s.dlq.WriteMessages(ctx, kafka.Message{
		Value: value,
		Headers: []kafka.Header{
			{Key: "dlq_reason", Value: []byte(cause.Error())},
			{Key: "dlq_source_topic", Value: []byte(s.cfg.Topic)},
			{Key: "dlq_timestamp", Value: []byte(time.Now().Format(time.RFC3339))},
		},
		Time: time.Now(),
	})
	if err != nil {
		s.log.ErrorwCtx(ctx, "Failed to write to DLQ",
			"error", err, "dlq_topic", s.cfg.DLQTopic)
		return
	}
	metrics.DLQMessagesTotal.WithLabelValues(s.cfg.Topic, "processing_failed").Inc()
}

func (s *KafkaSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.reader != nil {
		err = s.reader.Close()
	}
	if s.dlq != nil {
		if closeErr := s.dlq.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}
