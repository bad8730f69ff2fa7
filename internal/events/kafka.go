package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig holds the optional Kafka sink configuration. Empty Brokers
// means log-only mode.
type KafkaConfig struct {
	Brokers      []string
	TopicPartial string
	TopicFinal   string
}

// KafkaSink publishes transcript events to separate partial and final
// topics, keyed by broadcast ID so one broadcast stays on one partition.
type KafkaSink struct {
	writerPartial *kafka.Writer
	writerFinal   *kafka.Writer
	topicPartial  string
	topicFinal    string
	enabled       bool
	log           zerolog.Logger
}

// NewKafkaSink creates the sink. With no brokers configured it degrades
// to logging each event at debug level.
func NewKafkaSink(cfg KafkaConfig, log zerolog.Logger) *KafkaSink {
	if len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return &KafkaSink{
			topicPartial: cfg.TopicPartial,
			topicFinal:   cfg.TopicFinal,
			log:          log,
		}
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: 10 * time.Second,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic_partial", cfg.TopicPartial).
		Str("topic_final", cfg.TopicFinal).
		Msg("Kafka sink initialized")

	return &KafkaSink{
		writerPartial: newWriter(cfg.TopicPartial),
		writerFinal:   newWriter(cfg.TopicFinal),
		topicPartial:  cfg.TopicPartial,
		topicFinal:    cfg.TopicFinal,
		enabled:       true,
		log:           log,
	}
}

// OnTranscript routes the event to the final or partial topic. Publish
// failures are logged, not propagated: a broken broker must not stall
// caption delivery to live subscribers.
func (s *KafkaSink) OnTranscript(ev TranscriptEvent) {
	writer, topic := s.writerPartial, s.topicPartial
	if ev.Final {
		writer, topic = s.writerFinal, s.topicFinal
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return
	}

	if !s.enabled || writer == nil {
		s.log.Debug().
			Str("topic", topic).
			RawJSON("payload", payload).
			Msg("Kafka log-only publish")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(ev.BroadcastID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
			{Key: "sessionId", Value: []byte(ev.SessionID)},
		},
	}
	if err := writer.WriteMessages(ctx, msg); err != nil {
		s.log.Error().
			Err(err).
			Str("topic", topic).
			Str("broadcast_id", ev.BroadcastID).
			Msg("Failed to write to Kafka")
	}
}

// Close closes both writers.
func (s *KafkaSink) Close() error {
	var err error
	if s.writerPartial != nil {
		if e := s.writerPartial.Close(); e != nil {
			s.log.Error().Err(e).Msg("Error closing partial writer")
			err = e
		}
	}
	if s.writerFinal != nil {
		if e := s.writerFinal.Close(); e != nil {
			s.log.Error().Err(e).Msg("Error closing final writer")
			err = e
		}
	}
	return err
}
