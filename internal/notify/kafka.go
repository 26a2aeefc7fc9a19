package notify

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

const (
	kafkaWriteTimeout = 10 * time.Second
	kafkaMetricName   = "noise_level"
)

// KafkaAlert is the JSON value of an alert message on the Kafka topic.
type KafkaAlert struct {
	AlertID    string  `json:"alert_id"`
	AlertName  string  `json:"alert_name"`
	Severity   int     `json:"severity"`
	Status     string  `json:"status"`
	Station    string  `json:"station"`
	Message    string  `json:"message"`
	MetricName string  `json:"metric_name"`
	Category   string  `json:"category"`
	Value      float64 `json:"value"`
	Threshold  float64 `json:"threshold"`
	Count      int     `json:"count"`
	Timestamp  string  `json:"timestamp"`
}

// severity maps a noise category to a 1-3 severity.
func severity(c audio.Category) int {
	switch {
	case c >= audio.Dangerous:
		return 3
	case c >= audio.VeryLoud:
		return 2
	default:
		return 1
	}
}

// newKafkaAlert builds the message value for a fired alert.
func newKafkaAlert(alert *Alert) KafkaAlert {
	return KafkaAlert{
		AlertID:    uuid.NewString(),
		AlertName:  EventNoiseAlert,
		Severity:   severity(alert.Category),
		Status:     "firing",
		Station:    alert.Station,
		Message:    "noise level " + alert.Category.String() + " exceeded the alert threshold",
		MetricName: kafkaMetricName,
		Category:   alert.Category.String(),
		Value:      alert.Level,
		Threshold:  alert.Threshold,
		Count:      alert.Count,
		Timestamp:  alert.Timestamp(),
	}
}

// messageWriter is the subset of kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher publishes noise alerts to a Kafka topic.
type KafkaPublisher struct {
	brokers []string
	topic   string
	writer  messageWriter
}

// NewKafkaPublisher creates a publisher for topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		brokers: slices.Clone(brokers),
		topic:   topic,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			WriteTimeout:           kafkaWriteTimeout,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
}

// Matches reports whether the publisher targets brokers and topic.
func (p *KafkaPublisher) Matches(brokers []string, topic string) bool {
	return p.topic == topic && slices.Equal(p.brokers, brokers)
}

// PublishAlert writes one alert message keyed by station.
func (p *KafkaPublisher) PublishAlert(ctx context.Context, alert *Alert) error {
	return p.publish(ctx, alert.Station, newKafkaAlert(alert))
}

// PublishTest writes a test message to verify the Kafka configuration.
func (p *KafkaPublisher) PublishTest(ctx context.Context, stationName string) error {
	return p.publish(ctx, stationName, KafkaAlert{
		AlertID:    uuid.NewString(),
		AlertName:  EventTest,
		Status:     "test",
		Station:    stationName,
		Message:    "This is a test notification from " + stationName,
		MetricName: kafkaMetricName,
		Timestamp:  timestampUTC(),
	})
}

func (p *KafkaPublisher) publish(ctx context.Context, key string, value KafkaAlert) error {
	data, err := json.Marshal(value)
	if err != nil {
		return util.WrapError("marshal kafka message", err)
	}

	ctx, cancel := context.WithTimeout(ctx, kafkaWriteTimeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: data}); err != nil {
		return util.WrapError("publish to kafka", err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
