package ingest

import (
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"hookrelay/internal/config"
)

// Config holds Kafka consumer settings.
type Config struct {
	Brokers        []string      // empty disables Kafka ingestion
	Topic          string        // default: sensor.events
	GroupID        string        // default: hookrelay
	MaxWait        time.Duration // default: 500ms
	CommitInterval time.Duration // 0 commits synchronously
	RetryDelay     time.Duration // initial wait before re-dispatching a rejected event, default: 200ms
}

// LoadConfigFromEnv loads Kafka settings from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Brokers: config.GetListEnv("KAFKA_BROKERS"),
		Topic:   config.GetEnv("KAFKA_TOPIC", "sensor.events"),
		GroupID: config.GetEnv("KAFKA_GROUP_ID", "hookrelay"),
	}.withDefaults()
}

// Enabled reports whether any broker is configured.
func (c Config) Enabled() bool { return len(c.Brokers) > 0 }

func (c Config) withDefaults() Config {
	if c.Topic == "" {
		c.Topic = "sensor.events"
	}
	if c.GroupID == "" {
		c.GroupID = "hookrelay"
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 500 * time.Millisecond
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
	return c
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("brokers cannot be empty")
	}
	if c.Topic == "" {
		return errors.New("topic cannot be empty")
	}
	if c.GroupID == "" {
		return errors.New("groupID cannot be empty")
	}
	return nil
}

// ReaderConfig returns the kafka-go reader settings for at-least-once
// consumption. StartOffset only applies when the group has no committed offset.
func (c Config) ReaderConfig() kafka.ReaderConfig {
	return kafka.ReaderConfig{
		Brokers:        c.Brokers,
		Topic:          c.Topic,
		GroupID:        c.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        c.MaxWait,
		CommitInterval: c.CommitInterval,
		StartOffset:    kafka.FirstOffset,
	}
}

// NewReader creates a Kafka reader for cfg.
func NewReader(cfg Config) (*kafka.Reader, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return kafka.NewReader(cfg.ReaderConfig()), nil
}
