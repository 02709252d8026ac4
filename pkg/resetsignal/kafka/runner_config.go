package kafka

import (
	"errors"
	"time"
)

type Config struct {
	Enabled bool

	Brokers []string
	Topic   string
	GroupID string

	SessionTimeout   time.Duration
	Heartbeat        time.Duration
	RebalanceTimeout time.Duration
	// InitialOldest replays retained resets on first join. Off by default:
	// a reset issued before start-up is already satisfied by Init.
	InitialOldest bool
}

func DefaultConfig() Config {
	return Config{
		Brokers:          []string{"localhost:9092"},
		Topic:            "lethe-control",
		GroupID:          "lethe-controller",
		SessionTimeout:   30 * time.Second,
		Heartbeat:        3 * time.Second,
		RebalanceTimeout: 30 * time.Second,
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("kafka: at least one broker is required"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("kafka: topic is required"))
	}
	if c.GroupID == "" {
		errs = append(errs, errors.New("kafka: group id is required"))
	}
	return errors.Join(errs...)
}
