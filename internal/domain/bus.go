package domain

import (
	"context"
)

// EventBus carries decision and experiment events between the API, the
// engines and the worker. Subjects are always scoped by tenant.
type EventBus interface {
	// Publish delivers payload to every plain subscriber of the tenant's
	// topic and to one member of each queue group.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler that sees every message.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// QueueSubscribe registers a handler in a named group. Each message is
	// handled by exactly one member of the group, so several workers can
	// share inbound traffic.
	QueueSubscribe(ctx context.Context, tenantID string, topic string, group string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope delivered to handlers.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"` // unix nanoseconds
}

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects and tunes the event bus.
type EventBusConfig struct {
	// Type is "channel" (in process) or "nats".
	Type string `json:"type" yaml:"type"`

	ChannelBufferSize int `json:"channelBufferSize" yaml:"channel_buffer_size"`

	NATSUrl           string `json:"natsUrl" yaml:"nats_url"`
	NATSToken         string `json:"-" yaml:"nats_token"`
	NATSMaxReconnects int    `json:"natsMaxReconnects" yaml:"nats_max_reconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait" yaml:"nats_reconnect_wait"` // seconds
}

// WorkerQueueGroup is the queue group heron workers join for inbound topics.
const WorkerQueueGroup = "heron-workers"

// Topic names. Inbound topics are consumed by the worker; the rest are
// published by the engines and the API.
const (
	TopicDecisionRequested  = "heron.decision.requested"
	TopicDecisionMade       = "heron.decision.made"
	TopicConversionIngested = "heron.conversion.ingested"
	TopicConversionTracked  = "heron.conversion.tracked"
	TopicExperimentStarted  = "heron.experiment.started"
	TopicExperimentStopped  = "heron.experiment.stopped"
	TopicExperimentWinner   = "heron.experiment.winner"
)
