// Package bus carries decision and experiment events between heron nodes:
// an in-process channel bus for single-node deployments and NATS for
// everything else.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/heron/internal/domain"
	"go.opentelemetry.io/otel/trace"
)

// New returns the bus named by cfg.Type. An empty type means "channel".
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "", "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	}
	return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
}

// PublishJSON encodes v and publishes it. A nil bus is a no-op so callers
// can run without an event bus.
func PublishJSON(ctx context.Context, b domain.EventBus, tenantID, topic string, v any) error {
	if b == nil {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", topic, err)
	}
	return b.Publish(ctx, tenantID, topic, payload)
}

// newMessage builds the envelope for a published payload. The active trace
// id, if any, travels in the metadata.
func newMessage(ctx context.Context, tenantID, topic string, payload []byte) *domain.Message {
	md := make(map[string]string)
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		md["trace_id"] = sc.TraceID().String()
	}
	return &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  md,
		Timestamp: time.Now().UnixNano(),
	}
}
