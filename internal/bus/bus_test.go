package bus

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/heron/internal/domain"
	"go.opentelemetry.io/otel/trace"
)

// collect subscribes and returns a channel of delivered messages.
func collect(t *testing.T, b *ChannelBus, tenantID, topic, group string) <-chan *domain.Message {
	t.Helper()
	ch := make(chan *domain.Message, 100)
	handler := func(ctx context.Context, msg *domain.Message) error {
		ch <- msg
		return nil
	}
	var err error
	if group == "" {
		_, err = b.Subscribe(context.Background(), tenantID, topic, handler)
	} else {
		_, err = b.QueueSubscribe(context.Background(), tenantID, topic, group, handler)
	}
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return ch
}

// drain counts messages arriving on ch until it is quiet for 50ms.
func drain(ch <-chan *domain.Message) int {
	n := 0
	for {
		select {
		case <-ch:
			n++
		case <-time.After(50 * time.Millisecond):
			return n
		}
	}
}

func TestChannelBus(t *testing.T) {
	ctx := context.Background()

	t.Run("FanOut", func(t *testing.T) {
		b := NewChannelBus(10)
		defer b.Close()

		first := collect(t, b, "tenant-001", domain.TopicDecisionMade, "")
		second := collect(t, b, "tenant-001", domain.TopicDecisionMade, "")

		if err := b.Publish(ctx, "tenant-001", domain.TopicDecisionMade, []byte("made")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		for i, ch := range []<-chan *domain.Message{first, second} {
			select {
			case msg := <-ch:
				if string(msg.Payload) != "made" || msg.TenantID != "tenant-001" || msg.Topic != domain.TopicDecisionMade {
					t.Errorf("subscriber %d got unexpected message %+v", i, msg)
				}
				if msg.ID == "" || msg.Timestamp == 0 {
					t.Errorf("subscriber %d got an incomplete envelope %+v", i, msg)
				}
			case <-time.After(time.Second):
				t.Fatalf("subscriber %d timed out", i)
			}
		}
	})

	t.Run("TenantScoped", func(t *testing.T) {
		b := NewChannelBus(10)
		defer b.Close()

		mine := collect(t, b, "tenant-001", domain.TopicConversionTracked, "")
		theirs := collect(t, b, "tenant-002", domain.TopicConversionTracked, "")

		b.Publish(ctx, "tenant-001", domain.TopicConversionTracked, []byte("c"))

		if n := drain(mine); n != 1 {
			t.Errorf("expected 1 message for tenant-001, got %d", n)
		}
		if n := drain(theirs); n != 0 {
			t.Errorf("expected tenant-002 to see nothing, got %d", n)
		}
	})

	t.Run("QueueGroupSharesWork", func(t *testing.T) {
		b := NewChannelBus(100)
		defer b.Close()

		a := collect(t, b, "tenant-001", domain.TopicDecisionRequested, domain.WorkerQueueGroup)
		c := collect(t, b, "tenant-001", domain.TopicDecisionRequested, domain.WorkerQueueGroup)
		audit := collect(t, b, "tenant-001", domain.TopicDecisionRequested, "")

		const total = 20
		for i := 0; i < total; i++ {
			b.Publish(ctx, "tenant-001", domain.TopicDecisionRequested, []byte("req"))
		}

		na, nc := drain(a), drain(c)
		if na+nc != total {
			t.Errorf("queue group handled %d messages, want %d", na+nc, total)
		}
		if na == 0 || nc == 0 {
			t.Errorf("expected both members to share work, got %d and %d", na, nc)
		}
		if n := drain(audit); n != total {
			t.Errorf("plain subscriber should see every message, got %d", n)
		}
		if n := b.SubscriberCount("tenant-001", domain.TopicDecisionRequested); n != 3 {
			t.Errorf("expected 3 subscribers, got %d", n)
		}
	})

	t.Run("QueueGroupRequired", func(t *testing.T) {
		b := NewChannelBus(10)
		defer b.Close()

		_, err := b.QueueSubscribe(ctx, "tenant-001", "topic", "", func(ctx context.Context, msg *domain.Message) error {
			return nil
		})
		if err == nil {
			t.Error("expected error for empty queue group")
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		b := NewChannelBus(10)
		defer b.Close()

		if err := b.Publish(ctx, "", "topic", nil); err == nil {
			t.Error("expected publish error for empty tenantID")
		}
		if _, err := b.Subscribe(ctx, "", "topic", func(ctx context.Context, msg *domain.Message) error { return nil }); err == nil {
			t.Error("expected subscribe error for empty tenantID")
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		b := NewChannelBus(10)
		defer b.Close()

		var count atomic.Int32
		sub, err := b.QueueSubscribe(ctx, "tenant-001", domain.TopicExperimentStarted, "g", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		if sub.Topic() != domain.TopicExperimentStarted {
			t.Errorf("unexpected topic %q", sub.Topic())
		}

		sub.Unsubscribe()
		b.Publish(ctx, "tenant-001", domain.TopicExperimentStarted, []byte("x"))
		time.Sleep(50 * time.Millisecond)

		if count.Load() != 0 {
			t.Errorf("expected no delivery after unsubscribe, got %d", count.Load())
		}
		if n := b.SubscriberCount("tenant-001", domain.TopicExperimentStarted); n != 0 {
			t.Errorf("expected subscription to be removed, %d remain", n)
		}
	})

	t.Run("HandlerPanicContained", func(t *testing.T) {
		b := NewChannelBus(10)
		defer b.Close()

		var calls atomic.Int32
		b.Subscribe(ctx, "tenant-001", domain.TopicExperimentWinner, func(ctx context.Context, msg *domain.Message) error {
			if calls.Add(1) == 1 {
				panic("boom")
			}
			return nil
		})

		b.Publish(ctx, "tenant-001", domain.TopicExperimentWinner, []byte("1"))
		b.Publish(ctx, "tenant-001", domain.TopicExperimentWinner, []byte("2"))
		time.Sleep(50 * time.Millisecond)

		if calls.Load() != 2 {
			t.Errorf("expected subscriber to survive a panic, got %d calls", calls.Load())
		}
	})

	t.Run("DropsWhenFull", func(t *testing.T) {
		b := NewChannelBus(1)
		defer b.Close()

		release := make(chan struct{})
		b.Subscribe(ctx, "tenant-001", domain.TopicDecisionMade, func(ctx context.Context, msg *domain.Message) error {
			<-release
			return nil
		})

		for i := 0; i < 10; i++ {
			b.Publish(ctx, "tenant-001", domain.TopicDecisionMade, []byte("x"))
		}
		close(release)

		if b.Dropped() == 0 {
			t.Error("expected some messages to be dropped")
		}
	})

	t.Run("Close", func(t *testing.T) {
		b := NewChannelBus(10)
		collect(t, b, "tenant-001", domain.TopicExperimentStopped, "")

		if err := b.Close(); err != nil {
			t.Errorf("close failed: %v", err)
		}
		if err := b.Close(); err != nil {
			t.Errorf("second close failed: %v", err)
		}
		if err := b.Publish(ctx, "tenant-001", domain.TopicExperimentStopped, nil); err == nil {
			t.Error("expected publish error after close")
		}
		if err := b.Ping(ctx); err == nil {
			t.Error("expected ping error after close")
		}
	})
}

func TestNew(t *testing.T) {
	b, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 5})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer b.Close()
	if _, ok := b.(*ChannelBus); !ok {
		t.Errorf("expected ChannelBus, got %T", b)
	}

	if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
		t.Error("expected error for unsupported type")
	}
}

func TestPublishJSON(t *testing.T) {
	b := NewChannelBus(10)
	defer b.Close()

	ctx := context.Background()
	got := collect(t, b, "tenant-001", domain.TopicConversionTracked, "")

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	tctx := trace.ContextWithSpanContext(ctx, trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	ev := domain.ConversionEvent{ExperimentID: "exp-001", CustomerID: "cust-001", Metric: "purchase", Value: 42}
	if err := PublishJSON(tctx, b, "tenant-001", domain.TopicConversionTracked, ev); err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}

	select {
	case msg := <-got:
		var decoded domain.ConversionEvent
		if err := json.Unmarshal(msg.Payload, &decoded); err != nil {
			t.Fatalf("payload did not decode: %v", err)
		}
		if decoded.Value != 42 || decoded.ExperimentID != "exp-001" {
			t.Errorf("unexpected payload: %+v", decoded)
		}
		if msg.Metadata["trace_id"] != traceID.String() {
			t.Errorf("expected trace id in metadata, got %v", msg.Metadata)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}

	if err := PublishJSON(ctx, nil, "tenant-001", domain.TopicConversionTracked, ev); err != nil {
		t.Errorf("expected nil bus to be a no-op, got %v", err)
	}
}

func TestNATSEnvelope(t *testing.T) {
	b := &NATSBus{}
	subject := b.makeSubject("tenant-001", domain.TopicDecisionMade)
	if subject != "heron.decision.made.tenant-001" {
		t.Errorf("unexpected subject %q", subject)
	}

	t.Run("RoundTrip", func(t *testing.T) {
		in := &domain.Message{
			ID:        "msg-001",
			TenantID:  "tenant-001",
			Topic:     domain.TopicDecisionMade,
			Payload:   []byte(`{"requestId":"req-001"}`),
			Metadata:  map[string]string{"trace_id": "abc"},
			Timestamp: 1700000000000000000,
		}

		m := toNATSMsg(subject, in)
		if string(m.Data) != string(in.Payload) {
			t.Errorf("payload should travel as the raw body, got %s", m.Data)
		}

		out := fromNATSMsg(m)
		if out.ID != in.ID || out.TenantID != in.TenantID || out.Topic != in.Topic || out.Timestamp != in.Timestamp {
			t.Errorf("envelope mismatch: %+v", out)
		}
		if out.Metadata["trace_id"] != "abc" {
			t.Errorf("metadata lost: %v", out.Metadata)
		}
	})

	t.Run("ForeignPublisher", func(t *testing.T) {
		out := fromNATSMsg(&nats.Msg{Subject: subject, Data: []byte("raw")})
		if out.ID == "" || out.Timestamp == 0 {
			t.Errorf("expected generated id and timestamp, got %+v", out)
		}
		if string(out.Payload) != "raw" {
			t.Errorf("unexpected payload %q", out.Payload)
		}
	})

	t.Run("Defaults", func(t *testing.T) {
		cfg := natsDefaults(domain.EventBusConfig{})
		if cfg.NATSUrl != nats.DefaultURL || cfg.NATSMaxReconnects != 10 || cfg.NATSReconnectWait != 5 {
			t.Errorf("unexpected defaults %+v", cfg)
		}
		if n := len(natsOptions(domain.EventBusConfig{NATSToken: "secret"})) - len(natsOptions(domain.EventBusConfig{})); n != 1 {
			t.Errorf("expected token to add one option, got %d", n)
		}
	})
}
