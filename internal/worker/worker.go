// Package worker consumes decision requests and conversion events from the
// event bus for callers that cannot wait on the HTTP API. Workers on
// different nodes join one queue group, so each message is handled once.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/heron/internal/bus"
	"github.com/opensource-finance/heron/internal/domain"
)

// GlobalTenant is the subscription tenant used when no tenants are
// configured. Messages then carry their own tenant id.
const GlobalTenant = "_global"

// Decider makes decisions.
type Decider interface {
	MakeDecision(ctx context.Context, req *domain.DecisionRequest) (*domain.DecisionResult, error)
}

// Worker processes bus messages asynchronously.
type Worker struct {
	bus       domain.EventBus
	decisions domain.DecisionStore
	decider   Decider
	tracker   domain.ConversionTracker

	processed atomic.Uint64
	failed    atomic.Uint64

	mu   sync.Mutex
	subs []domain.Subscription

	ctx    context.Context
	cancel context.CancelFunc
}

// Config lists the tenants to consume for. With none, the worker takes one
// subscription under GlobalTenant.
type Config struct {
	TenantIDs []string
}

// NewWorker creates a new async worker. decisions may be nil, in which case
// results are published but not stored.
func NewWorker(eventBus domain.EventBus, decisions domain.DecisionStore, decider Decider, tracker domain.ConversionTracker) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       eventBus,
		decisions: decisions,
		decider:   decider,
		tracker:   tracker,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes every configured tenant. A tenant that fails to
// subscribe is logged and skipped; Start fails only when none succeed.
func (w *Worker) Start(cfg Config) error {
	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{GlobalTenant}
	}

	var errs []error
	for _, tenantID := range tenants {
		if err := w.subscribeTenant(tenantID); err != nil {
			slog.Error("worker subscription failed", "tenant_id", tenantID, "error", err)
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenantID, err))
		}
	}
	if len(errs) == len(tenants) {
		return errors.Join(errs...)
	}

	slog.Info("worker consuming",
		"tenants", len(tenants)-len(errs),
		"queue_group", domain.WorkerQueueGroup,
	)
	return nil
}

type processFunc func(ctx context.Context, tenantID string, msg *domain.Message) error

func (w *Worker) subscribeTenant(tenantID string) error {
	routes := []struct {
		topic   string
		process processFunc
	}{
		{domain.TopicDecisionRequested, w.processDecision},
		{domain.TopicConversionIngested, w.processConversion},
	}

	for _, rt := range routes {
		sub, err := w.bus.QueueSubscribe(w.ctx, tenantID, rt.topic, domain.WorkerQueueGroup, w.counted(tenantID, rt.process))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", rt.topic, err)
		}
		w.mu.Lock()
		w.subs = append(w.subs, sub)
		w.mu.Unlock()
	}
	return nil
}

// counted binds process to a tenant and tallies its outcome.
func (w *Worker) counted(tenantID string, process processFunc) domain.MessageHandler {
	return func(ctx context.Context, msg *domain.Message) error {
		err := process(ctx, tenantID, msg)
		if err != nil {
			w.failed.Add(1)
		} else {
			w.processed.Add(1)
		}
		return err
	}
}

// resolveTenant returns the tenant a message is processed for. Tenant
// subscriptions only accept their own tenant.
func resolveTenant(subscribed, payloadTenant, messageTenant string) (string, error) {
	if subscribed == GlobalTenant {
		if payloadTenant != "" {
			return payloadTenant, nil
		}
		if messageTenant != "" && messageTenant != GlobalTenant {
			return messageTenant, nil
		}
		return "", fmt.Errorf("message carries no tenant id")
	}
	if payloadTenant != "" && payloadTenant != subscribed {
		return "", fmt.Errorf("payload tenant %q does not match subscription tenant %q", payloadTenant, subscribed)
	}
	return subscribed, nil
}

// processDecision runs a decision request, stores the result and publishes
// it on the decision-made topic.
func (w *Worker) processDecision(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var req domain.DecisionRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse decision request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	tenant, err := resolveTenant(tenantID, req.TenantID, msg.TenantID)
	if err != nil {
		slog.Error("rejected decision request", "message_id", msg.ID, "error", err)
		return err
	}
	req.TenantID = tenant
	if req.RequestID == "" {
		req.RequestID = msg.ID
	}

	result, err := w.decider.MakeDecision(ctx, &req)
	if err != nil {
		slog.Error("decision request invalid",
			"request_id", req.RequestID,
			"tenant_id", tenant,
			"error", err,
		)
		return err
	}

	if w.decisions != nil {
		if err := w.decisions.SaveDecision(ctx, tenant, result); err != nil {
			slog.Error("failed to save decision",
				"request_id", result.RequestID,
				"error", err,
			)
		}
	}

	if err := bus.PublishJSON(ctx, w.bus, tenant, domain.TopicDecisionMade, result); err != nil {
		slog.Error("failed to publish decision",
			"request_id", result.RequestID,
			"error", err,
		)
	}

	slog.Info("decision processed",
		"request_id", result.RequestID,
		"tenant_id", tenant,
		"recommendations", len(result.Recommendations),
		"fallback_reason", result.FallbackReason,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// ConversionMessage is the payload of an ingested conversion event.
type ConversionMessage struct {
	ExperimentID string  `json:"experimentId"`
	CustomerID   string  `json:"customerId"`
	TenantID     string  `json:"tenantId"`
	Metric       string  `json:"metric"`
	Value        float64 `json:"value"`
}

// processConversion forwards an ingested conversion to the tracker.
func (w *Worker) processConversion(ctx context.Context, tenantID string, msg *domain.Message) error {
	var cm ConversionMessage
	if err := json.Unmarshal(msg.Payload, &cm); err != nil {
		slog.Error("failed to parse conversion message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	tenant, err := resolveTenant(tenantID, cm.TenantID, msg.TenantID)
	if err != nil {
		slog.Error("rejected conversion", "message_id", msg.ID, "error", err)
		return err
	}

	if err := w.tracker.TrackConversion(ctx, cm.ExperimentID, cm.CustomerID, tenant, cm.Metric, cm.Value); err != nil {
		slog.Error("failed to track conversion",
			"experiment_id", cm.ExperimentID,
			"tenant_id", tenant,
			"error", err,
		)
		return err
	}
	return nil
}

// Stop cancels in-flight work and drops every subscription.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subs
	w.subs = nil
	w.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", sub.Topic(), err))
		}
	}
	slog.Info("worker stopped", "processed", w.processed.Load(), "failed", w.failed.Load())
	return errors.Join(errs...)
}

// Stats is a point-in-time view of the worker.
type Stats struct {
	Subscriptions int    `json:"subscriptions"`
	Processed     uint64 `json:"processed"`
	Failed        uint64 `json:"failed"`
}

// Stats reports live subscriptions and message outcomes so far.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	n := len(w.subs)
	w.mu.Unlock()
	return Stats{
		Subscriptions: n,
		Processed:     w.processed.Load(),
		Failed:        w.failed.Load(),
	}
}
