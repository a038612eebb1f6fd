package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/opensource-finance/heron/internal/domain"
)

// ChannelBus is the in-process event bus used when heron runs as a single
// node. Every subscriber owns a buffered channel drained by one goroutine.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	routes     map[topicKey]*route
	closed     bool
	dropped    atomic.Uint64
}

type topicKey struct {
	tenantID string
	topic    string
}

// route holds the subscribers of one tenant topic.
type route struct {
	fanout []*subscriber
	groups map[string]*queueGroup
}

type queueGroup struct {
	members []*subscriber
	next    atomic.Uint64
}

type subscriber struct {
	bus     *ChannelBus
	id      string
	key     topicKey
	group   string
	handler domain.MessageHandler
	msgs    chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewChannelBus creates a channel bus whose subscribers buffer up to
// bufferSize messages each.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		routes:     make(map[topicKey]*route),
	}
}

// Publish never blocks. A message that finds every eligible buffer full is
// counted in Dropped.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	msg := newMessage(ctx, tenantID, topic, payload)

	// Sends happen under the read lock so Close cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("bus is closed")
	}

	r := b.routes[topicKey{tenantID, topic}]
	if r == nil {
		return nil
	}
	for _, s := range r.fanout {
		if !s.offer(msg) {
			b.drop(msg)
		}
	}
	for _, g := range r.groups {
		if !g.deliver(msg) {
			b.drop(msg)
		}
	}
	return nil
}

// deliver hands msg to the next member in rotation, falling through to the
// others when its buffer is full.
func (g *queueGroup) deliver(msg *domain.Message) bool {
	n := uint64(len(g.members))
	start := g.next.Add(1) - 1
	for i := uint64(0); i < n; i++ {
		if g.members[(start+i)%n].offer(msg) {
			return true
		}
	}
	return false
}

func (b *ChannelBus) drop(msg *domain.Message) {
	b.dropped.Add(1)
	slog.Warn("event dropped, subscriber buffer full",
		"tenant_id", msg.TenantID,
		"topic", msg.Topic,
	)
}

// Subscribe registers a handler that receives every message on the topic.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return b.subscribe(ctx, tenantID, topic, "", handler)
}

// QueueSubscribe registers a handler that shares the topic's messages with
// the other members of group.
func (b *ChannelBus) QueueSubscribe(ctx context.Context, tenantID string, topic string, group string, handler domain.MessageHandler) (domain.Subscription, error) {
	if group == "" {
		return nil, fmt.Errorf("queue group is required")
	}
	return b.subscribe(ctx, tenantID, topic, group, handler)
}

func (b *ChannelBus) subscribe(ctx context.Context, tenantID, topic, group string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &subscriber{
		bus:     b,
		id:      uuid.New().String(),
		key:     topicKey{tenantID, topic},
		group:   group,
		handler: handler,
		msgs:    make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
	}

	r := b.routes[s.key]
	if r == nil {
		r = &route{groups: make(map[string]*queueGroup)}
		b.routes[s.key] = r
	}
	if group == "" {
		r.fanout = append(r.fanout, s)
	} else {
		g := r.groups[group]
		if g == nil {
			g = &queueGroup{}
			r.groups[group] = g
		}
		g.members = append(g.members, s)
	}

	go s.run()
	return s, nil
}

func (s *subscriber) offer(msg *domain.Message) bool {
	select {
	case s.msgs <- msg:
		return true
	default:
		return false
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-s.msgs:
			if !ok {
				return
			}
			s.dispatch(msg)
		}
	}
}

// dispatch runs the handler, containing panics so one bad message does not
// stop the subscription.
func (s *subscriber) dispatch(msg *domain.Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic",
				"topic", msg.Topic,
				"message_id", msg.ID,
				"panic", r,
			)
		}
	}()
	if err := s.handler(s.ctx, msg); err != nil {
		slog.Error("handler error",
			"topic", msg.Topic,
			"message_id", msg.ID,
			"error", err,
		)
	}
}

// Ping reports whether the bus is open.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	return nil
}

// Close stops every subscriber. It is safe to call more than once.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, r := range b.routes {
		for _, s := range r.all() {
			s.cancel()
			close(s.msgs)
		}
	}
	b.routes = make(map[topicKey]*route)
	return nil
}

func (r *route) all() []*subscriber {
	out := append([]*subscriber(nil), r.fanout...)
	for _, g := range r.groups {
		out = append(out, g.members...)
	}
	return out
}

// Dropped returns how many deliveries were skipped because buffers were full.
func (b *ChannelBus) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount returns the active subscribers, grouped or not, for a
// tenant's topic.
func (b *ChannelBus) SubscriberCount(tenantID, topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r := b.routes[topicKey{tenantID, topic}]
	if r == nil {
		return 0
	}
	return len(r.all())
}

func (b *ChannelBus) remove(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.routes[s.key]
	if r == nil {
		return
	}
	if s.group == "" {
		r.fanout = without(r.fanout, s)
	} else if g := r.groups[s.group]; g != nil {
		g.members = without(g.members, s)
		if len(g.members) == 0 {
			delete(r.groups, s.group)
		}
	}
	if len(r.fanout) == 0 && len(r.groups) == 0 {
		delete(b.routes, s.key)
	}
}

func without(subs []*subscriber, s *subscriber) []*subscriber {
	for i, x := range subs {
		if x == s {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// Unsubscribe stops delivery to this subscriber.
func (s *subscriber) Unsubscribe() error {
	s.cancel()
	s.bus.remove(s)
	return nil
}

// Topic returns the subscribed topic.
func (s *subscriber) Topic() string {
	return s.key.topic
}
