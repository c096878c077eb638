// Package events implements the three-channel event stream: every emission
// is appended to the durable log first, then fanned out to live subscribers.
// Slow subscribers never block the emitter; their bounded queues drop the
// oldest entry and a subscriber_lag event records the loss.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/haasonsaas/moor/internal/observability"
	"github.com/haasonsaas/moor/internal/store"
	"github.com/haasonsaas/moor/pkg/models"
)

// DefaultBufferSize is the per-subscriber queue capacity.
const DefaultBufferSize = 1024

// Bus is the per-agent event stream. All emissions are serialized so the
// WAL append order equals the broadcast order.
type Bus struct {
	agentID string
	store   store.Store
	logger  *slog.Logger
	bufSize int
	metrics *observability.Metrics

	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize overrides the per-subscriber queue capacity.
// Default: 1024.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithMetrics counts appends and subscriber drops. Default: no collection.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// NewBus creates an event bus for one agent backed by the given store.
func NewBus(agentID string, st store.Store, opts ...Option) *Bus {
	b := &Bus{
		agentID: agentID,
		store:   st,
		logger:  slog.Default(),
		bufSize: DefaultBufferSize,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscription is a live tail over one or more channels. Consumers range
// over Events() until it is closed; Cancel releases the subscription.
type Subscription struct {
	bus      *Bus
	channels map[models.Channel]bool
	queue    chan models.EventEnvelope
	dropped  uint64
	closed   bool
	once     sync.Once
}

// Events returns the delivery channel. It is closed when the subscription
// is cancelled or the bus shuts down.
func (s *Subscription) Events() <-chan models.EventEnvelope { return s.queue }

// Cancel detaches the subscription and closes its delivery channel.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.remove(s)
	})
}

// Emit durably appends event to its channel log and broadcasts the stamped
// envelope to matching subscribers. It never blocks on a slow consumer.
func (b *Bus) Emit(ctx context.Context, channel models.Channel, event models.Event) (*models.EventEnvelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.emitLocked(ctx, channel, event)
}

// EmitTyped routes event to the channel its type belongs to.
func (b *Bus) EmitTyped(ctx context.Context, event models.Event) (*models.EventEnvelope, error) {
	return b.Emit(ctx, models.ChannelFor(event.Type), event)
}

func (b *Bus) emitLocked(ctx context.Context, channel models.Channel, event models.Event) (*models.EventEnvelope, error) {
	env, err := b.store.AppendEvent(ctx, b.agentID, channel, event)
	if err != nil {
		return nil, err
	}
	if b.metrics != nil {
		b.metrics.RecordEvent(string(channel), string(event.Type))
	}

	var lagged []*Subscription
	for _, sub := range b.subs {
		if !sub.channels[channel] {
			continue
		}
		if !sub.push(*env) {
			lagged = append(lagged, sub)
		}
	}

	// Record drops once per burst; a lag event that itself drops is not
	// re-reported.
	if event.Type != models.EventSubscriberLag {
		for _, sub := range lagged {
			dropped := sub.dropped
			sub.dropped = 0
			if b.metrics != nil {
				b.metrics.RecordEventDrop(string(channel), dropped)
			}
			b.logger.Warn("subscriber lagging",
				"agent_id", b.agentID,
				"channel", channel,
				"dropped", dropped)
			if _, err := b.emitLocked(ctx, models.ChannelMonitor, models.Event{
				Type: models.EventSubscriberLag,
				Lag:  &models.LagPayload{Dropped: dropped, Channel: channel},
			}); err != nil {
				b.logger.Error("emit subscriber_lag failed", "error", err)
			}
		}
	}
	return env, nil
}

// push enqueues without blocking, evicting the oldest entry when the queue
// is full. Returns false when an eviction happened.
func (s *Subscription) push(env models.EventEnvelope) bool {
	if s.closed {
		return true
	}
	select {
	case s.queue <- env:
		return true
	default:
	}
	select {
	case <-s.queue:
		s.dropped++
	default:
	}
	select {
	case s.queue <- env:
	default:
		s.dropped++
	}
	return false
}

// SubscribeOptions controls replay behavior for a new subscription.
type SubscribeOptions struct {
	// Since, when non-nil, replays persisted events with seq strictly
	// greater than the bookmark before live delivery begins. A nil Since
	// delivers only future events.
	Since *uint64
}

// Subscribe attaches a consumer to the given channels. Replayed and live
// events share one gap-free ordered queue.
func (b *Bus) Subscribe(ctx context.Context, channels []models.Channel, opts SubscribeOptions) (*Subscription, error) {
	if len(channels) == 0 {
		channels = models.Channels()
	}
	sub := &Subscription{
		bus:      b,
		channels: make(map[models.Channel]bool, len(channels)),
		queue:    make(chan models.EventEnvelope, b.bufSize),
	}
	for _, ch := range channels {
		sub.channels[ch] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.queue)
		sub.closed = true
		return sub, nil
	}

	if opts.Since != nil {
		for _, ch := range channels {
			replay, err := b.store.ReadEvents(ctx, b.agentID, store.ReadOptions{Channel: ch, Since: *opts.Since})
			if err != nil {
				return nil, err
			}
			for _, env := range replay {
				sub.push(env)
			}
		}
	}
	b.subs = append(b.subs, sub)
	return sub, nil
}

// On invokes handler for every future event of the given type. The returned
// cancel function detaches the handler.
func (b *Bus) On(ctx context.Context, eventType models.EventType, handler func(models.EventEnvelope)) (func(), error) {
	sub, err := b.Subscribe(ctx, []models.Channel{models.ChannelFor(eventType)}, SubscribeOptions{})
	if err != nil {
		return nil, err
	}
	go func() {
		for env := range sub.Events() {
			if env.Event.Type == eventType {
				handler(env)
			}
		}
	}()
	return sub.Cancel, nil
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	if !sub.closed {
		sub.closed = true
		close(sub.queue)
	}
}

// Close detaches every subscriber and closes their delivery channels.
// Further Emit calls still append to the log but reach no subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.queue)
		}
	}
	b.subs = nil
}
