// Package stream fans runtime events out to WebSocket clients. Sessions,
// backtest workers and the live manager publish typed events to named
// topics; the HTTP layer bridges subscriptions onto WebSocket connections.
//
// Delivery is best-effort: a subscriber that cannot keep up loses events
// rather than stalling the publisher. Trading state lives in the engine and
// the store, so a dropped frame costs a UI update, never a fill.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeforge/tradeforge/internal/metrics"
)

// TopicDashboard carries platform-wide events: session state changes,
// risk trips, kill switch activation, anomaly alerts.
const TopicDashboard = "dashboard"

// DefaultBuffer is the per-subscriber channel depth when the caller
// passes a non-positive buffer size.
const DefaultBuffer = 256

// BacktestTopic names the per-run topic for backtest progress events.
func BacktestTopic(id string) string { return "backtest:" + id }

// LiveTopic names the per-session topic for live trading events.
func LiveTopic(id string) string { return "live:" + id }

// Subscription is one subscriber's view of a topic. Frames arrive on C in
// publish order. Close is idempotent and safe to call concurrently with
// Publish.
type Subscription struct {
	topic string
	ch    chan []byte
	bus   *Bus
	once  sync.Once
}

// C returns the frame channel. It is closed when the subscription or the
// bus shuts down.
func (s *Subscription) C() <-chan []byte { return s.ch }

// Topic returns the topic this subscription listens on.
func (s *Subscription) Topic() string { return s.topic }

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.closeChan()
}

func (s *Subscription) closeChan() {
	s.once.Do(func() { close(s.ch) })
}

// Bus is an in-process publish/subscribe hub. One Bus serves the whole
// process; topics are created implicitly by the first subscriber.
type Bus struct {
	buffer  int
	metrics *metrics.Registry
	log     zerolog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	subs   map[string][]*Subscription
	closed bool
}

// NewBus builds a Bus whose subscribers buffer up to buffer frames each.
func NewBus(buffer int, m *metrics.Registry, log zerolog.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Bus{
		buffer:  buffer,
		metrics: m,
		log:     log.With().Str("component", "stream").Logger(),
		now:     time.Now,
		subs:    make(map[string][]*Subscription),
	}
}

// Subscribe attaches a new subscriber to topic. Subscribing to a closed
// bus returns a subscription whose channel is already closed.
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		topic: topic,
		ch:    make(chan []byte, b.buffer),
		bus:   b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.closeChan()
		return sub
	}
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()
	return sub
}

// Publish encodes payload into an Envelope and delivers the frame to every
// subscriber of every listed topic. The envelope is serialized exactly
// once. Subscribers with a full buffer are skipped and the drop is
// counted; Publish never blocks on a slow sink.
func (b *Bus) Publish(eventType string, payload interface{}, topics ...string) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", eventType, err)
		}
		raw = data
	}
	frame, err := json.Marshal(Envelope{
		Type:      eventType,
		Timestamp: b.now().UTC(),
		Payload:   raw,
	})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", eventType, err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, topic := range topics {
		b.metrics.BusPublished.WithLabelValues(topicClass(topic)).Inc()
		for _, sub := range b.subs[topic] {
			select {
			case sub.ch <- frame:
			default:
				b.metrics.BusDropped.WithLabelValues(topicClass(topic)).Inc()
				b.log.Debug().
					Str("topic", topic).
					Str("event", eventType).
					Msg("slow subscriber, frame dropped")
			}
		}
	}
	return nil
}

// Topics returns the topics that currently have at least one subscriber,
// sorted for stable output.
func (b *Bus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.subs))
	for topic, subs := range b.subs {
		if len(subs) > 0 {
			out = append(out, topic)
		}
	}
	sort.Strings(out)
	return out
}

// Heartbeat publishes a heartbeat event to every active topic at the given
// interval until ctx is cancelled. Idle WebSocket clients use it to detect
// a dead connection without waiting for trading activity.
func (b *Bus) Heartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			topics := b.Topics()
			if len(topics) == 0 {
				continue
			}
			if err := b.Publish(TypePing, nil, topics...); err != nil {
				b.log.Warn().Err(err).Msg("heartbeat publish failed")
			}
		}
	}
}

// Close shuts the bus down and closes every subscriber channel. Publish
// calls after Close are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.closeChan()
		}
	}
	b.subs = make(map[string][]*Subscription)
}

func (b *Bus) remove(target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[target.topic]
	for i, sub := range subs {
		if sub == target {
			b.subs[target.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[target.topic]) == 0 {
		delete(b.subs, target.topic)
	}
}

// topicClass collapses per-run topic names into a bounded metric label.
func topicClass(topic string) string {
	if i := strings.IndexByte(topic, ':'); i > 0 {
		return topic[:i]
	}
	return topic
}
