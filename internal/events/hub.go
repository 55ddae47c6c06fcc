// Package events fans queue lifecycle events out to live subscribers.
//
// The hub attaches one listener per physical queue's pub/sub channel and
// broadcasts every normalized event to all current subscribers. There is
// no replay: a subscriber connecting after an event fired never sees it.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/supercheck-io/supercheck-sub010/internal/domain"
	"github.com/supercheck-io/supercheck-sub010/internal/metrics"
)

// ErrClosed is returned by Ready once the hub has been shut down.
var ErrClosed = errors.New("event hub closed")

const (
	// DefaultSubscriberBuffer bounds each subscriber's channel. A
	// subscriber that falls this far behind starts losing events.
	DefaultSubscriberBuffer = 64

	// dedupWindow is how long an event occurrence is remembered for
	// duplicate suppression across queue listeners. Genuine re-emissions
	// (a requeued entry going waiting again) are minutes apart and pass.
	dedupWindow = 10 * time.Second

	// dedupHighWater triggers a prune of expired dedup entries.
	dedupHighWater = 4096
)

// Hub is the process-wide event fan-out. Construct one per process and
// inject it; Ready attaches the queue listeners on first use.
type Hub struct {
	client   *redis.Client
	channels []string
	buffer   int
	log      *logrus.Entry
	metrics  metrics.Sink // optional, nil = disabled

	clock func() time.Time

	mu       sync.Mutex
	ready    bool
	closed   bool
	starting chan struct{} // non-nil while an attach attempt is in flight
	pubsubs  []*redis.PubSub
	wg       sync.WaitGroup

	subMu       sync.RWMutex
	subscribers map[int]chan domain.QueueEvent
	nextID      int

	seenMu sync.Mutex
	seen   map[string]time.Time
}

// New builds a hub over the given pub/sub channels, one per physical
// queue. buffer bounds each subscriber's channel; zero or negative selects
// DefaultSubscriberBuffer.
func New(client *redis.Client, channels []string, buffer int, logger *logrus.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{
		client:      client,
		channels:    channels,
		buffer:      buffer,
		log:         logger.WithField("component", "events"),
		clock:       time.Now,
		subscribers: make(map[int]chan domain.QueueEvent),
		seen:        make(map[string]time.Time),
	}
}

// WithMetrics attaches a metrics sink to the hub.
func (h *Hub) WithMetrics(sink metrics.Sink) *Hub {
	h.metrics = sink
	return h
}

// Ready attaches the queue listeners. It is idempotent and safe to call
// concurrently: exactly one attach attempt runs at a time, concurrent
// callers wait for it, and a failed attempt leaves the hub unattached so
// a later call can retry.
func (h *Hub) Ready(ctx context.Context) error {
	for {
		h.mu.Lock()
		switch {
		case h.closed:
			h.mu.Unlock()
			return ErrClosed
		case h.ready:
			h.mu.Unlock()
			return nil
		case h.starting != nil:
			inflight := h.starting
			h.mu.Unlock()
			select {
			case <-inflight:
				// Re-inspect: the attempt either succeeded or left the
				// hub unattached for this caller to retry.
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			inflight := make(chan struct{})
			h.starting = inflight
			h.mu.Unlock()

			pubsubs, err := h.attach(ctx)

			h.mu.Lock()
			h.starting = nil
			if err == nil {
				if h.closed {
					err = ErrClosed
					for _, ps := range pubsubs {
						ps.Close()
					}
				} else {
					h.ready = true
					h.pubsubs = pubsubs
					for i, ps := range pubsubs {
						h.wg.Add(1)
						go h.listen(ps, h.channels[i])
					}
				}
			}
			h.mu.Unlock()
			close(inflight)

			if err != nil {
				return err
			}
			h.log.WithField("channels", len(h.channels)).Info("event hub ready")
			return nil
		}
	}
}

// attach opens one pub/sub listener per channel and confirms each
// subscription before any goroutine starts consuming.
func (h *Hub) attach(ctx context.Context) ([]*redis.PubSub, error) {
	pubsubs := make([]*redis.PubSub, 0, len(h.channels))
	for _, channel := range h.channels {
		ps := h.client.Subscribe(ctx, channel)
		if _, err := ps.Receive(ctx); err != nil {
			ps.Close()
			for _, open := range pubsubs {
				open.Close()
			}
			return nil, err
		}
		pubsubs = append(pubsubs, ps)
	}
	return pubsubs, nil
}

func (h *Hub) listen(ps *redis.PubSub, channel string) {
	defer h.wg.Done()
	for msg := range ps.Channel() {
		var event domain.QueueEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			h.log.WithError(err).WithField("channel", channel).Warn("event decode failed")
			continue
		}
		h.deliver(event)
	}
}

// deliver suppresses duplicate occurrences then fans the event out.
func (h *Hub) deliver(event domain.QueueEvent) {
	if h.isDuplicate(event) {
		return
	}
	h.dispatch(event)
}

// isDuplicate reports whether the same occurrence was already delivered
// inside the dedup window. Listener reconnects and overlapping queue
// listeners can replay an occurrence; run-state consumers additionally
// guard their own terminal transitions.
func (h *Hub) isDuplicate(event domain.QueueEvent) bool {
	key := event.Key()
	now := h.clock()

	h.seenMu.Lock()
	defer h.seenMu.Unlock()

	if at, ok := h.seen[key]; ok && now.Sub(at) < dedupWindow {
		return true
	}
	if len(h.seen) >= dedupHighWater {
		for k, at := range h.seen {
			if now.Sub(at) >= dedupWindow {
				delete(h.seen, k)
			}
		}
	}
	h.seen[key] = now
	return false
}

// dispatch sends the event to every current subscriber. Sends never
// block: a subscriber whose buffer is full loses the event, keeping one
// slow stream from stalling the rest.
func (h *Hub) dispatch(event domain.QueueEvent) {
	h.subMu.RLock()
	targets := make([]chan domain.QueueEvent, 0, len(h.subscribers))
	for _, ch := range h.subscribers {
		targets = append(targets, ch)
	}
	h.subMu.RUnlock()

	dropped := 0
	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			dropped++
		}
	}

	if h.metrics != nil {
		h.metrics.EventDispatched(string(event.Event))
		for i := 0; i < dropped; i++ {
			h.metrics.EventDropped()
		}
	}
	if dropped > 0 {
		h.log.WithFields(logrus.Fields{
			"event":   string(event.Event),
			"dropped": dropped,
		}).Debug("slow subscribers lost an event")
	}
}

// Subscribe registers a new subscriber and returns its event channel plus
// an unsubscribe function. The channel is never closed by the hub; callers
// stop reading on their own teardown and MUST call unsubscribe, or the hub
// keeps their buffer alive forever.
func (h *Hub) Subscribe() (<-chan domain.QueueEvent, func()) {
	ch := make(chan domain.QueueEvent, h.buffer)

	h.subMu.Lock()
	id := h.nextID
	h.nextID++
	h.subscribers[id] = ch
	count := len(h.subscribers)
	h.subMu.Unlock()

	h.recordSubscribers(count)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.subMu.Lock()
			delete(h.subscribers, id)
			count := len(h.subscribers)
			h.subMu.Unlock()
			h.recordSubscribers(count)
		})
	}
	return ch, unsubscribe
}

// SubscriberCount reports the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.subMu.RLock()
	defer h.subMu.RUnlock()
	return len(h.subscribers)
}

// Close detaches the queue listeners and rejects further Ready calls.
// Subscriber channels stay open (the hub never closes them); subscribers
// observe shutdown through their own contexts.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.ready = false
	pubsubs := h.pubsubs
	h.pubsubs = nil
	h.mu.Unlock()

	for _, ps := range pubsubs {
		if err := ps.Close(); err != nil {
			h.log.WithError(err).Warn("listener close failed")
		}
	}
	h.wg.Wait()
	h.log.Info("event hub closed")
	return nil
}

func (h *Hub) recordSubscribers(count int) {
	if h.metrics != nil {
		h.metrics.SubscriberCountUpdate(count)
	}
}
