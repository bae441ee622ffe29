// Package events implements the in-process typed pub/sub broker. Fanout
// is per-subscriber and never blocks a publisher: each subscription holds
// a bounded priority queue, and when it overflows the lowest-priority
// pending event is dropped and counted.
package events

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chimera/internal/logging"
	"chimera/internal/metrics"
)

// Options configures a Broker.
type Options struct {
	// BufferSize is the retained diagnostic ring size (default 1000).
	BufferSize int
	// SubscriberQueueSize bounds each subscription's pending queue
	// (default 256).
	SubscriberQueueSize int
	// DropAlertThreshold is the per-subscriber drop count interval at
	// which a system_alert is published. Zero disables alerting.
	DropAlertThreshold int
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Broker fans events out to subscribers.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	// Diagnostic ring of recent events.
	ring     []Event
	ringNext int
	ringFull bool

	totalByType map[EventType]uint64

	nextID atomic.Uint64

	queueSize      int
	ringSize       int
	alertThreshold int
	metrics        *metrics.Metrics
}

// Stats is a point-in-time broker snapshot.
type Stats struct {
	TotalEvents       uint64
	ByType            map[EventType]uint64
	ActiveSubscribers int
	Recent            []Event // newest first
	SubscriberDrops   map[string]uint64
}

// NewBroker creates a broker. Zero option fields take their defaults.
func NewBroker(opts Options) *Broker {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.SubscriberQueueSize <= 0 {
		opts.SubscriberQueueSize = 256
	}
	return &Broker{
		subs:           make(map[string]*Subscription),
		ring:           make([]Event, opts.BufferSize),
		totalByType:    make(map[EventType]uint64),
		queueSize:      opts.SubscriberQueueSize,
		ringSize:       opts.BufferSize,
		alertThreshold: opts.DropAlertThreshold,
		metrics:        opts.Metrics,
	}
}

// Publish publishes an event at its type's default priority and returns
// the assigned id. Returns 0 when the broker is closed.
func (b *Broker) Publish(t EventType, data map[string]interface{}) uint64 {
	return b.PublishWithPriority(t, data, DefaultPriority(t))
}

// PublishWithPriority publishes with an explicit priority. It never
// blocks: slow subscribers lose their lowest-priority pending events.
func (b *Broker) PublishWithPriority(t EventType, data map[string]interface{}, priority int) uint64 {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0
	}
	id := b.nextID.Add(1)
	ev := Event{
		ID:        id,
		Type:      t,
		Data:      data,
		Timestamp: time.Now(),
		Priority:  priority,
	}

	b.ring[b.ringNext] = ev
	b.ringNext = (b.ringNext + 1) % b.ringSize
	if b.ringNext == 0 {
		b.ringFull = true
	}
	b.totalByType[t]++

	targets := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.filter == Wildcard || s.filter == t {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	b.metrics.EventPublished(string(t))

	type alert struct {
		subscriberID string
		drops        uint64
	}
	var alerts []alert
	for _, s := range targets {
		if !s.enqueue(ev, b.queueSize) {
			continue
		}
		b.metrics.EventDropped()
		drops := s.dropped.Load()
		// Alerting on dropped alerts would feed back into itself.
		if b.alertThreshold > 0 && t != SystemAlert && drops%uint64(b.alertThreshold) == 0 {
			alerts = append(alerts, alert{subscriberID: s.SubscriberID, drops: drops})
		}
	}
	for _, a := range alerts {
		logging.EventsWarn("subscriber %s dropped %d events", a.subscriberID, a.drops)
		b.PublishWithPriority(SystemAlert, map[string]interface{}{
			"reason":        "subscriber_backpressure",
			"subscriber_id": a.subscriberID,
			"dropped":       a.drops,
		}, PrioritySystemAlert)
	}
	return id
}

// Subscribe registers a subscriber for one event type or the wildcard.
// Historical events are not replayed. The returned subscription's Events
// channel is closed on Unsubscribe or broker Close.
func (b *Broker) Subscribe(subscriberID string, filter EventType) *Subscription {
	if filter == "" {
		filter = Wildcard
	}
	s := &Subscription{
		ID:           uuid.NewString(),
		SubscriberID: subscriberID,
		filter:       filter,
		out:          make(chan Event, 1),
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s
	}
	b.subs[s.ID] = s
	n := len(b.subs)
	b.mu.Unlock()

	b.metrics.SetActiveSubscribers(n)
	logging.EventsDebug("subscriber %s attached (filter=%s, sub=%s)", subscriberID, filter, s.ID)

	go s.pump()
	return s
}

// Unsubscribe detaches a subscription and closes its Events channel.
func (b *Broker) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, s.ID)
	n := len(b.subs)
	b.mu.Unlock()

	s.close()
	b.metrics.SetActiveSubscribers(n)
	logging.EventsDebug("subscriber %s detached (sub=%s, dropped=%d)", s.SubscriberID, s.ID, s.Dropped())
}

// Close shuts the broker down and closes every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
	b.metrics.SetActiveSubscribers(0)
}

// Stats returns a snapshot of broker counters and the retained ring.
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	byType := make(map[EventType]uint64, len(b.totalByType))
	var total uint64
	for t, n := range b.totalByType {
		byType[t] = n
		total += n
	}

	// Ring contents newest first.
	var recent []Event
	count := b.ringNext
	if b.ringFull {
		count = b.ringSize
	}
	recent = make([]Event, 0, count)
	for i := 0; i < count; i++ {
		idx := (b.ringNext - 1 - i + b.ringSize) % b.ringSize
		recent = append(recent, b.ring[idx])
	}

	drops := make(map[string]uint64, len(b.subs))
	for _, s := range b.subs {
		drops[s.SubscriberID] = s.dropped.Load()
	}

	return Stats{
		TotalEvents:       total,
		ByType:            byType,
		ActiveSubscribers: len(b.subs),
		Recent:            recent,
		SubscriberDrops:   drops,
	}
}

// =============================================================================
// SUBSCRIPTION
// =============================================================================

// Subscription is one subscriber's handle. Events are delivered in
// priority order, ties broken by ascending id; a subscriber that keeps up
// therefore observes ascending ids.
type Subscription struct {
	ID           string
	SubscriberID string

	filter EventType

	mu      sync.Mutex
	pending eventHeap

	out    chan Event
	notify chan struct{}
	done   chan struct{}

	dropped   atomic.Uint64
	closeOnce sync.Once
}

// Events returns the delivery channel. It is closed when the
// subscription is detached.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Dropped returns how many events were discarded for this subscriber.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// enqueue adds an event to the pending queue, evicting the worst pending
// event when the queue is over capacity. Reports whether an event was
// dropped. Never blocks.
func (s *Subscription) enqueue(ev Event, max int) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	s.mu.Lock()
	heap.Push(&s.pending, ev)
	var droppedEv bool
	if s.pending.Len() > max {
		s.evictWorstLocked()
		droppedEv = true
	}
	s.mu.Unlock()

	if droppedEv {
		s.dropped.Add(1)
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return droppedEv
}

// evictWorstLocked removes the lowest-priority pending event; among equal
// priorities the newest (highest id) goes first, so the longest-waiting
// event of a given priority survives.
func (s *Subscription) evictWorstLocked() {
	worst := 0
	for i := 1; i < s.pending.Len(); i++ {
		if s.pending[i].Priority < s.pending[worst].Priority ||
			(s.pending[i].Priority == s.pending[worst].Priority && s.pending[i].ID > s.pending[worst].ID) {
			worst = i
		}
	}
	heap.Remove(&s.pending, worst)
}

// pump moves events from the pending queue to the delivery channel.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var ev Event
		ok := s.pending.Len() > 0
		if ok {
			ev = heap.Pop(&s.pending).(Event)
		}
		s.mu.Unlock()

		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// eventHeap orders events by descending priority, then ascending id.
type eventHeap []Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].ID < h[j].ID
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x interface{}) {
	*h = append(*h, x.(Event))
}

func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	ev := old[n-1]
	*h = old[:n-1]
	return ev
}
