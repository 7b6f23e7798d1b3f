// Package broadcast fans seat state out to everyone watching a show.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"cinema-seats/metrics"
	"cinema-seats/shared"
)

// Publisher delivers a seat update to the subscribers of its show. Delivery
// is best effort: a subscriber that misses an update resyncs via status.
type Publisher interface {
	Publish(ctx context.Context, update shared.SeatUpdate) error
}

// HubStats tracks statistics for the hub
type HubStats struct {
	TotalClients      int       `json:"total_clients"`
	TotalShows        int       `json:"total_shows"`
	TotalMessages     int64     `json:"total_messages"`
	DroppedMessages   int64     `json:"dropped_messages"`
	StartedAt         time.Time `json:"started_at"`
	LastBroadcastTime time.Time `json:"last_broadcast_time"`
}

type envelope struct {
	showKey string
	kind    string
	data    []byte
}

// Hub maintains the set of subscribers and the shows each one watches.
type Hub struct {
	// Registered subscribers
	subscribers map[*Subscriber]struct{}

	// Subscribers per show key
	shows map[string]map[*Subscriber]struct{}

	// Outbound updates waiting for fan-out
	broadcast chan envelope

	stats HubStats

	mu sync.RWMutex

	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewHub(m *metrics.Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		subscribers: make(map[*Subscriber]struct{}),
		shows:       make(map[string]map[*Subscriber]struct{}),
		broadcast:   make(chan envelope, 256),
		stats: HubStats{
			StartedAt: time.Now(),
		},
		metrics: m,
		logger:  logger,
	}
}

// Run fans queued updates out until ctx is done, then disconnects every
// subscriber.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case env := <-h.broadcast:
			h.fanOut(env)
		}
	}
}

// Register adds sub and greets it with a WELCOME message.
func (h *Hub) Register(sub *Subscriber) {
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.stats.TotalClients = len(h.subscribers)
	total := h.stats.TotalClients
	h.mu.Unlock()

	h.metrics.Subscribers.Inc()
	h.logger.Debug("subscriber registered", zap.String("client_id", sub.id), zap.Int("total_clients", total))

	welcome := shared.ServerMessage{
		Type: shared.MessageTypeWelcome,
		Data: map[string]interface{}{
			"clientId":     sub.id,
			"totalClients": total,
			"serverTime":   time.Now().Unix(),
		},
	}
	if data, err := json.Marshal(welcome); err == nil {
		sub.Enqueue(data)
	}
}

// Unregister removes sub from every show and closes its send channel.
func (h *Hub) Unregister(sub *Subscriber) {
	h.mu.Lock()
	_, ok := h.subscribers[sub]
	if ok {
		delete(h.subscribers, sub)
		for key := range sub.shows {
			h.leaveLocked(sub, key)
		}
		h.stats.TotalClients = len(h.subscribers)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	sub.close()
	h.metrics.Subscribers.Dec()
	h.logger.Debug("subscriber unregistered", zap.String("client_id", sub.id))
}

// Subscribe starts delivering updates for showKey to sub.
func (h *Hub) Subscribe(sub *Subscriber, showKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subscribers[sub]; !ok {
		return
	}
	set, ok := h.shows[showKey]
	if !ok {
		set = make(map[*Subscriber]struct{})
		h.shows[showKey] = set
	}
	set[sub] = struct{}{}
	sub.shows[showKey] = struct{}{}
	h.stats.TotalShows = len(h.shows)
}

func (h *Hub) Unsubscribe(sub *Subscriber, showKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(sub, showKey)
}

func (h *Hub) leaveLocked(sub *Subscriber, showKey string) {
	delete(sub.shows, showKey)
	if set, ok := h.shows[showKey]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.shows, showKey)
		}
	}
	h.stats.TotalShows = len(h.shows)
}

// Publish queues update for fan-out. It never blocks; when the queue is full
// the update is dropped.
func (h *Hub) Publish(_ context.Context, update shared.SeatUpdate) error {
	msgType, kind := shared.MessageTypeSeatUpdate, "delta"
	if update.Reload {
		msgType, kind = shared.MessageTypeSeatReload, "reload"
	}
	data, err := json.Marshal(shared.ServerMessage{Type: msgType, Data: update})
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- envelope{showKey: update.ShowKey, kind: kind, data: data}:
	default:
		h.dropped(1)
		h.logger.Warn("broadcast queue full, dropping update", zap.String("show_key", update.ShowKey))
	}
	return nil
}

func (h *Hub) fanOut(env envelope) {
	h.mu.RLock()
	targets := make([]*Subscriber, 0, len(h.shows[env.showKey]))
	for sub := range h.shows[env.showKey] {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	drops := 0
	for _, sub := range targets {
		if !sub.Enqueue(env.data) {
			drops++
			h.logger.Debug("subscriber buffer full, dropping update",
				zap.String("client_id", sub.id), zap.String("show_key", env.showKey))
		}
	}

	h.mu.Lock()
	h.stats.TotalMessages++
	h.stats.LastBroadcastTime = time.Now()
	h.mu.Unlock()

	h.metrics.BroadcastsTotal.WithLabelValues(env.kind).Inc()
	if drops > 0 {
		h.dropped(drops)
	}
}

func (h *Hub) dropped(n int) {
	h.mu.Lock()
	h.stats.DroppedMessages += int64(n)
	h.mu.Unlock()
	h.metrics.BroadcastDrops.Add(float64(n))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.Unregister(sub)
	}
}

// GetStats returns current hub statistics
func (h *Hub) GetStats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

// GetClientCount returns the current number of connected subscribers
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// SubscriberCount returns how many subscribers watch showKey.
func (h *Hub) SubscriberCount(showKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.shows[showKey])
}

// Subscriber is one connection's mailbox. The hub owns the send channel and
// closes it on Unregister.
type Subscriber struct {
	id    string
	send  chan []byte
	shows map[string]struct{} // guarded by Hub.mu

	mu     sync.Mutex
	closed bool
}

func NewSubscriber(id string, buffer int) *Subscriber {
	return &Subscriber{
		id:    id,
		send:  make(chan []byte, buffer),
		shows: make(map[string]struct{}),
	}
}

func (s *Subscriber) ID() string { return s.id }

// Messages is closed once the subscriber is unregistered.
func (s *Subscriber) Messages() <-chan []byte { return s.send }

// Enqueue hands msg to the subscriber without blocking. It reports false when
// the buffer is full or the subscriber is gone.
func (s *Subscriber) Enqueue(msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

var _ Publisher = (*Hub)(nil)
