package broadcast

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrClientNotFound is returned for operations on unknown clients
var ErrClientNotFound = errors.New("client not found")

// Publisher publishes messages to topics without blocking
type Publisher interface {
	Publish(topic string, msg Message) int
}

// Transport delivers messages to one connected client
type Transport interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// Relay forwards published messages to other processes
type Relay interface {
	Relay(topic string, msg Message) error
}

// ClientActivity describes a connected client
type ClientActivity struct {
	ClientID     string    `json:"client_id"`
	Topics       []string  `json:"topics"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	Queued       int       `json:"queued"`
}

// Stats summarizes hub state
type Stats struct {
	Clients int   `json:"clients"`
	Topics  int   `json:"topics"`
	Dropped int64 `json:"dropped"`
}

// HubConfig configures a Hub
type HubConfig struct {
	QueueSize    int
	WriteTimeout time.Duration
}

type client struct {
	id           string
	transport    Transport
	queue        chan Message
	subs         map[string]*Filter
	connectedAt  time.Time
	lastActivity atomic.Int64
	done         chan struct{}
}

func (c *client) touch(t time.Time) {
	c.lastActivity.Store(t.UnixNano())
}

func (c *client) lastSeen() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Hub fans out topic messages to registered clients.
// Each client has a bounded queue drained by its own writer goroutine,
// so a slow client never blocks Publish.
type Hub struct {
	logger       *zap.Logger
	queueSize    int
	writeTimeout time.Duration
	relay        Relay
	now          func() time.Time

	mu      sync.RWMutex
	clients map[string]*client
	topics  map[string]map[string]struct{}
	dropped atomic.Int64
}

// NewHub creates a new hub
func NewHub(cfg HubConfig, logger *zap.Logger) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Hub{
		logger:       logger.Named("broadcast"),
		queueSize:    cfg.QueueSize,
		writeTimeout: cfg.WriteTimeout,
		now:          time.Now,
		clients:      make(map[string]*client),
		topics:       make(map[string]map[string]struct{}),
	}
}

// SetRelay mirrors every published message to r
func (h *Hub) SetRelay(r Relay) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.relay = r
}

// Register adds a client, replacing any client registered under the same ID
func (h *Hub) Register(clientID string, transport Transport) {
	h.register(clientID, transport)
}

// register adds a client and returns it. A replaced client is torn down
// after the new one is in place.
func (h *Hub) register(clientID string, transport Transport) *client {
	c := &client{
		id:          clientID,
		transport:   transport,
		queue:       make(chan Message, h.queueSize),
		subs:        make(map[string]*Filter),
		connectedAt: h.now(),
		done:        make(chan struct{}),
	}
	c.touch(c.connectedAt)

	h.mu.Lock()
	previous := h.detachLocked(clientID)
	h.clients[clientID] = c
	h.mu.Unlock()

	go h.writeLoop(c)
	if previous != nil {
		<-previous.done
	}

	h.logger.Debug("Client registered", zap.String("client_id", clientID))
	return c
}

// Unregister removes a client, closes its queue and its transport
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	c := h.detachLocked(clientID)
	h.mu.Unlock()

	h.finish(c)
}

// unregisterClient removes c only while it is still the registration of its
// ID, so a stale session cannot remove a client that reconnected
func (h *Hub) unregisterClient(c *client) {
	h.mu.Lock()
	var detached *client
	if h.clients[c.id] == c {
		detached = h.detachLocked(c.id)
	}
	h.mu.Unlock()

	h.finish(detached)
}

// detachLocked removes a client from the registry and closes its queue
func (h *Hub) detachLocked(clientID string) *client {
	c, ok := h.clients[clientID]
	if !ok {
		return nil
	}
	delete(h.clients, clientID)
	for topic := range c.subs {
		h.removeSubscriber(topic, clientID)
	}
	close(c.queue)
	return c
}

// finish waits for the writer of a detached client to exit
func (h *Hub) finish(c *client) {
	if c == nil {
		return
	}
	<-c.done
	h.logger.Debug("Client unregistered", zap.String("client_id", c.id))
}

// Subscribe subscribes a client to a topic with an optional filter
func (h *Hub) Subscribe(clientID, topic string, filter *Filter) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}
	c.subs[topic] = filter
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]struct{})
		h.topics[topic] = subs
	}
	subs[clientID] = struct{}{}
	c.touch(h.now())
	return nil
}

// Unsubscribe removes a client from a topic
func (h *Hub) Unsubscribe(clientID, topic string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}
	delete(c.subs, topic)
	h.removeSubscriber(topic, clientID)
	c.touch(h.now())
	return nil
}

// removeSubscriber must be called with h.mu held
func (h *Hub) removeSubscriber(topic, clientID string) {
	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(subs, clientID)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

// Touch records client activity
func (h *Hub) Touch(clientID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.clients[clientID]; ok {
		c.touch(h.now())
	}
}

// Publish enqueues msg for every subscriber of topic whose filter allows it.
// It never blocks; messages for full queues are dropped. Returns the number
// of clients the message was queued for.
func (h *Hub) Publish(topic string, msg Message) int {
	msg.Topic = topic
	if msg.Timestamp.IsZero() {
		msg.Timestamp = h.now()
	}

	delivered := 0
	h.mu.RLock()
	for clientID := range h.topics[topic] {
		c := h.clients[clientID]
		if c == nil || !c.subs[topic].Allows(msg) {
			continue
		}
		select {
		case c.queue <- msg:
			delivered++
		default:
			h.dropped.Add(1)
			h.logger.Warn("Client queue full, dropping message",
				zap.String("client_id", clientID),
				zap.String("topic", topic),
				zap.String("type", msg.Type))
		}
	}
	relay := h.relay
	h.mu.RUnlock()

	if relay != nil {
		if err := relay.Relay(topic, msg); err != nil {
			h.logger.Warn("Failed to relay message",
				zap.String("topic", topic),
				zap.Error(err))
		}
	}
	return delivered
}

// SendTo enqueues msg for a single client regardless of subscriptions
func (h *Hub) SendTo(clientID string, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = h.now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[clientID]
	if !ok {
		return ErrClientNotFound
	}
	select {
	case c.queue <- msg:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// ReapStale unregisters clients inactive for longer than threshold
func (h *Hub) ReapStale(threshold time.Duration) int {
	cutoff := h.now().Add(-threshold)

	h.mu.RLock()
	var stale []*client
	for _, c := range h.clients {
		if c.lastSeen().Before(cutoff) {
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.unregisterClient(c)
	}
	if len(stale) > 0 {
		h.logger.Info("Reaped inactive clients", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// Activity returns a snapshot of connected clients
func (h *Hub) Activity() []ClientActivity {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]ClientActivity, 0, len(h.clients))
	for id, c := range h.clients {
		topics := make([]string, 0, len(c.subs))
		for topic := range c.subs {
			topics = append(topics, topic)
		}
		sort.Strings(topics)
		out = append(out, ClientActivity{
			ClientID:     id,
			Topics:       topics,
			ConnectedAt:  c.connectedAt,
			LastActivity: c.lastSeen(),
			Queued:       len(c.queue),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Stats returns hub counters
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Clients: len(h.clients),
		Topics:  len(h.topics),
		Dropped: h.dropped.Load(),
	}
}

// Close unregisters every client
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.unregisterClient(c)
	}
}

func (h *Hub) writeLoop(c *client) {
	defer close(c.done)
	defer func() {
		if err := c.transport.Close(); err != nil {
			h.logger.Debug("Failed to close transport",
				zap.String("client_id", c.id),
				zap.Error(err))
		}
	}()

	failed := false
	for msg := range c.queue {
		if failed {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
		err := c.transport.Send(ctx, msg)
		cancel()
		if err != nil {
			failed = true
			h.logger.Warn("Failed to deliver message, dropping client",
				zap.String("client_id", c.id),
				zap.Error(err))
			go h.unregisterClient(c)
			continue
		}
		c.touch(h.now())
	}
}
