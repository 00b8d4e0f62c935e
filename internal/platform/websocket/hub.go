// Package websocket is the signaling relay. Clients connect either to their
// own notification topic or to a call room; the hub routes frames between
// them.
package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

const (
	notificationPrefix = "notifications:"
	callPrefix         = "call:"

	// DefaultPendingLimit caps frames held for a call room with one member.
	DefaultPendingLimit = 64
)

// NotificationTopic is the topic an identity's notification socket joins.
func NotificationTopic(identity string) string { return notificationPrefix + identity }

// CallTopic is the topic every participant of room joins.
func CallTopic(room string) string { return callPrefix + room }

func isCallTopic(topic string) bool { return strings.HasPrefix(topic, callPrefix) }

// Envelope is a frame addressed to a topic.
type Envelope struct {
	Topic  string          `json:"topic"`
	Data   json.RawMessage `json:"data"`
	Origin string          `json:"origin,omitempty"`
}

// Publisher delivers envelopes to topic subscribers, possibly on other relay
// instances.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Client is one connected socket. It belongs to exactly one topic.
type Client struct {
	ID       string
	Identity string
	Topic    string
	Send     chan []byte
}

type leftMessage struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithPendingLimit sets how many frames a lone call participant may send
// before the next ones are dropped.
func WithPendingLimit(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.pendingLimit = n
		}
	}
}

// Hub tracks clients by topic. Frames sent into a call room with no other
// member are held and handed to the next client that joins the room.
type Hub struct {
	logger       zerolog.Logger
	pendingLimit int

	mu      sync.RWMutex
	topics  map[string]map[*Client]struct{}
	all     map[*Client]struct{}
	pending map[string][][]byte
}

func NewHub(logger zerolog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		logger:       logger.With().Str("component", "relay").Logger(),
		pendingLimit: DefaultPendingLimit,
		topics:       make(map[string]map[*Client]struct{}),
		all:          make(map[*Client]struct{}),
		pending:      make(map[string][][]byte),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds client to its topic. Frames held for a call room are
// flushed to it.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	if h.topics[client.Topic] == nil {
		h.topics[client.Topic] = make(map[*Client]struct{})
	}
	h.topics[client.Topic][client] = struct{}{}

	held := h.pending[client.Topic]
	if len(held) == 0 {
		return
	}
	delete(h.pending, client.Topic)
	for _, data := range held {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("topic", client.Topic).Msg("send buffer full, held frame dropped")
		}
	}
	h.logger.Debug().Str("topic", client.Topic).Int("frames", len(held)).Msg("held frames delivered")
}

// Unregister removes client and closes its Send channel. Remaining call room
// members are told the client left; an emptied room forgets held frames.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	delete(h.all, client)
	close(client.Send)

	members := h.topics[client.Topic]
	delete(members, client)
	if len(members) == 0 {
		delete(h.topics, client.Topic)
		delete(h.pending, client.Topic)
		return
	}

	if !isCallTopic(client.Topic) {
		return
	}
	data, err := json.Marshal(leftMessage{Type: "user-left", UserID: client.Identity})
	if err != nil {
		return
	}
	for other := range members {
		select {
		case other.Send <- data:
		default:
		}
	}
}

// Relay forwards data from sender to every other member of its topic.
func (h *Hub) Relay(sender *Client, data []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for other := range h.topics[sender.Topic] {
		if other == sender {
			continue
		}
		select {
		case other.Send <- data:
			n++
		default:
			h.logger.Warn().Str("topic", sender.Topic).Str("client", other.ID).Msg("send buffer full, frame dropped")
		}
	}
	if n > 0 || !isCallTopic(sender.Topic) {
		return n
	}

	held := h.pending[sender.Topic]
	if len(held) >= h.pendingLimit {
		h.logger.Warn().Str("topic", sender.Topic).Msg("pending limit reached, frame dropped")
		return 0
	}
	h.pending[sender.Topic] = append(held, data)
	return 0
}

// Deliver sends data to every member of topic and reports how many received
// it.
func (h *Hub) Deliver(topic string, data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for client := range h.topics[topic] {
		select {
		case client.Send <- data:
			n++
		default:
		}
	}
	return n
}

// Publish delivers env locally.
func (h *Hub) Publish(_ context.Context, env Envelope) error {
	n := h.Deliver(env.Topic, env.Data)
	h.logger.Debug().Str("topic", env.Topic).Int("receivers", n).Msg("published")
	return nil
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients in topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// PendingCount returns how many frames are held for topic.
func (h *Hub) PendingCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pending[topic])
}

// Stats summarizes hub occupancy.
type Stats struct {
	Clients int `json:"clients"`
	Rooms   int `json:"rooms"`
	Online  int `json:"online"`
	Pending int `json:"pending"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Stats{Clients: len(h.all)}
	for topic := range h.topics {
		if isCallTopic(topic) {
			s.Rooms++
		} else {
			s.Online++
		}
	}
	for _, held := range h.pending {
		s.Pending += len(held)
	}
	return s
}
