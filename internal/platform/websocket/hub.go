// Package websocket delivers real-time case workspace events. It
// implements a hub-and-spoke pattern where each connected client
// subscribes to topics (a case channel or a per-user channel) and
// receives frames broadcast to those topics. Case event frames carry
// the document version they were produced at, and the hub keeps a
// bounded replay buffer per case so a reconnecting client can resume
// from the last version it saw.
package websocket

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Frame types delivered to clients. Unknown types must be ignored by
// consumers, never treated as fatal.
const (
	FrameCaseEvent    = "case_event"
	FrameNotification = "notification"
	FramePresence     = "presence"
	FrameResync       = "resync"
	FramePong         = "pong"
)

// Frame is the wire envelope for every message sent to a client.
type Frame struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Version   int64           `json:"version,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage represents an inbound message from a client.
type ClientMessage struct {
	Action string   `json:"action"` // subscribe | unsubscribe | resume | ping
	Topics []string `json:"topics,omitempty"`
	Topic  string   `json:"topic,omitempty"`
	Since  int64    `json:"since,omitempty"`
}

// CaseTopic names the broadcast topic for a case channel.
func CaseTopic(caseID string) string {
	return "case/" + caseID
}

// UserTopic names the broadcast topic for a user's notification channel.
func UserTopic(userID string) string {
	return "user/" + userID
}

// TextMessage is the WebSocket text message type, matching RFC 6455
// opcode 1. All frames on the wire are JSON text.
const TextMessage = 1

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
	hub    *Hub
	conn   Conn
}

// replayBuffer is a bounded ring of case event frames, ordered by
// version, used to answer resume requests after a reconnect.
type replayBuffer struct {
	frames []Frame
	max    int
}

func (b *replayBuffer) push(f Frame) {
	b.frames = append(b.frames, f)
	if len(b.frames) > b.max {
		b.frames = b.frames[len(b.frames)-b.max:]
	}
}

// since returns the buffered frames with version > v. The second return
// is false when the buffer no longer reaches back to v, meaning the
// client must resync from a fresh snapshot instead.
func (b *replayBuffer) since(v int64) ([]Frame, bool) {
	if len(b.frames) == 0 {
		return nil, true
	}
	if b.frames[0].Version > v+1 {
		return nil, false
	}
	var out []Frame
	for _, f := range b.frames {
		if f.Version > v {
			out = append(out, f)
		}
	}
	return out, true
}

// Hub is the central connection manager that tracks clients, their
// topic subscriptions, and per-case replay buffers. All operations are
// thread-safe via sync.RWMutex.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}            // all connected clients
	replay  map[string]*replayBuffer        // case topic -> recent case events
	bufSize int
}

// NewHub creates a new Hub. bufSize bounds the per-case replay buffer.
func NewHub(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		replay:  make(map[string]*replayBuffer),
		bufSize: bufSize,
	}
}

// Register adds a client to the hub and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}

	for _, topic := range client.Topics {
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
	}
}

// Unregister removes a client from the hub, all topic subscriptions,
// and closes the client's Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}

	for _, topic := range client.Topics {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}

	delete(h.all, client)
	close(client.Send)
}

// Subscribe dynamically adds topics to an already-registered client.
// Topics the client already holds are skipped, so repeated resumes do
// not accumulate duplicates.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	held := make(map[string]struct{}, len(client.Topics))
	for _, t := range client.Topics {
		held[t] = struct{}{}
	}

	for _, topic := range topics {
		if _, ok := held[topic]; ok {
			continue
		}
		held[topic] = struct{}{}
		if h.clients[topic] == nil {
			h.clients[topic] = make(map[*Client]struct{})
		}
		h.clients[topic][client] = struct{}{}
		client.Topics = append(client.Topics, topic)
	}
}

// Unsubscribe dynamically removes topics from an already-registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		removeSet[t] = struct{}{}
	}

	for _, topic := range topics {
		if subscribers, ok := h.clients[topic]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, topic)
			}
		}
	}

	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, rm := removeSet[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

// ProcessMessage handles an inbound ClientMessage, dispatching by action.
// Unknown actions are ignored.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	case "resume":
		h.Resume(client, msg.Topic, msg.Since)
	case "ping":
		h.sendTo(client, Frame{Type: FramePong, Timestamp: time.Now().UTC()})
	}
}

// Resume replays buffered case event frames newer than since to the
// client, subscribing it to the topic first. If the buffer no longer
// covers since, a resync frame is sent so the client re-fetches the
// document snapshot.
func (h *Hub) Resume(client *Client, topic string, since int64) {
	h.Subscribe(client, []string{topic})

	h.mu.RLock()
	buf := h.replay[topic]
	h.mu.RUnlock()

	if buf == nil {
		return
	}

	h.mu.RLock()
	frames, ok := buf.since(since)
	h.mu.RUnlock()

	if !ok {
		h.sendTo(client, Frame{Type: FrameResync, Topic: topic, Timestamp: time.Now().UTC()})
		return
	}
	for _, f := range frames {
		h.sendTo(client, f)
	}
}

// sendTo delivers a frame to a single client. The send happens under
// the read lock so Unregister, which closes Send under the write lock,
// cannot interleave with it.
func (h *Hub) sendTo(client *Client, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	select {
	case client.Send <- data:
	default:
		// Client buffer full; skip to avoid blocking.
	}
}

// Broadcast sends a frame to all clients subscribed to its topic. Case
// event frames are additionally recorded in the topic's replay buffer.
func (h *Hub) Broadcast(f Frame) {
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(f)
	if err != nil {
		return
	}

	if f.Type == FrameCaseEvent {
		h.mu.Lock()
		buf := h.replay[f.Topic]
		if buf == nil {
			buf = &replayBuffer{max: h.bufSize}
			h.replay[f.Topic] = buf
		}
		buf.push(f)
		h.mu.Unlock()
	}

	// Sends stay under the read lock so a racing Unregister cannot
	// close a Send channel mid-broadcast.
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[f.Topic] {
		select {
		case client.Send <- data:
		default:
			// Client buffer full; skip to avoid blocking.
		}
	}
}

// BroadcastEvent marshals data and broadcasts it as a frame of the
// given type on topic.
func (h *Hub) BroadcastEvent(topic, frameType string, version int64, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", frameType, err)
	}
	h.Broadcast(Frame{
		Type:      frameType,
		Topic:     topic,
		Version:   version,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	})
	return nil
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a specific topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}
