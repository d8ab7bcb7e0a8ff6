package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeHealth reports a backend health transition
	EventTypeHealth EventType = "health"
	// EventTypeInference reports a completed Embed or Predict request
	EventTypeInference EventType = "inference"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypePong answers a client ping
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	RequestID string    `json:"request_id,omitempty"`
}

// HealthEvent is the payload of EventTypeHealth.
type HealthEvent struct {
	Backend  string `json:"backend"`
	Healthy  bool   `json:"healthy"`
	Previous bool   `json:"previous"`
	Error    string `json:"error,omitempty"`
}

// InferenceEvent is the payload of EventTypeInference.
type InferenceEvent struct {
	Method     string        `json:"method"`
	Backend    string        `json:"backend"`
	Sequences  int           `json:"sequences"`
	Tokens     int           `json:"tokens"`
	StatusCode int           `json:"status_code"`
	ErrorKind  string        `json:"error_kind,omitempty"`
	Duration   time.Duration `json:"duration"`
	ClientIP   string        `json:"client_ip"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action    string `json:"action"` // "connected", "disconnected"
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type   string      `json:"type"`
	Events []EventType `json:"events,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID          string
	Conn        *websocket.Conn
	Send        chan Event
	ConnectedAt time.Time
	IP          string
	UserAgent   string

	mu         sync.RWMutex
	subscribed map[EventType]bool
	lastPong   time.Time
}

// Subscribe limits the client to events of the given types. An empty list
// subscribes to everything.
func (c *Client) Subscribe(events []EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(events) == 0 {
		c.subscribed = nil
		return
	}
	c.subscribed = make(map[EventType]bool, len(events))
	for _, e := range events {
		c.subscribed[e] = true
	}
}

// Wants reports whether the client's subscription covers t.
func (c *Client) Wants(t EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscribed == nil || c.subscribed[t]
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastPong = time.Now()
	c.mu.Unlock()
}

// LastPong returns when the client last answered a ping.
func (c *Client) LastPong() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPong
}
