// Package channel maintains a client's event channel to the workspace
// server. It owns the connection lifecycle: dialing, subscribing,
// resuming from the last seen version after a drop, heartbeating, and
// reconnecting with capped exponential backoff. Consumers register
// typed frame handlers; frame types they do not know are ignored.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/caseflow/caseflow/internal/platform/websocket"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Dialer opens one connection attempt. Implementations wrap the
// gorilla dialer in production and scripted conns in tests.
type Dialer interface {
	Dial(ctx context.Context) (websocket.Conn, error)
}

// Handler consumes one inbound frame.
type Handler func(frame websocket.Frame)

// ErrNotConnected is returned by Send while the channel is down.
var ErrNotConnected = errors.New("channel not connected")

const (
	defaultBackoffBase  = time.Second
	defaultBackoffMax   = 30 * time.Second
	defaultPingInterval = 30 * time.Second
)

// Config carries the channel's tunables. Zero durations take defaults.
type Config struct {
	Dialer       Dialer
	Topics       []string
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	PingInterval time.Duration
	Logger       zerolog.Logger
}

// Manager runs one event channel and dispatches its frames.
type Manager struct {
	cfg Config

	mu          sync.Mutex
	handlers    map[string]Handler
	onState     func(State)
	state       State
	topics      []string
	lastVersion map[string]int64
	conn        websocket.Conn
	rng         *rand.Rand
}

func NewManager(cfg Config) *Manager {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	return &Manager{
		cfg:         cfg,
		handlers:    make(map[string]Handler),
		topics:      append([]string(nil), cfg.Topics...),
		lastVersion: make(map[string]int64),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Handle registers the handler for one frame type. Frames of types
// with no handler are dropped silently.
func (m *Manager) Handle(frameType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[frameType] = h
}

// OnStateChange registers a callback invoked on every state
// transition. It runs on the channel's goroutine and must not block.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastVersion returns the newest version seen on a topic, zero if none.
func (m *Manager) LastVersion(topic string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastVersion[topic]
}

// Subscribe adds topics to the subscription set and, when connected,
// tells the server immediately. New topics survive reconnects.
func (m *Manager) Subscribe(topics ...string) error {
	m.mu.Lock()
	known := make(map[string]bool, len(m.topics))
	for _, t := range m.topics {
		known[t] = true
	}
	added := make([]string, 0, len(topics))
	for _, t := range topics {
		if !known[t] {
			m.topics = append(m.topics, t)
			added = append(added, t)
		}
	}
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || len(added) == 0 {
		return nil
	}
	return m.Send(websocket.ClientMessage{Action: "subscribe", Topics: added})
}

// Send writes one client message on the live connection.
func (m *Manager) Send(msg websocket.ClientMessage) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Run drives the channel until the context is cancelled. Every exit
// path stops the ping loop and releases the connection; no timers
// outlive the call.
func (m *Manager) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.setState(StateConnecting)
		conn, err := m.cfg.Dialer.Dial(ctx)
		if err != nil {
			m.setState(StateDisconnected)
			m.cfg.Logger.Warn().Err(err).Int("attempt", attempt).Msg("channel dial failed")
			if werr := m.wait(ctx, m.backoff(attempt)); werr != nil {
				return werr
			}
			attempt++
			continue
		}

		attempt = 0
		m.setState(StateConnected)
		err = m.serve(ctx, conn)
		m.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.cfg.Logger.Warn().Err(err).Msg("channel dropped, reconnecting")
		if werr := m.wait(ctx, m.backoff(attempt)); werr != nil {
			return werr
		}
		attempt++
	}
}

// serve runs one connection to completion: subscribe, resume from the
// last seen versions, heartbeat, and read until failure.
func (m *Manager) serve(ctx context.Context, conn websocket.Conn) error {
	m.mu.Lock()
	m.conn = conn
	topics := append([]string(nil), m.topics...)
	resumes := make(map[string]int64, len(m.lastVersion))
	for topic, v := range m.lastVersion {
		resumes[topic] = v
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		conn.Close()
	}()

	if len(topics) > 0 {
		if err := m.Send(websocket.ClientMessage{Action: "subscribe", Topics: topics}); err != nil {
			return err
		}
	}
	for topic, since := range resumes {
		if err := m.Send(websocket.ClientMessage{Action: "resume", Topic: topic, Since: since}); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	defer close(done)

	// Close the conn on cancellation so the blocked read returns.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	go m.pingLoop(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var frame websocket.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			m.cfg.Logger.Warn().Err(err).Msg("malformed frame dropped")
			continue
		}
		m.dispatch(frame)
	}
}

func (m *Manager) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := m.Send(websocket.ClientMessage{Action: "ping"}); err != nil {
				return
			}
		}
	}
}

func (m *Manager) dispatch(frame websocket.Frame) {
	m.mu.Lock()
	if frame.Version > m.lastVersion[frame.Topic] {
		m.lastVersion[frame.Topic] = frame.Version
	}
	h := m.handlers[frame.Type]
	m.mu.Unlock()
	if h != nil {
		h(frame)
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	fn := m.onState
	m.mu.Unlock()
	if changed && fn != nil {
		fn(s)
	}
}

// backoff returns the delay before the next attempt: exponential from
// the base, capped, with jitter over the upper half to avoid
// reconnecting clients stampeding the server together.
func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.BackoffBase
	for i := 0; i < attempt && d < m.cfg.BackoffMax; i++ {
		d *= 2
	}
	if d > m.cfg.BackoffMax {
		d = m.cfg.BackoffMax
	}
	half := d / 2
	m.mu.Lock()
	jitter := time.Duration(m.rng.Int63n(int64(half) + 1))
	m.mu.Unlock()
	return half + jitter
}

func (m *Manager) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
