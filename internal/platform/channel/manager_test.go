package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/caseflow/caseflow/internal/platform/websocket"
)

// scriptConn is a scripted connection: it yields queued frames to
// ReadMessage, records everything written, and fails reads once
// closed.
type scriptConn struct {
	mu     sync.Mutex
	frames chan []byte
	sent   []websocket.ClientMessage
	closed chan struct{}
	once   sync.Once
}

func newScriptConn() *scriptConn {
	return &scriptConn{
		frames: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *scriptConn) push(t *testing.T, f websocket.Frame) {
	t.Helper()
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	c.frames <- data
}

func (c *scriptConn) pushRaw(data []byte) { c.frames <- data }

func (c *scriptConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.frames:
		return 1, data, nil
	case <-c.closed:
		return 0, nil, io.ErrUnexpectedEOF
	}
}

func (c *scriptConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	var msg websocket.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.mu.Unlock()
	return nil
}

func (c *scriptConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptConn) sentMessages() []websocket.ClientMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]websocket.ClientMessage(nil), c.sent...)
}

// scriptDialer hands out conns in order, one per attempt.
type scriptDialer struct {
	mu    sync.Mutex
	conns []*scriptConn
	dials int
}

func (d *scriptDialer) Dial(ctx context.Context) (websocket.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dials >= len(d.conns) {
		return nil, errors.New("server unreachable")
	}
	conn := d.conns[d.dials]
	d.dials++
	if conn == nil {
		// A nil slot scripts a failed attempt.
		return nil, errors.New("server unreachable")
	}
	return conn, nil
}

func newTestManager(d *scriptDialer, topics ...string) *Manager {
	return NewManager(Config{
		Dialer:       d,
		Topics:       topics,
		BackoffBase:  time.Millisecond,
		BackoffMax:   4 * time.Millisecond,
		PingInterval: 5 * time.Millisecond,
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManager_SubscribesAndDispatches(t *testing.T) {
	conn := newScriptConn()
	dialer := &scriptDialer{conns: []*scriptConn{conn}}
	m := newTestManager(dialer, "case/c-1")

	var mu sync.Mutex
	var got []websocket.Frame
	m.Handle(websocket.FrameCaseEvent, func(f websocket.Frame) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- m.Run(ctx) }()

	waitFor(t, "connect", func() bool { return m.State() == StateConnected })

	sent := conn.sentMessages()
	if len(sent) == 0 || sent[0].Action != "subscribe" || len(sent[0].Topics) != 1 {
		t.Fatalf("first message = %+v, want subscribe to case/c-1", sent)
	}

	conn.push(t, websocket.Frame{Type: websocket.FrameCaseEvent, Topic: "case/c-1", Version: 6})
	waitFor(t, "frame dispatch", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	if m.LastVersion("case/c-1") != 6 {
		t.Errorf("last version = %d, want 6", m.LastVersion("case/c-1"))
	}

	cancel()
	if err := <-runDone; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
	if m.State() != StateDisconnected {
		t.Errorf("state after shutdown = %s", m.State())
	}
}

func TestManager_ReconnectResumesFromLastVersion(t *testing.T) {
	first := newScriptConn()
	second := newScriptConn()
	dialer := &scriptDialer{conns: []*scriptConn{first, second}}
	m := newTestManager(dialer, "case/c-1")

	var mu sync.Mutex
	var versions []int64
	m.Handle(websocket.FrameCaseEvent, func(f websocket.Frame) {
		mu.Lock()
		versions = append(versions, f.Version)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitFor(t, "first connect", func() bool { return m.State() == StateConnected })
	first.push(t, websocket.Frame{Type: websocket.FrameCaseEvent, Topic: "case/c-1", Version: 6})
	waitFor(t, "first frame", func() bool { return m.LastVersion("case/c-1") == 6 })

	// Drop the connection; the manager must redial and ask to resume
	// from version 6.
	first.Close()
	waitFor(t, "reconnect", func() bool {
		dialer.mu.Lock()
		defer dialer.mu.Unlock()
		return dialer.dials == 2
	})
	waitFor(t, "resume sent", func() bool {
		for _, msg := range second.sentMessages() {
			if msg.Action == "resume" && msg.Topic == "case/c-1" && msg.Since == 6 {
				return true
			}
		}
		return false
	})

	second.push(t, websocket.Frame{Type: websocket.FrameCaseEvent, Topic: "case/c-1", Version: 7})
	second.push(t, websocket.Frame{Type: websocket.FrameCaseEvent, Topic: "case/c-1", Version: 8})
	waitFor(t, "replayed frames", func() bool { return m.LastVersion("case/c-1") == 8 })

	mu.Lock()
	defer mu.Unlock()
	want := []int64{6, 7, 8}
	if len(versions) != len(want) {
		t.Fatalf("versions = %v, want %v", versions, want)
	}
	for i, v := range want {
		if versions[i] != v {
			t.Errorf("versions[%d] = %d, want %d", i, versions[i], v)
		}
	}
}

func TestManager_UnknownFrameTypeIgnored(t *testing.T) {
	conn := newScriptConn()
	dialer := &scriptDialer{conns: []*scriptConn{conn}}
	m := newTestManager(dialer, "case/c-1")

	handled := make(chan websocket.Frame, 2)
	m.Handle(websocket.FramePresence, func(f websocket.Frame) { handled <- f })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitFor(t, "connect", func() bool { return m.State() == StateConnected })

	conn.push(t, websocket.Frame{Type: "hologram", Topic: "case/c-1"})
	conn.pushRaw([]byte("not json"))
	conn.push(t, websocket.Frame{Type: websocket.FramePresence, Topic: "case/c-1"})

	select {
	case f := <-handled:
		if f.Type != websocket.FramePresence {
			t.Errorf("handled type = %s", f.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("presence frame never dispatched")
	}
	select {
	case f := <-handled:
		t.Errorf("unexpected extra dispatch: %+v", f)
	default:
	}
}

func TestManager_PingLoop(t *testing.T) {
	conn := newScriptConn()
	dialer := &scriptDialer{conns: []*scriptConn{conn}}
	m := newTestManager(dialer, "case/c-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitFor(t, "ping", func() bool {
		for _, msg := range conn.sentMessages() {
			if msg.Action == "ping" {
				return true
			}
		}
		return false
	})
}

func TestManager_StateTransitions(t *testing.T) {
	conn := newScriptConn()
	// Two failed dials before the conn is available.
	dialer := &scriptDialer{conns: []*scriptConn{nil, nil, conn}}

	var mu sync.Mutex
	var states []State
	m := newTestManager(dialer, "case/c-1")
	m.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitFor(t, "eventual connect", func() bool { return m.State() == StateConnected })

	mu.Lock()
	defer mu.Unlock()
	// connecting -> disconnected cycles for the failures, then
	// connecting -> connected.
	if len(states) < 2 || states[len(states)-1] != StateConnected {
		t.Errorf("states = %v, want to end connected", states)
	}
}

func TestBackoff_CappedAndJittered(t *testing.T) {
	m := NewManager(Config{
		Dialer:      &scriptDialer{},
		BackoffBase: time.Second,
		BackoffMax:  30 * time.Second,
	})
	m.rng = rand.New(rand.NewSource(1))

	for attempt := 0; attempt < 12; attempt++ {
		d := m.backoff(attempt)
		if d > 30*time.Second {
			t.Errorf("attempt %d: backoff %v exceeds cap", attempt, d)
		}
		if d < 500*time.Millisecond {
			t.Errorf("attempt %d: backoff %v below half the base", attempt, d)
		}
	}

	// Deep attempts sit in the capped band: at least half the cap.
	d := m.backoff(20)
	if d < 15*time.Second || d > 30*time.Second {
		t.Errorf("capped backoff = %v, want within [15s, 30s]", d)
	}
}
