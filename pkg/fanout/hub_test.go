// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package fanout

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory transport. Writes can be gated to simulate a
// peer that stops draining its socket.
type fakeConn struct {
	mu        sync.Mutex
	frames    [][]byte
	incoming  chan []byte
	closed    bool
	closeCode int
	pings     int
	writeGate chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan []byte, 16), closeCode: -1}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.incoming
	if !ok {
		return 0, nil, errors.New("use of closed connection")
	}
	return websocket.TextMessage, data, nil
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.writeGate != nil {
		<-c.writeGate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("use of closed connection")
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch messageType {
	case websocket.PingMessage:
		c.pings++
	case websocket.CloseMessage:
		if len(data) >= 2 {
			c.closeCode = int(binary.BigEndian.Uint16(data[:2]))
		}
	}
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.incoming)
	}
	return nil
}

func (c *fakeConn) sendClient(t *testing.T, msg clientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	c.incoming <- data
}

func (c *fakeConn) messages() []serverMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]serverMessage, 0, len(c.frames))
	for _, frame := range c.frames {
		var msg serverMessage
		if json.Unmarshal(frame, &msg) == nil {
			out = append(out, msg)
		}
	}
	return out
}

func (c *fakeConn) messagesOfType(msgType string) []serverMessage {
	var out []serverMessage
	for _, msg := range c.messages() {
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func (c *fakeConn) code() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.SweepInterval = time.Hour
	cfg.IdleTimeout = 0 // fake conns have no real deadlines
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(t *testing.T, cfg Config) *Hub {
	t.Helper()
	h := NewHub(cfg, NewTokenAuthenticator(nil), nil, testLogger())
	t.Cleanup(h.Shutdown)
	return h
}

func reader() Principal {
	return Principal{Subject: "tester", Scopes: []string{ScopeRead}}
}

func TestHub_SubscribeAndBroadcast(t *testing.T) {
	h := newTestHub(t, quietConfig())
	conn := newFakeConn()
	require.NotNil(t, h.Attach(conn, reader()))

	conn.sendClient(t, clientMessage{
		Type:   MsgSubscribe,
		Event:  "file.indexed",
		Filter: map[string]any{"module": "core"},
	})
	require.Eventually(t, func() bool {
		return len(conn.messagesOfType(MsgSubscribed)) == 1
	}, time.Second, 5*time.Millisecond)

	h.Publish("file.indexed", map[string]any{"module": "web", "path": "web/a.ts"})
	h.Publish("file.indexed", map[string]any{"module": "core", "path": "src/a.ts"})
	h.Publish("file.removed", map[string]any{"module": "core", "path": "src/b.ts"})

	require.Eventually(t, func() bool {
		return len(conn.messagesOfType(MsgEvent)) == 1
	}, time.Second, 5*time.Millisecond)

	event := conn.messagesOfType(MsgEvent)[0]
	assert.Equal(t, "file.indexed", event.Event)
	assert.Equal(t, "src/a.ts", event.Payload["path"])
	assert.False(t, event.Replayed)
}

func TestHub_ReplaysLastEventToNewSubscriber(t *testing.T) {
	h := newTestHub(t, quietConfig())
	h.Publish("file.indexed", map[string]any{"module": "core", "path": "src/old.ts"})

	conn := newFakeConn()
	h.Attach(conn, reader())
	conn.sendClient(t, clientMessage{Type: MsgSubscribe, Event: "file.indexed"})

	require.Eventually(t, func() bool {
		return len(conn.messagesOfType(MsgEvent)) == 1
	}, time.Second, 5*time.Millisecond)
	replayed := conn.messagesOfType(MsgEvent)[0]
	assert.True(t, replayed.Replayed)
	assert.Equal(t, "src/old.ts", replayed.Payload["path"])

	// Live events follow the replay.
	h.Publish("file.indexed", map[string]any{"module": "core", "path": "src/new.ts"})
	require.Eventually(t, func() bool {
		return len(conn.messagesOfType(MsgEvent)) == 2
	}, time.Second, 5*time.Millisecond)
	assert.False(t, conn.messagesOfType(MsgEvent)[1].Replayed)
}

func TestHub_ReplayRespectsFilter(t *testing.T) {
	h := newTestHub(t, quietConfig())
	h.Publish("file.indexed", map[string]any{"module": "web", "path": "web/a.ts"})

	conn := newFakeConn()
	h.Attach(conn, reader())
	conn.sendClient(t, clientMessage{
		Type:   MsgSubscribe,
		Event:  "file.indexed",
		Filter: map[string]any{"module": "core"},
	})

	require.Eventually(t, func() bool {
		return len(conn.messagesOfType(MsgSubscribed)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, conn.messagesOfType(MsgEvent))
}

func TestSession_ProtocolRoundTrips(t *testing.T) {
	h := newTestHub(t, quietConfig())
	conn := newFakeConn()
	h.Attach(conn, reader())

	conn.sendClient(t, clientMessage{Type: MsgPing})
	require.Eventually(t, func() bool {
		return len(conn.messagesOfType(MsgPong)) == 1
	}, time.Second, 5*time.Millisecond)

	conn.sendClient(t, clientMessage{Type: MsgSubscribe, Event: "file.indexed", SubscriptionID: "sub-1"})
	conn.sendClient(t, clientMessage{Type: MsgSubscribe, Event: "file.removed", SubscriptionID: "sub-2"})
	conn.sendClient(t, clientMessage{Type: MsgListSubscriptions})
	require.Eventually(t, func() bool {
		lists := conn.messagesOfType(MsgSubscriptions)
		return len(lists) == 1 && len(lists[0].Subscriptions) == 2
	}, time.Second, 5*time.Millisecond)

	conn.sendClient(t, clientMessage{Type: MsgUnsubscribe, SubscriptionID: "sub-1"})
	require.Eventually(t, func() bool {
		unsubs := conn.messagesOfType(MsgUnsubscribed)
		return len(unsubs) == 1 && unsubs[0].SubscriptionID == "sub-1"
	}, time.Second, 5*time.Millisecond)

	conn.sendClient(t, clientMessage{Type: MsgUnsubscribe, SubscriptionID: "nope"})
	require.Eventually(t, func() bool {
		return len(conn.messagesOfType(MsgError)) == 1
	}, time.Second, 5*time.Millisecond)

	conn.sendClient(t, clientMessage{Type: MsgUnsubscribeAll})
	require.Eventually(t, func() bool {
		return len(conn.messagesOfType(MsgUnsubscribed)) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestSession_MalformedAndUnknownMessages(t *testing.T) {
	h := newTestHub(t, quietConfig())
	conn := newFakeConn()
	h.Attach(conn, reader())

	conn.incoming <- []byte("{not json")
	conn.sendClient(t, clientMessage{Type: "dance"})
	conn.sendClient(t, clientMessage{Type: MsgSubscribe}) // missing event

	require.Eventually(t, func() bool {
		return len(conn.messagesOfType(MsgError)) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestSession_BackpressureDisconnect(t *testing.T) {
	cfg := quietConfig()
	cfg.BackpressureThreshold = 64
	cfg.SendRetryDelay = 2 * time.Millisecond
	cfg.MaxThrottles = 5

	h := newTestHub(t, cfg)
	conn := newFakeConn()
	conn.writeGate = make(chan struct{}) // peer stops draining
	s := h.Attach(conn, reader())
	require.NotNil(t, s)

	big := map[string]any{"data": strings.Repeat("x", 256)}
	s.deliver(serverMessage{Type: MsgEvent, Event: "file.indexed", Payload: big})
	require.Eventually(t, func() bool {
		return s.PendingBytes() > cfg.BackpressureThreshold
	}, time.Second, time.Millisecond)

	// The next delivery finds the session over threshold and retries
	// until the throttle limit trips the disconnect.
	s.deliver(serverMessage{Type: MsgEvent, Event: "file.indexed", Payload: big})

	require.Eventually(t, func() bool {
		return conn.code() == websocket.CloseTryAgainLater
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(cfg.MaxThrottles), s.throttles.Load())
	require.Eventually(t, func() bool {
		return h.SessionCount() == 0
	}, time.Second, 5*time.Millisecond)

	close(conn.writeGate)
}

func TestSession_SuccessfulSendClearsThrottleCount(t *testing.T) {
	cfg := quietConfig()
	cfg.BackpressureThreshold = 64
	cfg.SendRetryDelay = 2 * time.Millisecond

	h := newTestHub(t, cfg)
	conn := newFakeConn()
	gate := make(chan struct{})
	conn.writeGate = gate
	s := h.Attach(conn, reader())

	big := map[string]any{"data": strings.Repeat("x", 256)}
	s.deliver(serverMessage{Type: MsgEvent, Event: "file.indexed", Payload: big})
	require.Eventually(t, func() bool {
		return s.PendingBytes() > cfg.BackpressureThreshold
	}, time.Second, time.Millisecond)

	s.deliver(serverMessage{Type: MsgEvent, Event: "file.indexed", Payload: big})
	require.Eventually(t, func() bool {
		return s.throttles.Load() > 0
	}, time.Second, time.Millisecond)

	// Peer starts draining again: pending falls, the retry succeeds and
	// the consecutive counter resets.
	close(gate)
	require.Eventually(t, func() bool {
		return s.throttles.Load() == 0 && s.PendingBytes() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, -1, conn.code(), "session stays open")
}

func TestSession_FullOutboundChannelNeverBlocksPublisher(t *testing.T) {
	cfg := quietConfig()
	cfg.OutboundBuffer = 1
	cfg.BackpressureThreshold = 1 << 20 // pending bytes stay under the threshold
	cfg.SendRetryDelay = time.Hour      // retries never land during the test
	cfg.MaxThrottles = 1000

	h := newTestHub(t, cfg)
	conn := newFakeConn()
	conn.writeGate = make(chan struct{}) // peer stops draining
	s := h.Attach(conn, reader())
	require.NotNil(t, s)

	msg := serverMessage{Type: MsgEvent, Event: "file.indexed",
		Payload: map[string]any{"path": "src/a.ts"}}

	// With the channel full and the byte threshold not reached, every
	// delivery must still return promptly.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 64; i++ {
			s.deliver(msg)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deliver blocked on a full outbound channel")
	}
	assert.Greater(t, s.throttles.Load(), int32(0))
	close(conn.writeGate)
}

func TestHub_SweepPingsIdleSessions(t *testing.T) {
	cfg := quietConfig()
	cfg.SweepInterval = 5 * time.Millisecond
	cfg.PingGrace = 10 * time.Millisecond
	cfg.HardIdleTimeout = time.Hour

	h := newTestHub(t, cfg)
	conn := newFakeConn()
	h.Attach(conn, reader())

	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.pings > 0
	}, time.Second, 5*time.Millisecond)
}

func TestHub_SweepClosesDeadSessions(t *testing.T) {
	cfg := quietConfig()
	cfg.SweepInterval = 5 * time.Millisecond
	cfg.PingGrace = 10 * time.Millisecond
	cfg.HardIdleTimeout = 30 * time.Millisecond

	h := newTestHub(t, cfg)
	conn := newFakeConn()
	h.Attach(conn, reader())

	require.Eventually(t, func() bool {
		return conn.code() == websocket.CloseGoingAway && h.SessionCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHub_ShutdownClosesSessions(t *testing.T) {
	h := NewHub(quietConfig(), NewTokenAuthenticator(nil), nil, testLogger())
	conn := newFakeConn()
	h.Attach(conn, reader())

	h.Shutdown()
	assert.Equal(t, websocket.CloseGoingAway, conn.code())
	assert.Equal(t, 0, h.SessionCount())
	assert.Nil(t, h.Attach(newFakeConn(), reader()), "attach after shutdown is refused")
}

func TestHub_AuthGate(t *testing.T) {
	auth := NewTokenAuthenticator(map[string]Principal{
		"reader-token": {Subject: "svc-reader", Scopes: []string{ScopeRead}},
		"no-scope":     {Subject: "svc-other", Scopes: []string{"unrelated"}},
	})
	h := NewHub(quietConfig(), auth, nil, testLogger())
	t.Cleanup(h.Shutdown)

	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	t.Run("missing credentials", func(t *testing.T) {
		resp, err := http.Get(server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), ScopeRead)
	})

	t.Run("insufficient scope", func(t *testing.T) {
		resp, err := http.Get(server.URL + "?token=no-scope")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("valid token upgrades and serves", func(t *testing.T) {
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token=reader-token", nil)
		require.NoError(t, err)
		if resp != nil {
			resp.Body.Close()
		}
		defer conn.Close()

		require.NoError(t, conn.WriteJSON(clientMessage{Type: MsgPing}))
		var reply serverMessage
		require.NoError(t, conn.ReadJSON(&reply))
		assert.Equal(t, MsgPong, reply.Type)
	})
}
