// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package fanout

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Conn is the transport surface a session needs. *websocket.Conn satisfies
// it; tests substitute in-memory fakes.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// subscription is one registered interest of a session.
type subscription struct {
	id     string
	event  string
	raw    map[string]any
	filter *Filter
}

// Session is one long-lived subscriber connection.
type Session struct {
	id        string
	principal Principal
	conn      Conn
	hub       *Hub
	logger    *slog.Logger

	mu            sync.Mutex
	subscriptions map[string]*subscription
	lastActivity  time.Time
	closed        bool

	outbound     chan []byte
	pendingBytes atomic.Int64
	throttles    atomic.Int32

	done chan struct{}
}

func newSession(hub *Hub, conn Conn, principal Principal) *Session {
	s := &Session{
		id:            uuid.NewString(),
		principal:     principal,
		conn:          conn,
		hub:           hub,
		logger:        hub.logger.With("session_id", ""),
		subscriptions: make(map[string]*subscription),
		lastActivity:  time.Now(),
		outbound:      make(chan []byte, hub.config.OutboundBuffer),
		done:          make(chan struct{}),
	}
	s.logger = hub.logger.With("session_id", s.id)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Principal returns the authenticated caller.
func (s *Session) Principal() Principal { return s.principal }

// PendingBytes returns the bytes queued but not yet written to the
// transport.
func (s *Session) PendingBytes() int64 { return s.pendingBytes.Load() }

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// run drives the read and write loops until the connection dies. The read
// deadline enforces the no-activity timeout; pongs extend it.
func (s *Session) run() {
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		s.extendReadDeadline()
		return nil
	})
	go s.writeLoop()
	s.readLoop()
}

func (s *Session) extendReadDeadline() {
	if d := s.hub.config.IdleTimeout; d > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(d))
	}
}

func (s *Session) readLoop() {
	defer s.close(websocket.CloseNormalClosure, "")
	for {
		s.extendReadDeadline()
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.touch()
		s.handleMessage(data)
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.outbound:
			err := s.conn.WriteMessage(websocket.TextMessage, frame)
			s.pendingBytes.Add(-int64(len(frame)))
			if err != nil {
				s.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
			s.throttles.Store(0)
		}
	}
}

// handleMessage dispatches one client protocol message.
func (s *Session) handleMessage(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendDirect(serverMessage{Type: MsgError, Message: "malformed message"})
		return
	}
	switch msg.Type {
	case MsgSubscribe:
		s.handleSubscribe(msg)
	case MsgUnsubscribe:
		s.handleUnsubscribe(msg)
	case MsgUnsubscribeAll:
		s.handleUnsubscribeAll()
	case MsgPing:
		s.sendDirect(serverMessage{Type: MsgPong})
	case MsgListSubscriptions:
		s.sendDirect(serverMessage{Type: MsgSubscriptions, Subscriptions: s.subscriptionInfos()})
	default:
		s.sendDirect(serverMessage{Type: MsgError, Message: "unknown message type " + msg.Type})
	}
}

func (s *Session) handleSubscribe(msg clientMessage) {
	if msg.Event == "" {
		s.sendDirect(serverMessage{Type: MsgError, Message: "subscribe requires an event"})
		return
	}
	filter, err := NormalizeFilter(msg.Filter)
	if err != nil {
		s.sendDirect(serverMessage{Type: MsgError, Message: err.Error()})
		return
	}
	sub := &subscription{
		id:     msg.SubscriptionID,
		event:  msg.Event,
		raw:    msg.Filter,
		filter: filter,
	}
	if sub.id == "" {
		sub.id = uuid.NewString()
	}

	s.mu.Lock()
	s.subscriptions[sub.id] = sub
	s.mu.Unlock()

	s.sendDirect(serverMessage{Type: MsgSubscribed, Event: sub.event, SubscriptionID: sub.id})
	s.logger.Debug("fanout.session.subscribed", "event", sub.event, "subscription_id", sub.id)

	// Catch the new subscriber up with the last event of this type.
	if last, ok := s.hub.lastEvent(sub.event); ok && sub.filter.Matches(last) {
		s.deliver(serverMessage{
			Type:           MsgEvent,
			Event:          sub.event,
			SubscriptionID: sub.id,
			Payload:        last,
			Replayed:       true,
		})
	}
}

func (s *Session) handleUnsubscribe(msg clientMessage) {
	removed := []string{}
	s.mu.Lock()
	if msg.SubscriptionID != "" {
		if _, ok := s.subscriptions[msg.SubscriptionID]; ok {
			delete(s.subscriptions, msg.SubscriptionID)
			removed = append(removed, msg.SubscriptionID)
		}
	} else if msg.Event != "" {
		for id, sub := range s.subscriptions {
			if sub.event == msg.Event {
				delete(s.subscriptions, id)
				removed = append(removed, id)
			}
		}
	}
	s.mu.Unlock()

	if len(removed) == 0 {
		s.sendDirect(serverMessage{Type: MsgError, Message: "no matching subscription"})
		return
	}
	for _, id := range removed {
		s.sendDirect(serverMessage{Type: MsgUnsubscribed, SubscriptionID: id})
	}
}

func (s *Session) handleUnsubscribeAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.subscriptions))
	for id := range s.subscriptions {
		ids = append(ids, id)
	}
	s.subscriptions = make(map[string]*subscription)
	s.mu.Unlock()

	for _, id := range ids {
		s.sendDirect(serverMessage{Type: MsgUnsubscribed, SubscriptionID: id})
	}
}

func (s *Session) subscriptionInfos() []SubscriptionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]SubscriptionInfo, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		infos = append(infos, SubscriptionInfo{
			SubscriptionID: sub.id,
			Event:          sub.event,
			RawFilter:      sub.raw,
		})
	}
	return infos
}

// publishEvent fans one hub event into every matching subscription.
func (s *Session) publishEvent(eventType string, payload map[string]any) {
	s.mu.Lock()
	matches := make([]*subscription, 0, 2)
	for _, sub := range s.subscriptions {
		if sub.event == eventType && sub.filter.Matches(payload) {
			matches = append(matches, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range matches {
		s.deliver(serverMessage{
			Type:           MsgEvent,
			Event:          eventType,
			SubscriptionID: sub.id,
			Payload:        payload,
		})
	}
}

// deliver pushes one message through the backpressure gate. A slow consumer
// never blocks the publisher: if the session holds more pending bytes than
// the threshold, or the outbound channel is full, the message is not sent;
// the peer gets a throttled hint and delivery retries after a delay. Too
// many consecutive throttles close the connection with a transient-overload
// status.
func (s *Session) deliver(msg serverMessage) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	pending := s.pendingBytes.Load()
	if pending <= s.hub.config.BackpressureThreshold && s.tryEnqueue(encodeServerMessage(msg)) {
		return
	}

	count := s.throttles.Add(1)
	s.logger.Warn("fanout.session.throttled",
		"pending_bytes", pending,
		"consecutive", count,
	)
	s.sendDirect(serverMessage{Type: MsgThrottled, PendingBytes: pending})
	if int(count) >= s.hub.config.MaxThrottles {
		s.hub.countBackpressureDisconnect()
		s.close(websocket.CloseTryAgainLater, "backpressure")
		return
	}
	time.AfterFunc(s.hub.config.SendRetryDelay, func() { s.deliver(msg) })
}

// sendDirect enqueues a protocol reply without the backpressure gate.
// Replies are small; a full outbound channel drops them rather than block.
func (s *Session) sendDirect(msg serverMessage) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	frame := encodeServerMessage(msg)
	select {
	case s.outbound <- frame:
		s.pendingBytes.Add(int64(len(frame)))
	default:
		s.logger.Warn("fanout.session.reply_dropped", "type", msg.Type)
	}
}

// tryEnqueue offers one frame to the write loop without blocking. Returns
// false when the outbound channel is full.
func (s *Session) tryEnqueue(frame []byte) bool {
	s.pendingBytes.Add(int64(len(frame)))
	select {
	case s.outbound <- frame:
		return true
	default:
		s.pendingBytes.Add(-int64(len(frame)))
		return false
	}
}

// ping sends a transport-level ping to probe an idle peer.
func (s *Session) ping() {
	deadline := time.Now().Add(5 * time.Second)
	_ = s.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// close tears the session down exactly once and unregisters it.
func (s *Session) close(code int, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = s.conn.Close()
	close(s.done)
	s.hub.unregister(s)
	s.logger.Debug("fanout.session.closed", "code", code, "reason", reason)
}
