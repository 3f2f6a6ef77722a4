// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package fanout delivers committed graph changes to long-lived websocket
// subscribers. Each session holds its own subscription set with normalized
// filters; broadcasts are filtered per subscription, sessions are isolated
// by per-connection backpressure, and a new subscriber is caught up with
// the last retained event of its type.
package fanout

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/kraklabs/codegraph/pkg/telemetry"
)

// Config tunes the fan-out layer.
type Config struct {
	// BackpressureThreshold is the pending-byte count above which sends
	// to a session are withheld.
	BackpressureThreshold int64 `yaml:"backpressureThreshold"`

	// SendRetryDelay is how long a withheld send waits before retrying.
	SendRetryDelay time.Duration `yaml:"sendRetryDelay"`

	// MaxThrottles is the consecutive-throttle count that closes the
	// connection.
	MaxThrottles int `yaml:"maxThrottles"`

	// PingGrace is the idle time after which the hub pings a session.
	PingGrace time.Duration `yaml:"pingGrace"`

	// IdleTimeout is the idle time after which a session is closed.
	IdleTimeout time.Duration `yaml:"idleTimeout"`

	// HardIdleTimeout is the sweep-enforced upper bound on idleness.
	HardIdleTimeout time.Duration `yaml:"hardIdleTimeout"`

	// SweepInterval drives the heartbeat and idle sweeps.
	SweepInterval time.Duration `yaml:"sweepInterval"`

	// OutboundBuffer is the per-session outbound frame queue length.
	OutboundBuffer int `yaml:"outboundBuffer"`
}

// DefaultConfig returns the stock fan-out configuration.
func DefaultConfig() Config {
	return Config{
		BackpressureThreshold: 512 * 1024,
		SendRetryDelay:        100 * time.Millisecond,
		MaxThrottles:          5,
		PingGrace:             15 * time.Second,
		IdleTimeout:           30 * time.Second,
		HardIdleTimeout:       60 * time.Second,
		SweepInterval:         5 * time.Second,
		OutboundBuffer:        64,
	}
}

// Hub owns the subscriber sessions and fans pipeline events out to them.
// It satisfies the pipeline's Publisher interface.
type Hub struct {
	config  Config
	logger  *slog.Logger
	auth    Authenticator
	tracker *telemetry.Tracker

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
	last     map[string]map[string]any
	closed   bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewHub builds a hub and starts its heartbeat sweep. The tracker may be
// nil.
func NewHub(config Config, auth Authenticator, tracker *telemetry.Tracker, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if config.OutboundBuffer <= 0 {
		config.OutboundBuffer = 64
	}
	h := &Hub{
		config:  config,
		logger:  logger,
		auth:    auth,
		tracker: tracker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		sessions: make(map[string]*Session),
		last:     make(map[string]map[string]any),
		stopCh:   make(chan struct{}),
	}
	h.wg.Add(1)
	go h.sweepLoop()
	return h
}

// ServeHTTP authenticates and upgrades a subscriber connection. Invalid
// credentials get 401, missing read scope gets 403; both responses name
// the required scopes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, err := h.auth.Authenticate(r)
	if err != nil {
		h.logger.Warn("fanout.auth.rejected", "url", RedactURL(r.URL), "err", err)
		writeAuthError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if !principal.HasScope(ScopeRead) {
		h.logger.Warn("fanout.auth.forbidden", "subject", principal.Subject, "url", RedactURL(r.URL))
		writeAuthError(w, http.StatusForbidden, "missing required scope")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("fanout.upgrade.failed", "err", err)
		return
	}
	h.Attach(conn, principal)
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":          message,
		"requiredScopes": []string{ScopeRead},
	})
}

// Attach registers a transport as a new session and starts its loops.
func (h *Hub) Attach(conn Conn, principal Principal) *Session {
	s := newSession(h, conn, principal)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	h.sessions[s.id] = s
	count := len(h.sessions)
	h.mu.Unlock()

	if h.tracker != nil {
		h.tracker.SetGauge("ws_sessions", float64(count))
	}
	h.logger.Info("fanout.session.opened", "session_id", s.id, "subject", principal.Subject, "sessions", count)
	go s.run()
	return s
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	count := len(h.sessions)
	h.mu.Unlock()
	if h.tracker != nil {
		h.tracker.SetGauge("ws_sessions", float64(count))
	}
}

// Publish retains the event as the latest of its type and fans it out to
// every session. Sessions filter independently; a slow session never
// blocks the caller or its peers.
func (h *Hub) Publish(eventType string, payload map[string]any) {
	h.mu.Lock()
	h.last[eventType] = payload
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.publishEvent(eventType, payload)
	}
}

// lastEvent returns the retained payload for an event type.
func (h *Hub) lastEvent(eventType string) (map[string]any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	payload, ok := h.last[eventType]
	return payload, ok
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) countBackpressureDisconnect() {
	if h.tracker != nil {
		h.tracker.CountBackpressureDisconnect()
	}
}

// sweepLoop pings idle sessions and terminates dead ones.
func (h *Hub) sweepLoop() {
	defer h.wg.Done()
	interval := h.config.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Hub) sweep() {
	h.mu.Lock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		idle := s.idleFor()
		switch {
		case idle > h.config.HardIdleTimeout:
			h.logger.Info("fanout.session.idle_timeout", "session_id", s.id, "idle", idle)
			s.close(websocket.CloseGoingAway, "idle timeout")
		case idle > h.config.PingGrace:
			s.ping()
		}
	}
}

// Shutdown notifies every session and closes the hub. Further attaches
// are refused.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	close(h.stopCh)
	for _, s := range targets {
		s.sendDirect(serverMessage{Type: MsgShutdown, Message: "server shutting down"})
		s.close(websocket.CloseGoingAway, "shutdown")
	}
	h.wg.Wait()
	h.logger.Info("fanout.hub.stopped")
}
