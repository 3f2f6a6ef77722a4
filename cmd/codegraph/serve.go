// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"log/slog"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/codegraph/pkg/checkpoint"
	"github.com/kraklabs/codegraph/pkg/fanout"
	"github.com/kraklabs/codegraph/pkg/graph"
	"github.com/kraklabs/codegraph/pkg/pipeline"
	"github.com/kraklabs/codegraph/pkg/reliability"
	"github.com/kraklabs/codegraph/pkg/writer"
)

// serveFlags holds configuration for the serve command.
type serveFlags struct {
	addr      string
	workspace string
	sinkURL   string
	sinkToken string
}

// server bundles the running subsystems behind the HTTP surface.
type server struct {
	pipeline    *pipeline.Pipeline
	hub         *fanout.Hub
	auth        fanout.Authenticator
	checkpoints *checkpoint.Manager // nil when the store is remote
	logger      *slog.Logger
}

// runServe starts the ingestion pipeline, the websocket hub and the HTTP
// API, then blocks until SIGINT/SIGTERM.
func runServe(args []string, configPath string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	f := &serveFlags{}
	fs.StringVar(&f.addr, "addr", getEnv("CODEGRAPH_ADDR", ":8080"), "HTTP listen address")
	fs.StringVar(&f.workspace, "workspace", "", "Workspace root (default: from config)")
	fs.StringVar(&f.sinkURL, "sink-url", os.Getenv("CODEGRAPH_SINK_URL"), "Remote knowledge graph store base URL (empty: in-memory store)")
	fs.StringVar(&f.sinkToken, "sink-token", os.Getenv("CODEGRAPH_SINK_TOKEN"), "Bearer token for the remote store")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	logger := globals.logger()

	cfg, err := pipeline.LoadConfig(defaultConfigPath(configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if f.workspace != "" {
		cfg.WorkspaceRoot = f.workspace
	}

	var sink writer.Sink
	var memSink *writer.MemorySink
	if f.sinkURL != "" {
		sink = writer.NewHTTPSink(f.sinkURL, f.sinkToken)
		logger.Info("serve.sink.remote", "url", f.sinkURL)
	} else {
		memSink = writer.NewMemorySink()
		sink = memSink
		logger.Info("serve.sink.memory")
	}

	auth := buildAuthenticator(logger)
	hub := fanout.NewHub(fanout.DefaultConfig(), auth, nil, logger)

	p := pipeline.New(cfg, sink, logger, pipeline.WithPublisher(hub))
	if err := p.Start(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: start pipeline: %v\n", err)
		return 1
	}

	srv := &server{
		pipeline: p,
		hub:      hub,
		auth:     auth,
		logger:   logger,
	}
	if memSink != nil {
		srv.checkpoints = checkpoint.NewManager(memSink, logger)
	}

	httpServer := &http.Server{
		Addr:              f.addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("serve.shutdown.requested")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctx)
	}()

	logger.Info("serve.listening", "addr", f.addr, "workspace", cfg.WorkspaceRoot)
	fmt.Fprintf(os.Stderr, "codegraph server listening on %s\n", f.addr)

	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		return 1
	}

	hub.Shutdown()
	if err := p.Stop(context.Background()); err != nil {
		logger.Error("serve.pipeline.stop_failed", "err", err)
		return 1
	}
	return 0
}

// buildAuthenticator assembles the static token table from the environment.
// Every scope without a token is unreachable, which is loudly logged.
func buildAuthenticator(logger *slog.Logger) fanout.Authenticator {
	tokens := make(map[string]fanout.Principal)
	if t := os.Getenv("CODEGRAPH_READ_TOKEN"); t != "" {
		tokens[t] = fanout.Principal{Subject: "reader", Scopes: []string{fanout.ScopeRead}}
	}
	if t := os.Getenv("CODEGRAPH_INGEST_TOKEN"); t != "" {
		tokens[t] = fanout.Principal{Subject: "producer", Scopes: []string{fanout.ScopeIngest}}
	}
	if t := os.Getenv("CODEGRAPH_ADMIN_TOKEN"); t != "" {
		tokens[t] = fanout.Principal{Subject: "admin", Scopes: []string{
			fanout.ScopeRead, fanout.ScopeIngest, fanout.ScopeAdmin,
		}}
	}
	if len(tokens) == 0 {
		logger.Warn("serve.auth.no_tokens",
			"hint", "set CODEGRAPH_READ_TOKEN / CODEGRAPH_INGEST_TOKEN / CODEGRAPH_ADMIN_TOKEN")
	}
	return fanout.NewTokenAuthenticator(tokens)
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.pipeline.Telemetry().Handler())
	mux.Handle("GET /ws", s.hub)

	mux.HandleFunc("POST /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/status", s.handleStatus)

	mux.HandleFunc("GET /v1/deadletters", s.handleDeadLetters)
	mux.HandleFunc("POST /v1/deadletters/{id}/requeue", s.handleRequeue)

	mux.HandleFunc("POST /v1/checkpoints", s.handleCheckpointCreate)
	mux.HandleFunc("GET /v1/checkpoints", s.handleCheckpointList)
	mux.HandleFunc("POST /v1/checkpoints/import", s.handleCheckpointImport)
	mux.HandleFunc("GET /v1/checkpoints/{id}", s.handleCheckpointGet)
	mux.HandleFunc("DELETE /v1/checkpoints/{id}", s.handleCheckpointDelete)
	mux.HandleFunc("GET /v1/checkpoints/{id}/members", s.handleCheckpointMembers)
	mux.HandleFunc("GET /v1/checkpoints/{id}/summary", s.handleCheckpointSummary)
	mux.HandleFunc("GET /v1/checkpoints/{id}/export", s.handleCheckpointExport)
	mux.HandleFunc("POST /v1/traverse", s.handleTraverse)

	return mux
}

// require authenticates the request and checks the scope. A false return
// means the response has been written.
func (s *server) require(w http.ResponseWriter, r *http.Request, scope string) bool {
	principal, err := s.auth.Authenticate(r)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error":          "invalid credentials",
			"requiredScopes": []string{scope},
		})
		return false
	}
	if !principal.HasScope(scope) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":          "missing required scope",
			"requiredScopes": []string{scope},
		})
		return false
	}
	return true
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"state":  string(s.pipeline.State()),
	})
}

// handleEvents accepts a single change event or an array of them.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, fanout.ScopeIngest) {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	var events []*graph.ChangeEvent
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &events); err != nil {
			http.Error(w, "invalid event array: "+err.Error(), http.StatusBadRequest)
			return
		}
	} else {
		var event graph.ChangeEvent
		if err := json.Unmarshal(trimmed, &event); err != nil {
			http.Error(w, "invalid event: "+err.Error(), http.StatusBadRequest)
			return
		}
		events = []*graph.ChangeEvent{&event}
	}

	taskIDs, err := s.pipeline.IngestChangeEvents(events)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, reliability.ErrPipelineNotRunning):
			status = http.StatusServiceUnavailable
		case errors.Is(err, reliability.ErrQueueOverflow):
			status = http.StatusTooManyRequests
		case reliability.KindOf(err) == reliability.KindInvalidInput:
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]any{
			"error":    err.Error(),
			"accepted": taskIDs,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"taskIds": taskIDs})
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, fanout.ScopeRead) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":     string(s.pipeline.State()),
		"queue":     s.pipeline.QueueMetrics(),
		"workers":   s.pipeline.WorkerMetrics(),
		"writer":    s.pipeline.WriterMetrics(),
		"cache":     s.pipeline.CacheStats(),
		"telemetry": s.pipeline.Telemetry().Snapshot(),
		"sessions":  s.hub.SessionCount(),
	})
}

func (s *server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, fanout.ScopeAdmin) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deadLetters": s.pipeline.DeadLetters().Entries(),
	})
}

func (s *server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, fanout.ScopeAdmin) {
		return
	}
	taskID := r.PathValue("id")
	if err := s.pipeline.RequeueDeadLetter(taskID); err != nil {
		status := http.StatusNotFound
		if errors.Is(err, reliability.ErrQueueOverflow) {
			status = http.StatusTooManyRequests
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"taskId": taskID})
}

// checkpointManager gates the checkpoint routes on a readable store.
func (s *server) checkpointManager(w http.ResponseWriter) *checkpoint.Manager {
	if s.checkpoints == nil {
		http.Error(w, "checkpoints need a readable store; this server writes to a remote sink",
			http.StatusServiceUnavailable)
		return nil
	}
	return s.checkpoints
}

func (s *server) handleCheckpointCreate(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, fanout.ScopeAdmin) {
		return
	}
	m := s.checkpointManager(w)
	if m == nil {
		return
	}
	var req struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		Reason      string                 `json:"reason"`
		SeedIDs     []string               `json:"seedIds"`
		HopLimit    int                    `json:"hopLimit"`
		Window      *checkpoint.TimeWindow `json:"window"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	cp, err := m.Create(r.Context(), checkpoint.CreateOptions{
		Name:        req.Name,
		Description: req.Description,
		Reason:      checkpoint.Reason(req.Reason),
		SeedIDs:     req.SeedIDs,
		HopLimit:    req.HopLimit,
		Window:      req.Window,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

func (s *server) handleCheckpointList(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, fanout.ScopeAdmin) {
		return
	}
	m := s.checkpointManager(w)
	if m == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": m.List()})
}

func (s *server) handleCheckpointGet(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, fanout.ScopeAdmin) {
		return
	}
	m := s.checkpointManager(w)
	if m == nil {
		return
	}
	cp, err := m.Get(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *server) handleCheckpointDelete(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, fanout.ScopeAdmin) {
		return
	}
	m := s.checkpointManager(w)
	if m == nil {
		return
	}
	if err := m.Delete(r.PathValue("id")); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleCheckpointMembers(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, fanout.ScopeAdmin) {
		return
	}
	m := s.checkpointManager(w)
	if m == nil {
		return
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	members, total, err := m.Members(r.PathValue("id"), offset, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"members": members,
		"total":   total,
		"offset":  offset,
	})
}

func (s *server) handleCheckpointSummary(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, fanout.ScopeAdmin) {
		return
	}
	m := s.checkpointManager(w)
	if m == nil {
		return
	}
	summary, err := m.Summary(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *server) handleCheckpointExport(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, fanout.ScopeAdmin) {
		return
	}
	m := s.checkpointManager(w)
	if m == nil {
		return
	}
	data, err := m.Export(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *server) handleCheckpointImport(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, fanout.ScopeAdmin) {
		return
	}
	m := s.checkpointManager(w)
	if m == nil {
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	useOriginal := r.URL.Query().Get("useOriginalId") == "true"
	cp, err := m.Import(r.Context(), data, checkpoint.ImportOptions{
		Name:           r.URL.Query().Get("name"),
		UseOriginalIDs: useOriginal,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

func (s *server) handleTraverse(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, fanout.ScopeAdmin) {
		return
	}
	m := s.checkpointManager(w)
	if m == nil {
		return
	}
	var req struct {
		StartID  string               `json:"startId"`
		Since    time.Time            `json:"since"`
		Until    time.Time            `json:"until"`
		AtTime   time.Time            `json:"atTime"`
		MaxDepth int                  `json:"maxDepth"`
		RelTypes []graph.RelationType `json:"relTypes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request: "+err.Error(), http.StatusBadRequest)
		return
	}
	result, err := m.Traverse(r.Context(), checkpoint.TraversalQuery{
		StartID:  req.StartID,
		Since:    req.Since,
		Until:    req.Until,
		AtTime:   req.AtTime,
		MaxDepth: req.MaxDepth,
		RelTypes: req.RelTypes,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entities":      result.Entities,
		"relationships": result.Relationships,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
