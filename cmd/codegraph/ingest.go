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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/kraklabs/codegraph/pkg/graph"
	"github.com/kraklabs/codegraph/pkg/pipeline"
	"github.com/kraklabs/codegraph/pkg/reliability"
	"github.com/kraklabs/codegraph/pkg/writer"
)

// sourceExtensions are the file types the one-shot walk indexes.
var sourceExtensions = map[string]bool{
	".ts": true, ".tsx": true, ".mts": true, ".cts": true,
	".js": true, ".jsx": true, ".mjs": true, ".cjs": true,
}

// skipDirs are never descended into during the walk.
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "dist": true, "build": true,
	".codegraph": true,
}

// runIngest walks a directory tree once and pushes every source file
// through the ingestion pipeline.
//
// Examples:
//
//	codegraph ingest ./src --module core
//	codegraph ingest . --workers 8 --metrics-addr :9090
func runIngest(args []string, configPath string, globals GlobalFlags) int {
	flags := flag.NewFlagSet("ingest", flag.ExitOnError)
	module := flags.String("module", "main", "Module name recorded on every event")
	namespace := flags.String("namespace", "default", "Namespace recorded on every event")
	workers := flags.Int("workers", 4, "Parallel event submitters")
	metricsAddr := flags.String("metrics-addr", "", "HTTP listen address for Prometheus metrics (empty to disable)")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: codegraph ingest <dir> [options]

Description:
  Walk a directory tree and index every source file, printing a summary
  of the resulting graph. Uses an in-memory store; pair with serve and a
  remote sink for persistent indexing.

Options:
  --module <name>       Module name recorded on every event (default: main)
  --namespace <name>    Namespace recorded on every event (default: default)
  --workers <n>         Parallel event submitters (default: 4)
  --metrics-addr <addr> Serve Prometheus metrics while ingesting
  -h, --help            Show this help message
`)
	}
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 {
		flags.Usage()
		return 1
	}
	root := flags.Arg(0)

	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		fmt.Fprintf(os.Stderr, "Error: %s is not a directory\n", root)
		return 1
	}

	logger := globals.logger()

	cfg, err := pipeline.LoadConfig(defaultConfigPath(configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	cfg.WorkspaceRoot = root

	sink := writer.NewMemorySink()
	p := pipeline.New(cfg, sink, logger)
	if err := p.Start(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: start pipeline: %v\n", err)
		return 1
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", p.Telemetry().Handler())
		go func() {
			srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			if err := srv.ListenAndServe(); err != nil {
				logger.Warn("ingest.metrics.server_failed", "err", err)
			}
		}()
	}

	started := time.Now()
	files, err := collectSourceFiles(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: walk %s: %v\n", root, err)
		return 1
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "No source files found")
		return 0
	}

	var bar *progressbar.ProgressBar
	if globals.interactive() {
		bar = progressbar.NewOptions(len(files),
			progressbar.OptionSetDescription("indexing"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	// Submit events with bounded parallelism. Queue overflow backs off
	// and retries; the pipeline does the heavy lifting asynchronously.
	group, ctx := errgroup.WithContext(context.Background())
	group.SetLimit(*workers)
	for _, file := range files {
		relPath, size := file.path, file.size
		group.Go(func() error {
			event := &graph.ChangeEvent{
				ID:        fmt.Sprintf("ingest-%s", relPath),
				Namespace: *namespace,
				Module:    *module,
				FilePath:  relPath,
				EventType: graph.EventCreated,
				Timestamp: time.Now(),
				Size:      size,
			}
			for {
				_, err := p.IngestChangeEvent(event)
				if err == nil {
					break
				}
				if !errors.Is(err, reliability.ErrQueueOverflow) {
					return fmt.Errorf("ingest %s: %w", relPath, err)
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(50 * time.Millisecond):
				}
			}
			if bar != nil {
				_ = bar.Add(1)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		_ = p.Stop(context.Background())
		return 1
	}

	waitForDrain(p, len(files))
	if err := p.Stop(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: stop pipeline: %v\n", err)
		return 1
	}

	snap := p.Telemetry().Snapshot()
	duration := time.Since(started).Round(time.Millisecond)

	if globals.JSON {
		_ = json.NewEncoder(os.Stdout).Encode(map[string]any{
			"files":         len(files),
			"processed":     snap.EventsProcessed,
			"failed":        snap.EventsFailed,
			"entities":      sink.EntityCount(),
			"relationships": sink.RelationshipCount(),
			"duration":      duration.String(),
		})
		return 0
	}

	color.Green("✓ Indexed %d files in %s", len(files), duration)
	fmt.Printf("  entities:      %d\n", sink.EntityCount())
	fmt.Printf("  relationships: %d\n", sink.RelationshipCount())
	if snap.EventsFailed > 0 {
		color.Yellow("  failed events: %d (see dead letters)", snap.EventsFailed)
	}
	return 0
}

type walkedFile struct {
	path string
	size int64
}

// collectSourceFiles gathers indexable files as workspace-relative paths.
func collectSourceFiles(root string) ([]walkedFile, error) {
	var files []walkedFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] || (strings.HasPrefix(d.Name(), ".") && path != root) {
				return filepath.SkipDir
			}
			return nil
		}
		if !sourceExtensions[filepath.Ext(d.Name())] {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, walkedFile{path: filepath.ToSlash(rel), size: info.Size()})
		return nil
	})
	return files, err
}

// waitForDrain blocks until every submitted event has been processed or
// failed, bounded by a generous timeout.
func waitForDrain(p *pipeline.Pipeline, total int) {
	deadline := time.Now().Add(10 * time.Minute)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		snap := p.Telemetry().Snapshot()
		done := snap.EventsProcessed + snap.EventsFailed
		if done >= uint64(total) && p.QueueMetrics().Depth == 0 {
			return
		}
		if time.Now().After(deadline) {
			return
		}
	}
}
