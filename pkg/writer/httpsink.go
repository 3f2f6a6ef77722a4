// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kraklabs/codegraph/pkg/graph"
	"github.com/kraklabs/codegraph/pkg/reliability"
)

// HTTPSink talks to a remote knowledge graph store over its bulk endpoints:
//
//	POST {base}/v1/entities/bulk
//	POST {base}/v1/relationships/bulk
//	POST {base}/v1/embeddings/batch
//	POST {base}/v1/entities/delete
//	POST {base}/v1/relationships/delete
//
// The store must make all five idempotent by id.
type HTTPSink struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPSink builds a sink client for baseURL. An empty token disables the
// Authorization header.
func NewHTTPSink(baseURL, token string) *HTTPSink {
	return &HTTPSink{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *HTTPSink) CreateEntitiesBulk(ctx context.Context, entities []graph.Entity) error {
	return s.post(ctx, "/v1/entities/bulk", map[string]any{"entities": entities})
}

func (s *HTTPSink) CreateRelationshipsBulk(ctx context.Context, rels []*graph.Relationship) error {
	return s.post(ctx, "/v1/relationships/bulk", map[string]any{"relationships": rels})
}

func (s *HTTPSink) CreateEmbeddingsBatch(ctx context.Context, embeddings []Embedding) error {
	return s.post(ctx, "/v1/embeddings/batch", map[string]any{"embeddings": embeddings})
}

func (s *HTTPSink) DeleteEntitiesBulk(ctx context.Context, ids []string) error {
	return s.post(ctx, "/v1/entities/delete", map[string]any{"ids": ids})
}

func (s *HTTPSink) DeleteRelationshipsBulk(ctx context.Context, ids []string) error {
	return s.post(ctx, "/v1/relationships/delete", map[string]any{"ids": ids})
}

func (s *HTTPSink) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return reliability.Errorf(reliability.KindInvalidInput, false,
			"encode %s payload: %v", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return reliability.NewError(reliability.KindBatchProcessing, false, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// Network failures are worth retrying; the store is idempotent.
		return reliability.NewError(reliability.KindBatchProcessing, true, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return reliability.NewError(reliability.KindBatchProcessing, retryable,
		fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, snippet))
}

var _ Sink = (*HTTPSink)(nil)
