// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package writer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/codegraph/pkg/graph"
	"github.com/kraklabs/codegraph/pkg/reliability"
)

func TestHTTPSink_PostsBulkEndpoints(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewHTTPSink(server.URL, "secret")
	ctx := context.Background()

	err := sink.CreateEntitiesBulk(ctx, []graph.Entity{
		&graph.FileEntity{ID: graph.GenerateFileID("src/a.ts"), Path: "src/a.ts"},
	})
	require.NoError(t, err)
	assert.Equal(t, "/v1/entities/bulk", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Len(t, gotBody["entities"], 1)

	require.NoError(t, sink.DeleteEntitiesBulk(ctx, []string{"file:src/a.ts"}))
	assert.Equal(t, "/v1/entities/delete", gotPath)
}

func TestHTTPSink_StatusMapsToRetryability(t *testing.T) {
	status := http.StatusInternalServerError
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()

	sink := NewHTTPSink(server.URL, "")
	ctx := context.Background()

	err := sink.CreateEntitiesBulk(ctx, nil)
	require.Error(t, err)
	assert.True(t, reliability.IsRetryable(err), "5xx is transient")

	status = http.StatusBadRequest
	err = sink.CreateEntitiesBulk(ctx, nil)
	require.Error(t, err)
	assert.False(t, reliability.IsRetryable(err), "4xx is permanent")
}
