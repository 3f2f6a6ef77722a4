// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package fanout

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilter_Equality(t *testing.T) {
	f, err := NormalizeFilter(map[string]any{"module": "core", "change": "modified"})
	require.NoError(t, err)

	assert.True(t, f.Matches(map[string]any{"module": "core", "change": "modified", "path": "src/a.ts"}))
	assert.False(t, f.Matches(map[string]any{"module": "core", "change": "created"}))
	assert.False(t, f.Matches(map[string]any{"module": "core"}), "missing field never matches")
}

func TestFilter_NumericEqualityAcrossJSONDecodes(t *testing.T) {
	// Values arriving via JSON are float64; the publisher side may use int.
	f, err := NormalizeFilter(map[string]any{"symbolsAdded": float64(3)})
	require.NoError(t, err)
	assert.True(t, f.Matches(map[string]any{"symbolsAdded": 3}))
}

func TestFilter_SetMembership(t *testing.T) {
	f, err := NormalizeFilter(map[string]any{"change": []any{"created", "modified"}})
	require.NoError(t, err)

	assert.True(t, f.Matches(map[string]any{"change": "created"}))
	assert.True(t, f.Matches(map[string]any{"change": "modified"}))
	assert.False(t, f.Matches(map[string]any{"change": "deleted"}))
}

func TestFilter_Prefix(t *testing.T) {
	f, err := NormalizeFilter(map[string]any{"path": map[string]any{"prefix": "src/api/"}})
	require.NoError(t, err)

	assert.True(t, f.Matches(map[string]any{"path": "src/api/users.ts"}))
	assert.False(t, f.Matches(map[string]any{"path": "src/web/users.ts"}))
	assert.False(t, f.Matches(map[string]any{"path": 42}), "non-string never prefix-matches")
}

func TestFilter_TimeRange(t *testing.T) {
	f, err := NormalizeFilter(map[string]any{"timestamp": map[string]any{
		"since": "2026-01-01T00:00:00Z",
		"until": "2026-12-31T00:00:00Z",
	}})
	require.NoError(t, err)

	assert.True(t, f.Matches(map[string]any{"timestamp": "2026-06-15T12:00:00Z"}))
	assert.False(t, f.Matches(map[string]any{"timestamp": "2025-06-15T12:00:00Z"}))
	assert.False(t, f.Matches(map[string]any{"timestamp": "2027-01-01T00:00:00Z"}))
	assert.False(t, f.Matches(map[string]any{"timestamp": "not a time"}))
}

func TestFilter_TimeRangeEpochMillis(t *testing.T) {
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	f, err := NormalizeFilter(map[string]any{"timestamp": map[string]any{
		"since": float64(since.UnixMilli()),
	}})
	require.NoError(t, err)

	assert.True(t, f.Matches(map[string]any{"timestamp": float64(since.Add(time.Hour).UnixMilli())}))
	assert.False(t, f.Matches(map[string]any{"timestamp": float64(since.Add(-time.Hour).UnixMilli())}))
}

func TestFilter_Intersection(t *testing.T) {
	f, err := NormalizeFilter(map[string]any{
		"module": "core",
		"path":   map[string]any{"prefix": "src/"},
	})
	require.NoError(t, err)

	assert.True(t, f.Matches(map[string]any{"module": "core", "path": "src/a.ts"}))
	assert.False(t, f.Matches(map[string]any{"module": "web", "path": "src/a.ts"}))
	assert.False(t, f.Matches(map[string]any{"module": "core", "path": "lib/a.ts"}))
}

func TestFilter_NilAndEmptyMatchEverything(t *testing.T) {
	var nilFilter *Filter
	assert.True(t, nilFilter.Matches(map[string]any{"anything": 1}))

	f, err := NormalizeFilter(nil)
	require.NoError(t, err)
	assert.True(t, f.Matches(map[string]any{"anything": 1}))
}

func TestNormalizeFilter_Rejections(t *testing.T) {
	_, err := NormalizeFilter(map[string]any{"path": map[string]any{"regex": ".*"}})
	assert.Error(t, err, "unknown operator objects are rejected")

	_, err = NormalizeFilter(map[string]any{"path": map[string]any{"prefix": 42}})
	assert.Error(t, err)

	_, err = NormalizeFilter(map[string]any{"timestamp": map[string]any{"since": "yesterday"}})
	assert.Error(t, err)
}

func TestRedactURL(t *testing.T) {
	u, err := url.Parse("ws://localhost/ws?token=supersecret&mode=live")
	require.NoError(t, err)

	redacted := RedactURL(u)
	assert.NotContains(t, redacted, "supersecret")
	assert.Contains(t, redacted, "token=REDACTED")
	assert.Contains(t, redacted, "mode=live")

	plain, err := url.Parse("ws://localhost/ws?mode=live")
	require.NoError(t, err)
	assert.Equal(t, plain.String(), RedactURL(plain))
}
