// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package graph

import (
	"fmt"
	"time"
)

// ChangeEventType is the kind of file change that triggered ingestion.
type ChangeEventType string

const (
	EventCreated  ChangeEventType = "created"
	EventModified ChangeEventType = "modified"
	EventDeleted  ChangeEventType = "deleted"
)

// ChangeEvent is the external trigger accepted at the ingress surface.
// It is created once at the edge and survives retries inside task payloads.
type ChangeEvent struct {
	ID        string            `json:"id"`
	Namespace string            `json:"namespace"`
	Module    string            `json:"module"`
	FilePath  string            `json:"filePath"`
	EventType ChangeEventType   `json:"eventType"`
	Timestamp time.Time         `json:"timestamp"`
	Size      int64             `json:"size"`
	DiffHash  string            `json:"diffHash"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Validate checks the event shape. Invalid events are rejected at ingress
// and never enqueued.
func (e *ChangeEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("change event: empty id")
	}
	if e.FilePath == "" {
		return fmt.Errorf("change event %s: empty filePath", e.ID)
	}
	switch e.EventType {
	case EventCreated, EventModified, EventDeleted:
	default:
		return fmt.Errorf("change event %s: invalid eventType %q", e.ID, e.EventType)
	}
	return nil
}

// PartitionKey returns the queue partition key, serializing all work for one
// namespace/module pair onto one partition in hash mode.
func (e *ChangeEvent) PartitionKey() string {
	return e.Namespace + "/" + e.Module
}
