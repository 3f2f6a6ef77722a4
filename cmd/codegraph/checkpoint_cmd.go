// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

// checkpointClient talks to the admin checkpoint API of a running server.
type checkpointClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func newCheckpointClient() *checkpointClient {
	return &checkpointClient{
		baseURL: strings.TrimRight(getEnv("CODEGRAPH_BASE_URL", "http://localhost:8080"), "/"),
		token:   os.Getenv("CODEGRAPH_ADMIN_TOKEN"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// do issues a request and decodes the JSON response body. Non-2xx
// responses come back as errors carrying the server's message.
func (c *checkpointClient) do(method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	}
	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

func runCheckpoint(args []string, globals GlobalFlags) int {
	if len(args) == 0 {
		checkpointUsage()
		return 1
	}
	op := args[0]
	opArgs := args[1:]
	client := newCheckpointClient()

	var err error
	switch op {
	case "list":
		err = checkpointList(client, globals)
	case "create":
		err = checkpointCreate(client, opArgs, globals)
	case "get":
		err = checkpointGet(client, opArgs)
	case "members":
		err = checkpointMembers(client, opArgs, globals)
	case "summary":
		err = checkpointSummary(client, opArgs)
	case "export":
		err = checkpointExport(client, opArgs)
	case "import":
		err = checkpointImport(client, opArgs)
	case "delete":
		err = checkpointDelete(client, opArgs)
	case "traverse":
		err = checkpointTraverse(client, opArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown checkpoint operation: %s\n", op)
		checkpointUsage()
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func checkpointUsage() {
	fmt.Fprintf(os.Stderr, `Usage: codegraph checkpoint <operation> [options]

Operations:
  list                          List checkpoints on the server
  create --seed <id> [...]      Create a checkpoint around seed entities
  get <id>                      Show a checkpoint
  members <id>                  Page through checkpoint members
  summary <id>                  Entity/relationship counts by kind
  export <id>                   Write the portable export to stdout
  import <file>                 Import an export file
  delete <id>                   Delete a checkpoint
  traverse --start <id>         Time-bounded subgraph traversal

The server URL comes from CODEGRAPH_BASE_URL (default http://localhost:8080)
and credentials from CODEGRAPH_ADMIN_TOKEN.
`)
}

func checkpointList(c *checkpointClient, globals GlobalFlags) error {
	var resp struct {
		Checkpoints []struct {
			ID            string    `json:"id"`
			Name          string    `json:"name"`
			CreatedAt     time.Time `json:"createdAt"`
			Entities      int       `json:"entityCount"`
			Relationships int       `json:"relationshipCount"`
		} `json:"checkpoints"`
	}
	if err := c.do(http.MethodGet, "/v1/checkpoints", nil, &resp); err != nil {
		return err
	}
	if globals.JSON {
		return json.NewEncoder(os.Stdout).Encode(resp.Checkpoints)
	}
	if len(resp.Checkpoints) == 0 {
		fmt.Println("No checkpoints")
		return nil
	}
	for _, cp := range resp.Checkpoints {
		fmt.Printf("%s  %-20s  %d entities, %d relationships  %s\n",
			cp.ID, cp.Name, cp.Entities, cp.Relationships,
			cp.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func checkpointCreate(c *checkpointClient, args []string, globals GlobalFlags) error {
	fs := flag.NewFlagSet("checkpoint create", flag.ExitOnError)
	name := fs.String("name", "", "Checkpoint name")
	description := fs.String("description", "", "Checkpoint description")
	reason := fs.String("reason", "manual", "Why the checkpoint is taken: daily, incident or manual")
	seeds := fs.StringArray("seed", nil, "Seed entity ID (repeatable)")
	hops := fs.Int("hops", 0, "Hop limit from seeds (default: server default)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(*seeds) == 0 {
		return fmt.Errorf("at least one --seed is required")
	}
	var cp map[string]any
	err := c.do(http.MethodPost, "/v1/checkpoints", map[string]any{
		"name":        *name,
		"description": *description,
		"reason":      *reason,
		"seedIds":     *seeds,
		"hopLimit":    *hops,
	}, &cp)
	if err != nil {
		return err
	}
	if globals.JSON {
		return json.NewEncoder(os.Stdout).Encode(cp)
	}
	color.Green("✓ Created checkpoint %v (%v entities)", cp["id"], cp["entityCount"])
	return nil
}

func checkpointGet(c *checkpointClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("checkpoint id required")
	}
	var cp json.RawMessage
	if err := c.do(http.MethodGet, "/v1/checkpoints/"+url.PathEscape(args[0]), nil, &cp); err != nil {
		return err
	}
	return printIndented(cp)
}

func checkpointMembers(c *checkpointClient, args []string, globals GlobalFlags) error {
	fs := flag.NewFlagSet("checkpoint members", flag.ExitOnError)
	offset := fs.Int("offset", 0, "Page offset")
	limit := fs.Int("limit", 100, "Page size")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("checkpoint id required")
	}
	path := fmt.Sprintf("/v1/checkpoints/%s/members?offset=%d&limit=%d",
		url.PathEscape(fs.Arg(0)), *offset, *limit)
	var resp struct {
		Members []json.RawMessage `json:"members"`
		Total   int               `json:"total"`
		Offset  int               `json:"offset"`
	}
	if err := c.do(http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	if globals.JSON {
		return json.NewEncoder(os.Stdout).Encode(resp)
	}
	for _, m := range resp.Members {
		var entity struct {
			ID   string `json:"id"`
			Kind string `json:"kind"`
			Name string `json:"name"`
		}
		_ = json.Unmarshal(m, &entity)
		fmt.Printf("%-10s %s\n", entity.Kind, entity.ID)
	}
	fmt.Printf("(%d-%d of %d)\n", resp.Offset, resp.Offset+len(resp.Members), resp.Total)
	return nil
}

func checkpointSummary(c *checkpointClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("checkpoint id required")
	}
	var summary json.RawMessage
	path := "/v1/checkpoints/" + url.PathEscape(args[0]) + "/summary"
	if err := c.do(http.MethodGet, path, nil, &summary); err != nil {
		return err
	}
	return printIndented(summary)
}

func checkpointExport(c *checkpointClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("checkpoint id required")
	}
	var doc json.RawMessage
	path := "/v1/checkpoints/" + url.PathEscape(args[0]) + "/export"
	if err := c.do(http.MethodGet, path, nil, &doc); err != nil {
		return err
	}
	_, err := os.Stdout.Write(doc)
	return err
}

func checkpointImport(c *checkpointClient, args []string) error {
	fs := flag.NewFlagSet("checkpoint import", flag.ExitOnError)
	name := fs.String("name", "", "Name for the imported checkpoint")
	useOriginal := fs.Bool("use-original-ids", false, "Keep the exported entity IDs instead of remapping")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("export file required")
	}
	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	q := url.Values{}
	if *name != "" {
		q.Set("name", *name)
	}
	if *useOriginal {
		q.Set("useOriginalId", "true")
	}
	path := "/v1/checkpoints/import"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var cp map[string]any
	if err := c.do(http.MethodPost, path, json.RawMessage(data), &cp); err != nil {
		return err
	}
	color.Green("✓ Imported checkpoint %v", cp["id"])
	return nil
}

func checkpointDelete(c *checkpointClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("checkpoint id required")
	}
	if err := c.do(http.MethodDelete, "/v1/checkpoints/"+url.PathEscape(args[0]), nil, nil); err != nil {
		return err
	}
	color.Green("✓ Deleted %s", args[0])
	return nil
}

func checkpointTraverse(c *checkpointClient, args []string) error {
	fs := flag.NewFlagSet("checkpoint traverse", flag.ExitOnError)
	start := fs.String("start", "", "Start entity ID")
	since := fs.String("since", "", "Only follow relationships created at or after this RFC3339 time")
	until := fs.String("until", "", "Only follow relationships created at or before this RFC3339 time")
	atTime := fs.String("at", "", "Graph as of this RFC3339 time")
	depth := fs.Int("depth", 0, "Maximum traversal depth (default: server default)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *start == "" {
		return fmt.Errorf("--start is required")
	}
	req := map[string]any{"startId": *start, "maxDepth": *depth}
	timeFlags := []struct{ flag, key, value string }{
		{"since", "since", *since},
		{"until", "until", *until},
		{"at", "atTime", *atTime},
	}
	for _, tf := range timeFlags {
		if tf.value == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, tf.value)
		if err != nil {
			return fmt.Errorf("parse --%s: %w", tf.flag, err)
		}
		req[tf.key] = ts
	}
	var result json.RawMessage
	if err := c.do(http.MethodPost, "/v1/traverse", req, &result); err != nil {
		return err
	}
	return printIndented(result)
}

func printIndented(raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(os.Stdout)
	return err
}
