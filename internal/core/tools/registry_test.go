package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/asynkron/roguepatch/internal/config"
	"github.com/asynkron/roguepatch/internal/core/engine"
	"github.com/asynkron/roguepatch/internal/core/schema"
)

const samplePatch = "diff --git a/sample.txt b/sample.txt\n" +
	"--- a/sample.txt\n" +
	"+++ b/sample.txt\n" +
	"@@ -1,2 +1,2 @@\n" +
	" first\n" +
	"-second\n" +
	"+updated\n"

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "sample.txt"), []byte("first\nsecond\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	cfg := config.Default()
	cfg.Root = root
	eng, err := engine.New(cfg, engine.Options{})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return NewRegistry(eng), root
}

func mustJSON(t *testing.T, value any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestCallRejectsInvalidArguments(t *testing.T) {
	t.Parallel()

	registry, _ := newTestRegistry(t)
	cases := map[string]struct {
		tool string
		args string
	}{
		"missing patch text": {tool: "apply_patch", args: `{"path":"a.go"}`},
		"wrong type":         {tool: "apply_patch", args: `{"patch_text":"x","dry_run":"yes"}`},
		"unknown property":   {tool: "apply_patch", args: `{"patch_text":"x","force":true}`},
		"paths not array":    {tool: "create_snapshot", args: `{"paths":"a.go"}`},
		"empty snapshot id":  {tool: "restore_snapshot", args: `{"snapshot_id":""}`},
		"stats with args":    {tool: "stats", args: `{"verbose":true}`},
	}
	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := registry.Call(context.Background(), tc.tool, json.RawMessage(tc.args))
			if !IsValidationError(err) {
				t.Fatalf("expected schema validation error, got %v", err)
			}
		})
	}
}

func TestCallRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	registry, _ := newTestRegistry(t)
	_, err := registry.Call(context.Background(), "apply_patch", json.RawMessage(`{"patch_text":`))
	if err == nil || IsValidationError(err) {
		t.Fatalf("expected a JSON error, got %v", err)
	}
}

func TestCallUnknownTool(t *testing.T) {
	t.Parallel()

	registry, _ := newTestRegistry(t)
	_, err := registry.Call(context.Background(), "get_project_context", nil)
	if !errors.Is(err, schema.ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
}

func TestApplyPatchToolDryRunAndApply(t *testing.T) {
	t.Parallel()

	registry, root := newTestRegistry(t)
	ctx := context.Background()

	out, err := registry.Call(ctx, "apply_patch", mustJSON(t, map[string]any{"patch_text": samplePatch, "dry_run": true}))
	require.NoError(t, err)
	result := out.(applyPatchResult)
	require.True(t, result.Success)
	require.Equal(t, "Applied 1/1 hunks to sample.txt.", result.Report)

	data, err := os.ReadFile(filepath.Join(root, "sample.txt"))
	require.NoError(t, err)
	require.Equal(t, "first\nsecond\n", string(data))

	out, err = registry.Call(ctx, "apply_patch", mustJSON(t, map[string]any{"patch_text": samplePatch, "rollback": true}))
	require.NoError(t, err)
	result = out.(applyPatchResult)
	require.True(t, result.Success)
	require.NotEmpty(t, result.SnapshotID)
	require.False(t, result.RolledBack)

	data, err = os.ReadFile(filepath.Join(root, "sample.txt"))
	require.NoError(t, err)
	require.Equal(t, "first\nupdated\n", string(data))
}

func TestParseDiffTool(t *testing.T) {
	t.Parallel()

	registry, _ := newTestRegistry(t)
	out, err := registry.Call(context.Background(), "parse_diff", mustJSON(t, map[string]any{"patch_text": samplePatch}))
	require.NoError(t, err)
	parsed := out.(parseDiffResult)
	require.Equal(t, 1, parsed.Count)
	require.Equal(t, "sample.txt", parsed.Files[0].Path())

	headerless := "--- a/sample.txt\n+++ b/sample.txt\n@@ -1 +1 @@\n-a\n+b\n"
	out, err = registry.Call(context.Background(), "parse_diff", mustJSON(t, map[string]any{"patch_text": headerless}))
	require.NoError(t, err)
	require.Equal(t, 0, out.(parseDiffResult).Count)
	require.NotNil(t, out.(parseDiffResult).Files)

	out, err = registry.Call(context.Background(), "parse_diff", mustJSON(t, map[string]any{"patch_text": headerless, "wrap_headerless": true}))
	require.NoError(t, err)
	require.Equal(t, 1, out.(parseDiffResult).Count)
}

func TestSnapshotTools(t *testing.T) {
	t.Parallel()

	registry, root := newTestRegistry(t)
	ctx := context.Background()

	out, err := registry.Call(ctx, "create_snapshot", mustJSON(t, map[string]any{
		"paths":       []string{"sample.txt", ".env"},
		"description": "checkpoint",
	}))
	require.NoError(t, err)
	created := out.(createSnapshotResult)
	require.Len(t, created.Files, 1)
	require.Len(t, created.Skipped, 1)
	require.Equal(t, "denied by policy", created.Skipped[0].Reason)

	require.NoError(t, os.WriteFile(filepath.Join(root, "sample.txt"), []byte("changed\n"), 0o644))

	out, err = registry.Call(ctx, "list_snapshots", nil)
	require.NoError(t, err)
	require.Len(t, out.(listSnapshotsResult).Snapshots, 1)

	out, err = registry.Call(ctx, "restore_snapshot", mustJSON(t, map[string]any{"snapshot_id": created.ID}))
	require.NoError(t, err)
	require.Equal(t, successResult{Success: true, Message: "Restored 1 files from snapshot " + created.ID}, out)

	out, err = registry.Call(ctx, "delete_snapshot", mustJSON(t, map[string]any{"snapshot_id": created.ID}))
	require.NoError(t, err)
	require.Equal(t, successResult{Success: true}, out)

	out, err = registry.Call(ctx, "stats", nil)
	require.NoError(t, err)
	stats := out.(engine.MetricsSnapshot)
	require.EqualValues(t, 1, stats.Snapshots.Total)
	require.EqualValues(t, 1, stats.SnapshotsDeleted)
}

func TestPreviewPatchTool(t *testing.T) {
	t.Parallel()

	registry, _ := newTestRegistry(t)
	out, err := registry.Call(context.Background(), "preview_patch", mustJSON(t, map[string]any{"patch_text": samplePatch}))
	require.NoError(t, err)
	preview := out.(engine.Preview)
	require.True(t, preview.Result.Success)
	require.Equal(t, "first\nupdated\n", preview.After)
}

func TestServeAnswersEveryLine(t *testing.T) {
	t.Parallel()

	registry, _ := newTestRegistry(t)
	input := strings.Join([]string{
		`{"id":1,"name":"list_tools"}`,
		``,
		`{"id":2,"name":"apply_patch","arguments":` + string(mustJSON(t, map[string]any{"patch_text": samplePatch, "dry_run": true})) + `}`,
		`not json`,
		`{"id":"x","name":"nope"}`,
	}, "\n")

	var out strings.Builder
	require.NoError(t, registry.Serve(context.Background(), strings.NewReader(input), &out))

	var responses []map[string]any
	scanner := bufio.NewScanner(strings.NewReader(out.String()))
	for scanner.Scan() {
		var resp map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
		responses = append(responses, resp)
	}
	require.Len(t, responses, 4)

	tools := responses[0]["result"].(map[string]any)["tools"].([]any)
	require.Len(t, tools, 8)

	applied := responses[1]["result"].(map[string]any)
	require.EqualValues(t, 2, responses[1]["id"])
	require.Equal(t, true, applied["success"])
	require.EqualValues(t, 1, applied["hunks_applied"])

	require.Contains(t, responses[2]["error"], "invalid request")
	require.Equal(t, "x", responses[3]["id"])
	require.Contains(t, responses[3]["error"], "unknown tool")
}

func TestServeStopsWhenCanceled(t *testing.T) {
	t.Parallel()

	registry, _ := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := registry.Serve(ctx, strings.NewReader(`{"name":"stats"}`+"\n"), &strings.Builder{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestServeReturnsWhileInputIsIdle(t *testing.T) {
	t.Parallel()

	registry, _ := newTestRegistry(t)
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- registry.Serve(ctx, pr, &strings.Builder{})
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return after cancellation")
	}
}
