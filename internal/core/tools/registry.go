// Package tools exposes the engine as named tool calls with JSON arguments,
// the form used by agents driving roguepatch over stdin/stdout.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/asynkron/roguepatch/internal/core/engine"
	"github.com/asynkron/roguepatch/internal/core/schema"
	"github.com/asynkron/roguepatch/pkg/patch"
	"github.com/asynkron/roguepatch/pkg/snapshot"
)

// Registry dispatches validated tool calls to an Engine.
type Registry struct {
	engine   *engine.Engine
	handlers map[string]handler
}

type handler func(ctx context.Context, raw []byte) (any, error)

// NewRegistry binds every known tool to eng.
func NewRegistry(eng *engine.Engine) *Registry {
	r := &Registry{engine: eng}
	r.handlers = map[string]handler{
		"parse_diff":       r.parseDiff,
		"apply_patch":      r.applyPatch,
		"preview_patch":    r.previewPatch,
		"create_snapshot":  r.createSnapshot,
		"restore_snapshot": r.restoreSnapshot,
		"list_snapshots":   r.listSnapshots,
		"delete_snapshot":  r.deleteSnapshot,
		"stats":            r.stats,
	}
	return r
}

// Definitions lists the served tools with their input schemas.
func (r *Registry) Definitions() ([]schema.Tool, error) {
	return schema.Tools()
}

// IsValidationError reports whether err came from argument validation.
func IsValidationError(err error) bool {
	var schemaErr schemaValidationError
	return errors.As(err, &schemaErr)
}

// Call validates raw against the tool's schema and runs it. Empty arguments
// are treated as an empty object.
func (r *Registry) Call(ctx context.Context, name string, raw json.RawMessage) (any, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", schema.ErrUnknownTool, name)
	}
	args := bytes.TrimSpace(raw)
	if len(args) == 0 || bytes.Equal(args, []byte("null")) {
		args = []byte("{}")
	}
	if err := validateArguments(name, args); err != nil {
		return nil, err
	}

	if engine.TraceID(ctx) == "" {
		ctx = engine.WithTraceID(ctx, engine.NewTraceID())
	}
	start := time.Now()
	result, err := h(ctx, args)
	logger := r.engine.Logger()
	if err != nil {
		logger.Error(ctx, "tool call failed", err, engine.Field("tool", name))
		return nil, err
	}
	logger.Debug(ctx, "tool call completed", engine.Field("tool", name), engine.Field("duration", time.Since(start)))
	return result, nil
}

type parseDiffArgs struct {
	PatchText      string `json:"patch_text"`
	WrapHeaderless bool   `json:"wrap_headerless"`
}

type parseDiffResult struct {
	Files []patch.FileDiff `json:"files"`
	Count int              `json:"count"`
}

func (r *Registry) parseDiff(_ context.Context, raw []byte) (any, error) {
	var args parseDiffArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	text := args.PatchText
	if args.WrapHeaderless {
		wrapped, err := patch.WrapHeaderless(text)
		if err != nil {
			return nil, err
		}
		text = wrapped
	}
	files := r.engine.ParseUnifiedDiff(text)
	if files == nil {
		files = []patch.FileDiff{}
	}
	return parseDiffResult{Files: files, Count: len(files)}, nil
}

type applyPatchArgs struct {
	PatchText string `json:"patch_text"`
	Path      string `json:"path"`
	DryRun    bool   `json:"dry_run"`
	Rollback  bool   `json:"rollback"`
	Root      string `json:"root"`
}

type applyPatchResult struct {
	patch.Result
	Report     string `json:"report"`
	SnapshotID string `json:"snapshot_id,omitempty"`
	RolledBack bool   `json:"rolled_back,omitempty"`
}

func (r *Registry) applyPatch(ctx context.Context, raw []byte) (any, error) {
	var args applyPatchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args.Rollback && !args.DryRun {
		out := r.engine.ApplyWithRollback(ctx, args.Root, args.PatchText, args.Path)
		return applyPatchResult{
			Result:     out.Result,
			Report:     patch.FormatResult(out.Result),
			SnapshotID: out.SnapshotID,
			RolledBack: out.RolledBack,
		}, nil
	}
	result := r.engine.ApplyPatch(ctx, args.Root, args.PatchText, args.Path, args.DryRun)
	return applyPatchResult{Result: result, Report: patch.FormatResult(result)}, nil
}

type previewPatchArgs struct {
	PatchText string `json:"patch_text"`
	Path      string `json:"path"`
	Root      string `json:"root"`
}

func (r *Registry) previewPatch(ctx context.Context, raw []byte) (any, error) {
	var args previewPatchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return r.engine.PreviewPatch(ctx, args.Root, args.PatchText, args.Path), nil
}

type createSnapshotArgs struct {
	Paths       []string `json:"paths"`
	Description string   `json:"description"`
	Root        string   `json:"root"`
}

type createSnapshotResult struct {
	snapshot.Snapshot
	Skipped []snapshot.Skipped `json:"skipped"`
	Evicted []string           `json:"evicted"`
}

func (r *Registry) createSnapshot(ctx context.Context, raw []byte) (any, error) {
	var args createSnapshotArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	result, err := r.engine.CreateSnapshotReport(ctx, args.Root, args.Paths, args.Description)
	if err != nil {
		return nil, err
	}
	out := createSnapshotResult{Snapshot: result.Snapshot, Skipped: result.Skipped, Evicted: result.Evicted}
	if out.Skipped == nil {
		out.Skipped = []snapshot.Skipped{}
	}
	if out.Evicted == nil {
		out.Evicted = []string{}
	}
	return out, nil
}

type snapshotIDArgs struct {
	SnapshotID string `json:"snapshot_id"`
	Root       string `json:"root"`
}

type successResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func (r *Registry) restoreSnapshot(ctx context.Context, raw []byte) (any, error) {
	var args snapshotIDArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	ok, message := r.engine.RestoreSnapshot(ctx, args.Root, args.SnapshotID)
	return successResult{Success: ok, Message: message}, nil
}

func (r *Registry) deleteSnapshot(ctx context.Context, raw []byte) (any, error) {
	var args snapshotIDArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return successResult{Success: r.engine.DeleteSnapshot(ctx, args.Root, args.SnapshotID)}, nil
}

type listSnapshotsArgs struct {
	Root string `json:"root"`
}

type listSnapshotsResult struct {
	Snapshots []snapshot.Snapshot `json:"snapshots"`
}

func (r *Registry) listSnapshots(ctx context.Context, raw []byte) (any, error) {
	var args listSnapshotsArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	snaps, err := r.engine.ListSnapshots(ctx, args.Root)
	if err != nil {
		return nil, err
	}
	return listSnapshotsResult{Snapshots: snaps}, nil
}

func (r *Registry) stats(_ context.Context, _ []byte) (any, error) {
	return r.engine.Stats(), nil
}
