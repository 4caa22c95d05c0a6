package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ListToolsName is answered by Serve with the tool definitions.
const ListToolsName = "list_tools"

// Request is one newline-delimited tool call read by Serve.
type Request struct {
	ID        json.RawMessage `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Response answers a Request. Exactly one of Result and Error is set.
type Response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Name   string          `json:"name,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Handle runs a single request.
func (r *Registry) Handle(ctx context.Context, req Request) Response {
	resp := Response{ID: req.ID, Name: req.Name}
	if req.Name == ListToolsName {
		defs, err := r.Definitions()
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.Result = map[string]any{"tools": defs}
		return resp
	}
	result, err := r.Call(ctx, req.Name, req.Arguments)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Result = result
	return resp
}

type readResult struct {
	line []byte
	err  error
}

// Serve reads one JSON request per line from in and writes one JSON response
// per line to out until in is exhausted or ctx is canceled. Malformed lines
// produce an error response and do not stop the loop. A read blocked on in
// does not delay cancellation.
func (r *Registry) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	encoder := json.NewEncoder(out)
	encoder.SetEscapeHTML(false)
	lines := make(chan readResult)
	go readLines(ctx, bufio.NewReader(in), lines)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var next readResult
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next = <-lines:
		}

		if trimmed := bytes.TrimSpace(next.line); len(trimmed) > 0 {
			var resp Response
			var req Request
			if err := json.Unmarshal(trimmed, &req); err != nil {
				resp = Response{Error: fmt.Sprintf("invalid request: %v", err)}
			} else {
				resp = r.Handle(ctx, req)
			}
			if err := encoder.Encode(resp); err != nil {
				return fmt.Errorf("tools: write response: %w", err)
			}
		}
		if errors.Is(next.err, io.EOF) {
			return nil
		}
		if next.err != nil {
			return fmt.Errorf("tools: read request: %w", next.err)
		}
	}
}

// readLines feeds lines to Serve until a read fails or ctx ends.
func readLines(ctx context.Context, reader *bufio.Reader, lines chan<- readResult) {
	for {
		line, err := reader.ReadBytes('\n')
		select {
		case lines <- readResult{line: line, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}
