// Package tools implements the tool invocation subsystem: a registry of
// named handlers the model may call mid-stream, a built-in date tool, and a
// bridge that imports tools from external MCP servers.
//
// Dispatch is case-insensitive: the catalogue announces camelCase names
// (e.g. "getDateTool") but lookups fold case so the model's rendering of the
// name never matters.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxlink/sonicbridge/internal/observe"
)

// handlerErrorResult is returned verbatim whenever a handler fails. Tool
// dispatch never surfaces handler errors to the model beyond this string.
const handlerErrorResult = "An error occurred while attempting to retrieve information related to the toolUse event."

// noResult is returned when no handler matches the requested tool name.
const noResult = "no result found"

// Handler executes one tool call. args is the tool's argument payload as a
// JSON object string (may be empty). The returned string becomes the
// "result" value of the toolResult content.
type Handler func(ctx context.Context, args string) (string, error)

// entry pairs a handler with the name it was registered under, so logs and
// metrics show the declared spelling rather than the folded key.
type entry struct {
	name    string
	handler Handler
}

// Registry maps case-folded tool names to handlers. The zero value is not
// usable; create instances with [NewRegistry]. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]entry
	metrics  *observe.Metrics

	// mcpSessions holds live connections owned by RegisterMCPServer, closed
	// by Close.
	mcpSessions []io.Closer
}

// NewRegistry creates a Registry pre-populated with the built-in tools.
func NewRegistry(metrics *observe.Metrics) *Registry {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	r := &Registry{
		handlers: make(map[string]entry),
		metrics:  metrics,
	}
	r.Register("getDateTool", getDate)
	return r
}

// Register adds a handler under name. Registration replaces any existing
// handler whose case-folded name collides.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[strings.ToLower(name)] = entry{name: name, handler: h}
}

// Names returns the declared names of all registered tools.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for _, e := range r.handlers {
		out = append(out, e.name)
	}
	return out
}

// Invoke runs the named tool and returns the toolResult content: a JSON
// object string of the form {"result": …}.
//
// Failure policy: an unknown tool yields {"result": "no result found"}; a
// handler error yields the fixed error string. Invoke never returns an error
// and never panics past the handler — a tool call must not be able to take
// down the session.
func (r *Registry) Invoke(ctx context.Context, name, args string) string {
	r.mu.RLock()
	e, ok := r.handlers[strings.ToLower(name)]
	r.mu.RUnlock()

	if !ok {
		slog.Warn("tool not registered", "tool", name)
		r.metrics.RecordToolCall(ctx, name, "unknown", 0)
		return mustResult(noResult)
	}

	start := time.Now()
	out, err := safeCall(ctx, e.handler, args)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		slog.Error("tool handler failed", "tool", e.name, "err", err)
		r.metrics.RecordToolCall(ctx, e.name, "error", elapsed)
		return mustResult(handlerErrorResult)
	}
	if out == "" {
		out = noResult
	}

	r.metrics.RecordToolCall(ctx, e.name, "ok", elapsed)
	return mustResult(out)
}

// safeCall invokes h, converting a panic into an error so a broken handler
// degrades to the fixed error result.
func safeCall(ctx context.Context, h Handler, args string) (out string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tools: handler panic: %v", rec)
		}
	}()
	return h(ctx, args)
}

// mustResult wraps a result value in the {"result": …} envelope the wire
// protocol expects.
func mustResult(v string) string {
	data, err := json.Marshal(map[string]string{"result": v})
	if err != nil {
		// A map[string]string cannot fail to marshal; keep the wire shape anyway.
		return `{"result":""}`
	}
	return string(data)
}

// getDate is the built-in tool answering "what day is it" queries with the
// current UTC time.
func getDate(_ context.Context, _ string) (string, error) {
	return time.Now().UTC().Format("Monday, 2006-01-02 15:04:05") + " in UTC", nil
}
