package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voxlink/sonicbridge/internal/bedrock"
	"github.com/voxlink/sonicbridge/internal/events"
)

// ingressPump drains the ingress queue, frames each chunk as an audioInput
// envelope, and sends it to the backend. Per-chunk failures are logged and
// the loop continues — audio jitter must not kill the session. The pump
// exits on cancellation or when the session deactivates.
func (m *Manager) ingressPump(ctx context.Context) {
	for m.active.Load() {
		chunk, err := m.ingress.Get(ctx)
		if err != nil {
			return
		}

		if chunk.AudioB64 == "" || chunk.PromptName == "" || chunk.ContentName == "" {
			slog.Warn("session: audio chunk missing required fields")
			continue
		}

		env := events.AudioInput(chunk.PromptName, chunk.ContentName, chunk.AudioB64)
		// Send failures are already logged by SendEvent; keep pumping.
		_ = m.SendEvent(ctx, env)
	}
}

// egressPump receives backend chunks, decodes and stamps them, detects
// tool-use sequences, and enqueues everything on the egress queue in receive
// order.
//
// Termination: a clean end-of-stream or an unclassified receive error breaks
// the loop; validation-class errors are surfaced to the client as error
// envelopes and the loop continues. On exit the pump deactivates the session
// and runs Close.
func (m *Manager) egressPump(ctx context.Context, stream bedrock.Stream) {
	for m.active.Load() {
		payload, err := stream.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled by Close; exit without further I/O.
				break
			}
			if bedrock.IsEOF(err) {
				slog.Info("session: backend stream ended")
				break
			}
			if bedrock.IsValidationError(err) {
				slog.Error("session: backend validation error", "err", err)
				m.metrics.RecordSessionError(ctx, "validation")
				m.enqueueEgress(ctx, events.Error("Validation error: "+err.Error()))
				continue
			}
			slog.Error("session: error receiving from backend", "err", err)
			m.metrics.RecordSessionError(ctx, "receive")
			break
		}

		m.handleInbound(ctx, payload)
	}

	slog.Info("session: response processing loop ended")
	m.active.Store(false)
	m.egressOnce.Do(func() { close(m.egressDone) })
	m.Close()
}

// handleInbound decodes one backend payload, stamps it, runs tool-use
// detection, and enqueues the result.
func (m *Manager) handleInbound(ctx context.Context, payload []byte) {
	env, err := events.Parse(payload)
	if err != nil {
		slog.Error("session: decode backend payload", "err", err)
		m.metrics.RecordSessionError(ctx, "decode")
		m.enqueueEgress(ctx, events.Raw(string(payload)))
		return
	}

	env = env.WithTimestamp(time.Now())
	m.metrics.RecordBackendEvent(ctx, "in")

	// Dispatch decisions are taken before the enqueue, but the tool task is
	// only spawned afterwards so its three events always trail the inbound
	// event that triggered them on the egress queue.
	var dispatch bool
	var dispatchPrompt string

	switch env.Name() {
	case "toolUse":
		if tu, ok := env.AsToolUse(); ok {
			m.mu.Lock()
			m.pending = tu
			m.mu.Unlock()
			slog.Info("session: tool use detected", "tool", tu.Name, "tool_use_id", tu.ID)
		}

	case "contentEnd":
		if info, ok := env.AsContentEnd(); ok {
			slog.Debug("session: contentEnd",
				"type", info.Type,
				"stop_reason", info.StopReason,
			)
			if info.Type == "TOOL" {
				dispatch = true
				dispatchPrompt = info.PromptName
			}
		}
	}

	m.enqueueEgress(ctx, env)

	if dispatch {
		m.mu.Lock()
		tu := m.pending
		m.mu.Unlock()
		m.spawnToolTask(dispatchPrompt, tu)
	}
}

// enqueueEgress offers env to the egress queue without blocking. Overflow is
// a soft warning; the stream must stay up.
func (m *Manager) enqueueEgress(ctx context.Context, env events.Envelope) {
	if !m.egress.TryPut(env) {
		slog.Warn("session: egress queue full, dropping event", "event", env.Name())
		m.metrics.RecordDrop(ctx, "egress")
	}
}

// spawnToolTask starts one tool-dispatch subtask and tracks it until
// completion so Close can await all in-flight dispatches.
func (m *Manager) spawnToolTask(promptName string, tu events.ToolUse) {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return
	}
	ctx := m.toolCtx
	id := m.toolSeq
	m.toolSeq++
	m.toolTasks[id] = struct{}{}
	m.toolWG.Add(1)
	m.mu.Unlock()

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("session: tool task panic", "tool", tu.Name, "panic", rec)
			}
			m.mu.Lock()
			delete(m.toolTasks, id)
			m.mu.Unlock()
			m.toolWG.Done()
		}()
		m.runTool(ctx, promptName, tu)
	}()
}

// runTool invokes the handler and emits the three-event response sequence —
// contentStart(TOOL), toolResult, contentEnd — to both the backend stream
// and the egress queue. Errors are logged and swallowed; tool dispatch never
// cancels the session.
func (m *Manager) runTool(ctx context.Context, promptName string, tu events.ToolUse) {
	slog.Info("session: tool processing started", "tool", tu.Name, "tool_use_id", tu.ID)

	result := m.invoker.Invoke(ctx, tu.Name, tu.ArgumentsJSON())

	if ctx.Err() != nil {
		// Cancelled while the handler ran; the stream is going away.
		return
	}

	contentName := uuid.NewString()

	for _, env := range []events.Envelope{
		events.ContentStartTool(promptName, contentName, tu.ID),
		events.ToolResult(promptName, contentName, result),
		events.ContentEnd(promptName, contentName),
	} {
		_ = m.SendEvent(ctx, env)
		m.enqueueEgress(ctx, env.WithTimestamp(time.Now()))
	}

	slog.Info("session: tool processing completed", "tool", tu.Name, "tool_use_id", tu.ID)
}
