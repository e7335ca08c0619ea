package session_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	bmock "github.com/voxlink/sonicbridge/internal/bedrock/mock"
	"github.com/voxlink/sonicbridge/internal/events"
	"github.com/voxlink/sonicbridge/internal/session"
)

// stubInvoker records tool calls and returns a canned result. When block is
// non-nil, Invoke waits for ctx cancellation or the channel before returning,
// simulating a slow handler.
type stubInvoker struct {
	mu     sync.Mutex
	calls  []toolCall
	result string
	block  chan struct{}
}

type toolCall struct {
	name string
	args string
}

func (s *stubInvoker) Invoke(ctx context.Context, name, args string) string {
	s.mu.Lock()
	s.calls = append(s.calls, toolCall{name: name, args: args})
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	if s.result != "" {
		return s.result
	}
	return `{"result":"ok"}`
}

func (s *stubInvoker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// newManager builds a Manager wired to the given mock stream, with the
// post-init settle disabled to keep the suite fast.
func newManager(stream *bmock.Stream, invoker *stubInvoker) (*session.Manager, *bmock.Opener) {
	opener := &bmock.Opener{Stream: stream}
	m := session.New(session.Config{
		Region:      "us-east-1",
		ModelID:     "amazon.nova-sonic-v1:0",
		Opener:      opener,
		Tools:       invoker,
		SettleDelay: -1,
	})
	return m, opener
}

// mustInit initializes m and fatals on error.
func mustInit(t *testing.T, m *session.Manager) {
	t.Helper()
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// eventName extracts the sole event name from a decoded wire object.
func eventName(m map[string]any) string {
	event, ok := m["event"].(map[string]any)
	if !ok {
		return ""
	}
	for k := range event {
		return k
	}
	return ""
}

// readOutput reads one egress event with a deadline.
func readOutput(t *testing.T, m *session.Manager) events.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	env, err := m.Output(ctx)
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	return env
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

func TestInitialize_ActivatesSession(t *testing.T) {
	t.Parallel()

	stream := bmock.NewStream(16)
	m, opener := newManager(stream, &stubInvoker{})
	t.Cleanup(m.Close)

	mustInit(t, m)

	if !m.Active() {
		t.Error("Active: want true after init")
	}
	if got := m.State(); got != session.StateActive {
		t.Errorf("State: want active, got %s", got)
	}
	if got := opener.Invoked(); len(got) != 1 || got[0] != "amazon.nova-sonic-v1:0" {
		t.Errorf("Invoked: got %v", got)
	}
}

func TestInitialize_FailureLandsInClosed(t *testing.T) {
	t.Parallel()

	opener := &bmock.Opener{Err: errors.New("no capacity")}
	m := session.New(session.Config{
		ModelID:     "m",
		Opener:      opener,
		Tools:       &stubInvoker{},
		SettleDelay: -1,
	})

	err := m.Initialize(context.Background())
	if err == nil {
		t.Fatal("Initialize: want error")
	}
	if !errors.Is(err, session.ErrBackendInit) {
		t.Errorf("want ErrBackendInit, got %v", err)
	}
	if got := m.State(); got != session.StateClosed {
		t.Errorf("State: want closed, got %s", got)
	}
	if m.Active() {
		t.Error("Active: want false")
	}
}

func TestInitialize_Twice(t *testing.T) {
	t.Parallel()

	stream := bmock.NewStream(16)
	m, _ := newManager(stream, &stubInvoker{})
	t.Cleanup(m.Close)

	mustInit(t, m)
	if err := m.Initialize(context.Background()); err == nil {
		t.Fatal("second Initialize: want error")
	}
}

// ─── Sending ─────────────────────────────────────────────────────────────────

func TestSendEvent_WritesEnvelopeToBackend(t *testing.T) {
	t.Parallel()

	stream := bmock.NewStream(16)
	m, _ := newManager(stream, &stubInvoker{})
	t.Cleanup(m.Close)
	mustInit(t, m)

	if err := m.SendEvent(context.Background(), events.TextInput("p", "c", "hello")); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}

	sent := stream.SentEnvelopes()
	if len(sent) != 1 {
		t.Fatalf("want 1 sent envelope, got %d", len(sent))
	}
	if got := eventName(sent[0]); got != "textInput" {
		t.Errorf("event name: want textInput, got %q", got)
	}
}

func TestSendEvent_FailureDoesNotCloseSession(t *testing.T) {
	t.Parallel()

	stream := bmock.NewStream(16)
	m, _ := newManager(stream, &stubInvoker{})
	t.Cleanup(m.Close)
	mustInit(t, m)

	stream.SetSendErr(errors.New("transient"))
	if err := m.SendEvent(context.Background(), events.TextInput("p", "c", "x")); err == nil {
		t.Fatal("SendEvent: want error")
	}
	if !m.Active() {
		t.Error("session must stay active after a send failure")
	}
}

// S5: sessionEnd is written, then the session closes; a second close is a
// no-op.
func TestSendEvent_SessionEndTriggersClose(t *testing.T) {
	t.Parallel()

	stream := bmock.NewStream(16)
	m, _ := newManager(stream, &stubInvoker{})
	mustInit(t, m)

	if err := m.SendEvent(context.Background(), events.SessionEnd()); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}

	sent := stream.SentEnvelopes()
	if len(sent) != 1 || eventName(sent[0]) != "sessionEnd" {
		t.Fatalf("sessionEnd not written to backend: %v", sent)
	}
	if m.Active() {
		t.Error("Active: want false after sessionEnd")
	}
	if got := m.State(); got != session.StateClosed {
		t.Errorf("State: want closed, got %s", got)
	}
	if !stream.CloseSendCalled() {
		t.Error("backend input stream was not closed")
	}

	m.Close() // no-op
	if got := m.State(); got != session.StateClosed {
		t.Errorf("State after second Close: want closed, got %s", got)
	}
}

// ─── Audio ingress ───────────────────────────────────────────────────────────

// S1 (ingress half): queued chunks reach the backend in enqueue order.
func TestEnqueueAudio_FlowsToBackendInOrder(t *testing.T) {
	t.Parallel()

	stream := bmock.NewStream(16)
	m, _ := newManager(stream, &stubInvoker{})
	t.Cleanup(m.Close)
	mustInit(t, m)

	for i := 0; i < 10; i++ {
		m.EnqueueAudio("p", "audio-c", fmt.Sprintf("chunk-%02d", i))
	}

	waitFor(t, time.Second, "10 audio sends", func() bool {
		return len(stream.Sent()) >= 10
	})

	sent := stream.SentEnvelopes()
	for i, env := range sent[:10] {
		if eventName(env) != "audioInput" {
			t.Fatalf("event %d: want audioInput, got %q", i, eventName(env))
		}
		content := env["event"].(map[string]any)["audioInput"].(map[string]any)["content"]
		if want := fmt.Sprintf("chunk-%02d", i); content != want {
			t.Errorf("event %d: want content %q, got %v", i, want, content)
		}
	}
}

// S3: with a stalled pump, enqueueing 250 chunks keeps exactly 100 and drops
// 150; after the pump resumes, exactly 100 reach the backend.
func TestEnqueueAudio_OverflowDropsNewest(t *testing.T) {
	t.Parallel()

	stream := bmock.NewStream(16)
	m, _ := newManager(stream, &stubInvoker{})
	t.Cleanup(m.Close)

	// Not initialized yet: the ingress pump is stalled.
	for i := 0; i < 250; i++ {
		m.EnqueueAudio("p", "c", fmt.Sprintf("chunk-%d", i))
	}

	stats := m.Stats()
	if stats.IngressLen != 100 {
		t.Errorf("IngressLen: want 100, got %d", stats.IngressLen)
	}
	if stats.IngressDropped != 150 {
		t.Errorf("IngressDropped: want 150, got %d", stats.IngressDropped)
	}

	// Resume: initialize and let the pump drain.
	mustInit(t, m)
	waitFor(t, time.Second, "100 audio sends", func() bool {
		return len(stream.Sent()) >= 100
	})

	time.Sleep(20 * time.Millisecond)
	if got := len(stream.Sent()); got != 100 {
		t.Errorf("sent chunks: want exactly 100, got %d", got)
	}
}

// ─── Egress ──────────────────────────────────────────────────────────────────

// Invariant 3: backend events appear on the egress queue in receive order,
// stamped with a timestamp.
func TestEgress_PreservesReceiveOrder(t *testing.T) {
	t.Parallel()

	stream := bmock.NewStream(16)
	m, _ := newManager(stream, &stubInvoker{})
	t.Cleanup(m.Close)
	mustInit(t, m)

	names := []string{"completionStart", "audioOutput", "textOutput", "completionEnd"}
	for _, n := range names {
		stream.EmitJSON(map[string]any{"event": map[string]any{n: map[string]any{}}})
	}

	for i, want := range names {
		env := readOutput(t, m)
		if got := env.Name(); got != want {
			t.Fatalf("event %d: want %s, got %s", i, want, got)
		}
		if _, ok := env["timestamp"]; !ok {
			t.Errorf("event %d: missing timestamp", i)
		}
	}
}

func TestEgress_DecodeFailureYieldsRawRecord(t *testing.T) {
	t.Parallel()

	stream := bmock.NewStream(16)
	m, _ := newManager(stream, &stubInvoker{})
	t.Cleanup(m.Close)
	mustInit(t, m)

	stream.Emit([]byte("not json"))
	stream.EmitJSON(map[string]any{"event": map[string]any{"textOutput": map[string]any{}}})

	env := readOutput(t, m)
	if got, ok := env["raw_data"].(string); !ok || got != "not json" {
		t.Fatalf("want raw_data record, got %v", env)
	}
	if !m.Active() {
		t.Error("session must survive a decode failure")
	}

	if got := readOutput(t, m).Name(); got != "textOutput" {
		t.Errorf("next event: want textOutput, got %s", got)
	}
}

// S4: a ValidationException from the backend becomes a client-visible error
// envelope; the session stays active and keeps processing.
func TestEgress_ValidationErrorIsNonFatal(t *testing.T) {
	t.Parallel()

	stream := bmock.NewStream(16)
	m, _ := newManager(stream, &stubInvoker{})
	t.Cleanup(m.Close)
	mustInit(t, m)

	stream.EmitErr(errors.New("operation error Bedrock Runtime: ValidationException: bad prompt"))
	stream.EmitJSON(map[string]any{"event": map[string]any{"textOutput": map[string]any{}}})

	env := readOutput(t, m)
	if got := env.Name(); got != "error" {
		t.Fatalf("want error envelope, got %s (%v)", got, env)
	}
	msg, _ := env.Body("error")["message"].(string)
	if !strings.HasPrefix(msg, "Validation error:") {
		t.Errorf("error message: got %q", msg)
	}
	if !m.Active() {
		t.Error("session must stay active after a validation error")
	}

	if got := readOutput(t, m).Name(); got != "textOutput" {
		t.Errorf("next event: want textOutput, got %s", got)
	}
}

func TestEgress_EndOfStreamClosesSession(t *testing.T) {
	t.Parallel()

	stream := bmock.NewStream(16)
	m, _ := newManager(stream, &stubInvoker{})
	mustInit(t, m)

	stream.End()

	waitFor(t, time.Second, "session to close", func() bool {
		return m.State() == session.StateClosed
	})
	if m.Active() {
		t.Error("Active: want false after EOF")
	}
}

func TestEgress_UnclassifiedErrorClosesSession(t *testing.T) {
	t.Parallel()

	stream := bmock.NewStream(16)
	m, _ := newManager(stream, &stubInvoker{})
	mustInit(t, m)

	stream.EmitErr(errors.New("connection reset"))

	waitFor(t, time.Second, "session to close", func() bool {
		return m.State() == session.StateClosed
	})
}

// ─── Tool dispatch ───────────────────────────────────────────────────────────

// emitToolSequence scripts a toolUse followed by the TOOL contentEnd that
// triggers dispatch.
func emitToolSequence(stream *bmock.Stream, tool, id, args string) {
	stream.EmitJSON(map[string]any{"event": map[string]any{"toolUse": map[string]any{
		"toolName":  tool,
		"toolUseId": id,
		"content":   args,
	}}})
	stream.EmitJSON(map[string]any{"event": map[string]any{"contentEnd": map[string]any{
		"promptName": "p",
		"type":       "TOOL",
		"stopReason": "TOOL_USE",
	}}})
}

// S2 / invariant 5: a toolUse/contentEnd pair produces exactly three events
// (start, result, end) on both the backend stream and the egress queue, with
// a matching contentName across all three.
func TestToolDispatch_RoundTrip(t *testing.T) {
	t.Parallel()

	stream := bmock.NewStream(16)
	invoker := &stubInvoker{result: `{"result":"Friday, 2026-01-02 03:04:05 in UTC"}`}
	m, _ := newManager(stream, invoker)
	t.Cleanup(m.Close)
	mustInit(t, m)

	emitToolSequence(stream, "getDateTool", "t1", "{}")

	// The first two egress events mirror the backend sequence.
	if got := readOutput(t, m).Name(); got != "toolUse" {
		t.Fatalf("first egress event: want toolUse, got %s", got)
	}
	if got := readOutput(t, m).Name(); got != "contentEnd" {
		t.Fatalf("second egress event: want contentEnd, got %s", got)
	}

	// Then the dispatcher's three events, in order.
	start := readOutput(t, m)
	result := readOutput(t, m)
	end := readOutput(t, m)

	if got := start.Name(); got != "contentStart" {
		t.Fatalf("dispatch event 1: want contentStart, got %s", got)
	}
	if got := result.Name(); got != "toolResult" {
		t.Fatalf("dispatch event 2: want toolResult, got %s", got)
	}
	if got := end.Name(); got != "contentEnd" {
		t.Fatalf("dispatch event 3: want contentEnd, got %s", got)
	}

	startBody := start.Body("contentStart")
	toolCfg := startBody["toolResultInputConfiguration"].(map[string]any)
	if toolCfg["toolUseId"] != "t1" {
		t.Errorf("toolUseId: want t1, got %v", toolCfg["toolUseId"])
	}
	if startBody["type"] != "TOOL" || startBody["role"] != "TOOL" {
		t.Errorf("contentStart: want TOOL/TOOL, got %v/%v", startBody["type"], startBody["role"])
	}

	contentName := startBody["contentName"]
	if got := result.Body("toolResult")["contentName"]; got != contentName {
		t.Errorf("toolResult contentName: want %v, got %v", contentName, got)
	}
	if got := end.Body("contentEnd")["contentName"]; got != contentName {
		t.Errorf("contentEnd contentName: want %v, got %v", contentName, got)
	}
	if got := result.Body("toolResult")["content"]; got != invoker.result {
		t.Errorf("toolResult content: want %q, got %v", invoker.result, got)
	}

	// The same three events were written to the backend.
	waitFor(t, time.Second, "3 backend sends", func() bool {
		return len(stream.Sent()) >= 3
	})
	sent := stream.SentEnvelopes()
	wantNames := []string{"contentStart", "toolResult", "contentEnd"}
	for i, want := range wantNames {
		if got := eventName(sent[i]); got != want {
			t.Errorf("backend event %d: want %s, got %s", i, want, got)
		}
	}

	// Handler saw the dispatch exactly once with the tool name as received
	// and the raw args.
	if invoker.callCount() != 1 {
		t.Fatalf("tool calls: want 1, got %d", invoker.callCount())
	}
	invoker.mu.Lock()
	call := invoker.calls[0]
	invoker.mu.Unlock()
	if call.name != "getDateTool" || call.args != "{}" {
		t.Errorf("tool call: got %+v", call)
	}

	// Dispatch tracking drains back to zero.
	waitFor(t, time.Second, "tool tasks to settle", func() bool {
		return m.Stats().ToolTasks == 0
	})
}

func TestToolDispatch_ConcurrentCalls(t *testing.T) {
	t.Parallel()

	stream := bmock.NewStream(32)
	invoker := &stubInvoker{}
	m, _ := newManager(stream, invoker)
	t.Cleanup(m.Close)
	mustInit(t, m)

	for i := 0; i < 3; i++ {
		emitToolSequence(stream, "getDateTool", fmt.Sprintf("t%d", i), "{}")
	}

	waitFor(t, time.Second, "3 tool invocations", func() bool {
		return invoker.callCount() == 3
	})
	waitFor(t, time.Second, "9 backend sends", func() bool {
		return len(stream.Sent()) >= 9
	})
}

// Invariant 4: after Close, tool tasks are settled, both queues are empty,
// and a second Close is a no-op. A blocked handler is cancelled rather than
// awaited forever.
func TestClose_CancelsInFlightToolTasks(t *testing.T) {
	t.Parallel()

	stream := bmock.NewStream(16)
	invoker := &stubInvoker{block: make(chan struct{})}
	m, _ := newManager(stream, invoker)
	mustInit(t, m)

	emitToolSequence(stream, "slowTool", "t1", "{}")

	waitFor(t, time.Second, "tool task to start", func() bool {
		return invoker.callCount() == 1
	})

	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return; blocked tool task was not cancelled")
	}

	stats := m.Stats()
	if stats.ToolTasks != 0 {
		t.Errorf("ToolTasks after Close: want 0, got %d", stats.ToolTasks)
	}
	if stats.IngressLen != 0 || stats.EgressLen != 0 {
		t.Errorf("queues after Close: want empty, got ingress=%d egress=%d", stats.IngressLen, stats.EgressLen)
	}
	if got := m.State(); got != session.StateClosed {
		t.Errorf("State: want closed, got %s", got)
	}

	m.Close() // no-op
}

// ─── Reset ───────────────────────────────────────────────────────────────────

func TestReset_ClearsSessionState(t *testing.T) {
	t.Parallel()

	stream := bmock.NewStream(16)
	m, _ := newManager(stream, &stubInvoker{})
	t.Cleanup(m.Close)
	mustInit(t, m)

	m.SetPromptName("p1")
	m.EnqueueAudio("p1", "c1", "AAAA")
	// The pump may or may not have sent the chunk before Reset; the
	// assertions below check only the prompt name and that the session
	// stays active.

	m.Reset()

	if got := m.PromptName(); got != "" {
		t.Errorf("PromptName after Reset: want empty, got %q", got)
	}
	if !m.Active() {
		t.Error("Reset must not deactivate the session")
	}
}
