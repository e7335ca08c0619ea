// Package session implements the bidirectional streaming session at the heart
// of sonicbridge: one [Manager] per connected client, owning the backend
// stream, the two bounded queues that decouple client and backend rates, the
// ingress/egress pumps, and the tool-dispatch subtasks spawned mid-stream.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxlink/sonicbridge/internal/bedrock"
	"github.com/voxlink/sonicbridge/internal/events"
	"github.com/voxlink/sonicbridge/internal/observe"
)

// ErrBackendInit is wrapped by [Manager.Initialize] when the backend stream
// cannot be opened. It is the only error class a session surfaces to its
// caller; everything after a successful init is handled in-session.
var ErrBackendInit = errors.New("backend stream initialization failed")

// Queue capacities. The ingress queue holds roughly 2–3 seconds of realtime
// audio; the egress queue is larger because model responses burst.
const (
	defaultIngressCapacity = 100
	defaultEgressCapacity  = 200
)

// defaultSettleDelay is the pause after stream open that lets the pumps reach
// their blocking points before the first client event arrives.
const defaultSettleDelay = 100 * time.Millisecond

// State is a session's lifecycle phase. Transitions are monotonic: a session
// never leaves [StateClosed].
type State uint32

const (
	StateCreated State = iota
	StateInitializing
	StateActive
	StateClosing
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// AudioChunk is one queued client audio frame. AudioB64 is already
// base64-framed for the wire by the client adapter.
type AudioChunk struct {
	PromptName  string
	ContentName string
	AudioB64    string
}

// ToolInvoker runs one tool call and returns the toolResult content as a
// JSON object string. Implementations must never block the session beyond
// the handler's own work and must swallow handler failures into the result.
type ToolInvoker interface {
	Invoke(ctx context.Context, name, args string) string
}

// Config holds the dependencies and knobs for a [Manager].
type Config struct {
	// Region and ModelID identify the backend model. Immutable per session.
	Region  string
	ModelID string

	// Opener creates the backend stream on Initialize.
	Opener bedrock.Opener

	// Tools dispatches toolUse events. Required.
	Tools ToolInvoker

	// Metrics defaults to [observe.DefaultMetrics] when nil.
	Metrics *observe.Metrics

	// SettleDelay overrides the post-init settle pause. Negative disables it;
	// zero means the default.
	SettleDelay time.Duration
}

// Stats is a point-in-time snapshot of a session's queues and subtasks.
type Stats struct {
	IngressLen     int
	EgressLen      int
	IngressDropped int64
	EgressDropped  int64
	ToolTasks      int
}

// Manager owns one client-to-backend conversation lifetime. All exported
// methods are safe for concurrent use.
type Manager struct {
	region  string
	modelID string
	opener  bedrock.Opener
	invoker ToolInvoker
	metrics *observe.Metrics
	settle  time.Duration

	ingress *Queue[AudioChunk]
	egress  *Queue[events.Envelope]

	active atomic.Bool

	mu               sync.Mutex
	state            State
	stream           bedrock.Stream
	promptName       string
	contentName      string
	audioContentName string
	pending          events.ToolUse
	toolCtx          context.Context
	toolCancel       context.CancelFunc
	toolTasks        map[uint64]struct{}
	toolSeq          uint64
	pumpCancel       context.CancelFunc
	egressDone       chan struct{}
	counted          bool

	toolWG     sync.WaitGroup
	egressOnce sync.Once
}

// New creates a Manager in [StateCreated]. It performs no I/O.
func New(cfg Config) *Manager {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	settle := cfg.SettleDelay
	switch {
	case settle == 0:
		settle = defaultSettleDelay
	case settle < 0:
		settle = 0
	}
	return &Manager{
		region:    cfg.Region,
		modelID:   cfg.ModelID,
		opener:    cfg.Opener,
		invoker:   cfg.Tools,
		metrics:   metrics,
		settle:    settle,
		ingress:   NewQueue[AudioChunk](defaultIngressCapacity),
		egress:    NewQueue[events.Envelope](defaultEgressCapacity),
		toolTasks: make(map[uint64]struct{}),
	}
}

// Initialize opens the backend stream and starts the ingress and egress
// pumps. On failure the session lands in [StateClosed] and the returned
// error wraps [ErrBackendInit].
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateCreated {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("session: initialize from state %s", state)
	}
	m.state = StateInitializing
	m.mu.Unlock()

	stream, err := m.opener.Invoke(ctx, m.modelID)
	if err != nil {
		m.mu.Lock()
		m.state = StateClosed
		m.mu.Unlock()
		slog.Error("session: failed to initialize backend stream", "model_id", m.modelID, "err", err)
		return fmt.Errorf("session: %w: %w", ErrBackendInit, err)
	}

	// Pumps and tool tasks outlive the caller's ctx; they are bound to the
	// session's own lifetime and stopped by Close.
	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	toolCtx, toolCancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.stream = stream
	m.state = StateActive
	m.pumpCancel = pumpCancel
	m.toolCtx = toolCtx
	m.toolCancel = toolCancel
	m.egressDone = make(chan struct{})
	m.counted = true
	m.mu.Unlock()

	m.active.Store(true)
	m.metrics.ActiveSessions.Add(ctx, 1)

	go m.egressPump(pumpCtx, stream)
	go m.ingressPump(pumpCtx)

	if m.settle > 0 {
		time.Sleep(m.settle)
	}

	slog.Info("session initialized", "region", m.region, "model_id", m.modelID)
	return nil
}

// SendEvent JSON-encodes env and writes it to the backend input stream.
// Send failures are logged but never tear down the stream; persistent
// breakage is detected by the egress pump. Sending a sessionEnd envelope
// triggers Close after the write.
func (m *Manager) SendEvent(ctx context.Context, env events.Envelope) error {
	m.mu.Lock()
	stream := m.stream
	m.mu.Unlock()

	if stream == nil || !m.active.Load() {
		slog.Warn("session: stream not initialized or closed, dropping event", "event", env.Name())
		return nil
	}

	data, err := env.Marshal()
	if err != nil {
		slog.Error("session: encode event", "event", env.Name(), "err", err)
		return err
	}

	if err := stream.Send(ctx, data); err != nil {
		slog.Error("session: send event to backend", "event", env.Name(), "err", err)
		m.metrics.RecordSessionError(ctx, "send")
		return err
	}
	m.metrics.RecordBackendEvent(ctx, "out")

	if env.Name() == "sessionEnd" {
		m.Close()
	}
	return nil
}

// EnqueueAudio offers one audio chunk to the ingress queue without blocking.
// On a full queue the chunk is dropped and a warning logged — for realtime
// audio that beats stalling the producer.
func (m *Manager) EnqueueAudio(promptName, contentName, audioB64 string) {
	ok := m.ingress.TryPut(AudioChunk{
		PromptName:  promptName,
		ContentName: contentName,
		AudioB64:    audioB64,
	})
	if !ok {
		slog.Warn("session: ingress queue full, dropping audio chunk")
		m.metrics.RecordDrop(context.Background(), "ingress")
	}
}

// Output returns the next event destined for the client, blocking until one
// is available or ctx is done.
func (m *Manager) Output(ctx context.Context) (events.Envelope, error) {
	return m.egress.Get(ctx)
}

// State returns the session's current lifecycle phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Active reports whether the session is between a successful Initialize and
// a terminal Close.
func (m *Manager) Active() bool { return m.active.Load() }

// Stats returns a snapshot of queue depths, drop counts, and in-flight tool
// tasks.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	tasks := len(m.toolTasks)
	m.mu.Unlock()
	return Stats{
		IngressLen:     m.ingress.Len(),
		EgressLen:      m.egress.Len(),
		IngressDropped: m.ingress.Dropped(),
		EgressDropped:  m.egress.Dropped(),
		ToolTasks:      tasks,
	}
}

// SetPromptName records the client's prompt correlation name for this session.
func (m *Manager) SetPromptName(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promptName = name
}

// PromptName returns the current prompt correlation name.
func (m *Manager) PromptName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.promptName
}

// SetContentName records the client's text content correlation name.
func (m *Manager) SetContentName(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contentName = name
}

// SetAudioContentName records the client's audio content correlation name.
func (m *Manager) SetAudioContentName(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioContentName = name
}

// Reset prepares the session for a new logical conversation on the same
// connection: in-flight tool tasks are cancelled and awaited, both queues are
// cleared, and correlation names are nulled. The backend stream stays open.
func (m *Manager) Reset() {
	m.mu.Lock()
	cancel := m.toolCancel
	if cancel != nil {
		// Replace the tool context so future dispatches are unaffected.
		m.toolCtx, m.toolCancel = context.WithCancel(context.Background())
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.toolWG.Wait()

	m.ingress.Drain()
	m.egress.Drain()

	m.mu.Lock()
	m.promptName = ""
	m.contentName = ""
	m.audioContentName = ""
	m.pending = events.ToolUse{}
	m.mu.Unlock()

	slog.Info("session state reset")
}

// Close tears the session down. It is idempotent and callable from any
// state: tool tasks are cancelled and awaited, both queues drained,
// correlation names nulled, the backend input stream closed (errors
// ignored), and the egress pump joined. After the Close that performs the
// teardown returns, the session is in [StateClosed]; a Close that finds
// another one already in progress returns at once without waiting for it.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == StateClosed || m.state == StateClosing {
		m.mu.Unlock()
		return
	}
	m.state = StateClosing
	m.active.Store(false)
	stream := m.stream
	toolCancel := m.toolCancel
	pumpCancel := m.pumpCancel
	egressDone := m.egressDone
	counted := m.counted
	m.counted = false
	m.mu.Unlock()

	slog.Info("session closing")

	if toolCancel != nil {
		toolCancel()
	}
	m.toolWG.Wait()

	m.ingress.Drain()
	m.egress.Drain()

	m.mu.Lock()
	m.promptName = ""
	m.contentName = ""
	m.audioContentName = ""
	m.pending = events.ToolUse{}
	m.mu.Unlock()

	if stream != nil {
		if err := stream.CloseSend(); err != nil {
			slog.Debug("session: close backend input stream", "err", err)
		}
	}

	if pumpCancel != nil {
		pumpCancel()
	}
	if egressDone != nil {
		<-egressDone
	}

	// The egress pump may have enqueued between the first drain and its
	// exit; drain again now that it is joined.
	m.ingress.Drain()
	m.egress.Drain()

	m.mu.Lock()
	m.stream = nil
	m.state = StateClosed
	m.mu.Unlock()

	if counted {
		m.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	slog.Info("session closed")
}
