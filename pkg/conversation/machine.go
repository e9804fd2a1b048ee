package conversation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxlink/voxlink/pkg/protocol"
)

// DefaultToolClearDelay is how long a finished tool call stays visible
// before it is cleared automatically.
const DefaultToolClearDelay = 3 * time.Second

// Playback is the slice of the playback queue the machine drives.
type Playback interface {
	Enqueue(pcm []byte)
	Stop()
}

// Capture is the slice of the capture pipeline the machine drives.
type Capture interface {
	Start() error
	Stop()
}

// Config configures a Machine.
type Config struct {
	// ToolClearDelay is how long a completed tool call lingers. Defaults
	// to DefaultToolClearDelay.
	ToolClearDelay time.Duration
	// Logger receives state machine logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Machine owns the ConversationState. Every mutation goes through a method
// on the machine; callers read state only through Snapshot. Methods are
// safe for concurrent use, though the dispatcher normally serializes them.
type Machine struct {
	playback   Playback
	capture    Capture
	logger     *slog.Logger
	clearAfter time.Duration

	mu        sync.Mutex
	state     State
	toolGen   uint64
	toolTimer *time.Timer
	onMessage func(ChatMessage)
	onPhase   func(Phase)
}

// NewMachine creates a Machine in the idle phase.
func NewMachine(playback Playback, capture Capture, cfg Config) *Machine {
	if cfg.ToolClearDelay <= 0 {
		cfg.ToolClearDelay = DefaultToolClearDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Machine{
		playback:   playback,
		capture:    capture,
		logger:     cfg.Logger.With("component", "conversation"),
		clearAfter: cfg.ToolClearDelay,
		state:      State{Phase: PhaseIdle},
	}
}

// OnMessage registers the handler invoked for every finalized history
// entry. The handler must not call back into the machine.
func (m *Machine) OnMessage(fn func(ChatMessage)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = fn
}

// OnPhase registers the handler invoked on every phase change.
func (m *Machine) OnPhase(fn func(Phase)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPhase = fn
}

// Snapshot returns a copy of the conversation state. The history slice is
// copied; mutating the snapshot does not affect the machine.
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() State {
	s := m.state
	s.Messages = make([]ChatMessage, len(m.state.Messages))
	copy(s.Messages, m.state.Messages)
	if m.state.ActiveTool != nil {
		tool := *m.state.ActiveTool
		s.ActiveTool = &tool
	}
	if m.state.Err != nil {
		e := *m.state.Err
		s.Err = &e
	}
	return s
}

// SetConnected mirrors the connection manager's live status.
func (m *Machine) SetConnected(open bool) {
	m.mu.Lock()
	m.state.Connected = open
	if !open {
		m.state.SessionID = ""
	}
	m.mu.Unlock()
}

// HandleEvent applies one inbound server event.
func (m *Machine) HandleEvent(e protocol.ServerEvent) {
	switch ev := e.(type) {
	case protocol.ConnectedEvent:
		m.handleConnected(ev)
	case protocol.StateChangeEvent:
		m.handleStateChange(ev)
	case protocol.TranscriptPartialEvent:
		m.handleTranscriptPartial(ev)
	case protocol.TranscriptFinalEvent:
		m.handleTranscriptFinal(ev)
	case protocol.LLMTokenEvent:
		m.handleLLMToken(ev)
	case protocol.LLMCompleteEvent:
		m.handleLLMComplete(ev)
	case protocol.AudioChunkEvent:
		m.playback.Enqueue(ev.Chunk)
	case protocol.AudioCompleteEvent:
		m.logger.Debug("utterance audio complete", "duration_ms", ev.DurationMS)
	case protocol.ToolCallStartEvent:
		m.handleToolCallStart(ev)
	case protocol.ToolCallResultEvent:
		m.handleToolCallResult(ev)
	case protocol.VisionResultEvent:
		m.appendMessage(RoleAssistant, MessageText, ev.Result)
	case protocol.InterruptedEvent:
		m.handleInterrupted()
	case protocol.ErrorEvent:
		m.handleError(ev)
	case protocol.StopSpeakingEvent:
		m.playback.Stop()
	case protocol.UnknownEvent:
		m.logger.Warn("ignoring unknown event", "type", ev.Type)
	default:
		m.logger.Warn("ignoring unhandled event", "type", protocol.Type(e))
	}
}

func (m *Machine) handleConnected(ev protocol.ConnectedEvent) {
	m.mu.Lock()
	m.state.SessionID = ev.SessionID
	m.state.Connected = true
	m.mu.Unlock()
	m.logger.Info("session established", "session_id", ev.SessionID)
}

func (m *Machine) handleStateChange(ev protocol.StateChangeEvent) {
	phase := Phase(ev.State)
	if !phase.Valid() {
		m.logger.Warn("ignoring state_change with unknown phase", "state", ev.State)
		return
	}
	m.setPhase(phase)
}

// setPhase records the server-declared phase. The server is authoritative:
// this overwrites any provisional phase set by a local command.
func (m *Machine) setPhase(phase Phase) {
	m.mu.Lock()
	if m.state.Phase == phase {
		m.mu.Unlock()
		return
	}
	m.state.Phase = phase
	onPhase := m.onPhase
	m.mu.Unlock()

	if onPhase != nil {
		onPhase(phase)
	}
}

func (m *Machine) handleTranscriptPartial(ev protocol.TranscriptPartialEvent) {
	m.mu.Lock()
	// Partials replace rather than append; each frame carries the full
	// transcript so far.
	m.state.CurrentTranscript = ev.Transcript
	m.mu.Unlock()
}

func (m *Machine) handleTranscriptFinal(ev protocol.TranscriptFinalEvent) {
	m.mu.Lock()
	m.state.CurrentTranscript = ""
	m.mu.Unlock()
	m.appendMessage(RoleUser, MessageText, ev.Transcript)
}

func (m *Machine) handleLLMToken(ev protocol.LLMTokenEvent) {
	m.mu.Lock()
	m.state.CurrentLLMResponse += ev.Token
	m.mu.Unlock()
}

func (m *Machine) handleLLMComplete(ev protocol.LLMCompleteEvent) {
	m.mu.Lock()
	content := ev.Content
	if content == "" {
		content = m.state.CurrentLLMResponse
	}
	m.state.CurrentLLMResponse = ""
	m.mu.Unlock()
	m.appendMessage(RoleAssistant, MessageText, content)
}

func (m *Machine) handleToolCallStart(ev protocol.ToolCallStartEvent) {
	m.mu.Lock()
	m.toolGen++
	if m.toolTimer != nil {
		m.toolTimer.Stop()
		m.toolTimer = nil
	}
	m.state.ActiveTool = &ToolCall{
		Name:   ev.ToolName,
		Args:   ev.Args,
		Status: ToolExecuting,
	}
	m.mu.Unlock()
	m.logger.Info("tool call started", "tool", ev.ToolName)
}

func (m *Machine) handleToolCallResult(ev protocol.ToolCallResultEvent) {
	m.mu.Lock()
	if m.state.ActiveTool == nil {
		m.mu.Unlock()
		m.logger.Warn("tool result with no active tool call")
		return
	}
	m.state.ActiveTool.Result = ev.Result
	if _, failed := ev.Result["error"]; failed {
		m.state.ActiveTool.Status = ToolError
	} else {
		m.state.ActiveTool.Status = ToolCompleted
	}

	// Auto-clear unless a newer tool call supersedes this one first.
	gen := m.toolGen
	m.toolTimer = time.AfterFunc(m.clearAfter, func() {
		m.mu.Lock()
		if m.toolGen == gen {
			m.state.ActiveTool = nil
			m.toolTimer = nil
		}
		m.mu.Unlock()
	})
	m.mu.Unlock()
}

func (m *Machine) handleInterrupted() {
	m.mu.Lock()
	m.state.Interrupted = true
	m.state.CurrentLLMResponse = ""
	m.mu.Unlock()
	m.playback.Stop()
}

func (m *Machine) handleError(ev protocol.ErrorEvent) {
	m.mu.Lock()
	m.state.Err = &ErrorInfo{Message: ev.Error, Phase: ev.Phase}
	m.mu.Unlock()
	m.logger.Warn("server reported error", "error", ev.Error, "phase", ev.Phase)
	m.appendMessage(RoleSystem, MessageError, ev.Error)
}

// CommandStart handles the local start command: provisional listening
// phase and microphone start. The phase is reconciled by the server's next
// state_change.
func (m *Machine) CommandStart() {
	m.mu.Lock()
	m.state.Interrupted = false
	m.mu.Unlock()

	m.setPhase(PhaseListening)
	if err := m.capture.Start(); err != nil {
		m.logger.Warn("starting capture", "error", err)
		m.mu.Lock()
		m.state.Err = &ErrorInfo{Message: err.Error(), Phase: string(PhaseListening)}
		m.mu.Unlock()
	}
}

// CommandStop handles the local stop command: provisional idle phase,
// microphone stop, and playback teardown.
func (m *Machine) CommandStop() {
	m.setPhase(PhaseIdle)
	m.capture.Stop()
	m.playback.Stop()
}

// CommandInterrupt handles the local interrupt command. Playback halts
// immediately; the server echo is not awaited.
func (m *Machine) CommandInterrupt() {
	m.mu.Lock()
	m.state.Interrupted = true
	m.state.CurrentLLMResponse = ""
	m.mu.Unlock()
	m.playback.Stop()
}

// DismissError clears the surfaced error.
func (m *Machine) DismissError() {
	m.mu.Lock()
	m.state.Err = nil
	m.mu.Unlock()
}

// Reset returns the machine to a fresh conversation: history, buffers,
// tool call, error, and interruption flag are cleared. Connection status
// and session identity survive.
func (m *Machine) Reset() {
	m.capture.Stop()
	m.playback.Stop()

	m.mu.Lock()
	m.toolGen++
	if m.toolTimer != nil {
		m.toolTimer.Stop()
		m.toolTimer = nil
	}
	m.state.Phase = PhaseIdle
	m.state.Messages = nil
	m.state.CurrentTranscript = ""
	m.state.CurrentLLMResponse = ""
	m.state.Interrupted = false
	m.state.Err = nil
	m.state.ActiveTool = nil
	m.mu.Unlock()
}

func (m *Machine) appendMessage(role Role, typ MessageType, content string) {
	msg := ChatMessage{
		ID:        uuid.NewString(),
		Role:      role,
		Type:      typ,
		Content:   content,
		Timestamp: time.Now(),
	}

	m.mu.Lock()
	m.state.Messages = append(m.state.Messages, msg)
	onMessage := m.onMessage
	m.mu.Unlock()

	if onMessage != nil {
		onMessage(msg)
	}
}
