package conversation

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voxlink/voxlink/pkg/protocol"
)

type fakePlayback struct {
	mu       sync.Mutex
	enqueued [][]byte
	stops    int
}

func (p *fakePlayback) Enqueue(pcm []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueued = append(p.enqueued, pcm)
}

func (p *fakePlayback) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops = p.stops + 1
	p.enqueued = nil
}

func (p *fakePlayback) stopCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

type fakeCapture struct {
	mu       sync.Mutex
	startErr error
	starts   int
	stops    int
}

func (c *fakeCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.starts++
	return nil
}

func (c *fakeCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
}

func testMachine(t *testing.T) (*Machine, *fakePlayback, *fakeCapture) {
	t.Helper()
	playback := &fakePlayback{}
	capture := &fakeCapture{}
	m := NewMachine(playback, capture, Config{
		ToolClearDelay: 20 * time.Millisecond,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return m, playback, capture
}

func TestConnectedRecordsSession(t *testing.T) {
	m, _, _ := testMachine(t)

	m.HandleEvent(protocol.ConnectedEvent{SessionID: "s1"})

	s := m.Snapshot()
	if s.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", s.SessionID)
	}
	if !s.Connected {
		t.Error("Connected = false, want true")
	}
}

func TestTranscriptFlow(t *testing.T) {
	m, _, _ := testMachine(t)

	m.HandleEvent(protocol.ConnectedEvent{SessionID: "s1"})
	m.HandleEvent(protocol.StateChangeEvent{State: "listening"})
	m.HandleEvent(protocol.TranscriptPartialEvent{Transcript: "hel"})
	m.HandleEvent(protocol.TranscriptPartialEvent{Transcript: "hello"})
	m.HandleEvent(protocol.TranscriptFinalEvent{Transcript: "hello"})

	s := m.Snapshot()
	if s.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", s.SessionID)
	}
	if s.Phase != PhaseListening {
		t.Errorf("Phase = %q, want listening", s.Phase)
	}
	if s.CurrentTranscript != "" {
		t.Errorf("CurrentTranscript = %q, want empty", s.CurrentTranscript)
	}
	if len(s.Messages) != 1 {
		t.Fatalf("len(Messages) = %d, want 1", len(s.Messages))
	}
	msg := s.Messages[0]
	if msg.Role != RoleUser || msg.Content != "hello" || msg.Type != MessageText {
		t.Errorf("message = %+v, want user/text/hello", msg)
	}
	if msg.ID == "" {
		t.Error("message ID is empty")
	}
}

func TestPartialTranscriptReplacesNotAppends(t *testing.T) {
	m, _, _ := testMachine(t)

	m.HandleEvent(protocol.TranscriptPartialEvent{Transcript: "hel"})
	m.HandleEvent(protocol.TranscriptPartialEvent{Transcript: "hello wor"})

	if got := m.Snapshot().CurrentTranscript; got != "hello wor" {
		t.Errorf("CurrentTranscript = %q, want %q", got, "hello wor")
	}
}

func TestLLMTokensAccumulate(t *testing.T) {
	m, _, _ := testMachine(t)

	for _, tok := range []string{"The", " sky", " is", " blue", "."} {
		m.HandleEvent(protocol.LLMTokenEvent{Token: tok})
	}

	if got := m.Snapshot().CurrentLLMResponse; got != "The sky is blue." {
		t.Errorf("CurrentLLMResponse = %q, want %q", got, "The sky is blue.")
	}

	m.HandleEvent(protocol.LLMCompleteEvent{})

	s := m.Snapshot()
	if s.CurrentLLMResponse != "" {
		t.Errorf("CurrentLLMResponse = %q after complete, want empty", s.CurrentLLMResponse)
	}
	if len(s.Messages) != 1 {
		t.Fatalf("len(Messages) = %d, want 1", len(s.Messages))
	}
	if msg := s.Messages[0]; msg.Role != RoleAssistant || msg.Content != "The sky is blue." {
		t.Errorf("message = %+v, want assistant with accumulated content", msg)
	}
}

func TestLLMCompletePrefersServerContent(t *testing.T) {
	m, _, _ := testMachine(t)

	m.HandleEvent(protocol.LLMTokenEvent{Token: "partial"})
	m.HandleEvent(protocol.LLMCompleteEvent{Content: "full response"})

	s := m.Snapshot()
	if len(s.Messages) != 1 || s.Messages[0].Content != "full response" {
		t.Errorf("messages = %+v, want single message with server content", s.Messages)
	}
}

func TestAudioChunkForwardsToPlayback(t *testing.T) {
	m, playback, _ := testMachine(t)

	m.HandleEvent(protocol.AudioChunkEvent{Chunk: []byte{1, 2, 3}})

	playback.mu.Lock()
	defer playback.mu.Unlock()
	if len(playback.enqueued) != 1 || playback.enqueued[0][0] != 1 {
		t.Errorf("enqueued = %v, want one fragment [1 2 3]", playback.enqueued)
	}
}

func TestInterruptedClearsResponseAndStopsPlayback(t *testing.T) {
	m, playback, _ := testMachine(t)

	m.HandleEvent(protocol.LLMTokenEvent{Token: "stream"})
	m.HandleEvent(protocol.AudioChunkEvent{Chunk: []byte{1}})
	m.HandleEvent(protocol.InterruptedEvent{})

	s := m.Snapshot()
	if s.CurrentLLMResponse != "" {
		t.Errorf("CurrentLLMResponse = %q, want empty", s.CurrentLLMResponse)
	}
	if !s.Interrupted {
		t.Error("Interrupted = false, want true")
	}
	if playback.stopCount() != 1 {
		t.Errorf("playback stops = %d, want 1", playback.stopCount())
	}
}

func TestStopSpeakingOnlyStopsPlayback(t *testing.T) {
	m, playback, _ := testMachine(t)

	m.HandleEvent(protocol.LLMTokenEvent{Token: "keep"})
	m.HandleEvent(protocol.StopSpeakingEvent{})

	s := m.Snapshot()
	if s.CurrentLLMResponse != "keep" {
		t.Errorf("CurrentLLMResponse = %q, want untouched", s.CurrentLLMResponse)
	}
	if s.Interrupted {
		t.Error("Interrupted = true, want false")
	}
	if playback.stopCount() != 1 {
		t.Errorf("playback stops = %d, want 1", playback.stopCount())
	}
}

func TestToolCallLifecycle(t *testing.T) {
	m, _, _ := testMachine(t)

	m.HandleEvent(protocol.ToolCallStartEvent{
		ToolName: "get_weather",
		Args:     map[string]any{"city": "Berlin"},
	})

	s := m.Snapshot()
	if s.ActiveTool == nil || s.ActiveTool.Name != "get_weather" || s.ActiveTool.Status != ToolExecuting {
		t.Fatalf("ActiveTool = %+v, want executing get_weather", s.ActiveTool)
	}
	if s.ActiveTool.Result != nil {
		t.Error("executing tool already has a result")
	}

	m.HandleEvent(protocol.ToolCallResultEvent{Result: map[string]any{"temp": 20.0}})

	s = m.Snapshot()
	if s.ActiveTool == nil || s.ActiveTool.Status != ToolCompleted {
		t.Fatalf("ActiveTool = %+v, want completed", s.ActiveTool)
	}
	if got := s.ActiveTool.Result["temp"]; got != 20.0 {
		t.Errorf("Result[temp] = %v, want 20", got)
	}

	// The tool clears on its own after the configured delay.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.Snapshot().ActiveTool == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("ActiveTool not cleared after delay")
}

func TestToolClearSupersededByNewCall(t *testing.T) {
	m, _, _ := testMachine(t)

	m.HandleEvent(protocol.ToolCallStartEvent{ToolName: "first"})
	m.HandleEvent(protocol.ToolCallResultEvent{Result: map[string]any{"ok": true}})
	// A newer tool call arrives before the clear delay elapses.
	m.HandleEvent(protocol.ToolCallStartEvent{ToolName: "second"})

	time.Sleep(60 * time.Millisecond)

	s := m.Snapshot()
	if s.ActiveTool == nil || s.ActiveTool.Name != "second" {
		t.Errorf("ActiveTool = %+v, want executing second", s.ActiveTool)
	}
}

func TestToolResultWithErrorKey(t *testing.T) {
	m, _, _ := testMachine(t)

	m.HandleEvent(protocol.ToolCallStartEvent{ToolName: "lookup"})
	m.HandleEvent(protocol.ToolCallResultEvent{Result: map[string]any{"error": "not found"}})

	if s := m.Snapshot(); s.ActiveTool == nil || s.ActiveTool.Status != ToolError {
		t.Errorf("ActiveTool = %+v, want error status", s.ActiveTool)
	}
}

func TestErrorEventAppendsSystemMessage(t *testing.T) {
	m, _, _ := testMachine(t)

	m.HandleEvent(protocol.ErrorEvent{Error: "asr backend down", Phase: "transcribing"})

	s := m.Snapshot()
	if s.Err == nil || s.Err.Message != "asr backend down" || s.Err.Phase != "transcribing" {
		t.Fatalf("Err = %+v, want surfaced error", s.Err)
	}
	if len(s.Messages) != 1 {
		t.Fatalf("len(Messages) = %d, want 1", len(s.Messages))
	}
	if msg := s.Messages[0]; msg.Role != RoleSystem || msg.Type != MessageError {
		t.Errorf("message = %+v, want system/error", msg)
	}

	m.DismissError()
	if s := m.Snapshot(); s.Err != nil {
		t.Errorf("Err = %+v after dismiss, want nil", s.Err)
	}
	// Dismissing the error never removes history.
	if got := len(m.Snapshot().Messages); got != 1 {
		t.Errorf("len(Messages) = %d after dismiss, want 1", got)
	}
}

func TestVisionResultAppendsAssistantMessage(t *testing.T) {
	m, _, _ := testMachine(t)

	m.HandleEvent(protocol.VisionResultEvent{Result: "a red bicycle"})

	s := m.Snapshot()
	if len(s.Messages) != 1 {
		t.Fatalf("len(Messages) = %d, want 1", len(s.Messages))
	}
	if msg := s.Messages[0]; msg.Role != RoleAssistant || msg.Content != "a red bicycle" {
		t.Errorf("message = %+v, want assistant vision text", msg)
	}
}

func TestUnknownPhaseIgnored(t *testing.T) {
	m, _, _ := testMachine(t)

	m.HandleEvent(protocol.StateChangeEvent{State: "listening"})
	m.HandleEvent(protocol.StateChangeEvent{State: "daydreaming"})

	if got := m.Snapshot().Phase; got != PhaseListening {
		t.Errorf("Phase = %q, want listening after bogus state_change", got)
	}
}

func TestCommandStartIsProvisional(t *testing.T) {
	m, _, capture := testMachine(t)

	m.CommandStart()

	if got := m.Snapshot().Phase; got != PhaseListening {
		t.Errorf("Phase = %q, want provisional listening", got)
	}
	capture.mu.Lock()
	starts := capture.starts
	capture.mu.Unlock()
	if starts != 1 {
		t.Errorf("capture starts = %d, want 1", starts)
	}

	// The server's next state_change overrides the optimistic phase.
	m.HandleEvent(protocol.StateChangeEvent{State: "thinking"})
	if got := m.Snapshot().Phase; got != PhaseThinking {
		t.Errorf("Phase = %q, want thinking from server", got)
	}
}

func TestCommandStartSurfacesCaptureFailure(t *testing.T) {
	m, _, capture := testMachine(t)
	capture.startErr = errors.New("microphone access denied")

	m.CommandStart()

	s := m.Snapshot()
	if s.Err == nil {
		t.Fatal("Err = nil, want capture failure surfaced")
	}
}

func TestCommandStopQuiesces(t *testing.T) {
	m, playback, capture := testMachine(t)

	m.CommandStart()
	m.CommandStop()

	if got := m.Snapshot().Phase; got != PhaseIdle {
		t.Errorf("Phase = %q, want idle", got)
	}
	capture.mu.Lock()
	stops := capture.stops
	capture.mu.Unlock()
	if stops == 0 {
		t.Error("capture never stopped")
	}
	if playback.stopCount() == 0 {
		t.Error("playback never stopped")
	}
}

func TestCommandInterrupt(t *testing.T) {
	m, playback, _ := testMachine(t)

	m.HandleEvent(protocol.StateChangeEvent{State: "speaking"})
	m.HandleEvent(protocol.LLMTokenEvent{Token: "mid-sentence"})
	m.CommandInterrupt()

	s := m.Snapshot()
	if !s.Interrupted {
		t.Error("Interrupted = false, want true")
	}
	if s.CurrentLLMResponse != "" {
		t.Errorf("CurrentLLMResponse = %q, want empty", s.CurrentLLMResponse)
	}
	if playback.stopCount() != 1 {
		t.Errorf("playback stops = %d, want 1", playback.stopCount())
	}
}

func TestResetKeepsConnectionIdentity(t *testing.T) {
	m, _, _ := testMachine(t)

	m.HandleEvent(protocol.ConnectedEvent{SessionID: "s1"})
	m.HandleEvent(protocol.TranscriptFinalEvent{Transcript: "hi"})
	m.HandleEvent(protocol.LLMTokenEvent{Token: "str"})
	m.HandleEvent(protocol.ToolCallStartEvent{ToolName: "x"})

	m.Reset()

	s := m.Snapshot()
	if s.SessionID != "s1" || !s.Connected {
		t.Errorf("session = %q connected = %v, want identity preserved", s.SessionID, s.Connected)
	}
	if len(s.Messages) != 0 || s.CurrentLLMResponse != "" || s.ActiveTool != nil {
		t.Errorf("state = %+v, want cleared", s)
	}
	if s.Phase != PhaseIdle {
		t.Errorf("Phase = %q, want idle", s.Phase)
	}
}

func TestDisconnectClearsSession(t *testing.T) {
	m, _, _ := testMachine(t)

	m.HandleEvent(protocol.ConnectedEvent{SessionID: "s1"})
	m.SetConnected(false)

	s := m.Snapshot()
	if s.Connected {
		t.Error("Connected = true, want false")
	}
	if s.SessionID != "" {
		t.Errorf("SessionID = %q, want cleared on disconnect", s.SessionID)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	m, _, _ := testMachine(t)

	m.HandleEvent(protocol.TranscriptFinalEvent{Transcript: "hi"})

	s := m.Snapshot()
	s.Messages[0].Content = "tampered"
	if got := m.Snapshot().Messages[0].Content; got != "hi" {
		t.Errorf("machine message content = %q, want hi", got)
	}
}

func TestOnMessageAndOnPhaseHooks(t *testing.T) {
	m, _, _ := testMachine(t)

	var msgs []ChatMessage
	var phases []Phase
	m.OnMessage(func(msg ChatMessage) { msgs = append(msgs, msg) })
	m.OnPhase(func(p Phase) { phases = append(phases, p) })

	m.HandleEvent(protocol.StateChangeEvent{State: "listening"})
	m.HandleEvent(protocol.StateChangeEvent{State: "listening"}) // no-op, same phase
	m.HandleEvent(protocol.TranscriptFinalEvent{Transcript: "hi"})

	if len(phases) != 1 || phases[0] != PhaseListening {
		t.Errorf("phases = %v, want [listening]", phases)
	}
	if len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Errorf("msgs = %v, want single hi", msgs)
	}
}
