package dispatch

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voxlink/voxlink/pkg/conversation"
	"github.com/voxlink/voxlink/pkg/protocol"
)

type recordingSender struct {
	mu     sync.Mutex
	frames []any
}

func (s *recordingSender) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, v)
	return nil
}

func (s *recordingSender) snapshot() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.frames))
	copy(out, s.frames)
	return out
}

type nopPlayback struct {
	mu    sync.Mutex
	stops int
}

func (p *nopPlayback) Enqueue([]byte) {}
func (p *nopPlayback) Stop() {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
}

type nopCapture struct{}

func (nopCapture) Start() error { return nil }
func (nopCapture) Stop()        {}

func testDispatcher(t *testing.T) (*Dispatcher, *conversation.Machine, *recordingSender, *nopPlayback) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sender := &recordingSender{}
	playback := &nopPlayback{}
	machine := conversation.NewMachine(playback, nopCapture{}, conversation.Config{Logger: logger})
	d := New(sender, machine, Config{Logger: logger})
	t.Cleanup(d.Close)
	return d, machine, sender, playback
}

func waitState(t *testing.T, machine *conversation.Machine, cond func(conversation.State) bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond(machine.Snapshot()) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestInboundFramesReachMachineInOrder(t *testing.T) {
	d, machine, _, _ := testDispatcher(t)

	d.HandleFrame([]byte(`{"type":"connected","sessionId":"s1"}`))
	d.HandleFrame([]byte(`{"type":"llm_token","token":"a"}`))
	d.HandleFrame([]byte(`{"type":"llm_token","token":"b"}`))
	d.HandleFrame([]byte(`{"type":"llm_token","token":"c"}`))

	waitState(t, machine, func(s conversation.State) bool {
		return s.CurrentLLMResponse == "abc"
	}, "tokens not applied in order")

	if got := machine.Snapshot().SessionID; got != "s1" {
		t.Errorf("SessionID = %q, want s1", got)
	}
}

func TestMalformedFrameDroppedDeliveryContinues(t *testing.T) {
	d, machine, _, _ := testDispatcher(t)

	d.HandleFrame([]byte(`{not json`))
	d.HandleFrame([]byte(`{"type":"connected"}`)) // missing sessionId
	d.HandleFrame([]byte(`{"type":"llm_token","token":"ok"}`))

	waitState(t, machine, func(s conversation.State) bool {
		return s.CurrentLLMResponse == "ok"
	}, "valid frame not delivered after malformed ones")
}

func TestStartConversationSendsAndTransitions(t *testing.T) {
	d, machine, sender, _ := testDispatcher(t)

	d.StartConversation()

	waitState(t, machine, func(s conversation.State) bool {
		return s.Phase == conversation.PhaseListening
	}, "optimistic phase not applied")

	frames := sender.snapshot()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	if f, ok := frames[0].(protocol.ClientStartConversation); !ok || f.Type != "start_conversation" {
		t.Errorf("frame = %#v, want start_conversation", frames[0])
	}
}

func TestInterruptSendsWithoutWaitingForEcho(t *testing.T) {
	d, machine, sender, playback := testDispatcher(t)

	d.Interrupt()

	waitState(t, machine, func(s conversation.State) bool { return s.Interrupted },
		"interrupt flag not applied")

	playback.mu.Lock()
	stops := playback.stops
	playback.mu.Unlock()
	if stops != 1 {
		t.Errorf("playback stops = %d, want 1", stops)
	}

	frames := sender.snapshot()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	if f, ok := frames[0].(protocol.ClientInterrupt); !ok || f.Type != "interrupt" {
		t.Errorf("frame = %#v, want interrupt", frames[0])
	}
}

func TestSubmitAudioEncodesFragment(t *testing.T) {
	d, _, sender, _ := testDispatcher(t)

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	d.SubmitAudio(pcm)

	frames := sender.snapshot()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	chunk, ok := frames[0].(protocol.ClientAudioChunk)
	if !ok {
		t.Fatalf("frame = %#v, want ClientAudioChunk", frames[0])
	}

	raw, err := json.Marshal(chunk)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var wire struct {
		Type  string `json:"type"`
		Chunk string `json:"chunk"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire.Type != "audio_chunk" {
		t.Errorf("type = %q, want audio_chunk", wire.Type)
	}
	decoded, err := base64.StdEncoding.DecodeString(wire.Chunk)
	if err != nil {
		t.Fatalf("chunk not base64: %v", err)
	}
	if string(decoded) != string(pcm) {
		t.Errorf("chunk = %v, want %v", decoded, pcm)
	}
}

func TestUploadImageDefaultsPrompt(t *testing.T) {
	d, _, sender, _ := testDispatcher(t)

	d.UploadImage([]byte{0xFF}, "")
	d.UploadImage([]byte{0xFF}, "count the chairs")

	frames := sender.snapshot()
	if len(frames) != 2 {
		t.Fatalf("sent %d frames, want 2", len(frames))
	}
	first, ok := frames[0].(protocol.ClientUploadImage)
	if !ok {
		t.Fatalf("frame = %#v, want ClientUploadImage", frames[0])
	}
	if first.Prompt != DefaultImagePrompt {
		t.Errorf("prompt = %q, want default", first.Prompt)
	}
	second := frames[1].(protocol.ClientUploadImage)
	if second.Prompt != "count the chairs" {
		t.Errorf("prompt = %q, want explicit prompt", second.Prompt)
	}
}

func TestStatusMirroredIntoMachine(t *testing.T) {
	d, machine, _, _ := testDispatcher(t)

	d.HandleFrame([]byte(`{"type":"connected","sessionId":"s1"}`))
	waitState(t, machine, func(s conversation.State) bool { return s.Connected },
		"connected not applied")

	d.HandleStatus(false)
	waitState(t, machine, func(s conversation.State) bool { return !s.Connected },
		"disconnect not applied")
}

func TestCloseStopsProcessing(t *testing.T) {
	d, machine, _, _ := testDispatcher(t)

	d.Close()
	d.HandleFrame([]byte(`{"type":"llm_token","token":"late"}`))

	time.Sleep(20 * time.Millisecond)
	if got := machine.Snapshot().CurrentLLMResponse; got != "" {
		t.Errorf("CurrentLLMResponse = %q after Close, want empty", got)
	}
}
