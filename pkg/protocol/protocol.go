// Package protocol defines the JSON frames exchanged with the voice service
// and the decoder that turns inbound frames into typed events.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeError reports a malformed or incomplete inbound frame. Frames that
// fail to decode are dropped by the dispatcher; they never stop the stream.
type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

// ServerEvent is the union of all inbound event kinds.
type ServerEvent interface {
	eventType() string
}

// ConnectedEvent is the first event of a session; it carries the session ID
// assigned by the service.
type ConnectedEvent struct {
	SessionID string
}

func (e ConnectedEvent) eventType() string { return "connected" }

// StateChangeEvent carries the server-declared conversation phase. The server
// is authoritative; the state machine validates the value.
type StateChangeEvent struct {
	State string
}

func (e StateChangeEvent) eventType() string { return "state_change" }

// TranscriptPartialEvent is a streaming transcript update. Each one replaces
// the previous partial in full.
type TranscriptPartialEvent struct {
	Transcript string
}

func (e TranscriptPartialEvent) eventType() string { return "transcript_partial" }

// TranscriptFinalEvent commits one user utterance.
type TranscriptFinalEvent struct {
	Transcript string
}

func (e TranscriptFinalEvent) eventType() string { return "transcript_final" }

// LLMTokenEvent carries one streamed response token; tokens accumulate.
type LLMTokenEvent struct {
	Token string
}

func (e LLMTokenEvent) eventType() string { return "llm_token" }

// LLMCompleteEvent finalizes the assistant response. Content is optional; when
// empty the client uses its accumulated tokens.
type LLMCompleteEvent struct {
	Content string
}

func (e LLMCompleteEvent) eventType() string { return "llm_complete" }

// AudioChunkEvent carries one decoded assistant audio fragment.
type AudioChunkEvent struct {
	Chunk []byte
}

func (e AudioChunkEvent) eventType() string { return "audio_chunk" }

// AudioCompleteEvent signals that all audio for the current response has been
// sent. Informational only.
type AudioCompleteEvent struct {
	DurationMS int64
}

func (e AudioCompleteEvent) eventType() string { return "audio_complete" }

// ToolCallStartEvent announces a server-side tool invocation.
type ToolCallStartEvent struct {
	ToolName string
	Args     map[string]any
}

func (e ToolCallStartEvent) eventType() string { return "tool_call_start" }

// ToolCallResultEvent carries the result of the active tool call.
type ToolCallResultEvent struct {
	Result map[string]any
}

func (e ToolCallResultEvent) eventType() string { return "tool_call_result" }

// VisionResultEvent carries the assistant's description of an uploaded image.
type VisionResultEvent struct {
	Result string
}

func (e VisionResultEvent) eventType() string { return "vision_result" }

// InterruptedEvent confirms the assistant was interrupted.
type InterruptedEvent struct{}

func (e InterruptedEvent) eventType() string { return "interrupted" }

// ErrorEvent is a remote-reported failure. Phase names the phase the service
// was in when it failed, when known.
type ErrorEvent struct {
	Error string
	Phase string
}

func (e ErrorEvent) eventType() string { return "error" }

// StopSpeakingEvent instructs the client to halt playback without any other
// state change.
type StopSpeakingEvent struct{}

func (e StopSpeakingEvent) eventType() string { return "stop_speaking" }

// UnknownEvent preserves a frame whose type the client does not recognize.
// Unknown types are logged and ignored, not treated as errors.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e UnknownEvent) eventType() string { return e.Type }

// Type returns the wire type string for an event.
func Type(e ServerEvent) string {
	if e == nil {
		return ""
	}
	return e.eventType()
}

type connectedFrame struct {
	SessionID string `json:"sessionId"`
}

type stateChangeFrame struct {
	State string `json:"state"`
}

type transcriptFrame struct {
	Transcript string `json:"transcript"`
}

type llmTokenFrame struct {
	Token string `json:"token"`
}

type llmCompleteFrame struct {
	Content string `json:"content,omitempty"`
}

type audioChunkFrame struct {
	Chunk string `json:"chunk"`
}

type audioCompleteFrame struct {
	DurationMS int64 `json:"durationMs,omitempty"`
}

type toolCallStartFrame struct {
	ToolName string         `json:"toolName"`
	Args     map[string]any `json:"args,omitempty"`
}

type toolCallResultFrame struct {
	Result map[string]any `json:"result"`
}

type visionResultFrame struct {
	Result string `json:"result"`
}

type errorFrame struct {
	Error string `json:"error"`
	Phase string `json:"phase,omitempty"`
}

// DecodeServerEvent decodes one inbound JSON frame into its typed event.
// Unrecognized types come back as UnknownEvent; structural faults come back
// as *DecodeError.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badFrame("missing type", "type")
	}

	switch typ {
	case "connected":
		var frame connectedFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, badFrame("invalid connected frame", "")
		}
		if strings.TrimSpace(frame.SessionID) == "" {
			return nil, badFrame("connected.sessionId is required", "sessionId")
		}
		return ConnectedEvent{SessionID: frame.SessionID}, nil
	case "state_change":
		var frame stateChangeFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, badFrame("invalid state_change frame", "")
		}
		if strings.TrimSpace(frame.State) == "" {
			return nil, badFrame("state_change.state is required", "state")
		}
		return StateChangeEvent{State: strings.TrimSpace(frame.State)}, nil
	case "transcript_partial":
		var frame transcriptFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, badFrame("invalid transcript_partial frame", "")
		}
		return TranscriptPartialEvent{Transcript: frame.Transcript}, nil
	case "transcript_final":
		var frame transcriptFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, badFrame("invalid transcript_final frame", "")
		}
		return TranscriptFinalEvent{Transcript: frame.Transcript}, nil
	case "llm_token":
		var frame llmTokenFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, badFrame("invalid llm_token frame", "")
		}
		return LLMTokenEvent{Token: frame.Token}, nil
	case "llm_complete":
		var frame llmCompleteFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, badFrame("invalid llm_complete frame", "")
		}
		return LLMCompleteEvent{Content: frame.Content}, nil
	case "audio_chunk":
		var frame audioChunkFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, badFrame("invalid audio_chunk frame", "")
		}
		if frame.Chunk == "" {
			return nil, badFrame("audio_chunk.chunk is required", "chunk")
		}
		pcm, err := base64.StdEncoding.DecodeString(frame.Chunk)
		if err != nil {
			return nil, badFrame("audio_chunk.chunk is not valid base64", "chunk")
		}
		return AudioChunkEvent{Chunk: pcm}, nil
	case "audio_complete":
		var frame audioCompleteFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, badFrame("invalid audio_complete frame", "")
		}
		return AudioCompleteEvent{DurationMS: frame.DurationMS}, nil
	case "tool_call_start":
		var frame toolCallStartFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, badFrame("invalid tool_call_start frame", "")
		}
		if strings.TrimSpace(frame.ToolName) == "" {
			return nil, badFrame("tool_call_start.toolName is required", "toolName")
		}
		return ToolCallStartEvent{ToolName: frame.ToolName, Args: frame.Args}, nil
	case "tool_call_result":
		var frame toolCallResultFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, badFrame("invalid tool_call_result frame", "")
		}
		return ToolCallResultEvent{Result: frame.Result}, nil
	case "vision_result":
		var frame visionResultFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, badFrame("invalid vision_result frame", "")
		}
		return VisionResultEvent{Result: frame.Result}, nil
	case "interrupted":
		return InterruptedEvent{}, nil
	case "error":
		var frame errorFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, badFrame("invalid error frame", "")
		}
		if strings.TrimSpace(frame.Error) == "" {
			return nil, badFrame("error.error is required", "error")
		}
		return ErrorEvent{Error: frame.Error, Phase: frame.Phase}, nil
	case "stop_speaking":
		return StopSpeakingEvent{}, nil
	default:
		return UnknownEvent{Type: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}
