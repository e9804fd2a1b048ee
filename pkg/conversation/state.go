// Package conversation tracks the phase, history, and streaming buffers of
// one voice conversation and drives capture and playback in response to
// server events and local commands.
package conversation

import (
	"time"
)

// Phase is the conversation's current named state. The server is
// authoritative; local updates are provisional until the next state_change.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseListening    Phase = "listening"
	PhaseTranscribing Phase = "transcribing"
	PhaseThinking     Phase = "thinking"
	PhaseSpeaking     Phase = "speaking"
)

// Valid reports whether p is one of the five known phases.
func (p Phase) Valid() bool {
	switch p {
	case PhaseIdle, PhaseListening, PhaseTranscribing, PhaseThinking, PhaseSpeaking:
		return true
	}
	return false
}

// Role identifies the author of a ChatMessage.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageType classifies a ChatMessage.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageAudio MessageType = "audio"
	MessageError MessageType = "error"
)

// ChatMessage is one finalized entry in the conversation history. Messages
// are immutable once appended; streaming text lives in the transient
// buffers until finalized.
type ChatMessage struct {
	ID        string
	Role      Role
	Type      MessageType
	Content   string
	Timestamp time.Time
	// Duration is set for audio messages only.
	Duration time.Duration
}

// ToolStatus tracks a server-side tool invocation.
type ToolStatus string

const (
	ToolExecuting ToolStatus = "executing"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// ToolCall is the at-most-one active server-side tool invocation.
type ToolCall struct {
	Name   string
	Args   map[string]any
	Status ToolStatus
	Result map[string]any
}

// ErrorInfo is the last surfaced failure, dismissible by the user.
type ErrorInfo struct {
	Message string
	Phase   string
}

// State is a snapshot of the conversation. Messages is append-only in
// chronological order.
type State struct {
	Phase              Phase
	Messages           []ChatMessage
	CurrentTranscript  string
	CurrentLLMResponse string
	Interrupted        bool
	SessionID          string
	Connected          bool
	Err                *ErrorInfo
	ActiveTool         *ToolCall
}
