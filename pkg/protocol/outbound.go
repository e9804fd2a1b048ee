package protocol

import "encoding/base64"

// ClientStartConversation asks the service to begin a conversation.
type ClientStartConversation struct {
	Type string `json:"type"`
}

// ClientStopConversation asks the service to end the conversation.
type ClientStopConversation struct {
	Type string `json:"type"`
}

// ClientInterrupt asks the service to cut off the assistant mid-response.
type ClientInterrupt struct {
	Type string `json:"type"`
}

// ClientAudioChunk carries one captured microphone fragment.
type ClientAudioChunk struct {
	Type  string `json:"type"`
	Chunk string `json:"chunk"`
}

// ClientUploadImage submits an image for vision analysis.
type ClientUploadImage struct {
	Type   string `json:"type"`
	Image  string `json:"image"`
	Prompt string `json:"prompt"`
}

// NewStartConversation builds a start_conversation frame.
func NewStartConversation() ClientStartConversation {
	return ClientStartConversation{Type: "start_conversation"}
}

// NewStopConversation builds a stop_conversation frame.
func NewStopConversation() ClientStopConversation {
	return ClientStopConversation{Type: "stop_conversation"}
}

// NewInterrupt builds an interrupt frame.
func NewInterrupt() ClientInterrupt {
	return ClientInterrupt{Type: "interrupt"}
}

// NewAudioChunk builds an audio_chunk frame from raw PCM.
func NewAudioChunk(pcm []byte) ClientAudioChunk {
	return ClientAudioChunk{
		Type:  "audio_chunk",
		Chunk: base64.StdEncoding.EncodeToString(pcm),
	}
}

// NewUploadImage builds an upload_image frame from raw image bytes.
func NewUploadImage(image []byte, prompt string) ClientUploadImage {
	return ClientUploadImage{
		Type:   "upload_image",
		Image:  base64.StdEncoding.EncodeToString(image),
		Prompt: prompt,
	}
}
