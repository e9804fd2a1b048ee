// Package audio holds the shared PCM format parameters and byte/duration
// math used by both the capture and playback pipelines.
package audio

import "time"

const (
	// EncodingPCM16LE is the only encoding carried on the wire.
	EncodingPCM16LE = "pcm_s16le"

	// CaptureSampleRateHz is the microphone format sent to the service.
	CaptureSampleRateHz = 16000

	// PlaybackSampleRateHz is the assistant audio format received from the service.
	PlaybackSampleRateHz = 24000
)

// Config specifies PCM format parameters.
type Config struct {
	// SampleRate in Hz. Common values: 16000, 24000, 44100, 48000.
	SampleRate int `json:"sample_rate"`

	// Channels: 1 for mono, 2 for stereo.
	Channels int `json:"channels"`

	// BitsPerSample: typically 16 for PCM.
	BitsPerSample int `json:"bits_per_sample"`
}

// CaptureConfig returns the microphone capture format.
func CaptureConfig() Config {
	return Config{SampleRate: CaptureSampleRateHz, Channels: 1, BitsPerSample: 16}
}

// PlaybackConfig returns the assistant playback format.
func PlaybackConfig() Config {
	return Config{SampleRate: PlaybackSampleRateHz, Channels: 1, BitsPerSample: 16}
}

// BytesPerSecond returns the audio byte rate.
func (c Config) BytesPerSecond() int {
	return c.SampleRate * c.Channels * (c.BitsPerSample / 8)
}

// DurationMS returns the duration in milliseconds for the given byte count.
func (c Config) DurationMS(bytes int) int {
	bps := c.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return (bytes * 1000) / bps
}

// BytesForDuration returns the byte count covering d at this format.
func (c Config) BytesForDuration(d time.Duration) int {
	return int(int64(c.BytesPerSecond()) * int64(d) / int64(time.Second))
}
