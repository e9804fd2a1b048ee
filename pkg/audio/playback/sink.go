// Package playback plays PCM fragments strictly in arrival order and
// supports an immediate hard interrupt.
package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/voxlink/voxlink/pkg/audio"
)

// ErrSinkClosed is returned by Play after the sink has been closed.
var ErrSinkClosed = errors.New("playback sink closed")

// Sink abstracts an audio output. Play blocks until the fragment has been
// consumed or Reset discards it; only one Play runs at a time.
type Sink interface {
	Play(pcm []byte) error
	// Reset discards the in-flight fragment and anything buffered in the
	// device so silence follows immediately.
	Reset()
	Close() error
}

// OtoSink is the production Sink backed by the system speaker. The player
// pulls audio from the sink, so fragment pacing follows the device clock.
type OtoSink struct {
	ctx *oto.Context

	mu     sync.Mutex
	cond   *sync.Cond
	player *oto.Player
	buf    []byte
	gen    uint64
	closed bool
}

// NewOtoSink opens the speaker for the given format. The buffer is kept at
// roughly 100ms for low interrupt latency.
func NewOtoSink(format audio.Config) (*OtoSink, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   format.BytesForDuration(100 * time.Millisecond),
	}
	ctx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("open speaker: %w", err)
	}
	<-ready

	s := &OtoSink{ctx: ctx}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Play queues the fragment for the speaker and blocks until the player has
// pulled all of it, or until Reset or Close cuts it short.
func (s *OtoSink) Play(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}

	gen := s.gen
	s.buf = append(s.buf, pcm...)

	// The player is created lazily and torn down on Reset, so stale device
	// audio never bleeds into the next utterance.
	if s.player == nil {
		s.player = s.ctx.NewPlayer(s)
		s.player.Play()
	}
	s.cond.Broadcast()

	for len(s.buf) > 0 && gen == s.gen && !s.closed {
		s.cond.Wait()
	}
	if s.closed {
		return ErrSinkClosed
	}
	return nil
}

// Read implements io.Reader for the oto player. Silence is returned between
// fragments so the device keeps running.
func (s *OtoSink) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buf) == 0 {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	if len(s.buf) == 0 {
		s.cond.Broadcast()
	}
	return n, nil
}

func (s *OtoSink) Reset() {
	s.mu.Lock()
	s.gen++
	s.buf = s.buf[:0]
	player := s.player
	s.player = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	if player != nil {
		player.Pause()
		player.Reset()
		player.Close()
	}
}

func (s *OtoSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.buf = s.buf[:0]
	player := s.player
	s.player = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	if player != nil {
		return player.Close()
	}
	return nil
}
