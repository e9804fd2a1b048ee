package playback

import (
	"log/slog"
	"sync"

	"github.com/voxlink/voxlink/pkg/metrics"
)

// Config configures a Queue.
type Config struct {
	// Logger receives playback logs. Defaults to slog.Default().
	Logger *slog.Logger
	// Metrics receives playback metrics. May be nil.
	Metrics *metrics.Metrics
}

// Queue plays PCM fragments strictly in the order they were enqueued. A
// single drain goroutine feeds the sink, so fragments never overlap. Stop
// is a hard interrupt: it drops everything queued and cuts the in-flight
// fragment short. All methods are safe for concurrent use.
type Queue struct {
	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	cond    *sync.Cond
	items   [][]byte
	playing bool
	gen     uint64
	closed  bool
	onIdle  func()
}

// NewQueue creates a Queue over the sink and starts its drain goroutine.
func NewQueue(sink Sink, cfg Config) *Queue {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	q := &Queue{
		sink:    sink,
		logger:  cfg.Logger.With("component", "playback"),
		metrics: cfg.Metrics,
	}
	q.cond = sync.NewCond(&q.mu)
	go q.drain()
	return q
}

// OnIdle registers the handler invoked when the last queued fragment has
// finished playing. It is not invoked after Stop. The handler runs on the
// drain goroutine; it must not block.
func (q *Queue) OnIdle(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onIdle = fn
}

// Enqueue appends a fragment. Playback starts immediately if the queue was
// idle.
func (q *Queue) Enqueue(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, pcm)
	q.metrics.SetPlaybackQueueLen(len(q.items))
	q.metrics.RecordAudio("in", len(pcm))
	q.cond.Signal()
	q.mu.Unlock()
}

// Stop discards every queued fragment and silences the in-flight one. The
// queue accepts new fragments immediately afterwards.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.gen++
	q.items = nil
	q.playing = false
	q.metrics.SetPlaybackQueueLen(0)
	q.metrics.RecordInterrupt()
	q.mu.Unlock()

	q.sink.Reset()
	q.logger.Info("playback interrupted")
}

// IsPlaying reports whether a fragment is currently being played.
func (q *Queue) IsPlaying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Len reports how many fragments are queued, not counting the one in
// flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the drain goroutine and closes the sink.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.items = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	q.sink.Reset()
	return q.sink.Close()
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		gen := q.gen
		q.playing = true
		q.metrics.SetPlaybackQueueLen(len(q.items))
		q.mu.Unlock()

		err := q.sink.Play(item)

		q.mu.Lock()
		if err != nil && gen == q.gen && !q.closed {
			q.logger.Warn("fragment skipped", "bytes", len(item), "error", err)
			q.metrics.RecordPlaybackSkip()
		}
		idle := gen == q.gen && len(q.items) == 0 && !q.closed
		if idle {
			q.playing = false
		}
		onIdle := q.onIdle
		q.mu.Unlock()

		if idle && onIdle != nil {
			onIdle()
		}
	}
}
