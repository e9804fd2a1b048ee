package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxlink/voxlink/pkg/audio"
	"github.com/voxlink/voxlink/pkg/metrics"
)

// ErrAccessDenied is returned by Start when the platform refuses
// microphone access.
var ErrAccessDenied = errors.New("microphone access denied")

// DefaultFrameInterval is how much audio each emitted fragment covers.
const DefaultFrameInterval = 100 * time.Millisecond

// Config configures a Pipeline.
type Config struct {
	// Format is the capture format. Defaults to audio.CaptureConfig().
	Format audio.Config
	// FrameInterval is the fragment cadence. Defaults to
	// DefaultFrameInterval.
	FrameInterval time.Duration
	// Logger receives capture lifecycle logs. Defaults to slog.Default().
	Logger *slog.Logger
	// Metrics receives capture metrics. May be nil.
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.Format == (audio.Config{}) {
		c.Format = audio.CaptureConfig()
	}
	if c.FrameInterval <= 0 {
		c.FrameInterval = DefaultFrameInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Pipeline accumulates PCM from a Device and emits it as fragments on a
// fixed interval. Fragments carry whatever the device produced since the
// previous tick; an empty tick emits nothing. All methods are safe for
// concurrent use.
type Pipeline struct {
	cfg    Config
	device Device
	logger *slog.Logger

	mu      sync.Mutex
	buf     []byte
	running bool
	opened  bool
	stop    chan struct{}
	onFrame func([]byte)
	onError func(error)
}

// NewPipeline creates a Pipeline over the given device.
func NewPipeline(device Device, cfg Config) *Pipeline {
	cfg = cfg.withDefaults()
	return &Pipeline{
		cfg:    cfg,
		device: device,
		logger: cfg.Logger.With("component", "capture"),
	}
}

// OnFrame registers the fragment handler. Must be set before Start. The
// handler runs on the pipeline's tick goroutine; it must not block.
func (p *Pipeline) OnFrame(fn func([]byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFrame = fn
}

// OnError registers the handler invoked when the device fails after capture
// has started. The pipeline stops itself before invoking it.
func (p *Pipeline) OnError(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onError = fn
}

// Running reports whether capture is active.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Start requests microphone access, opens the device if needed, and begins
// emitting fragments. Calling Start while running is a no-op. Returns
// ErrAccessDenied (wrapped with the platform reason) when access is refused.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	opened := p.opened
	p.mu.Unlock()

	if !opened {
		status := p.device.RequestAccess()
		if !status.Granted() {
			p.logger.Warn("microphone unavailable", "state", status.State, "reason", status.Reason)
			return fmt.Errorf("%w: %s", ErrAccessDenied, status.Reason)
		}
		if err := p.device.Open(p.cfg.Format, p.ingest, p.fail); err != nil {
			return err
		}
		p.mu.Lock()
		p.opened = true
		p.mu.Unlock()
	}

	if err := p.device.Start(); err != nil {
		return err
	}

	p.mu.Lock()
	p.running = true
	p.buf = p.buf[:0]
	p.stop = make(chan struct{})
	stop := p.stop
	p.mu.Unlock()

	p.logger.Info("capture started",
		"sample_rate", p.cfg.Format.SampleRate,
		"frame_interval", p.cfg.FrameInterval)

	go p.tickLoop(stop)
	return nil
}

// Stop halts capture and discards any partial fragment. Calling Stop while
// stopped is a no-op.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	p.buf = p.buf[:0]
	p.mu.Unlock()

	if err := p.device.Stop(); err != nil {
		p.logger.Warn("stopping capture device", "error", err)
	}
	p.logger.Info("capture stopped")
}

// Close stops capture and releases the device.
func (p *Pipeline) Close() error {
	p.Stop()
	return p.device.Close()
}

// ingest receives raw PCM from the device thread.
func (p *Pipeline) ingest(pcm []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.buf = append(p.buf, pcm...)
}

func (p *Pipeline) tickLoop(stop chan struct{}) {
	ticker := time.NewTicker(p.cfg.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.emit()
		}
	}
}

func (p *Pipeline) emit() {
	p.mu.Lock()
	if !p.running || len(p.buf) == 0 {
		p.mu.Unlock()
		return
	}
	frame := make([]byte, len(p.buf))
	copy(frame, p.buf)
	p.buf = p.buf[:0]
	onFrame := p.onFrame
	p.mu.Unlock()

	p.cfg.Metrics.RecordAudio("out", len(frame))
	if onFrame != nil {
		onFrame(frame)
	}
}

// fail stops the pipeline and reports the device error. Spurious calls
// while stopped are ignored.
func (p *Pipeline) fail(err error) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	onError := p.onError
	p.mu.Unlock()

	p.Stop()
	p.logger.Error("capture device failed", "error", err)
	if onError != nil {
		onError(err)
	}
}
