// Package dispatch routes inbound server frames to the conversation
// machine and local commands out over the connection. Its single run loop
// is what gives the machine strictly ordered, one-at-a-time event
// processing.
package dispatch

import (
	"log/slog"
	"sync"

	"github.com/voxlink/voxlink/pkg/conversation"
	"github.com/voxlink/voxlink/pkg/metrics"
	"github.com/voxlink/voxlink/pkg/protocol"
)

// DefaultImagePrompt is applied when an image is uploaded without a prompt.
const DefaultImagePrompt = "What do you see in this image?"

// Sender is the outbound half of the connection manager.
type Sender interface {
	Send(v any) error
}

// Config configures a Dispatcher.
type Config struct {
	// ImagePrompt is applied to uploads without a prompt. Defaults to
	// DefaultImagePrompt.
	ImagePrompt string
	// Logger receives dispatch logs. Defaults to slog.Default().
	Logger *slog.Logger
	// Metrics receives frame metrics. May be nil.
	Metrics *metrics.Metrics
}

// Dispatcher serializes inbound events and local commands onto one
// goroutine before they touch the conversation machine, preserving wire
// arrival order. Outbound frames go straight to the sender.
type Dispatcher struct {
	conn    Sender
	machine *conversation.Machine
	logger  *slog.Logger
	metrics *metrics.Metrics
	prompt  string

	tasks     chan func()
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Dispatcher and starts its run loop.
func New(conn Sender, machine *conversation.Machine, cfg Config) *Dispatcher {
	if cfg.ImagePrompt == "" {
		cfg.ImagePrompt = DefaultImagePrompt
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Dispatcher{
		conn:    conn,
		machine: machine,
		logger:  cfg.Logger.With("component", "dispatch"),
		metrics: cfg.Metrics,
		prompt:  cfg.ImagePrompt,
		tasks:   make(chan func(), 1024),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Close stops the run loop. Queued tasks are discarded.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.done) })
}

func (d *Dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case task := <-d.tasks:
			task()
		}
	}
}

// submit enqueues one task for the run loop. Enqueue order is execution
// order.
func (d *Dispatcher) submit(task func()) {
	select {
	case <-d.done:
	case d.tasks <- task:
	}
}

// HandleFrame decodes one inbound wire frame and hands the event to the
// machine. Malformed frames are dropped with a logged error; they never
// stop delivery. Safe to wire directly to the connection's message handler.
func (d *Dispatcher) HandleFrame(data []byte) {
	event, err := protocol.DecodeServerEvent(data)
	if err != nil {
		d.logger.Error("dropping malformed frame", "error", err)
		d.metrics.RecordDecodeFailure()
		return
	}
	d.metrics.RecordFrame("in", protocol.Type(event))
	d.submit(func() { d.machine.HandleEvent(event) })
}

// HandleStatus mirrors connection status into the machine. Safe to wire
// directly to the connection's status handler.
func (d *Dispatcher) HandleStatus(open bool) {
	d.submit(func() { d.machine.SetConnected(open) })
}

// StartConversation sends start_conversation and applies the optimistic
// local transition.
func (d *Dispatcher) StartConversation() {
	d.send("start_conversation", protocol.NewStartConversation())
	d.submit(d.machine.CommandStart)
}

// StopConversation sends stop_conversation and quiesces locally.
func (d *Dispatcher) StopConversation() {
	d.send("stop_conversation", protocol.NewStopConversation())
	d.submit(d.machine.CommandStop)
}

// Interrupt sends interrupt and halts playback locally without waiting for
// the server echo.
func (d *Dispatcher) Interrupt() {
	d.send("interrupt", protocol.NewInterrupt())
	d.submit(d.machine.CommandInterrupt)
}

// SubmitAudio sends one captured fragment, fire-and-forget. Safe to wire
// directly to the capture pipeline's frame handler.
func (d *Dispatcher) SubmitAudio(pcm []byte) {
	d.send("audio_chunk", protocol.NewAudioChunk(pcm))
}

// UploadImage sends an encoded image for vision analysis. An empty prompt
// gets the configured default.
func (d *Dispatcher) UploadImage(image []byte, prompt string) {
	if prompt == "" {
		prompt = d.prompt
	}
	d.send("upload_image", protocol.NewUploadImage(image, prompt))
}

func (d *Dispatcher) send(frameType string, v any) {
	if err := d.conn.Send(v); err != nil {
		d.logger.Warn("sending frame", "type", frameType, "error", err)
		return
	}
	d.metrics.RecordFrame("out", frameType)
}
