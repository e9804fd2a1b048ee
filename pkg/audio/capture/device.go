// Package capture records microphone audio and emits it as fixed-interval
// PCM fragments.
package capture

import (
	"fmt"

	"github.com/gen2brain/malgo"

	"github.com/voxlink/voxlink/pkg/audio"
)

// AccessState classifies the outcome of a microphone access request.
type AccessState string

const (
	// AccessGranted means capture may start.
	AccessGranted AccessState = "granted"
	// AccessDenied means the platform refused microphone access.
	AccessDenied AccessState = "denied"
	// AccessUnsupported means no capture backend is available at all.
	AccessUnsupported AccessState = "unsupported"
)

// AccessStatus is the result of a microphone access request. Reason is set
// for every state other than AccessGranted.
type AccessStatus struct {
	State  AccessState
	Reason string
}

// Granted reports whether capture may proceed.
func (s AccessStatus) Granted() bool { return s.State == AccessGranted }

// Device abstracts a capture device. Implementations deliver raw PCM to the
// data callback from their own thread; the callback must not block.
type Device interface {
	// RequestAccess asks the platform for microphone access. It must be
	// called before Open.
	RequestAccess() AccessStatus
	// Open prepares the device for the given format. Captured PCM is
	// delivered to onData; an unexpected device failure after Start is
	// delivered to onErr.
	Open(format audio.Config, onData func([]byte), onErr func(error)) error
	// Start begins capturing.
	Start() error
	// Stop pauses capturing. The device may be started again.
	Stop() error
	// Close releases the device. It must not be used afterwards.
	Close() error
}

// MalgoDevice is the production Device backed by the system microphone.
type MalgoDevice struct {
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	started bool
}

// NewMalgoDevice creates an unopened microphone device.
func NewMalgoDevice() *MalgoDevice {
	return &MalgoDevice{}
}

// RequestAccess initializes the audio backend. On desktop platforms this is
// where a missing or busy backend surfaces; there is no separate permission
// prompt to wait on.
func (d *MalgoDevice) RequestAccess() AccessStatus {
	if d.ctx != nil {
		return AccessStatus{State: AccessGranted}
	}

	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return AccessStatus{State: AccessUnsupported, Reason: err.Error()}
	}
	d.ctx = ctx
	return AccessStatus{State: AccessGranted}
}

func (d *MalgoDevice) Open(format audio.Config, onData func([]byte), onErr func(error)) error {
	if d.ctx == nil {
		return fmt.Errorf("open capture device: access not requested")
	}
	if d.device != nil {
		return nil
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(format.Channels)
	deviceConfig.SampleRate = uint32(format.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInputSamples []byte, _ uint32) {
			// malgo reuses the sample buffer between callbacks.
			onData(append([]byte(nil), pInputSamples...))
		},
		Stop: func() {
			// Fires both on deliberate Stop and when the backend loses
			// the device; only the latter is an error.
			if d.started && onErr != nil {
				onErr(fmt.Errorf("capture device stopped unexpectedly"))
			}
		},
	}

	device, err := malgo.InitDevice(d.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("open capture device: %w", err)
	}
	d.device = device
	return nil
}

func (d *MalgoDevice) Start() error {
	if d.device == nil {
		return fmt.Errorf("start capture device: not open")
	}
	if err := d.device.Start(); err != nil {
		return fmt.Errorf("start capture device: %w", err)
	}
	d.started = true
	return nil
}

func (d *MalgoDevice) Stop() error {
	if d.device == nil {
		return nil
	}
	d.started = false
	if err := d.device.Stop(); err != nil {
		return fmt.Errorf("stop capture device: %w", err)
	}
	return nil
}

func (d *MalgoDevice) Close() error {
	if d.device != nil {
		d.device.Uninit()
		d.device = nil
	}
	if d.ctx != nil {
		_ = d.ctx.Uninit()
		d.ctx.Free()
		d.ctx = nil
	}
	return nil
}
