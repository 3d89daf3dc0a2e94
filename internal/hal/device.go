package hal

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/visi0nary/audiohal/pkg/mixer"
	"github.com/visi0nary/audiohal/pkg/pcm"
)

// Mode is the device-wide operating mode set by the framework. Forced
// standby on routing and mute changes is suppressed while in a call, since
// call audio is routed by the modem.
type Mode int

const (
	ModeNormal Mode = iota
	ModeRingtone
	ModeInCall
	ModeInCommunication
)

// Router is the routing collaborator: it turns the device's current routing
// state into hardware mixer writes. See pkg/mixer for the implementation.
type Router interface {
	ApplyRouting(out, in mixer.RouteMask) error
	ApplyInputSource(src mixer.Source) error
}

// Device holds the process-wide audio state and arbitrates the single shared
// hardware signal path between the output and input streams.
//
// Lock order: a stream's own lock is always acquired before the device lock,
// and the output stream's lock before the input stream's lock. No other
// order is ever taken. Cross-direction negotiation works through the
// advisory soft-yield flags rather than lock preemption; see claim comments
// in outstream.go and instream.go.
type Device struct {
	logger *slog.Logger
	uuid   uuid.UUID
	opener pcm.Opener
	router Router
	tun    Tunables

	mu         sync.Mutex
	mode       Mode
	outRouting mixer.RouteMask
	inRouting  mixer.RouteMask
	inSource   mixer.Source
	micMute    bool
	screenOff  bool

	activeOut *OutputStream
	activeIn  *InputStream

	// standbyCh is closed and replaced each time a stream confirms standby,
	// so path claimants can wait for the transition instead of spinning.
	standbyCh chan struct{}
}

func NewDevice(opener pcm.Opener, router Router, tun Tunables) *Device {
	id := uuid.New()
	return &Device{
		logger:    slog.Default().With("audio device uuid", id),
		uuid:      id,
		opener:    opener,
		router:    router,
		tun:       tun,
		standbyCh: make(chan struct{}),
	}
}

// notifyStandbyLocked wakes every claimant waiting for a standby transition.
// Must be called with d.mu held.
func (d *Device) notifyStandbyLocked() {
	close(d.standbyCh)
	d.standbyCh = make(chan struct{})
}

// standbySignal snapshots the current notification channel.
func (d *Device) standbySignal() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.standbyCh
}

// applyRoutingLocked pushes the current routing masks to the mixer. Must be
// called with d.mu held; routing state is only read under the device lock.
func (d *Device) applyRoutingLocked() {
	if err := d.router.ApplyRouting(d.outRouting, d.inRouting); err != nil {
		d.logger.Error("routing application failed", "err", err)
	}
}

// SetMode records the new operating mode.
func (d *Device) SetMode(m Mode) {
	d.mu.Lock()
	prev := d.mode
	d.mode = m
	d.mu.Unlock()
	d.logger.Debug("mode changed", "new", m, "old", prev)
}

// Mode returns the current operating mode.
func (d *Device) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// SetMicMute mutes or unmutes capture. An active capture stream is forced
// into standby first (except in a call, where mute is handled downstream),
// so the new state takes effect on a fresh hardware handle; once muted,
// reads deliver zeroed buffers while preserving their timing.
func (d *Device) SetMicMute(muted bool) {
	d.mu.Lock()
	in := d.activeIn
	d.mu.Unlock()

	if in != nil {
		in.yield.Store(true)
		in.mu.Lock()
		in.yield.Store(false)
		d.mu.Lock()
		if d.mode != ModeInCall {
			in.doStandbyLocked()
		}
		d.mu.Unlock()
		in.mu.Unlock()
	}

	d.mu.Lock()
	d.micMute = muted
	d.mu.Unlock()
	d.logger.Debug("mic mute changed", "muted", muted)
}

// MicMute reports the current capture mute state.
func (d *Device) MicMute() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.micMute
}

// SetScreenState records whether the screen is on. Screen-off with no
// active capture lets the output stream trade latency for fewer wake-ups.
func (d *Device) SetScreenState(on bool) {
	d.mu.Lock()
	d.screenOff = !on
	d.mu.Unlock()
}

// InputBufferSize reports the suggested capture buffer size in bytes for a
// stream at the given rate and channel count: one hardware period scaled by
// the resampling ratio, rounded up to a multiple of 16 frames as the
// framework expects.
func (d *Device) InputBufferSize(rate, channels int) int {
	size := (inPeriodSize * rate) / HardwareRate
	size = ((size + 15) / 16) * 16
	return size * channels * bytesPerSample
}

// OutputRouting returns the current output routing mask.
func (d *Device) OutputRouting() mixer.RouteMask {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outRouting
}

// InputRouting returns the current input routing mask.
func (d *Device) InputRouting() mixer.RouteMask {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inRouting
}

// OpenOutputStream creates a playback stream in standby. Only stereo 16-bit
// PCM is accepted; the requested rate may differ from the hardware rate, in
// which case the stream resamples on activation.
func (d *Device) OpenOutputStream(req StreamRequest) (*OutputStream, error) {
	if req.Channels != outChannels || req.Rate <= 0 {
		d.logger.Error(
			"unsupported output stream config",
			"rate", req.Rate,
			"channels", req.Channels,
		)
		return nil, &ConfigError{Corrected: StreamRequest{Rate: HardwareRate, Channels: outChannels}}
	}

	id := uuid.New()
	out := &OutputStream{
		logger:        d.logger.With("output stream uuid", id),
		uuid:          id,
		dev:           d,
		requestedRate: req.Rate,
		channels:      req.Channels,
		regime:        regimeUnknown,
	}
	out.standby.Store(true)
	d.logger.Debug("opened output stream", "rate", req.Rate, "channels", req.Channels)
	return out, nil
}

// OpenInputStream creates a capture stream in standby. Only mono 16-bit PCM
// is accepted. The low-latency period configuration is selected when the
// requested rate matches the hardware rate and lowLatency is set.
func (d *Device) OpenInputStream(req StreamRequest, lowLatency bool) (*InputStream, error) {
	if req.Channels != 1 || req.Rate <= 0 {
		d.logger.Error(
			"unsupported input stream config",
			"rate", req.Rate,
			"channels", req.Channels,
		)
		return nil, &ConfigError{Corrected: StreamRequest{Rate: HardwareRate, Channels: 1}}
	}

	cfg := pcmConfigIn
	if lowLatency && req.Rate == HardwareRate {
		cfg = pcmConfigInLowLatency
	}

	id := uuid.New()
	in := &InputStream{
		logger:        d.logger.With("input stream uuid", id),
		uuid:          id,
		dev:           d,
		requestedRate: req.Rate,
		pcmConfig:     cfg,
	}
	in.provider = &bufferProvider{in: in}
	in.standby.Store(true)
	d.logger.Debug(
		"opened input stream",
		"rate", req.Rate,
		"lowLatency", lowLatency,
		"periodSize", cfg.PeriodSize,
	)
	return in, nil
}
