package hal

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/visi0nary/audiohal/pkg/mixer"
	"github.com/visi0nary/audiohal/pkg/pcm"
)

// InputStream is the capture half of the HAL. Like the output stream it is
// created in standby; the first read claims the shared hardware path from
// any active playback, opens the capture handle and applies routing. The
// stream always delivers mono 16-bit PCM at its requested rate, downmixing
// and resampling from the stereo fixed-rate hardware as needed.
type InputStream struct {
	logger *slog.Logger
	uuid   uuid.UUID
	dev    *Device

	requestedRate int
	pcmConfig     pcm.Config

	yield   atomic.Bool
	standby atomic.Bool // written under mu+dev.mu, readable lock-free

	mu     sync.Mutex
	closed bool
	pcm    pcm.Device

	converter *rateConverter
	provider  *bufferProvider

	// buffer holds one raw hardware period; framesIn counts the unconsumed
	// frames carried in it between provider calls.
	buffer     []int16
	framesIn   int
	readStatus error

	scratch []int16
}

func (in *InputStream) SampleRate() int   { return in.requestedRate }
func (in *InputStream) ChannelCount() int { return 1 }

// BufferSize is the preferred read size in bytes: one hardware period
// scaled by the resampling ratio, rounded up to a multiple of 16 frames as
// the framework expects.
func (in *InputStream) BufferSize() int {
	size := (in.pcmConfig.PeriodSize * in.requestedRate) / in.pcmConfig.Rate
	size = ((size + 15) / 16) * 16
	return size * bytesPerSample
}

// startLocked opens the capture handle, builds the pull resampler when the
// requested rate differs from the hardware rate, and resets the carry
// buffer. Both in.mu and dev.mu must be held.
func (in *InputStream) startLocked() error {
	d := in.dev

	dev, err := d.opener.Open(pcm.Capture, in.pcmConfig)
	if err != nil {
		in.logger.Error("capture open failed", "err", err)
		return fmt.Errorf("hal: open capture: %w", err)
	}
	in.pcm = dev

	if in.requestedRate != in.pcmConfig.Rate {
		in.converter = newRateConverter(in.pcmConfig.Rate, in.requestedRate, 1, d.tun.ResampleQuality)
		in.logger.Debug(
			"created capture resampler",
			"from", in.pcmConfig.Rate,
			"to", in.requestedRate,
		)
	}

	in.buffer = make([]int16, in.pcmConfig.PeriodSize*in.pcmConfig.Channels)
	in.framesIn = 0
	in.readStatus = nil

	d.activeIn = in
	return nil
}

// doStandbyLocked releases the capture handle, the resampler and the raw
// buffer, and clears the active-input registration. Idempotent. Both in.mu
// and dev.mu must be held.
func (in *InputStream) doStandbyLocked() {
	if in.standby.Load() {
		in.logger.Debug("standby requested while already in standby")
		return
	}
	if in.pcm != nil {
		in.pcm.Close()
		in.pcm = nil
	}
	in.dev.activeIn = nil
	in.converter = nil
	in.buffer = nil
	in.standby.Store(true)
	in.dev.notifyStandbyLocked()
	in.logger.Debug("capture entered standby")
}

// activateLocked performs the standby-to-active transition, claiming the
// path from any active playback stream. in.mu must be held; dev.mu must
// not be. Because the global stream lock order is output before input, the
// input lock is released before taking the output lock and re-acquired
// after, re-validating everything that may have changed in between.
func (in *InputStream) activateLocked() error {
	d := in.dev

	d.mu.Lock()
	out := d.activeOut
	for out != nil && !out.standby.Load() {
		d.mu.Unlock()
		in.mu.Unlock()

		out.yield.Store(true)
		out.mu.Lock()
		in.mu.Lock()
		d.mu.Lock()

		if !in.standby.Load() {
			// Another reader activated the stream while the locks were
			// released; nothing left to do.
			out.yield.Store(false)
			out.mu.Unlock()
			d.mu.Unlock()
			return nil
		}
		if out == d.activeOut {
			if !out.standby.Load() {
				in.logger.Debug("forcing playback standby to claim hardware path")
				out.doStandbyLocked()
			}
			out.yield.Store(false)
			out.mu.Unlock()
			break
		}
		// The registered playback stream changed underneath us; wait for a
		// standby transition (bounded by the backoff) and re-read.
		out.yield.Store(false)
		out.mu.Unlock()
		ch := d.standbyCh
		d.mu.Unlock()
		select {
		case <-ch:
		case <-time.After(d.tun.YieldBackoff):
		}
		d.mu.Lock()
		out = d.activeOut
	}

	if !in.standby.Load() {
		d.mu.Unlock()
		return nil
	}

	if err := in.startLocked(); err != nil {
		d.mu.Unlock()
		return err
	}

	// The mixer must be set when coming out of standby.
	d.applyRoutingLocked()
	if err := d.router.ApplyInputSource(d.inSource); err != nil {
		in.logger.Error("input source application failed", "err", err)
	}
	in.standby.Store(false)
	d.mu.Unlock()

	in.logger.Debug("capture exited standby")
	return nil
}

// Read captures len(p) bytes of mono 16-bit PCM at the stream's rate.
//
// Error contract: any hardware failure is logged, compensated with a sleep
// matching the audio duration of p, and reported as full consumption. When
// the device is mic-muted the buffer is zeroed explicitly after the read,
// preserving the read cadence.
func (in *InputStream) Read(p []byte) (int, error) {
	frames := len(p) / bytesPerSample

	if in.yield.Load() {
		time.Sleep(in.dev.tun.YieldBackoff)
		in.dev.mu.Lock()
		active := in.dev.activeIn
		in.dev.mu.Unlock()
		if active != in {
			in.logger.Warn("active input changed while yielding")
		}
	}

	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return 0, ErrClosed
	}

	var err error
	if in.standby.Load() {
		err = in.activateLocked()
	}
	if err == nil {
		err = in.readLocked(p, frames)
	}
	if err == nil {
		in.dev.mu.Lock()
		muted := in.dev.micMute
		in.dev.mu.Unlock()
		if muted {
			for i := range p {
				p[i] = 0
			}
		}
	}
	in.mu.Unlock()

	if err != nil {
		in.logger.Error("read failed, reporting full consumption", "err", err)
		time.Sleep(time.Duration(len(p)) * time.Second / time.Duration(bytesPerSample*in.requestedRate))
	}
	return len(p), nil
}

// readLocked fills frames mono samples into p through whichever pipeline
// the stream needs: the pull resampler, the stereo-discard path, or a
// direct hardware read. in.mu must be held.
func (in *InputStream) readLocked(p []byte, frames int) error {
	if cap(in.scratch) < frames*2 {
		in.scratch = make([]int16, frames*2)
	}
	dst := in.scratch[:frames]

	switch {
	case in.converter != nil:
		if err := in.readResampled(dst); err != nil {
			return err
		}
	case in.pcmConfig.Channels == 2:
		// Stereo hardware: capture twice as many frames and discard the
		// right channel.
		wide := in.scratch[:frames*2]
		if err := in.pcm.ReadFrames(wide); err != nil {
			return err
		}
		for i := 0; i < frames; i++ {
			dst[i] = wide[i*2]
		}
	default:
		if err := in.pcm.ReadFrames(dst); err != nil {
			return err
		}
	}

	for i, s := range dst {
		p[2*i] = byte(uint16(s))
		p[2*i+1] = byte(uint16(s) >> 8)
	}
	return nil
}

// readResampled pulls converted frames until dst is full. The provider's
// sticky read status takes precedence over the converter's own errors.
func (in *InputStream) readResampled(dst []int16) error {
	framesWr := 0
	for framesWr < len(dst) {
		n, err := in.converter.pullConvert(in.provider, dst[framesWr:])
		if in.readStatus != nil {
			return in.readStatus
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("hal: capture pipeline stalled")
		}
		framesWr += n
	}
	return nil
}

// SetRouting commits a new input routing mask. A live stream is forced to
// standby first (outside of a call) so the routing never changes under an
// open hardware handle. A zero mask is ignored.
func (in *InputStream) SetRouting(mask mixer.RouteMask) {
	d := in.dev

	in.yield.Store(true)
	in.mu.Lock()
	in.yield.Store(false)
	d.mu.Lock()

	if mask != mixer.RouteNone && mask != d.inRouting {
		if d.mode != ModeInCall && !in.standby.Load() {
			in.doStandbyLocked()
		}
		d.inRouting = mask
	}

	d.mu.Unlock()
	in.mu.Unlock()
}

// SetSource selects the capture use case. The mixer preset is applied
// immediately; the hardware handle is not cycled.
func (in *InputStream) SetSource(src mixer.Source) {
	d := in.dev

	in.yield.Store(true)
	in.mu.Lock()
	in.yield.Store(false)
	d.mu.Lock()

	if src != d.inSource {
		d.inSource = src
		if err := d.router.ApplyInputSource(src); err != nil {
			in.logger.Error("input source application failed", "err", err)
		}
	}

	d.mu.Unlock()
	in.mu.Unlock()
}

// Standby releases the hardware path. Safe to call any number of times.
func (in *InputStream) Standby() {
	in.yield.Store(true)
	in.mu.Lock()
	in.yield.Store(false)
	in.dev.mu.Lock()
	in.doStandbyLocked()
	in.dev.mu.Unlock()
	in.mu.Unlock()
}

// Close forces standby and invalidates the stream.
func (in *InputStream) Close() {
	in.Standby()
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
	in.logger.Debug("input stream closed")
}
