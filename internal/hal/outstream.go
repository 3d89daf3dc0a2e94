package hal

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/visi0nary/audiohal/pkg/mixer"
	"github.com/visi0nary/audiohal/pkg/pcm"
)

// OutputStream is the playback half of the HAL. It is created in standby
// with no hardware handle; the first write after construction or a forced
// standby claims the shared hardware path, opens the playback handle and
// applies routing. Callers must serialize against their own use, but every
// method is safe against the device and the opposite stream.
type OutputStream struct {
	logger *slog.Logger
	uuid   uuid.UUID
	dev    *Device

	requestedRate int
	channels      int

	// yield is the advisory soft-yield flag: set by whoever needs this
	// stream to relinquish the shared path or the stream lock promptly.
	// The write hot path backs off and re-validates when it sees it set.
	yield atomic.Bool

	// standby is written only under mu and dev.mu, but is readable without
	// the stream lock so path claimants can observe it.
	standby atomic.Bool

	mu        sync.Mutex
	closed    bool
	pcm       pcm.Device
	pcmConfig pcm.Config

	converter    *rateConverter
	buffer       []int16 // resampler output, bufferFrames frames
	bufferFrames int
	scratch      []int16 // caller samples decoded from bytes

	// written counts frames handed to the hardware over the stream's whole
	// life. It survives standby and is only reset at stream creation.
	written uint64

	regime            bufferRegime
	writeThreshold    int
	curWriteThreshold int
}

func (o *OutputStream) SampleRate() int   { return o.requestedRate }
func (o *OutputStream) ChannelCount() int { return o.channels }

// BufferSize is the preferred write size in bytes: one hardware period at
// the stream's frame size.
func (o *OutputStream) BufferSize() int {
	return outPeriodSize * o.channels * bytesPerSample
}

// Latency reports the worst-case buffering latency, i.e. a full long buffer.
func (o *OutputStream) Latency() time.Duration {
	return time.Duration(outPeriodSize*outLongPeriodCount) * time.Second / HardwareRate
}

// startLocked opens the hardware handle and, when the requested rate differs
// from the hardware rate, builds the resampler session and its intermediate
// buffer. Both o.mu and dev.mu must be held. On failure no partial state is
// left allocated.
func (o *OutputStream) startLocked() error {
	d := o.dev

	o.pcmConfig = pcmConfigOut
	o.regime = regimeUnknown

	dev, err := d.opener.Open(pcm.Playback, o.pcmConfig)
	if err != nil {
		o.logger.Error("playback open failed", "err", err)
		return fmt.Errorf("hal: open playback: %w", err)
	}
	o.pcm = dev

	if o.requestedRate != o.pcmConfig.Rate {
		// ceil(period * hwRate / requestedRate) + 1 frames of headroom.
		o.bufferFrames = (outPeriodSize*o.pcmConfig.Rate+o.requestedRate-1)/o.requestedRate + 1
		o.buffer = make([]int16, o.bufferFrames*o.pcmConfig.Channels)
		o.converter = newRateConverter(o.requestedRate, o.pcmConfig.Rate, o.pcmConfig.Channels, d.tun.ResampleQuality)
		o.logger.Debug(
			"created playback resampler",
			"from", o.requestedRate,
			"to", o.pcmConfig.Rate,
			"bufferFrames", o.bufferFrames,
		)
	}

	d.activeOut = o
	return nil
}

// doStandbyLocked releases the hardware handle, the resampler and the
// intermediate buffer, and clears the active-output registration. The
// cumulative written counter is preserved. Idempotent. Both o.mu and dev.mu
// must be held.
func (o *OutputStream) doStandbyLocked() {
	if o.standby.Load() {
		o.logger.Debug("standby requested while already in standby")
		return
	}
	if o.pcm != nil {
		o.pcm.Close()
		o.pcm = nil
	}
	o.dev.activeOut = nil
	o.converter = nil
	o.buffer = nil
	o.standby.Store(true)
	o.dev.notifyStandbyLocked()
	o.logger.Debug("playback entered standby")
}

// activateLocked performs the standby-to-active transition: claim the shared
// path from any active capture stream, open the hardware handle, register as
// active output and apply routing. o.mu must be held; dev.mu must not be.
func (o *OutputStream) activateLocked() error {
	d := o.dev

	d.mu.Lock()
	in := d.activeIn
	for in != nil && !in.standby.Load() {
		// Force the capture stream to standby first. Its lock may be taken
		// while holding ours (output before input is the global stream lock
		// order), but never while holding the device lock. Set the capture
		// side's soft-yield flag so its hot path lets go of the lock.
		d.mu.Unlock()
		in.yield.Store(true)
		in.mu.Lock()
		d.mu.Lock()
		if in == d.activeIn {
			if !in.standby.Load() {
				o.logger.Debug("forcing capture standby to claim hardware path")
				in.doStandbyLocked()
			}
			in.yield.Store(false)
			in.mu.Unlock()
			break
		}
		// The registered capture stream changed underneath us; wait for a
		// standby transition (bounded by the backoff) and re-read.
		in.yield.Store(false)
		in.mu.Unlock()
		ch := d.standbyCh
		d.mu.Unlock()
		select {
		case <-ch:
		case <-time.After(d.tun.YieldBackoff):
		}
		d.mu.Lock()
		in = d.activeIn
	}

	if err := o.startLocked(); err != nil {
		d.mu.Unlock()
		return err
	}

	// The mixer must be set when coming out of standby.
	d.applyRoutingLocked()
	o.standby.Store(false)
	d.mu.Unlock()

	o.logger.Debug("playback exited standby")
	return nil
}

// Write plays len(p) bytes of interleaved 16-bit PCM at the stream's rate.
//
// Error contract: an underrun is returned immediately as ErrUnderrun with
// nothing consumed, so the caller can refill as fast as possible. Any other
// failure is logged, compensated with a sleep matching the audio duration of
// p, and reported as full consumption, which keeps the caller's pacing loop
// from spinning.
func (o *OutputStream) Write(p []byte) (int, error) {
	frameSize := o.channels * bytesPerSample
	inFrames := len(p) / frameSize

	if o.yield.Load() {
		// Someone is reconfiguring the shared path. The backoff is always
		// shorter than a reconfiguration, so one sleep is enough before
		// re-validating.
		time.Sleep(o.dev.tun.YieldBackoff)
		o.dev.mu.Lock()
		active := o.dev.activeOut
		o.dev.mu.Unlock()
		if active != o {
			o.logger.Warn("active output changed while yielding")
		}
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return 0, ErrClosed
	}

	var err error
	if o.standby.Load() {
		err = o.activateLocked()
	}
	if err == nil {
		err = o.writeLocked(p, inFrames)
		if errors.Is(err, ErrUnderrun) {
			// No compensating sleep: the caller wants to catch up asap.
			o.mu.Unlock()
			return 0, ErrUnderrun
		}
	}
	o.mu.Unlock()

	if err != nil {
		o.logger.Error("write failed, reporting full consumption", "err", err)
		time.Sleep(time.Duration(len(p)) * time.Second / time.Duration(frameSize*o.requestedRate))
	}
	return len(p), nil
}

// writeLocked runs the steady-state write path: regime selection, channel
// reduction, resampling, pacing against the kernel buffer, and the hardware
// write. o.mu must be held.
func (o *OutputStream) writeLocked(p []byte, inFrames int) error {
	d := o.dev

	// Regime follows screen state and capture activity on every write.
	d.mu.Lock()
	regime := regimeShort
	if d.screenOff && d.activeIn == nil {
		regime = regimeLong
	}
	d.mu.Unlock()

	if regime != o.regime {
		o.writeThreshold = o.pcmConfig.PeriodSize * regime.periodCount()
		// Snap directly when just leaving standby; converge gradually on a
		// live stream.
		if o.regime == regimeUnknown {
			o.curWriteThreshold = o.writeThreshold
		}
		o.regime = regime
	}

	if cap(o.scratch) < inFrames*o.channels {
		o.scratch = make([]int16, inFrames*o.channels)
	}
	src := o.scratch[:inFrames*o.channels]
	for i := range src {
		src[i] = int16(uint16(p[2*i]) | uint16(p[2*i+1])<<8)
	}

	// Reduce channels by discarding the extras, keeping the first sample
	// of each frame.
	hwChannels := o.pcmConfig.Channels
	if o.channels > hwChannels {
		for i := 1; i < inFrames; i++ {
			src[i] = src[i*o.channels]
		}
		src = src[:inFrames]
	}

	outBuf := src
	outFrames := inFrames
	if o.converter != nil {
		outFrames = o.converter.pushConvert(src, inFrames, o.buffer)
		outBuf = o.buffer[:outFrames*hwChannels]
	}

	o.pace()

	if err := o.pcm.WriteFrames(outBuf); err != nil {
		if errors.Is(err, pcm.ErrUnderrun) {
			return ErrUnderrun
		}
		return err
	}
	o.written += uint64(outFrames)
	return nil
}

// pace holds the write back until the kernel buffer drains to the current
// write threshold, then moves the threshold toward its target by at most a
// quarter period. Total sleep is bounded by one short buffer's duration.
func (o *OutputStream) pace() {
	d := o.dev
	periodSize := o.pcmConfig.PeriodSize

	var totalSleep time.Duration
	kernelFrames := 0
	for {
		avail, _, err := o.pcm.Avail()
		if err != nil {
			break
		}
		kernelFrames = o.pcm.BufferSizeFrames() - avail
		if kernelFrames <= o.curWriteThreshold {
			break
		}
		sleep := time.Duration(kernelFrames-o.curWriteThreshold) * time.Second / HardwareRate
		if sleep < d.tun.MinWriteSleep {
			break
		}
		totalSleep += sleep
		if totalSleep > maxWriteSleep {
			o.logger.Warn(
				"limiting pacing sleep",
				"requested", totalSleep,
				"cap", maxWriteSleep,
			)
			sleep = maxWriteSleep - (totalSleep - sleep)
		}
		time.Sleep(sleep)
		if totalSleep > maxWriteSleep {
			break
		}
	}

	// Avoid abrupt buffer size changes: step the live threshold by a
	// quarter period toward the target, except when the kernel buffer is
	// really depleted, where it resets just above the current fill so the
	// stream catches up smoothly.
	switch {
	case o.curWriteThreshold > o.writeThreshold:
		o.curWriteThreshold -= periodSize / 4
		if o.curWriteThreshold < o.writeThreshold {
			o.curWriteThreshold = o.writeThreshold
		}
	case o.curWriteThreshold < o.writeThreshold:
		o.curWriteThreshold += periodSize / 4
		if o.curWriteThreshold > o.writeThreshold {
			o.curWriteThreshold = o.writeThreshold
		}
	case kernelFrames < o.writeThreshold &&
		o.writeThreshold-kernelFrames > periodSize*outShortPeriodCount:
		o.curWriteThreshold = (kernelFrames/periodSize+1)*periodSize + periodSize/4
	}
}

// PresentationPosition reports the frame count the hardware has rendered
// since the stream was created, with the timestamp of the measurement.
func (o *OutputStream) PresentationPosition() (uint64, time.Time, error) {
	o.yield.Store(true)
	o.mu.Lock()
	o.yield.Store(false)
	defer o.mu.Unlock()

	if o.standby.Load() || o.pcm == nil {
		return 0, time.Time{}, ErrNotReady
	}

	avail, ts, err := o.pcm.Avail()
	if err != nil {
		return 0, time.Time{}, err
	}
	kernelBufferSize := o.pcmConfig.BufferSizeFrames()
	signed := int64(o.written) - int64(kernelBufferSize) + int64(avail)
	if signed < 0 {
		return 0, time.Time{}, ErrPositionUnavailable
	}
	return uint64(signed), ts, nil
}

// SetRouting commits a new output routing mask. A live stream is forced to
// standby first (outside of a call) so the routing never changes under an
// open hardware handle. A zero mask is ignored.
func (o *OutputStream) SetRouting(mask mixer.RouteMask) {
	d := o.dev

	o.yield.Store(true)
	o.mu.Lock()
	o.yield.Store(false)
	d.mu.Lock()

	if mask != mixer.RouteNone && mask != d.outRouting {
		if d.mode != ModeInCall && !o.standby.Load() {
			o.doStandbyLocked()
		}
		d.outRouting = mask
	}

	d.mu.Unlock()
	o.mu.Unlock()
}

// Standby releases the hardware path. Safe to call any number of times.
func (o *OutputStream) Standby() {
	o.yield.Store(true)
	o.mu.Lock()
	o.yield.Store(false)
	o.dev.mu.Lock()
	o.doStandbyLocked()
	o.dev.mu.Unlock()
	o.mu.Unlock()
}

// Close forces standby and invalidates the stream.
func (o *OutputStream) Close() {
	o.Standby()
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.logger.Debug("output stream closed")
}
