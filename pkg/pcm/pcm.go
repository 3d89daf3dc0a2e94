// Package pcm defines the boundary to the raw PCM hardware driver.
//
// The HAL core never talks to a soundcard directly; it opens Devices through
// an Opener and moves interleaved signed 16-bit frames through them one
// blocking transfer at a time. Backends in this package provide real hardware
// (malgo), a software loopback model, and WAV-file devices.
package pcm

import (
	"errors"
	"time"
)

// Direction selects which half of the hardware signal path a device drives.
type Direction int

const (
	Playback Direction = iota
	Capture
)

func (d Direction) String() string {
	switch d {
	case Playback:
		return "playback"
	case Capture:
		return "capture"
	default:
		return "unknown"
	}
}

// ErrUnderrun is returned by WriteFrames when the hardware ring buffer ran
// dry mid-stream. The caller is expected to retry immediately rather than
// sleep, so backends must not block after detecting the condition.
var ErrUnderrun = errors.New("pcm: underrun")

// ErrClosed is returned by any operation on a closed device.
var ErrClosed = errors.New("pcm: device closed")

// Config describes the fixed hardware parameters a device is opened with.
// All sizes are in frames. Samples are always interleaved signed 16-bit.
type Config struct {
	Channels    int
	Rate        int
	PeriodSize  int
	PeriodCount int

	// StartThreshold and StopThreshold mirror the driver-level thresholds,
	// in frames. Zero values leave the backend defaults in place.
	StartThreshold int
	StopThreshold  int
}

// BufferSizeFrames is the total ring buffer depth implied by the config.
func (c Config) BufferSizeFrames() int {
	return c.PeriodSize * c.PeriodCount
}

// BytesPerFrame is the size of one interleaved frame in bytes.
func (c Config) BytesPerFrame() int {
	return c.Channels * 2
}

// Device is one open hardware stream handle.
//
// WriteFrames and ReadFrames transfer the whole slice and may block for up
// to roughly one period's duration. Avail reports the free space (playback)
// or fill level (capture) of the ring buffer in frames, together with the
// monotonic timestamp the count was taken at, matching the driver's
// timestamped-avail query.
type Device interface {
	WriteFrames(buf []int16) error
	ReadFrames(buf []int16) error
	Avail() (frames int, ts time.Time, err error)
	BufferSizeFrames() int
	Close() error
}

// Opener creates device handles. The HAL holds one Opener for the lifetime
// of the process and opens at most one device per direction at a time.
type Opener interface {
	Open(dir Direction, cfg Config) (Device, error)
}
