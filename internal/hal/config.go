// Package hal is the control core of the audio hardware abstraction layer.
//
// It owns the playback and capture stream state machines, arbitrates the
// single shared hardware signal path between them, paces writes against the
// kernel ring buffer, and converts sample rates when a stream's requested
// rate differs from the fixed hardware rate. The raw PCM driver and the
// hardware mixer are consumed through the pkg/pcm and pkg/mixer boundaries.
package hal

import (
	"time"

	"github.com/visi0nary/audiohal/pkg/pcm"
)

// HardwareRate is the fixed sample rate of the hardware signal path. Streams
// requesting any other rate go through the resampler.
const HardwareRate = 44100

const (
	outPeriodSize       = 1024
	outShortPeriodCount = 2
	outLongPeriodCount  = 4
	outChannels         = 2

	inPeriodSize           = 1024
	inPeriodSizeLowLatency = 512
	inPeriodCount          = 4

	bytesPerSample = 2
)

// Hardware PCM configurations. Never mutated after startup. Capture hardware
// is stereo even though input streams deliver mono; the right channel is
// discarded on the way up.
var (
	pcmConfigOut = pcm.Config{
		Channels:       outChannels,
		Rate:           HardwareRate,
		PeriodSize:     outPeriodSize,
		PeriodCount:    outLongPeriodCount,
		StartThreshold: outPeriodSize * outShortPeriodCount,
	}

	pcmConfigIn = pcm.Config{
		Channels:       2,
		Rate:           HardwareRate,
		PeriodSize:     inPeriodSize,
		PeriodCount:    inPeriodCount,
		StartThreshold: 1,
		StopThreshold:  inPeriodSize * inPeriodCount,
	}

	pcmConfigInLowLatency = pcm.Config{
		Channels:       2,
		Rate:           HardwareRate,
		PeriodSize:     inPeriodSizeLowLatency,
		PeriodCount:    inPeriodCount,
		StartThreshold: 1,
		StopThreshold:  inPeriodSizeLowLatency * inPeriodCount,
	}
)

// bufferRegime is the buffering depth the output stream is currently pacing
// against. LONG favors fewer wake-ups at higher latency and is selected when
// the screen is off and no capture is running; SHORT favors latency.
type bufferRegime int

const (
	regimeUnknown bufferRegime = iota
	regimeShort
	regimeLong
)

func (r bufferRegime) periodCount() int {
	if r == regimeLong {
		return outLongPeriodCount
	}
	return outShortPeriodCount
}

// maxWriteSleep caps the accumulated pacing sleep in one write call to the
// playback time of one short buffer.
const maxWriteSleep = time.Duration(outPeriodSize*outShortPeriodCount) * time.Second / HardwareRate

// Tunables are the runtime-adjustable timing knobs. The zero value is not
// usable; start from DefaultTunables.
type Tunables struct {
	// YieldBackoff is how long a stream sleeps after observing its own
	// soft-yield flag, and the fallback interval for the path-claim retry
	// wait. Must stay shorter than the time a path reconfiguration takes.
	YieldBackoff time.Duration

	// MinWriteSleep is the smallest pacing sleep worth taking; anything
	// shorter aborts the pacing loop to avoid pointless wake-ups.
	MinWriteSleep time.Duration

	// ResampleQuality is the converter quality passed to the resampler,
	// 0 (fastest) to 10 (best).
	ResampleQuality int
}

func DefaultTunables() Tunables {
	return Tunables{
		YieldBackoff:    10 * time.Millisecond,
		MinWriteSleep:   2 * time.Millisecond,
		ResampleQuality: 10,
	}
}

// StreamRequest is the caller's requested stream configuration. Only 16-bit
// PCM is supported, so the request carries rate and channel count.
type StreamRequest struct {
	Rate     int
	Channels int
}
