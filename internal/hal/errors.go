package hal

import (
	"errors"
	"fmt"

	"github.com/visi0nary/audiohal/pkg/pcm"
)

// ErrUnderrun is surfaced by OutputStream.Write when the kernel buffer ran
// dry. Unlike every other write failure it is returned immediately, without
// a compensating sleep, so the caller can catch up as fast as possible.
var ErrUnderrun = pcm.ErrUnderrun

// ErrNotReady is returned by position queries while the stream is in standby
// or has no open hardware handle.
var ErrNotReady = errors.New("hal: stream not ready")

// ErrPositionUnavailable is returned when the presentation position formula
// yields a negative frame count; the position is never reported negative.
var ErrPositionUnavailable = errors.New("hal: presentation position unavailable")

// ErrClosed is returned by operations on a closed stream.
var ErrClosed = errors.New("hal: stream closed")

// ConfigError rejects an unsupported stream configuration at open time.
// Corrected carries the configuration the hardware does support, so the
// caller can retry with valid parameters.
type ConfigError struct {
	Corrected StreamRequest
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("hal: unsupported stream config, retry with rate=%d channels=%d",
		e.Corrected.Rate, e.Corrected.Channels)
}
