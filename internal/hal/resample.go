package hal

import (
	"errors"
	"math"

	"github.com/oov/audio/resampler"
)

// The resampler library works on float32 planes; scratch planes are chunked
// so arbitrarily large caller buffers never force a reallocation.
const converterChunk = 4096

// rateConverter adapts the resampler library to the two protocols the HAL
// needs: push for playback, where a whole caller buffer is converted in one
// call, and pull for capture, where the converter drives a bufferProvider
// one hardware period at a time until the requested output is produced.
type rateConverter struct {
	channels int
	inRate   int
	outRate  int
	r        *resampler.Resampler

	planarIn  [][]float32
	planarOut [][]float32
}

func newRateConverter(inRate, outRate, channels, quality int) *rateConverter {
	rc := &rateConverter{
		channels:  channels,
		inRate:    inRate,
		outRate:   outRate,
		r:         resampler.New(channels, inRate, outRate, quality),
		planarIn:  make([][]float32, channels),
		planarOut: make([][]float32, channels),
	}
	for c := 0; c < channels; c++ {
		rc.planarIn[c] = make([]float32, converterChunk)
		rc.planarOut[c] = make([]float32, converterChunk)
	}
	return rc
}

// pushConvert converts frames interleaved samples from in into out and
// returns the number of output frames produced.
func (rc *rateConverter) pushConvert(in []int16, frames int, out []int16) int {
	outCap := len(out) / rc.channels
	consumed, written := 0, 0
	for consumed < frames && written < outCap {
		n := min(frames-consumed, converterChunk)
		for c := 0; c < rc.channels; c++ {
			for i := 0; i < n; i++ {
				rc.planarIn[c][i] = float32(in[(consumed+i)*rc.channels+c]) / 32768
			}
		}

		space := min(outCap-written, converterChunk)
		var rd, wr int
		for c := 0; c < rc.channels; c++ {
			rd, wr = rc.r.ProcessFloat32(c, rc.planarIn[c][:n], rc.planarOut[c][:space])
		}

		for c := 0; c < rc.channels; c++ {
			for i := 0; i < wr; i++ {
				out[(written+i)*rc.channels+c] = clampToInt16(rc.planarOut[c][i])
			}
		}
		consumed += rd
		written += wr
		if rd == 0 && wr == 0 {
			break
		}
	}
	return written
}

// pullConvert produces len(out) mono frames by pulling hardware periods from
// the provider. The provider's sticky read status is surfaced as the error.
func (rc *rateConverter) pullConvert(p *bufferProvider, out []int16) (int, error) {
	want := len(out)
	produced := 0
	for produced < want {
		need := (want-produced)*rc.inRate/rc.outRate + 1
		view, err := p.getNextBuffer(need)
		if err != nil {
			return produced, err
		}
		if len(view) == 0 {
			return produced, errors.New("hal: empty capture buffer")
		}

		n := min(len(view), converterChunk)
		for i := 0; i < n; i++ {
			rc.planarIn[0][i] = float32(view[i]) / 32768
		}
		space := min(want-produced, converterChunk)
		rd, wr := rc.r.ProcessFloat32(0, rc.planarIn[0][:n], rc.planarOut[0][:space])
		p.releaseBuffer(rd)

		for i := 0; i < wr; i++ {
			out[produced+i] = clampToInt16(rc.planarOut[0][i])
		}
		produced += wr
		if rd == 0 && wr == 0 {
			return produced, errors.New("hal: resampler made no progress")
		}
	}
	return produced, nil
}

func clampToInt16(s float32) int16 {
	v := s * 32767
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}
