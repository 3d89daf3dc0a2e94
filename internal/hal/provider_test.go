package hal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/visi0nary/audiohal/pkg/pcm"
)

// newProviderFixture wires an input stream to a fake capture device without
// going through activation, so the provider can be driven directly.
func newProviderFixture(t *testing.T, fill func(buf []int16)) (*InputStream, *fakeDevice) {
	t.Helper()
	d, _, _ := newTestDevice(t)

	in, err := d.OpenInputStream(StreamRequest{Rate: 22050, Channels: 1}, false)
	require.NoError(t, err)

	fd := &fakeDevice{dir: pcm.Capture, cfg: in.pcmConfig, availFrames: -1, fillRead: fill}
	in.pcm = fd
	in.buffer = make([]int16, in.pcmConfig.PeriodSize*in.pcmConfig.Channels)
	return in, fd
}

func TestProviderNotReadyWithoutHardware(t *testing.T) {
	d, _, _ := newTestDevice(t)

	in, err := d.OpenInputStream(StreamRequest{Rate: 22050, Channels: 1}, false)
	require.NoError(t, err)

	_, err = in.provider.getNextBuffer(10)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, in.readStatus, ErrNotReady, "status sticks until the next hardware read")
}

func TestProviderReadsOnePeriodAndDownmixes(t *testing.T) {
	in, fd := newProviderFixture(t, func(buf []int16) {
		for i := 0; i < len(buf)/2; i++ {
			buf[2*i] = int16(i)
			buf[2*i+1] = -1
		}
	})

	view, err := in.provider.getNextBuffer(10)
	require.NoError(t, err)
	require.Len(t, view, 10)
	for i, s := range view {
		require.Equal(t, int16(i), s, "left channel survives the downmix")
	}
	assert.Equal(t, 1, fd.reads)
	assert.Equal(t, in.pcmConfig.PeriodSize, in.framesIn)
}

func TestProviderPartialConsumption(t *testing.T) {
	in, fd := newProviderFixture(t, func(buf []int16) {
		for i := 0; i < len(buf)/2; i++ {
			buf[2*i] = int16(i)
			buf[2*i+1] = -1
		}
	})

	view, err := in.provider.getNextBuffer(10)
	require.NoError(t, err)
	require.Len(t, view, 10)
	in.provider.releaseBuffer(10)

	// The carry is served from the same period; no second hardware read.
	view, err = in.provider.getNextBuffer(5000)
	require.NoError(t, err)
	require.Len(t, view, in.pcmConfig.PeriodSize-10)
	assert.Equal(t, int16(10), view[0], "view resumes where consumption stopped")
	assert.Equal(t, 1, fd.reads)

	in.provider.releaseBuffer(len(view))
	assert.Zero(t, in.framesIn)

	// Fully drained: the next request triggers exactly one more read.
	_, err = in.provider.getNextBuffer(1)
	require.NoError(t, err)
	assert.Equal(t, 2, fd.reads)
}

func TestProviderStickyReadError(t *testing.T) {
	in, fd := newProviderFixture(t, nil)
	fd.readErr = errTestHardware

	_, err := in.provider.getNextBuffer(10)
	assert.ErrorIs(t, err, errTestHardware)
	assert.ErrorIs(t, in.readStatus, errTestHardware)

	// A successful read clears the status.
	fd.readErr = nil
	_, err = in.provider.getNextBuffer(10)
	require.NoError(t, err)
	assert.NoError(t, in.readStatus)
}

func TestPushConvertRateRatio(t *testing.T) {
	rc := newRateConverter(48000, 44100, 2, 5)

	frames := 4800
	in := make([]int16, frames*2)
	for i := range in {
		in[i] = 1000
	}
	out := make([]int16, frames*2)

	produced := rc.pushConvert(in, frames, out)
	assert.Greater(t, produced, 0)
	assert.LessOrEqual(t, produced, frames*44100/48000+1, "output never exceeds the rate ratio")
}
