package hal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/visi0nary/audiohal/pkg/mixer"
)

func decodeMono(p []byte) []int16 {
	out := make([]int16, len(p)/2)
	for i := range out {
		out[i] = int16(uint16(p[2*i]) | uint16(p[2*i+1])<<8)
	}
	return out
}

func TestOpenInputStreamRejectsNonMono(t *testing.T) {
	d, _, _ := newTestDevice(t)

	_, err := d.OpenInputStream(StreamRequest{Rate: 44100, Channels: 2}, false)
	require.Error(t, err)

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, StreamRequest{Rate: HardwareRate, Channels: 1}, cfgErr.Corrected)
}

func TestLowLatencyPeriodSelection(t *testing.T) {
	d, _, _ := newTestDevice(t)

	in, err := d.OpenInputStream(StreamRequest{Rate: 44100, Channels: 1}, true)
	require.NoError(t, err)
	assert.Equal(t, inPeriodSizeLowLatency, in.pcmConfig.PeriodSize)

	// Low latency only applies at the hardware rate.
	in, err = d.OpenInputStream(StreamRequest{Rate: 22050, Channels: 1}, true)
	require.NoError(t, err)
	assert.Equal(t, inPeriodSize, in.pcmConfig.PeriodSize)
}

func TestInputBufferSizeRounding(t *testing.T) {
	d, _, _ := newTestDevice(t)

	// 1024 * 8000 / 44100 = 185 frames, rounded up to 192.
	assert.Equal(t, 192*2, d.InputBufferSize(8000, 1))
	assert.Equal(t, 1024*2, d.InputBufferSize(44100, 1))
	assert.Equal(t, 256*2, d.InputBufferSize(11025, 1))
}

func TestReadDiscardsRightChannel(t *testing.T) {
	d, opener, _ := newTestDevice(t)
	opener.fillRead = func(buf []int16) {
		for i := 0; i < len(buf)/2; i++ {
			buf[2*i] = int16(i)
			buf[2*i+1] = 9999
		}
	}

	in, err := d.OpenInputStream(StreamRequest{Rate: 44100, Channels: 1}, false)
	require.NoError(t, err)

	p := make([]byte, 100*bytesPerSample)
	n, err := in.Read(p)
	require.NoError(t, err)
	require.Equal(t, len(p), n)

	samples := decodeMono(p)
	for i, s := range samples {
		require.Equal(t, int16(i), s, "frame %d is the left channel", i)
	}

	fd := opener.lastCapture()
	require.NotNil(t, fd)
	assert.Equal(t, 2, fd.cfg.Channels, "hardware capture is stereo")
	assert.Equal(t, HardwareRate, fd.cfg.Rate)
}

func TestReadActivationAppliesRoutingAndSource(t *testing.T) {
	d, _, router := newTestDevice(t)

	in, err := d.OpenInputStream(StreamRequest{Rate: 44100, Channels: 1}, false)
	require.NoError(t, err)

	in.SetRouting(mixer.InBuiltinMic)
	in.SetSource(mixer.SourceCamcorder)
	require.Len(t, router.sources, 1, "source change applies immediately")

	p := make([]byte, 64*bytesPerSample)
	_, err = in.Read(p)
	require.NoError(t, err)

	assert.False(t, in.standby.Load())
	assert.Equal(t, mixer.InBuiltinMic, router.lastRouting()[1])
	assert.Equal(t, mixer.SourceCamcorder, router.sources[len(router.sources)-1])
}

func TestSetSourceUnchangedDoesNotReapply(t *testing.T) {
	d, _, router := newTestDevice(t)

	in, err := d.OpenInputStream(StreamRequest{Rate: 44100, Channels: 1}, false)
	require.NoError(t, err)

	in.SetSource(mixer.SourceVoiceRecognition)
	in.SetSource(mixer.SourceVoiceRecognition)
	assert.Len(t, router.sources, 1)
}

func TestMicMuteZeroesReads(t *testing.T) {
	d, opener, _ := newTestDevice(t)
	opener.fillRead = func(buf []int16) {
		for i := range buf {
			buf[i] = 5
		}
	}

	in, err := d.OpenInputStream(StreamRequest{Rate: 44100, Channels: 1}, false)
	require.NoError(t, err)

	p := make([]byte, 64*bytesPerSample)
	_, err = in.Read(p)
	require.NoError(t, err)
	assert.NotZero(t, decodeMono(p)[0])

	d.SetMicMute(true)
	assert.True(t, in.standby.Load(), "mute cycles the live stream")
	assert.True(t, d.MicMute())

	_, err = in.Read(p)
	require.NoError(t, err)
	for _, s := range decodeMono(p) {
		require.Zero(t, s, "muted reads deliver silence")
	}
	assert.False(t, in.standby.Load(), "read cadence is preserved while muted")
}

func TestMicMuteInCallDoesNotCycleStream(t *testing.T) {
	d, _, _ := newTestDevice(t)
	d.SetMode(ModeInCall)

	in, err := d.OpenInputStream(StreamRequest{Rate: 44100, Channels: 1}, false)
	require.NoError(t, err)

	p := make([]byte, 64*bytesPerSample)
	_, err = in.Read(p)
	require.NoError(t, err)

	d.SetMicMute(true)
	assert.False(t, in.standby.Load())
	assert.True(t, d.MicMute())
}

func TestResampledRead(t *testing.T) {
	d, opener, _ := newTestDevice(t)

	in, err := d.OpenInputStream(StreamRequest{Rate: 22050, Channels: 1}, false)
	require.NoError(t, err)
	assert.Equal(t, 512*2, in.BufferSize())

	p := make([]byte, in.BufferSize())
	n, err := in.Read(p)
	require.NoError(t, err)
	assert.Equal(t, len(p), n)

	require.NotNil(t, in.converter)
	fd := opener.lastCapture()
	require.NotNil(t, fd)
	assert.Equal(t, HardwareRate, fd.cfg.Rate, "hardware stays at its fixed rate")
	assert.Greater(t, fd.reads, 0)
}

func TestReadErrorReportsFullConsumption(t *testing.T) {
	d, opener, _ := newTestDevice(t)

	in, err := d.OpenInputStream(StreamRequest{Rate: 44100, Channels: 1}, false)
	require.NoError(t, err)

	p := make([]byte, 64*bytesPerSample)
	_, err = in.Read(p)
	require.NoError(t, err)

	fd := opener.lastCapture()
	fd.mu.Lock()
	fd.readErr = errTestHardware
	fd.mu.Unlock()

	n, err := in.Read(p)
	assert.NoError(t, err)
	assert.Equal(t, len(p), n)
}

func TestInputStandbyIdempotent(t *testing.T) {
	d, opener, _ := newTestDevice(t)

	in, err := d.OpenInputStream(StreamRequest{Rate: 44100, Channels: 1}, false)
	require.NoError(t, err)

	p := make([]byte, 64*bytesPerSample)
	_, err = in.Read(p)
	require.NoError(t, err)

	in.Standby()
	in.Standby()
	assert.True(t, in.standby.Load())
	assert.Equal(t, 1, opener.lastCapture().closed)

	d.mu.Lock()
	assert.Nil(t, d.activeIn)
	d.mu.Unlock()
}

func TestReadAfterCloseFails(t *testing.T) {
	d, _, _ := newTestDevice(t)

	in, err := d.OpenInputStream(StreamRequest{Rate: 44100, Channels: 1}, false)
	require.NoError(t, err)
	in.Close()

	n, err := in.Read(make([]byte, 64))
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, n)
}
