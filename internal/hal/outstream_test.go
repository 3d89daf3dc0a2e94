package hal

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/visi0nary/audiohal/pkg/mixer"
)

func TestOpenOutputStreamRejectsNonStereo(t *testing.T) {
	d, _, _ := newTestDevice(t)

	_, err := d.OpenOutputStream(StreamRequest{Rate: 44100, Channels: 1})
	require.Error(t, err)

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, StreamRequest{Rate: HardwareRate, Channels: 2}, cfgErr.Corrected)
}

func TestFirstWriteActivatesStream(t *testing.T) {
	d, opener, router := newTestDevice(t)

	out, err := d.OpenOutputStream(StreamRequest{Rate: 44100, Channels: 2})
	require.NoError(t, err)
	assert.True(t, out.standby.Load())

	buf := silenceBytes(outPeriodSize)
	n, err := out.Write(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)

	assert.False(t, out.standby.Load())
	require.NotNil(t, opener.lastPlayback())
	assert.Len(t, router.routings, 1, "routing applied once on activation")
	assert.Equal(t, uint64(outPeriodSize), out.written)
	assert.Nil(t, out.converter, "no resampler at the hardware rate")
}

func TestOutputBufferSizeAndLatency(t *testing.T) {
	d, _, _ := newTestDevice(t)

	out, err := d.OpenOutputStream(StreamRequest{Rate: 44100, Channels: 2})
	require.NoError(t, err)

	assert.Equal(t, 4096, out.BufferSize())
	assert.Equal(t, time.Duration(outPeriodSize*outLongPeriodCount)*time.Second/HardwareRate, out.Latency())
}

func TestResamplerBufferSizing(t *testing.T) {
	d, _, _ := newTestDevice(t)

	out, err := d.OpenOutputStream(StreamRequest{Rate: 48000, Channels: 2})
	require.NoError(t, err)

	_, err = out.Write(silenceBytes(outPeriodSize))
	require.NoError(t, err)

	require.NotNil(t, out.converter)
	assert.Equal(t, 942, out.bufferFrames)
}

func TestStandbyIdempotent(t *testing.T) {
	d, opener, _ := newTestDevice(t)

	out, err := d.OpenOutputStream(StreamRequest{Rate: 44100, Channels: 2})
	require.NoError(t, err)

	_, err = out.Write(silenceBytes(outPeriodSize))
	require.NoError(t, err)

	out.Standby()
	out.Standby()

	assert.True(t, out.standby.Load())
	assert.Equal(t, 1, opener.lastPlayback().closed)

	d.mu.Lock()
	assert.Nil(t, d.activeOut)
	d.mu.Unlock()
}

func TestWrittenCounterSurvivesStandby(t *testing.T) {
	d, _, _ := newTestDevice(t)

	out, err := d.OpenOutputStream(StreamRequest{Rate: 44100, Channels: 2})
	require.NoError(t, err)

	_, err = out.Write(silenceBytes(outPeriodSize))
	require.NoError(t, err)
	out.Standby()

	_, err = out.Write(silenceBytes(outPeriodSize))
	require.NoError(t, err)
	assert.Equal(t, uint64(2*outPeriodSize), out.written)
}

func TestUnderrunReturnedImmediately(t *testing.T) {
	d, opener, _ := newTestDevice(t)

	out, err := d.OpenOutputStream(StreamRequest{Rate: 44100, Channels: 2})
	require.NoError(t, err)

	_, err = out.Write(silenceBytes(outPeriodSize))
	require.NoError(t, err)

	opener.lastPlayback().setWriteErr(ErrUnderrun)

	start := time.Now()
	n, err := out.Write(silenceBytes(outPeriodSize))
	assert.ErrorIs(t, err, ErrUnderrun)
	assert.Zero(t, n)
	assert.Less(t, time.Since(start), 10*time.Millisecond, "no compensating sleep on underrun")
}

func TestWriteErrorReportsFullConsumption(t *testing.T) {
	d, opener, _ := newTestDevice(t)

	out, err := d.OpenOutputStream(StreamRequest{Rate: 44100, Channels: 2})
	require.NoError(t, err)

	_, err = out.Write(silenceBytes(outPeriodSize))
	require.NoError(t, err)

	opener.lastPlayback().setWriteErr(errors.New("hw gone"))

	buf := silenceBytes(outPeriodSize)
	start := time.Now()
	n, err := out.Write(buf)
	elapsed := time.Since(start)

	assert.NoError(t, err)
	assert.Equal(t, len(buf), n)
	// 1024 frames at 44100Hz is ~23ms of audio.
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond, "compensating sleep")
}

func TestWriteAfterCloseFails(t *testing.T) {
	d, _, _ := newTestDevice(t)

	out, err := d.OpenOutputStream(StreamRequest{Rate: 44100, Channels: 2})
	require.NoError(t, err)
	out.Close()

	n, err := out.Write(silenceBytes(outPeriodSize))
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, n)
}

func TestThresholdConvergesByQuarterPeriods(t *testing.T) {
	d, _, _ := newTestDevice(t)

	out, err := d.OpenOutputStream(StreamRequest{Rate: 44100, Channels: 2})
	require.NoError(t, err)

	_, err = out.Write(silenceBytes(outPeriodSize))
	require.NoError(t, err)
	assert.Equal(t, outPeriodSize*outShortPeriodCount, out.curWriteThreshold, "snaps on leaving standby")

	// Screen off with no capture selects the long regime; the live
	// threshold walks to the new target in quarter-period steps.
	d.SetScreenState(false)

	want := outPeriodSize * outShortPeriodCount
	target := outPeriodSize * outLongPeriodCount
	for want < target {
		_, err = out.Write(silenceBytes(outPeriodSize))
		require.NoError(t, err)
		want += outPeriodSize / 4
		if want > target {
			want = target
		}
		assert.Equal(t, want, out.curWriteThreshold)
	}
	assert.Equal(t, target, out.writeThreshold)
}

func TestDepletedBufferResetsThreshold(t *testing.T) {
	d, opener, _ := newTestDevice(t)

	out, err := d.OpenOutputStream(StreamRequest{Rate: 44100, Channels: 2})
	require.NoError(t, err)
	d.SetScreenState(false)

	// Converge onto the long-regime target.
	for i := 0; i < 12; i++ {
		_, err = out.Write(silenceBytes(outPeriodSize))
		require.NoError(t, err)
	}
	require.Equal(t, outPeriodSize*outLongPeriodCount, out.curWriteThreshold)

	// Leave only 100 frames in the kernel buffer, far below the target.
	fd := opener.lastPlayback()
	fd.setAvail(fd.BufferSizeFrames() - 100)

	_, err = out.Write(silenceBytes(outPeriodSize))
	require.NoError(t, err)

	// (100/1024 + 1) * 1024 + 256
	assert.Equal(t, outPeriodSize+outPeriodSize/4, out.curWriteThreshold)
}

func TestPresentationPosition(t *testing.T) {
	d, opener, _ := newTestDevice(t)

	out, err := d.OpenOutputStream(StreamRequest{Rate: 44100, Channels: 2})
	require.NoError(t, err)

	_, _, err = out.PresentationPosition()
	assert.ErrorIs(t, err, ErrNotReady, "standby stream has no position")

	_, err = out.Write(silenceBytes(outPeriodSize))
	require.NoError(t, err)

	fd := opener.lastPlayback()
	fd.setAvail(2000)
	out.mu.Lock()
	out.written = 10000
	out.mu.Unlock()

	frames, ts, err := out.PresentationPosition()
	require.NoError(t, err)
	assert.Equal(t, uint64(10000-4096+2000), frames)
	assert.False(t, ts.IsZero())

	out.mu.Lock()
	out.written = 1000
	out.mu.Unlock()

	_, _, err = out.PresentationPosition()
	assert.ErrorIs(t, err, ErrPositionUnavailable, "never reported negative")
}

func TestSetRoutingForcesStandby(t *testing.T) {
	d, _, router := newTestDevice(t)

	out, err := d.OpenOutputStream(StreamRequest{Rate: 44100, Channels: 2})
	require.NoError(t, err)
	out.SetRouting(mixer.OutSpeaker)

	_, err = out.Write(silenceBytes(outPeriodSize))
	require.NoError(t, err)
	require.False(t, out.standby.Load())

	out.SetRouting(mixer.OutWiredHeadphone)
	assert.True(t, out.standby.Load(), "routing change cycles the stream")
	assert.Equal(t, mixer.OutWiredHeadphone, d.OutputRouting())

	// The next write reopens and routes with the new mask.
	_, err = out.Write(silenceBytes(outPeriodSize))
	require.NoError(t, err)
	assert.Equal(t, mixer.OutWiredHeadphone, router.lastRouting()[0])
}

func TestSetRoutingIgnoresZeroAndUnchanged(t *testing.T) {
	d, _, _ := newTestDevice(t)

	out, err := d.OpenOutputStream(StreamRequest{Rate: 44100, Channels: 2})
	require.NoError(t, err)
	out.SetRouting(mixer.OutSpeaker)

	_, err = out.Write(silenceBytes(outPeriodSize))
	require.NoError(t, err)

	out.SetRouting(0)
	assert.False(t, out.standby.Load())
	assert.Equal(t, mixer.OutSpeaker, d.OutputRouting())

	out.SetRouting(mixer.OutSpeaker)
	assert.False(t, out.standby.Load(), "same mask does not cycle the stream")
}

func TestSetRoutingInCallKeepsStreamLive(t *testing.T) {
	d, _, _ := newTestDevice(t)
	d.SetMode(ModeInCall)

	out, err := d.OpenOutputStream(StreamRequest{Rate: 44100, Channels: 2})
	require.NoError(t, err)

	_, err = out.Write(silenceBytes(outPeriodSize))
	require.NoError(t, err)

	out.SetRouting(mixer.OutWiredHeadphone)
	assert.False(t, out.standby.Load())
	assert.Equal(t, mixer.OutWiredHeadphone, d.OutputRouting())
}
