package pcm

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/google/uuid"
)

// MalgoOpener opens real soundcard devices through miniaudio. The malgo
// callback model is adapted to the blocking period transfers the HAL
// expects: a channel of byte chunks sits between the caller and the audio
// thread, sized to the configured ring buffer.
type MalgoOpener struct{}

func (o *MalgoOpener) Open(dir Direction, cfg Config) (Device, error) {
	id := uuid.New()
	logger := slog.Default().With(
		"malgo device uuid", id,
		"direction", dir.String(),
	)

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		logger.Error("failed to init malgo context", "err", err)
		return nil, fmt.Errorf("pcm: init malgo context: %w", err)
	}

	d := &malgoDevice{
		dir:    dir,
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		chunks: make(chan []byte, cfg.PeriodCount*2),
		done:   make(chan struct{}),
	}

	var deviceConfig malgo.DeviceConfig
	if dir == Playback {
		deviceConfig = malgo.DefaultDeviceConfig(malgo.Playback)
		deviceConfig.Playback.Format = malgo.FormatS16
		deviceConfig.Playback.Channels = uint32(cfg.Channels)
	} else {
		deviceConfig = malgo.DefaultDeviceConfig(malgo.Capture)
		deviceConfig.Capture.Format = malgo.FormatS16
		deviceConfig.Capture.Channels = uint32(cfg.Channels)
	}
	deviceConfig.SampleRate = uint32(cfg.Rate)
	deviceConfig.PeriodSizeInFrames = uint32(cfg.PeriodSize)
	deviceConfig.Periods = uint32(cfg.PeriodCount)
	deviceConfig.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{Data: d.onData}
	dev, err := malgo.InitDevice(ctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		logger.Error("failed to init malgo device", "err", err)
		return nil, fmt.Errorf("pcm: init malgo device: %w", err)
	}
	d.device = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		logger.Error("failed to start malgo device", "err", err)
		return nil, fmt.Errorf("pcm: start malgo device: %w", err)
	}

	logger.Debug(
		"opened malgo device",
		"rate", cfg.Rate,
		"channels", cfg.Channels,
		"periodSize", cfg.PeriodSize,
		"periodCount", cfg.PeriodCount,
	)
	return d, nil
}

type malgoDevice struct {
	dir    Direction
	cfg    Config
	logger *slog.Logger

	ctx    *malgo.AllocatedContext
	device *malgo.Device

	chunks  chan []byte
	pending []byte // audio-thread side partial chunk
	done    chan struct{}

	queued   atomic.Int64 // frames buffered between caller and audio thread
	started  atomic.Bool
	underrun atomic.Bool

	closeOnce sync.Once
	writeMu   sync.Mutex
	readMu    sync.Mutex
	leftover  []byte // caller-side partial chunk, capture only
}

// onData runs on the audio thread.
func (d *malgoDevice) onData(outputSamples, inputSamples []byte, frameCount uint32) {
	switch d.dir {
	case Playback:
		filled := 0
		for filled < len(outputSamples) {
			if len(d.pending) == 0 {
				select {
				case d.pending = <-d.chunks:
				default:
					// Nothing buffered: play silence and remember the xrun.
					for i := filled; i < len(outputSamples); i++ {
						outputSamples[i] = 0
					}
					if d.started.Load() {
						d.underrun.Store(true)
					}
					return
				}
			}
			n := copy(outputSamples[filled:], d.pending)
			d.pending = d.pending[n:]
			filled += n
			d.queued.Add(-int64(n / d.cfg.BytesPerFrame()))
		}
	default:
		chunk := make([]byte, len(inputSamples))
		copy(chunk, inputSamples)
		select {
		case d.chunks <- chunk:
			d.queued.Add(int64(frameCount))
		default:
			d.logger.Warn("capture buffer full, dropping frames", "frames", frameCount)
		}
	}
}

func (d *malgoDevice) WriteFrames(buf []int16) error {
	if d.dir != Playback {
		return fmt.Errorf("pcm: write on %s device", d.dir)
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	select {
	case <-d.done:
		return ErrClosed
	default:
	}

	if d.underrun.Swap(false) {
		d.started.Store(false)
		return ErrUnderrun
	}

	frames := len(buf) / d.cfg.Channels
	bufferSize := int64(d.cfg.BufferSizeFrames())
	for d.queued.Load()+int64(frames) > bufferSize {
		// Backpressure: wait for the audio thread to drain a period.
		periodDur := time.Duration(d.cfg.PeriodSize) * time.Second / time.Duration(d.cfg.Rate)
		select {
		case <-d.done:
			return ErrClosed
		case <-time.After(periodDur / 2):
		}
	}

	chunk := make([]byte, len(buf)*2)
	for i, s := range buf {
		binary.LittleEndian.PutUint16(chunk[i*2:], uint16(s))
	}
	select {
	case d.chunks <- chunk:
		d.queued.Add(int64(frames))
		d.started.Store(true)
	case <-d.done:
		return ErrClosed
	}
	return nil
}

func (d *malgoDevice) ReadFrames(buf []int16) error {
	if d.dir != Capture {
		return fmt.Errorf("pcm: read on %s device", d.dir)
	}
	d.readMu.Lock()
	defer d.readMu.Unlock()

	want := len(buf) * 2
	got := 0
	for got < want {
		if len(d.leftover) == 0 {
			select {
			case d.leftover = <-d.chunks:
			case <-d.done:
				return ErrClosed
			}
		}
		for len(d.leftover) >= 2 && got < want {
			buf[got/2] = int16(binary.LittleEndian.Uint16(d.leftover))
			d.leftover = d.leftover[2:]
			got += 2
		}
	}
	d.queued.Add(-int64(len(buf) / d.cfg.Channels))
	return nil
}

func (d *malgoDevice) Avail() (int, time.Time, error) {
	select {
	case <-d.done:
		return 0, time.Time{}, ErrClosed
	default:
	}
	now := time.Now()
	queued := int(d.queued.Load())
	if d.dir == Playback {
		return d.cfg.BufferSizeFrames() - queued, now, nil
	}
	return queued, now, nil
}

func (d *malgoDevice) BufferSizeFrames() int {
	return d.cfg.BufferSizeFrames()
}

func (d *malgoDevice) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)
		_ = d.device.Stop()
		d.device.Uninit()
		_ = d.ctx.Uninit()
		d.ctx.Free()
		d.logger.Debug("closed malgo device")
	})
	return nil
}
