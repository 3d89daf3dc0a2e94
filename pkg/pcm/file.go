package pcm

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
)

// FileOpener opens WAV-file backed devices: capture reads frames from a WAV
// file in a loop, playback writes frames out to a WAV file. Transfers are
// paced against the configured rate with the same timing model as the
// loopback backend, so the HAL's pacing logic behaves as it would against
// hardware.
type FileOpener struct {
	// CapturePath is the WAV file capture devices read from.
	CapturePath string
	// PlaybackPath is the WAV file playback devices record into.
	PlaybackPath string
}

func (o *FileOpener) Open(dir Direction, cfg Config) (Device, error) {
	timing, err := (&LoopbackOpener{}).Open(dir, cfg)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	logger := slog.Default().With(
		"file device uuid", id,
		"direction", dir.String(),
	)

	switch dir {
	case Playback:
		if o.PlaybackPath == "" {
			timing.Close()
			return nil, errors.New("pcm: no playback path configured")
		}
		f, err := os.Create(o.PlaybackPath)
		if err != nil {
			logger.Error("could not create audio file", "audioFile", o.PlaybackPath, "err", err)
			timing.Close()
			return nil, err
		}
		enc := wav.NewEncoder(f, cfg.Rate, 16, cfg.Channels, 1)
		logger.Debug("recording playback to file", "audioFile", o.PlaybackPath, "rate", cfg.Rate, "channels", cfg.Channels)
		return &filePlaybackDevice{timing: timing, cfg: cfg, logger: logger, file: f, enc: enc}, nil

	default:
		if o.CapturePath == "" {
			timing.Close()
			return nil, errors.New("pcm: no capture path configured")
		}
		samples, err := loadWAV(o.CapturePath, cfg.Channels, logger)
		if err != nil {
			timing.Close()
			return nil, err
		}
		logger.Debug("capturing from file", "audioFile", o.CapturePath, "samples", len(samples))
		return &fileCaptureDevice{timing: timing, cfg: cfg, logger: logger, samples: samples}, nil
	}
}

// loadWAV decodes a whole WAV file into interleaved int16 samples with the
// requested channel count.
func loadWAV(path string, channels int, logger *slog.Logger) ([]int16, error) {
	f, err := os.Open(path)
	if err != nil {
		logger.Error("could not open audio file", "audioFile", path, "err", err)
		return nil, err
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		logger.Error("could not decode audio file", "audioFile", path, "err", decoder.Err())
		return nil, errors.New("pcm: invalid WAV file")
	}
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		logger.Error("could not read PCM buffer from audio file", "audioFile", path, "err", err)
		return nil, err
	}

	fileChans := int(decoder.NumChans)
	if fileChans <= 0 {
		return nil, fmt.Errorf("pcm: WAV file %s has no channels", path)
	}
	frames := len(buf.Data) / fileChans
	out := make([]int16, 0, frames*channels)
	for i := 0; i < frames; i++ {
		switch {
		case fileChans == channels:
			for c := 0; c < channels; c++ {
				out = append(out, int16(buf.Data[i*fileChans+c]))
			}
		case fileChans == 1:
			for c := 0; c < channels; c++ {
				out = append(out, int16(buf.Data[i]))
			}
		default:
			// Average down to mono, then duplicate if needed.
			sum := 0
			for c := 0; c < fileChans; c++ {
				sum += buf.Data[i*fileChans+c]
			}
			s := int16(sum / fileChans)
			for c := 0; c < channels; c++ {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

type filePlaybackDevice struct {
	timing Device
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	file   *os.File
	enc    *wav.Encoder
}

func (d *filePlaybackDevice) WriteFrames(buf []int16) error {
	if err := d.timing.WriteFrames(buf); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	ib := &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: d.cfg.Rate, NumChannels: d.cfg.Channels},
		Data:           make([]int, len(buf)),
		SourceBitDepth: 16,
	}
	for i, s := range buf {
		ib.Data[i] = int(s)
	}
	if err := d.enc.Write(ib); err != nil {
		d.logger.Error("error while writing frames to file", "err", err)
		return err
	}
	return nil
}

func (d *filePlaybackDevice) ReadFrames(buf []int16) error {
	return fmt.Errorf("pcm: read on %s device", Playback)
}

func (d *filePlaybackDevice) Avail() (int, time.Time, error) {
	return d.timing.Avail()
}

func (d *filePlaybackDevice) BufferSizeFrames() int {
	return d.cfg.BufferSizeFrames()
}

func (d *filePlaybackDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.closed = true
	d.timing.Close()
	if err := d.enc.Close(); err != nil {
		d.logger.Error("error closing encoder", "err", err)
	}
	d.file.Sync()
	return d.file.Close()
}

type fileCaptureDevice struct {
	timing Device
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	samples []int16
	pos     int
}

func (d *fileCaptureDevice) ReadFrames(buf []int16) error {
	// Pace against the capture clock first, then serve file data.
	if err := d.timing.ReadFrames(buf); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if len(d.samples) == 0 {
		return nil // timing device already zeroed the buffer
	}
	for i := range buf {
		buf[i] = d.samples[d.pos]
		d.pos++
		if d.pos == len(d.samples) {
			d.pos = 0
		}
	}
	return nil
}

func (d *fileCaptureDevice) WriteFrames(buf []int16) error {
	return fmt.Errorf("pcm: write on %s device", Capture)
}

func (d *fileCaptureDevice) Avail() (int, time.Time, error) {
	return d.timing.Avail()
}

func (d *fileCaptureDevice) BufferSizeFrames() int {
	return d.cfg.BufferSizeFrames()
}

func (d *fileCaptureDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.closed = true
	return d.timing.Close()
}
