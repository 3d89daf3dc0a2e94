package pcm

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LoopbackOpener opens software devices that model hardware timing without
// touching a soundcard. Playback drains a simulated ring buffer at the
// configured rate; capture produces frames paced at the configured rate,
// either silence or a test tone.
//
// Useful as a demo backend and wherever real hardware is unavailable.
type LoopbackOpener struct {
	// ToneHz, when non-zero, makes capture devices produce a sine tone at
	// the given frequency instead of silence.
	ToneHz float64
}

func (o *LoopbackOpener) Open(dir Direction, cfg Config) (Device, error) {
	if cfg.Channels <= 0 || cfg.Rate <= 0 || cfg.PeriodSize <= 0 || cfg.PeriodCount <= 0 {
		return nil, fmt.Errorf("pcm: invalid loopback config %+v", cfg)
	}

	id := uuid.New()
	logger := slog.Default().With(
		"loopback device uuid", id,
		"direction", dir.String(),
	)
	logger.Debug(
		"opened loopback device",
		"rate", cfg.Rate,
		"channels", cfg.Channels,
		"periodSize", cfg.PeriodSize,
		"periodCount", cfg.PeriodCount,
	)

	d := &loopbackDevice{
		dir:    dir,
		cfg:    cfg,
		logger: logger,
		toneHz: o.ToneHz,
		opened: time.Now(),
	}
	d.lastDrain = d.opened
	return d, nil
}

// loopbackDevice models both directions with a frame-counting clock.
//
// Playback: occupancy counts frames written but not yet "played"; it drains
// continuously at cfg.Rate. Capture: the device "captures" continuously at
// cfg.Rate from the moment it is opened; ReadFrames blocks until the
// requested frames have accumulated.
type loopbackDevice struct {
	dir    Direction
	cfg    Config
	logger *slog.Logger
	toneHz float64

	mu        sync.Mutex
	closed    bool
	opened    time.Time
	lastDrain time.Time
	occupancy int  // playback only, frames
	started   bool // playback: reached start threshold at least once
	consumed  int64 // capture only, frames handed out so far
	phase     float64
}

// drainLocked advances the playback clock, consuming occupancy for the time
// elapsed since the last drain.
func (d *loopbackDevice) drainLocked(now time.Time) {
	if !d.started {
		d.lastDrain = now
		return
	}
	elapsed := now.Sub(d.lastDrain)
	played := int(elapsed.Seconds() * float64(d.cfg.Rate))
	if played <= 0 {
		return
	}
	d.lastDrain = now
	d.occupancy -= played
	if d.occupancy < 0 {
		d.occupancy = 0
	}
}

func (d *loopbackDevice) WriteFrames(buf []int16) error {
	if d.dir != Playback {
		return fmt.Errorf("pcm: write on %s device", d.dir)
	}
	frames := len(buf) / d.cfg.Channels

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.drainLocked(time.Now())

	if d.started && d.occupancy == 0 {
		// Ran dry since the last write. NORESTART semantics: surface the
		// xrun once, then behave as freshly prepared.
		d.started = false
		d.mu.Unlock()
		return ErrUnderrun
	}

	bufferSize := d.cfg.BufferSizeFrames()
	for d.occupancy+frames > bufferSize {
		// Block the way a real driver does: wait for enough space.
		excess := d.occupancy + frames - bufferSize
		wait := time.Duration(float64(excess) / float64(d.cfg.Rate) * float64(time.Second))
		d.mu.Unlock()
		time.Sleep(wait)
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return ErrClosed
		}
		d.drainLocked(time.Now())
	}

	d.occupancy += frames
	start := d.cfg.StartThreshold
	if start == 0 {
		start = d.cfg.PeriodSize
	}
	if !d.started && d.occupancy >= start {
		d.started = true
		d.lastDrain = time.Now()
	}
	d.mu.Unlock()
	return nil
}

func (d *loopbackDevice) ReadFrames(buf []int16) error {
	if d.dir != Capture {
		return fmt.Errorf("pcm: read on %s device", d.dir)
	}
	frames := len(buf) / d.cfg.Channels

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}

	// Wait until the requested frames have been "captured".
	ready := d.consumed + int64(frames)
	deadline := d.opened.Add(time.Duration(float64(ready) / float64(d.cfg.Rate) * float64(time.Second)))
	if wait := time.Until(deadline); wait > 0 {
		d.mu.Unlock()
		time.Sleep(wait)
		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			return ErrClosed
		}
	}
	d.consumed += int64(frames)

	if d.toneHz > 0 {
		step := 2 * math.Pi * d.toneHz / float64(d.cfg.Rate)
		for i := 0; i < frames; i++ {
			s := int16(math.Sin(d.phase) * 0.5 * math.MaxInt16)
			for c := 0; c < d.cfg.Channels; c++ {
				buf[i*d.cfg.Channels+c] = s
			}
			d.phase += step
			if d.phase >= 2*math.Pi {
				d.phase -= 2 * math.Pi
			}
		}
	} else {
		for i := range buf {
			buf[i] = 0
		}
	}
	d.mu.Unlock()
	return nil
}

func (d *loopbackDevice) Avail() (int, time.Time, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, time.Time{}, ErrClosed
	}
	now := time.Now()
	switch d.dir {
	case Playback:
		d.drainLocked(now)
		return d.cfg.BufferSizeFrames() - d.occupancy, now, nil
	default:
		captured := int64(now.Sub(d.opened).Seconds() * float64(d.cfg.Rate))
		pending := captured - d.consumed
		if pending < 0 {
			pending = 0
		}
		if limit := int64(d.cfg.BufferSizeFrames()); pending > limit {
			pending = limit
		}
		return int(pending), now, nil
	}
}

func (d *loopbackDevice) BufferSizeFrames() int {
	return d.cfg.BufferSizeFrames()
}

func (d *loopbackDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.closed = true
	d.logger.Debug("closed loopback device")
	return nil
}
