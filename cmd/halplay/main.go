package main

import (
	"errors"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/go-audio/wav"
	"github.com/spf13/viper"
	"github.com/visi0nary/audiohal/internal/config"
	"github.com/visi0nary/audiohal/internal/hal"
	"github.com/visi0nary/audiohal/pkg/mixer"
	"github.com/visi0nary/audiohal/pkg/pcm"
)

func main() {
	configFilePath := flag.String("configFilePath", "config.yaml", "Set the file path to the config file.")
	audioFilePath := flag.String("audioFile", "", "WAV file to play.")
	recordFilePath := flag.String("recordFile", "playback_out.wav", "Destination WAV when the file backend is selected.")
	flag.Parse()

	config.LoadConfig(*configFilePath)
	logFilePointer, err := config.ConfigureDefaultLogger(viper.GetString("loglevel"), viper.GetString("logfile"))
	if err != nil {
		slog.Error("error configuring logger", "err", err)
		panic(err)
	}
	if logFilePointer != nil {
		defer logFilePointer.Close()
	}

	if *audioFilePath == "" {
		slog.Error("no audio file given, use -audioFile")
		os.Exit(1)
	}

	// --------------------------------------------------------------------------------

	samples, rate, channels, err := loadWAV(*audioFilePath)
	if err != nil {
		slog.Error("error loading audio file", "audioFile", *audioFilePath, "err", err)
		panic(err)
	}
	if channels == 1 {
		samples = monoToStereo(samples)
		channels = 2
	}
	slog.Info("loaded audio file",
		"audioFile", *audioFilePath,
		"rate", rate,
		"channels", channels,
		"frames", len(samples)/channels,
	)

	// --------------------------------------------------------------------------------

	opener := selectBackend(*recordFilePath)
	router := mixer.NewPathRouter(mixer.StubOpener{})
	dev := hal.NewDevice(opener, router, config.Tunables())

	out, err := dev.OpenOutputStream(hal.StreamRequest{Rate: rate, Channels: channels})
	if err != nil {
		slog.Error("error opening output stream", "err", err)
		panic(err)
	}
	defer out.Close()
	out.SetRouting(mixer.OutSpeaker)

	slog.Info("output stream ready",
		"bufferSize", out.BufferSize(),
		"latency", out.Latency(),
	)

	// --------------------------------------------------------------------------------

	buf := make([]byte, out.BufferSize())
	frameSize := channels * 2
	data := encodeLE(samples)

	lastReport := time.Now()
	for off := 0; off < len(data); {
		n := len(buf)
		if rem := len(data) - off; rem < n {
			// Keep whole frames only.
			n = rem - rem%frameSize
			if n == 0 {
				break
			}
		}
		_, err := out.Write(data[off : off+n])
		if errors.Is(err, hal.ErrUnderrun) {
			slog.Warn("playback underrun, continuing")
		} else if err != nil {
			slog.Error("error writing to output stream", "err", err)
			panic(err)
		}
		off += n

		if time.Since(lastReport) >= time.Second {
			lastReport = time.Now()
			frames, at, err := out.PresentationPosition()
			if err != nil {
				slog.Debug("presentation position unavailable", "err", err)
				continue
			}
			slog.Info("presentation position", "frames", frames, "at", at)
		}
	}

	out.Standby()
	slog.Info("playback finished")
}

func selectBackend(recordFilePath string) pcm.Opener {
	backend := viper.GetString("backend")
	switch backend {
	case "malgo":
		return &pcm.MalgoOpener{}
	case "file":
		return &pcm.FileOpener{PlaybackPath: recordFilePath}
	case "loopback":
		return &pcm.LoopbackOpener{}
	default:
		slog.Error("unknown backend", "backend", backend)
		panic("unknown backend " + backend)
	}
}

func loadWAV(path string) (samples []int16, rate, channels int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	pcmBuf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, err
	}

	samples = make([]int16, len(pcmBuf.Data))
	for i, s := range pcmBuf.Data {
		samples[i] = int16(s)
	}
	return samples, pcmBuf.Format.SampleRate, pcmBuf.Format.NumChannels, nil
}

func monoToStereo(mono []int16) []int16 {
	stereo := make([]int16, len(mono)*2)
	for i, s := range mono {
		stereo[2*i] = s
		stereo[2*i+1] = s
	}
	return stereo
}

func encodeLE(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[2*i] = byte(uint16(s))
		data[2*i+1] = byte(uint16(s) >> 8)
	}
	return data
}
