package main

import (
	"flag"
	"log/slog"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/viper"
	"github.com/visi0nary/audiohal/internal/config"
	"github.com/visi0nary/audiohal/internal/hal"
	"github.com/visi0nary/audiohal/pkg/mixer"
	"github.com/visi0nary/audiohal/pkg/pcm"
)

func main() {
	configFilePath := flag.String("configFilePath", "config.yaml", "Set the file path to the config file.")
	outFilePath := flag.String("outFile", "capture.wav", "Destination WAV file.")
	sourceFilePath := flag.String("sourceFile", "", "WAV file the file backend captures from.")
	rate := flag.Int("rate", 44100, "Capture sample rate.")
	seconds := flag.Int("seconds", 5, "Capture duration in seconds.")
	lowLatency := flag.Bool("lowLatency", false, "Request the low-latency capture configuration.")
	source := flag.String("source", "mic", "Capture use case: mic, camcorder or voicerec.")
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

	// --------------------------------------------------------------------------------

	opener := selectBackend(*sourceFilePath)
	router := mixer.NewPathRouter(mixer.StubOpener{})
	dev := hal.NewDevice(opener, router, config.Tunables())

	in, err := dev.OpenInputStream(hal.StreamRequest{Rate: *rate, Channels: 1}, *lowLatency)
	if err != nil {
		slog.Error("error opening input stream", "err", err)
		panic(err)
	}
	defer in.Close()

	in.SetRouting(mixer.InBuiltinMic)
	in.SetSource(captureSource(*source))

	slog.Info("input stream ready",
		"rate", in.SampleRate(),
		"bufferSize", in.BufferSize(),
		"suggested", dev.InputBufferSize(*rate, 1),
	)

	// --------------------------------------------------------------------------------

	buf := make([]byte, in.BufferSize())
	wantFrames := *rate * *seconds
	captured := make([]int, 0, wantFrames)

	start := time.Now()
	for len(captured) < wantFrames {
		n, err := in.Read(buf)
		if err != nil {
			slog.Error("error reading from input stream", "err", err)
			panic(err)
		}
		for i := 0; i+1 < n; i += 2 {
			s := int16(uint16(buf[i]) | uint16(buf[i+1])<<8)
			captured = append(captured, int(s))
		}
	}
	in.Standby()
	slog.Info("capture finished", "frames", len(captured), "elapsed", time.Since(start))

	// --------------------------------------------------------------------------------

	if err := writeWAV(*outFilePath, captured, *rate); err != nil {
		slog.Error("error writing capture file", "outFile", *outFilePath, "err", err)
		panic(err)
	}
	slog.Info("capture saved", "outFile", *outFilePath, "seconds", *seconds)
}

func selectBackend(sourceFilePath string) pcm.Opener {
	backend := viper.GetString("backend")
	switch backend {
	case "malgo":
		return &pcm.MalgoOpener{}
	case "file":
		return &pcm.FileOpener{CapturePath: sourceFilePath}
	case "loopback":
		// 440Hz test tone on capture.
		return &pcm.LoopbackOpener{ToneHz: 440}
	default:
		slog.Error("unknown backend", "backend", backend)
		panic("unknown backend " + backend)
	}
}

func captureSource(name string) mixer.Source {
	switch name {
	case "camcorder":
		return mixer.SourceCamcorder
	case "voicerec":
		return mixer.SourceVoiceRecognition
	default:
		return mixer.SourceMic
	}
}

func writeWAV(path string, samples []int, rate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	pcmBuf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(pcmBuf); err != nil {
		return err
	}
	return enc.Close()
}
