package mixer

import (
	"log/slog"
)

// Mixer control names and values for the Tegra codec path.
const (
	playbackPathCtl = "Playback Path"
	captureMicCtl   = "Capture MIC Path"
	inputSourceCtl  = "Input Source"
)

// PathRouter resolves routing masks into mixer paths and writes them to the
// hardware controls.
type PathRouter struct {
	opener ControlsOpener
	logger *slog.Logger
}

func NewPathRouter(opener ControlsOpener) *PathRouter {
	return &PathRouter{
		opener: opener,
		logger: slog.Default().With("component", "mixer router"),
	}
}

// ApplyRouting writes the playback and capture paths implied by the given
// masks. Resolution priority matches the codec's expectations: combined
// speaker+headphone wins over either alone, the headset (with mic) variant
// wins over plain headphones, and the main mic wins over headset and
// bluetooth mics.
func (r *PathRouter) ApplyRouting(out, in RouteMask) error {
	ctls, err := r.opener.OpenControls()
	if err != nil {
		r.logger.Error("cannot open mixer", "err", err)
		return err
	}
	defer ctls.Close()

	headphoneOn := out&(OutWiredHeadset|OutWiredHeadphone) != 0
	headsetOn := out&OutWiredHeadset != 0
	speakerOn := out&OutSpeaker != 0
	mainMicOn := in&InBuiltinMic != 0
	headsetMicOn := in&InWiredHeadsetMic != 0
	btScoOn := in&InBluetoothScoMic != 0

	switch {
	case speakerOn && headphoneOn:
		err = ctls.SetEnum(playbackPathCtl, "SPK_HP")
	case speakerOn:
		err = ctls.SetEnum(playbackPathCtl, "SPK")
	case headsetOn:
		err = ctls.SetEnum(playbackPathCtl, "HP_NO_MIC")
	case headphoneOn:
		err = ctls.SetEnum(playbackPathCtl, "HP")
	}
	if err != nil {
		r.logger.Error("cannot set playback path", "err", err)
		return err
	}

	switch {
	case mainMicOn:
		err = ctls.SetEnum(captureMicCtl, "Main Mic")
	case headsetMicOn:
		err = ctls.SetEnum(captureMicCtl, "Hands Free Mic")
	case btScoOn:
		err = ctls.SetEnum(captureMicCtl, "BT Sco Mic")
	default:
		err = ctls.SetEnum(captureMicCtl, "MIC OFF")
	}
	if err != nil {
		r.logger.Error("cannot set capture mic path", "err", err)
		return err
	}

	r.logger.Debug(
		"applied routing",
		"headphone", headphoneOn,
		"speaker", speakerOn,
		"mainMic", mainMicOn,
		"headsetMic", headsetMicOn,
	)
	return nil
}

// ApplyInputSource writes the input-source preset for the given capture use
// case. Voice call legs share the default preset.
func (r *PathRouter) ApplyInputSource(src Source) error {
	ctls, err := r.opener.OpenControls()
	if err != nil {
		r.logger.Error("cannot open mixer", "err", err)
		return err
	}
	defer ctls.Close()

	var name string
	switch src {
	case SourceCamcorder:
		name = "Camcorder"
	case SourceVoiceRecognition:
		name = "Voice Recognition"
	default:
		name = "Default"
	}

	if err := ctls.SetEnum(inputSourceCtl, name); err != nil {
		r.logger.Error("cannot set input source", "err", err, "source", name)
		return err
	}
	r.logger.Debug("applied input source", "source", name)
	return nil
}
