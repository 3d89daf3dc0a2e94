// Package mixer applies physical routing decisions to hardware mixer
// controls. The HAL core decides *what* is routed (device masks, input
// source); this package knows *how* that maps onto the soundcard's enum
// controls.
package mixer

// RouteMask is a bit mask of physical endpoints. Output and input bits live
// in the same mask space but are never mixed in one value.
type RouteMask uint32

const (
	OutSpeaker RouteMask = 1 << iota
	OutWiredHeadset
	OutWiredHeadphone

	InBuiltinMic
	InWiredHeadsetMic
	InBluetoothScoMic
)

// RouteNone is the empty routing decision.
const RouteNone RouteMask = 0

// Source selects the capture use case, which picks the mixer's input-source
// preset.
type Source int

const (
	SourceDefault Source = iota
	SourceMic
	SourceVoiceCommunication
	SourceCamcorder
	SourceVoiceRecognition
	SourceVoiceUplink
	SourceVoiceDownlink
	SourceVoiceCall
)

// Controls is an open handle on the hardware mixer. Implementations write
// enum-valued controls by name, the way a tinyalsa mixer does.
type Controls interface {
	SetEnum(ctl, value string) error
	Close() error
}

// ControlsOpener opens a fresh Controls handle. The router opens one per
// routing application and closes it immediately after, so no mixer handle
// stays open between routing changes.
type ControlsOpener interface {
	OpenControls() (Controls, error)
}
