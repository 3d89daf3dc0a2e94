package mixer

import (
	"log/slog"
)

// StubControls is a Controls implementation that only logs the writes it
// receives. Used by the demo binaries and wherever no real mixer exists.
//
// A minimal example of the Controls architecture, useful in testing.
type StubControls struct {
	logger *slog.Logger
}

// StubOpener opens StubControls handles.
type StubOpener struct{}

func (StubOpener) OpenControls() (Controls, error) {
	return &StubControls{logger: slog.Default().With("component", "stub mixer")}, nil
}

func (c *StubControls) SetEnum(ctl, value string) error {
	c.logger.Debug("mixer control write", "ctl", ctl, "value", value)
	return nil
}

func (c *StubControls) Close() error {
	return nil
}
