/*
Package otp covers the one-time-password application: its status block and
the integrity check over slot configuration writes.

The application does not acknowledge configuration writes explicitly.
Instead its status block carries a programming sequence counter that the
token bumps on every applied write, and the only way to know a write took
effect is to compare the counter across the exchange. The SequenceIntegrity
transform automates that comparison for every slot-configure command going
through the pipeline.
*/
package otp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Validity bits of the touch level field.
const (
	configSlot1Valid = 0x01
	configSlot2Valid = 0x02
)

// ErrWriteNotApplied reports a configuration write the token answered
// without actually committing: the programming sequence did not move the
// way an applied write moves it.
var ErrWriteNotApplied = errors.New("slot configuration not applied by the token")

// Version is the application's firmware version.
type Version struct {
	Major, Minor, Patch byte
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Status is the application status block, returned on application selection
// and echoed after every configuration write.
type Status struct {
	Version    Version
	Sequence   byte   // programming sequence counter
	TouchLevel uint16 // touch detection level; low bits carry slot validity
}

// ParseStatus decodes a status block: three version bytes, the programming
// sequence and the little-endian touch level.
func ParseStatus(data []byte) (Status, error) {
	if len(data) < 6 {
		return Status{}, fmt.Errorf("status block too short: %d bytes", len(data))
	}

	return Status{
		Version:    Version{Major: data[0], Minor: data[1], Patch: data[2]},
		Sequence:   data[3],
		TouchLevel: binary.LittleEndian.Uint16(data[4:6]),
	}, nil
}

// ConfigState projects the status onto what the integrity check needs.
func (s Status) ConfigState() ConfigState {
	return ConfigState{
		Sequence:        s.Sequence,
		SlotsConfigured: s.TouchLevel&(configSlot1Valid|configSlot2Valid) != 0,
	}
}

// ConfigState is the configuration-relevant projection of the status block.
type ConfigState struct {
	Sequence        byte
	SlotsConfigured bool
}

// Transition classifies how the programming sequence moved across a write.
type Transition int

const (
	// TransitionInvalid means the sequence moved in a way no applied write
	// produces: the write must be treated as not applied.
	TransitionInvalid Transition = iota

	// TransitionIncrement is the ordinary applied write: the sequence
	// advanced by exactly one without wrapping.
	TransitionIncrement

	// TransitionReset is the deletion of the last configured slot: the
	// sequence returns to zero and no slot remains configured.
	TransitionReset
)

func (t Transition) String() string {
	switch t {
	case TransitionIncrement:
		return "increment"
	case TransitionReset:
		return "reset"
	default:
		return "invalid"
	}
}

// Classify determines the transition between the states observed before and
// after a configuration write.
func Classify(before, after ConfigState) Transition {
	switch {
	case after.Sequence == before.Sequence+1 && after.Sequence != 0:
		return TransitionIncrement
	case after.Sequence == 0 && before.Sequence != 0 && !after.SlotsConfigured:
		return TransitionReset
	default:
		return TransitionInvalid
	}
}
