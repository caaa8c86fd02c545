package otp

import (
	"fmt"

	"github.com/gregLibert/secure-token/pkg/iso7816"
	"github.com/gregLibert/secure-token/pkg/pipeline"
)

// SequenceIntegrity verifies slot-configure commands against the
// programming sequence counter. Commands of any other identity pass through
// untouched.
//
// The tracker must be primed with Observe from the status block returned by
// application selection; until then writes pass unverified, since there is
// no before-state to compare against.
type SequenceIntegrity struct {
	inner pipeline.Transform
	state ConfigState
	known bool
}

// NewSequenceIntegrity wraps inner with the configuration write check.
func NewSequenceIntegrity(inner pipeline.Transform) *SequenceIntegrity {
	return &SequenceIntegrity{inner: inner}
}

// Observe primes the tracker with an externally obtained state, typically
// parsed from the selection response.
func (s *SequenceIntegrity) Observe(state ConfigState) {
	s.state = state
	s.known = true
}

// State returns the last observed configuration state.
func (s *SequenceIntegrity) State() (ConfigState, bool) {
	return s.state, s.known
}

func (s *SequenceIntegrity) Setup() error {
	return s.inner.Setup()
}

// Invoke forwards the command and, for slot-configure commands, validates
// the sequence transition reported by the echoed status block.
func (s *SequenceIntegrity) Invoke(cmd *pipeline.Command) (*iso7816.ResponseAPDU, error) {
	resp, err := s.inner.Invoke(cmd)
	if err != nil || cmd.Type != pipeline.TypeSlotConfigure {
		return resp, err
	}
	if !resp.Status.IsSuccess() {
		return resp, nil
	}

	after, err := ParseStatus(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("configuration write response: %w", err)
	}

	if s.known && Classify(s.state, after.ConfigState()) == TransitionInvalid {
		return nil, fmt.Errorf("%w: sequence %d -> %d", ErrWriteNotApplied,
			s.state.Sequence, after.Sequence)
	}

	s.state = after.ConfigState()
	s.known = true
	return resp, nil
}

func (s *SequenceIntegrity) Cleanup() error {
	return s.inner.Cleanup()
}
