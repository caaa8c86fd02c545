package session

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregLibert/secure-token/pkg/iso7816"
	"github.com/gregLibert/secure-token/pkg/keyentry"
	"github.com/gregLibert/secure-token/pkg/otp"
)

const maxRetries = 3

// fakeToken emulates a minimal OTP applet: selection answers the status
// block, verification counts retries down, slot writes bump the sequence.
type fakeToken struct {
	pin       []byte
	retries   int
	sequence  byte
	slots     uint16
	dropWrite bool // acknowledge configuration writes without applying them
}

func newFakeToken() *fakeToken {
	return &fakeToken{pin: []byte("123456"), retries: maxRetries}
}

func (c *fakeToken) status() []byte {
	return []byte{5, 7, 1, c.sequence, byte(c.slots), byte(c.slots >> 8), 0x90, 0x00}
}

func (c *fakeToken) Transmit(raw []byte) ([]byte, error) {
	var data []byte
	if len(raw) > 5 {
		data = raw[5 : 5+int(raw[4])]
	}

	switch iso7816.Instruction(raw[1]) {
	case iso7816.InsSelect:
		return c.status(), nil

	case iso7816.InsVerify:
		if bytes.Equal(trimPIN(data), c.pin) {
			c.retries = maxRetries
			return []byte{0x90, 0x00}, nil
		}
		c.retries--
		if c.retries <= 0 {
			return []byte{0x69, 0x83}, nil
		}
		return []byte{0x63, 0xC0 | byte(c.retries)}, nil

	case iso7816.InsChangeReferenceData:
		if len(data) != 16 || !bytes.Equal(trimPIN(data[:8]), c.pin) {
			c.retries--
			return []byte{0x63, 0xC0 | byte(c.retries)}, nil
		}
		c.pin = trimPIN(data[8:])
		c.retries = maxRetries
		return []byte{0x90, 0x00}, nil

	case iso7816.InsSlotConfigure:
		if !c.dropWrite {
			c.sequence++
			c.slots |= 0x0001
		}
		return c.status(), nil

	default:
		return []byte{0x90, 0x00}, nil
	}
}

func trimPIN(padded []byte) []byte {
	return bytes.TrimRight(padded, "\xFF")
}

func newSession(t *testing.T, card *fakeToken) *Session {
	t.Helper()
	s, err := New(card)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestSelectPrimesSequenceTracker(t *testing.T) {
	card := newFakeToken()
	card.sequence = 4
	card.slots = 0x0001
	s := newSession(t, card)

	resp, err := s.Select(iso7816.AidOTP)
	require.NoError(t, err)
	require.Equal(t, iso7816.SWNoError, resp.Status)

	state, known := s.sequence.State()
	require.True(t, known)
	assert.Equal(t, byte(4), state.Sequence)
	assert.True(t, state.SlotsConfigured)
}

func TestConfigureSlot(t *testing.T) {
	card := newFakeToken()
	s := newSession(t, card)

	_, err := s.Select(iso7816.AidOTP)
	require.NoError(t, err)

	resp, err := s.ConfigureSlot(0x01, make([]byte, 52))
	require.NoError(t, err)
	assert.Equal(t, iso7816.SWNoError, resp.Status)

	state, _ := s.sequence.State()
	assert.Equal(t, byte(1), state.Sequence)
}

func TestConfigureSlotSilentlyDropped(t *testing.T) {
	card := newFakeToken()
	s := newSession(t, card)

	_, err := s.Select(iso7816.AidOTP)
	require.NoError(t, err)

	card.dropWrite = true
	_, err = s.ConfigureSlot(0x01, make([]byte, 52))
	require.ErrorIs(t, err, otp.ErrWriteNotApplied)
}

func TestVerifyPIN(t *testing.T) {
	s := newSession(t, newFakeToken())

	err := s.VerifyPIN(0x80, keyentry.Static([]byte("123456"), nil))
	require.NoError(t, err)
}

func TestVerifyPIN_RetryWithCorrectedPIN(t *testing.T) {
	s := newSession(t, newFakeToken())

	var requests []keyentry.Request
	attempt := 0
	collector := func(req keyentry.Request) (keyentry.Material, bool) {
		if req.Kind == keyentry.KindRelease {
			return keyentry.Material{}, true
		}
		requests = append(requests, req)
		attempt++
		if attempt == 1 {
			return keyentry.Material{Primary: []byte("000000")}, true
		}
		return keyentry.Material{Primary: []byte("123456")}, true
	}

	require.NoError(t, s.VerifyPIN(0x80, collector))

	require.Len(t, requests, 2)
	assert.False(t, requests[0].IsRetry)
	assert.Equal(t, -1, requests[0].RetriesRemaining)
	assert.True(t, requests[1].IsRetry)
	assert.Equal(t, maxRetries-1, requests[1].RetriesRemaining)
}

func TestVerifyPIN_Refused(t *testing.T) {
	s := newSession(t, newFakeToken())

	err := s.VerifyPIN(0x80, keyentry.Refuse())
	require.ErrorIs(t, err, ErrKeyEntryRefused)
}

func TestVerifyPIN_Blocked(t *testing.T) {
	s := newSession(t, newFakeToken())

	err := s.VerifyPIN(0x80, keyentry.Static([]byte("000000"), nil))

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 0, authErr.Retries)
}

func TestChangePIN(t *testing.T) {
	card := newFakeToken()
	s := newSession(t, card)

	err := s.ChangePIN(0x80, keyentry.Static([]byte("123456"), []byte("654321")))
	require.NoError(t, err)
	assert.Equal(t, []byte("654321"), card.pin)

	require.NoError(t, s.VerifyPIN(0x80, keyentry.Static([]byte("654321"), nil)))
}

func TestPadPIN(t *testing.T) {
	padded, err := padPIN([]byte("1234"))
	require.NoError(t, err)
	assert.Equal(t, []byte{'1', '2', '3', '4', 0xFF, 0xFF, 0xFF, 0xFF}, padded)

	_, err = padPIN(nil)
	assert.Error(t, err)
	_, err = padPIN(bytes.Repeat([]byte{'1'}, 9))
	assert.Error(t, err)
}

func TestEstablishWithoutChannel(t *testing.T) {
	s := newSession(t, newFakeToken())

	require.NoError(t, s.Establish())
	assert.Nil(t, s.Channel())
}

func TestTraceRecordsExchanges(t *testing.T) {
	s := newSession(t, newFakeToken())

	_, err := s.Select(iso7816.AidOTP)
	require.NoError(t, err)

	trace := s.Trace()
	require.NotEmpty(t, trace)
	assert.True(t, trace.IsSuccess())
}
