/*
Package keyentry defines the callback contract through which the protocol
layers obtain PINs, passwords and keys on demand, without ever persisting
them.

A Collector is supplied by the caller and receives a typed, immutable
Request. It answers with the requested material, or refuses by returning
ok=false — refusal is ordinary control flow, not an error. The protocol
layers never inspect the returned buffers beyond length constraints imposed
by the secure channel's cipher block size, and they call the collector with
KindRelease once the material has been used so cached buffers can be wiped.

Collectors are never shared across goroutines: each logical session owns its
collector, matching the pipeline's single-threaded model.
*/
package keyentry

// Kind identifies what a Request asks the collector for.
type Kind int

const (
	// KindVerifyPassword asks for the current password or PIN. One buffer
	// is expected in the answer.
	KindVerifyPassword Kind = iota

	// KindSetPassword asks for a password change. Two buffers are
	// expected: the current value and the new one.
	KindSetPassword

	// KindRelease tells the collector that previously returned material
	// has been consumed and any cached copies can be wiped. The answer is
	// ignored.
	KindRelease
)

func (k Kind) String() string {
	switch k {
	case KindVerifyPassword:
		return "verify password"
	case KindSetPassword:
		return "set password"
	case KindRelease:
		return "release"
	default:
		return "unknown"
	}
}

// Request describes one key-entry interaction.
type Request struct {
	Kind Kind

	// IsRetry is true when a previous attempt with collector-supplied
	// material was rejected by the token.
	IsRetry bool

	// RetriesRemaining carries the token's retry counter when known,
	// -1 otherwise.
	RetriesRemaining int
}

// Material is the collector's answer. Primary carries the verification
// value; Secondary is only set for change requests (the new value).
type Material struct {
	Primary   []byte
	Secondary []byte
}

// Zeroize overwrites both buffers in place. Callers invoke it as soon as the
// material has been encoded into a command.
func (m *Material) Zeroize() {
	for i := range m.Primary {
		m.Primary[i] = 0
	}
	for i := range m.Secondary {
		m.Secondary[i] = 0
	}
	m.Primary = nil
	m.Secondary = nil
}

// Collector supplies key material on demand. Returning ok=false refuses the
// request and aborts the operation that needed the material.
type Collector func(req Request) (Material, bool)

// Static returns a collector that always answers with fixed buffers.
// Intended for tests and non-interactive tooling.
func Static(primary, secondary []byte) Collector {
	return func(req Request) (Material, bool) {
		if req.Kind == KindRelease {
			return Material{}, true
		}
		return Material{
			Primary:   append([]byte(nil), primary...),
			Secondary: append([]byte(nil), secondary...),
		}, true
	}
}

// Refuse returns a collector that declines every request.
func Refuse() Collector {
	return func(Request) (Material, bool) {
		return Material{}, false
	}
}
