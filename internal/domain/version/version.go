// Package version implements the MCP dual-channel protocol version state
// machine: negotiation on initialize, and validation of every subsequent
// request against the negotiated version.
package version

import (
	"errors"
	"fmt"
	"sync"
)

// ProtocolVersion is an opaque identifier drawn from a closed, enumerated
// set ("2025-03-26", "2025-06-18", ...). Ordering is the lexicographic
// ordering of the literal, which matches date ordering for the set MCP
// actually defines.
type ProtocolVersion string

// DualChannelFloor is the first protocol version that requires the header
// and initialize-negotiated version to agree on every subsequent request.
const DualChannelFloor ProtocolVersion = "2025-06-18"

// Less reports whether v is strictly older than other.
func (v ProtocolVersion) Less(other ProtocolVersion) bool {
	return string(v) < string(other)
}

// AtLeast reports whether v is equal to or newer than other.
func (v ProtocolVersion) AtLeast(other ProtocolVersion) bool {
	return !v.Less(other)
}

// State is a VersionState machine state.
type State int

const (
	Uninitialized State = iota
	Requested
	Negotiated
	Validated
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Requested:
		return "requested"
	case Negotiated:
		return "negotiated"
	case Validated:
		return "validated"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Method records which channel(s) have supplied a protocol version.
type Method int

const (
	MethodNone Method = iota
	MethodInitialize
	MethodTransportHeader
	MethodBoth
)

// Supported is the closed set of protocol versions this proxy will
// negotiate. Ordered oldest-first; callers needing the newest-supported
// value should take the last element.
var Supported = []ProtocolVersion{"2025-03-26", "2025-06-18"}

// IsSupported reports whether v is one of the versions this proxy negotiates.
func IsSupported(v ProtocolVersion) bool {
	for _, s := range Supported {
		if s == v {
			return true
		}
	}
	return false
}

// greatestSupportedAtMost returns the greatest supported version <= requested,
// or the greatest supported version overall if none qualifies.
func greatestSupportedAtMost(requested ProtocolVersion) ProtocolVersion {
	var best ProtocolVersion
	found := false
	for _, s := range Supported {
		if s.Less(requested) || s == requested {
			if !found || best.Less(s) {
				best = s
				found = true
			}
		}
	}
	if found {
		return best
	}
	return Supported[len(Supported)-1]
}

// Errors returned by the state machine. Each maps to a JSON-RPC code and
// HTTP status in pkg/mcp and the adapter layer.
var (
	ErrAlreadyInitialized = errors.New("version: initialize already observed, no renegotiation")
	ErrNotRequested       = errors.New("version: initialize response observed before request")
	ErrUnsupportedVersion = errors.New("version: requested version not in supported set")
)

// ConflictError indicates the dual-channel header disagrees with the
// session's negotiated version.
type ConflictError struct {
	Negotiated ProtocolVersion
	Header     ProtocolVersion
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version mismatch: header %s ≠ negotiated %s", e.Header, e.Negotiated)
}

// DowngradeError indicates a request's protocol version is older than the
// session's negotiated version.
type DowngradeError struct {
	Negotiated ProtocolVersion
	Requested  ProtocolVersion
}

func (e *DowngradeError) Error() string {
	return fmt.Sprintf("version downgrade: requested %s < negotiated %s", e.Requested, e.Negotiated)
}

// State machine for a single session's protocol version negotiation. Zero
// value is Uninitialized. Safe for concurrent use: version-state writes
// must be serialized per session, which this type enforces with an
// internal mutex so callers need not coordinate externally.
type Machine struct {
	mu         sync.Mutex
	state      State
	requested  ProtocolVersion
	negotiated ProtocolVersion
	transport  ProtocolVersion
	method     Method
}

// NewMachine returns a fresh, Uninitialized state machine.
func NewMachine() *Machine {
	return &Machine{state: Uninitialized}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Negotiated returns the negotiated version and whether one has been set.
func (m *Machine) Negotiated() (ProtocolVersion, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.negotiated, m.state == Negotiated || m.state == Validated
}

// ObserveInitializeRequest transitions Uninitialized -> Requested, storing
// the client's requested version.
func (m *Machine) ObserveInitializeRequest(requested ProtocolVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Uninitialized {
		return ErrAlreadyInitialized
	}
	m.requested = requested
	m.state = Requested
	m.method |= MethodInitialize
	return nil
}

// ObserveInitializeResponse transitions Requested -> Negotiated, recording
// the server's chosen version. It is the Version Manager's responsibility
// to have already resolved serverChosen via the tie-break rule when the
// server (not the upstream) originates the choice; here we simply validate
// and persist whatever the upstream actually returned.
func (m *Machine) ObserveInitializeResponse(serverChosen ProtocolVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Requested {
		return ErrNotRequested
	}
	if !IsSupported(serverChosen) {
		m.state = Failed
		return ErrUnsupportedVersion
	}
	if m.requested.Less(serverChosen) {
		m.state = Failed
		return fmt.Errorf("version: server chosen %s exceeds requested %s", serverChosen, m.requested)
	}

	m.negotiated = serverChosen
	m.state = Negotiated
	return nil
}

// Negotiate resolves the tie-break rule for a requested version the server
// must answer itself (no upstream initialize round-trip observed, e.g. a
// cached/sticky session). Returns the version the server would choose:
// the greatest supported version <= requested, else the greatest supported
// version overall.
func Negotiate(requested ProtocolVersion) ProtocolVersion {
	return greatestSupportedAtMost(requested)
}

// ObserveTransportVersion validates (or records, pre-negotiation) a version
// arriving via the MCP-Protocol-Version HTTP header.
func (m *Machine) ObserveTransportVersion(header ProtocolVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.transport = header
	m.method |= MethodTransportHeader

	if m.state != Negotiated && m.state != Validated {
		// Pre-negotiation: nothing to validate against yet.
		return nil
	}

	if m.negotiated.AtLeast(DualChannelFloor) {
		if header != m.negotiated {
			return &ConflictError{Negotiated: m.negotiated, Header: header}
		}
	}
	m.state = Validated
	return nil
}

// ValidateRequestVersion rejects a request whose in-message protocol
// version (if present; empty string means absent) is strictly older than
// the negotiated version.
func (m *Machine) ValidateRequestVersion(msgRequested ProtocolVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msgRequested == "" {
		return nil
	}
	if m.state != Negotiated && m.state != Validated {
		return nil
	}
	if msgRequested.Less(m.negotiated) {
		return &DowngradeError{Negotiated: m.negotiated, Requested: msgRequested}
	}
	return nil
}

// Fail forces the machine into the terminal-dead Failed state, e.g. after
// an unrecoverable protocol error elsewhere in the request pipeline.
func (m *Machine) Fail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Failed
}

// Snapshot is an immutable, lock-free view of a Machine's fields, suitable
// for logging or persistence without holding the machine's lock.
type Snapshot struct {
	State      State
	Requested  ProtocolVersion
	Negotiated ProtocolVersion
	Transport  ProtocolVersion
	Method     Method
}

// Snapshot returns a copy of the machine's current fields.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:      m.state,
		Requested:  m.requested,
		Negotiated: m.negotiated,
		Transport:  m.transport,
		Method:     m.method,
	}
}

// RestoreMachine rebuilds a Machine from a previously taken Snapshot, for
// stores that persist session state across restarts.
func RestoreMachine(snap Snapshot) *Machine {
	return &Machine{
		state:      snap.State,
		requested:  snap.Requested,
		negotiated: snap.Negotiated,
		transport:  snap.Transport,
		method:     snap.Method,
	}
}
