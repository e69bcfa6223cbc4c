package imapparser

import "fmt"

// ExtState is the negotiation state of one IMAP extension for a session,
// per spec §3.2.
type ExtState int

const (
	// ExtOff means the extension is available but has not yet been
	// negotiated (e.g. not yet named in an ENABLE command).
	ExtOff ExtState = iota
	// ExtOn means the extension has been negotiated and is in effect.
	ExtOn
	// ExtDisabled means the peer has forbidden use of the extension
	// entirely; any construct requiring it is a parse/emit error.
	ExtDisabled
)

// Ext names one of the extensions this codec understands beyond the
// IMAP4rev1 core grammar.
type Ext int

const (
	ExtUIDPlus Ext = iota
	ExtEnable
	ExtCondstore
	ExtQresync
	ExtUnselect
	ExtIdle
	ExtLiteralPlus
	ExtXKey

	numExts
)

func (e Ext) String() string {
	switch e {
	case ExtUIDPlus:
		return "UIDPLUS"
	case ExtEnable:
		return "ENABLE"
	case ExtCondstore:
		return "CONDSTORE"
	case ExtQresync:
		return "QRESYNC"
	case ExtUnselect:
		return "UNSELECT"
	case ExtIdle:
		return "IDLE"
	case ExtLiteralPlus:
		return "LITERAL+"
	case ExtXKey:
		return "XKEY"
	default:
		return "EXT-UNKNOWN"
	}
}

// Extensions tracks, per-session, which extensions are disabled, off, or
// on. The zero value has every extension Off (available, not negotiated),
// which is the correct starting state for a fresh connection.
type Extensions struct {
	state [numExts]ExtState
}

// NewExtensions returns an Extensions record with every known extension
// available (Off) unless listed in disabled.
func NewExtensions(disabled ...Ext) *Extensions {
	e := &Extensions{}
	for _, x := range disabled {
		e.state[x] = ExtDisabled
	}
	return e
}

// State reports the current state of x.
func (e *Extensions) State(x Ext) ExtState {
	if e == nil {
		return ExtOff
	}
	return e.state[x]
}

// Enable transitions x from Off to On. It is a no-op if x is already On,
// and returns an error if x is Disabled.
func (e *Extensions) Enable(x Ext) error {
	switch e.state[x] {
	case ExtDisabled:
		return ExtensionError{Ext: x, State: ExtDisabled}
	default:
		e.state[x] = ExtOn
		return nil
	}
}

// Disable forbids x for the remainder of the session.
func (e *Extensions) Disable(x Ext) {
	e.state[x] = ExtDisabled
}

// Require fails if x is Disabled. It succeeds (silently) for Off or On:
// per spec §4.1, emitting a construct for an extension that is merely
// un-negotiated (Off) is allowed, since some extension constructs (e.g.
// UIDPLUS response codes) are usable without an explicit ENABLE.
func (e *Extensions) Require(x Ext) error {
	if e.State(x) == ExtDisabled {
		return ExtensionError{Ext: x, State: ExtDisabled}
	}
	return nil
}

// ExtensionError is returned when a construct belonging to a Disabled
// extension is parsed or emitted.
type ExtensionError struct {
	Ext   Ext
	State ExtState
}

func (err ExtensionError) Error() string {
	return fmt.Sprintf("imapparser: extension %s is disabled for this session", err.Ext)
}
