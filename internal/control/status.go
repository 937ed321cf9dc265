// Package control implements the Control API (C7): the in-process façade
// for Publish/Unpublish/List operations used by RPC adapters (§4.2, §4.7).
// The façade itself never talks to a network; it translates caller intent
// into Node-Config Store mutations and a uniform status taxonomy.
package control

// Status is the uniform result code returned to RPC adapters (§4.7).
type Status int

const (
	// StatusOK means the desired state already matched the request; no
	// change was made.
	StatusOK Status = iota
	// StatusAccepted means a change was queued (NodeConfigVersion bumped).
	StatusAccepted
	// StatusGone means the owning session no longer exists, or the
	// process is shutting down.
	StatusGone
	// StatusNotAcceptable means the caller's input failed to parse or
	// validate.
	StatusNotAcceptable
	// StatusInternalServerError means an unexpected failure occurred.
	StatusInternalServerError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusAccepted:
		return "Accepted"
	case StatusGone:
		return "Gone"
	case StatusNotAcceptable:
		return "NotAcceptable"
	default:
		return "InternalServerError"
	}
}
