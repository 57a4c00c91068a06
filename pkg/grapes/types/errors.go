package types

import "errors"

var (
	// ErrBusy is returned by a sender that already has a payload in
	// flight, or more generally by any single-slot state machine that
	// rejects a new subscription while occupied.
	ErrBusy = errors.New("grapes: busy")

	// ErrNotReady names the case of a message that is not fully
	// assembled yet. Receiver.Read and Client.Read report that case
	// with ok == false; no function in this module returns ErrNotReady.
	ErrNotReady = errors.New("grapes: message not ready")

	// ErrUnsupportedFamily marks an address-family mismatch. The source
	// treats this as a fatal abort; we surface it as an error so a
	// library caller can decide instead of the library calling os.Exit.
	ErrUnsupportedFamily = errors.New("grapes: unsupported address family")

	// ErrBadHeader marks a malformed wire header: either the sentinel
	// -1 declared size, or a declared size above the configured ceiling.
	ErrBadHeader = errors.New("grapes: bad message header")

	// ErrProtocol marks a topo-protocol violation: wrong protocol byte,
	// unknown message type, or a header or entry list cut short.
	ErrProtocol = errors.New("grapes: protocol violation")

	// ErrNoResize is returned when Grow/Shrink is called while a resize
	// is already pending, or Shrink would leave the cache empty or make
	// it larger.
	ErrNoResize = errors.New("grapes: resize rejected")

	// ErrCacheFull is returned by AddRanked when the cache is at capacity
	// and the candidate ranks worse than every existing entry.
	ErrCacheFull = errors.New("grapes: cache full")
)
