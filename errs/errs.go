// Package errs defines the error kinds gorent's core surfaces to callers.
//
// Kinds that carry an underlying cause expose it through Unwrap, so a
// driver can match the kind with errors.As and still print the chain.
package errs

import "fmt"

// BencodeError reports a malformed bencoded value. Offset is the byte
// position of the first offending byte, or -1 if not applicable.
type BencodeError struct {
	Offset int
	Msg    string
	Cause  error
}

func (e *BencodeError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("bencode: %s (offset %d)", e.Msg, e.Offset)
	}
	return fmt.Sprintf("bencode: %s", e.Msg)
}

func (e *BencodeError) Unwrap() error { return e.Cause }

// MetainfoInvalid reports a structurally valid bencoded dict that does not
// satisfy the metainfo schema (missing keys, bad piece length, ...).
type MetainfoInvalid struct {
	Msg   string
	Cause error
}

func (e *MetainfoInvalid) Error() string { return fmt.Sprintf("metainfo: %s", e.Msg) }
func (e *MetainfoInvalid) Unwrap() error { return e.Cause }

// TrackerFailure reports a tracker response carrying "failure reason".
type TrackerFailure struct {
	Reason string
}

func (e *TrackerFailure) Error() string { return fmt.Sprintf("tracker failure: %s", e.Reason) }

// TrackerNetwork reports a transport-level failure talking to the tracker.
type TrackerNetwork struct {
	Cause error
}

func (e *TrackerNetwork) Error() string { return fmt.Sprintf("tracker network error: %v", e.Cause) }
func (e *TrackerNetwork) Unwrap() error { return e.Cause }

// PeerProtocolViolation reports a peer that broke the wire protocol
// (bad handshake, out-of-range piece index, malformed message, ...).
type PeerProtocolViolation struct {
	Peer string
	Msg  string
}

func (e *PeerProtocolViolation) Error() string {
	return fmt.Sprintf("peer %s protocol violation: %s", e.Peer, e.Msg)
}

// PeerIO reports a socket-level failure talking to a peer.
type PeerIO struct {
	Peer  string
	Cause error
}

func (e *PeerIO) Error() string { return fmt.Sprintf("peer %s io error: %v", e.Peer, e.Cause) }
func (e *PeerIO) Unwrap() error { return e.Cause }

// HashMismatch reports a piece whose assembled bytes did not hash to the
// expected digest.
type HashMismatch struct {
	Piece int
}

func (e *HashMismatch) Error() string { return fmt.Sprintf("piece %d: hash mismatch", e.Piece) }

// StorageIO reports a fatal local filesystem failure.
type StorageIO struct {
	Cause error
}

func (e *StorageIO) Error() string { return fmt.Sprintf("storage io error: %v", e.Cause) }
func (e *StorageIO) Unwrap() error { return e.Cause }

// Interrupted reports a user-requested shutdown mid-download.
type Interrupted struct{}

func (e *Interrupted) Error() string { return "interrupted" }
