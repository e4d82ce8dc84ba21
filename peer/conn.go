package peer

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"gorent/bitfield"
	"gorent/errs"
)

// State is a Conn's place in the per-peer state machine.
type State int

const (
	StateDialing State = iota
	StateHandshaking
	StateBitfieldExchange
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateHandshaking:
		return "handshaking"
	case StateBitfieldExchange:
		return "bitfield_exchange"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind tags the payload carried by an Event.
type EventKind int

const (
	EventBecameReady EventKind = iota
	EventChoke
	EventUnchoke
	EventInterested
	EventNotInterested
	EventHave
	EventBitfield
	EventPiece
	EventClosed
)

// Event is one occurrence on a Conn, delivered to the owning session loop
// over Conn.Events(). The session is the sole mutator of protocol state
// (PeerChoking, PeerInterested, RemoteBitfield, LastActivity); readLoop
// only parses frames and forwards what they said, it never writes those
// fields itself, so there is exactly one writer and §5's "no locks
// required" holds.
type Event struct {
	Kind     EventKind
	Conn     *Conn
	Piece    int    // EventHave, EventPiece
	Begin    int    // EventPiece
	Data     []byte // EventPiece
	Bitfield *bitfield.Bitfield
	Err      error // EventClosed
}

// Conn is one peer connection. Its exported methods that send data
// (SendInterested, SendRequest, ...) and its exported fields that record
// protocol state (PeerChoking, PeerInterested, RemoteBitfield,
// LastActivity) may be written only from the owning session loop
// goroutine, in response to Events() — never from readLoop/writeLoop,
// which only pump bytes and translate frames.
type Conn struct {
	conn     net.Conn
	addr     string
	peerID   [20]byte
	infoHash [20]byte
	logger   *zap.SugaredLogger

	state State

	// haveSeen is read and written only by readLoop's own goroutine (it
	// gates whether a late bitfield message should be ignored per spec
	// §4.5); it is never touched by the session loop, so it needs no
	// synchronization despite looking like protocol state.
	haveSeen bool

	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool
	RemoteBitfield *bitfield.Bitfield
	NumPieces      int

	LastActivity time.Time

	events  chan Event
	outbox  chan []byte
	closeCh chan struct{}
}

// Dial opens a TCP connection to addr, performs the handshake, and starts
// the reader/writer pumps. It blocks until the handshake completes or
// fails; all further protocol progress (bitfield exchange, messages)
// arrives asynchronously on Events().
func Dial(addr string, infoHash, localPeerID [20]byte, numPieces int, dialTimeout time.Duration, logger *zap.SugaredLogger) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, &errs.PeerIO{Peer: addr, Cause: err}
	}
	c := &Conn{
		conn:         nc,
		addr:         addr,
		infoHash:     infoHash,
		logger:       logger,
		state:        StateHandshaking,
		AmChoking:    true,
		PeerChoking:  true,
		NumPieces:    numPieces,
		LastActivity: time.Now(),
		events:       make(chan Event, 64),
		outbox:       make(chan []byte, 64),
		closeCh:      make(chan struct{}),
	}

	nc.SetDeadline(time.Now().Add(dialTimeout))
	if _, err := nc.Write(Handshake{InfoHash: infoHash, PeerID: localPeerID}.Serialize()); err != nil {
		nc.Close()
		return nil, &errs.PeerIO{Peer: addr, Cause: err}
	}
	hs, err := ReadHandshake(nc)
	nc.SetDeadline(time.Time{})
	if err != nil {
		nc.Close()
		return nil, &errs.PeerIO{Peer: addr, Cause: err}
	}
	if hs.InfoHash != infoHash {
		nc.Close()
		return nil, &errs.PeerProtocolViolation{Peer: addr, Msg: fmt.Sprintf("info_hash mismatch: got %x", hs.InfoHash)}
	}
	c.peerID = hs.PeerID
	c.state = StateBitfieldExchange

	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// PeerID returns the 20-byte peer-id this peer presented at handshake.
func (c *Conn) PeerID() [20]byte { return c.peerID }

// Addr returns the dialed address.
func (c *Conn) Addr() string { return c.addr }

// State returns the Conn's current lifecycle state.
func (c *Conn) State() State { return c.state }

// SetState is used by the owning session to advance the state machine.
func (c *Conn) SetState(s State) { c.state = s }

// Events returns the channel the session loop selects on for this peer.
func (c *Conn) Events() <-chan Event { return c.events }

// CheckTrackerPeerID warns (does not drop) when the handshake peer-id
// disagrees with what the tracker advertised for this address (spec
// §4.5: "mismatch... is a soft warning, not a drop").
func (c *Conn) CheckTrackerPeerID(trackerPeerID [20]byte) {
	if trackerPeerID == ([20]byte{}) || trackerPeerID == c.peerID {
		return
	}
	if c.logger != nil {
		c.logger.Warnw("peer-id mismatch from tracker", "addr", c.addr, "handshake_id", fmt.Sprintf("%x", c.peerID), "tracker_id", fmt.Sprintf("%x", trackerPeerID))
	}
}

// send enqueues a message for the writer goroutine. It never blocks the
// caller beyond the outbox's buffer; a full outbox indicates a stalled
// peer and the session should already be closing it.
func (c *Conn) send(m *Message) {
	c.SendRaw(m.Serialize())
}

// SendRaw enqueues an already-serialized frame, e.g. the have broadcast a
// scheduler hands back from OnPieceVerified.
func (c *Conn) SendRaw(raw []byte) {
	select {
	case c.outbox <- raw:
	case <-c.closeCh:
	}
}

func (c *Conn) SendInterested() {
	c.AmInterested = true
	c.send(Interested())
}

func (c *Conn) SendNotInterested() {
	c.AmInterested = false
	c.send(NotInterested())
}

func (c *Conn) SendRequest(index, begin, length int) {
	c.send(Request(index, begin, length))
}

// Close tears down the socket and stops both pump goroutines. Safe to
// call multiple times.
func (c *Conn) Close() {
	select {
	case <-c.closeCh:
		return
	default:
		close(c.closeCh)
	}
	c.conn.Close()
	c.state = StateClosed
}

func (c *Conn) readLoop() {
	defer close(c.events)
	for {
		m, err := ReadMessage(c.conn)
		if err != nil {
			c.emitClosed(&errs.PeerIO{Peer: c.addr, Cause: err})
			return
		}
		if m == nil {
			// keep-alive
			continue
		}
		if err := c.handleIncoming(m); err != nil {
			c.emitClosed(err)
			return
		}
	}
}

func (c *Conn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.closeCh:
	}
}

func (c *Conn) emitClosed(err error) {
	select {
	case c.events <- Event{Kind: EventClosed, Conn: c, Err: err}:
	default:
	}
}

// handleIncoming parses one frame and forwards what it said as an Event.
// It must never write PeerChoking, PeerInterested, RemoteBitfield, or
// LastActivity itself — those are the session loop's to mutate once it
// has received the Event, so there is a single writer for all of a Conn's
// protocol state. haveSeen is the one exception: it is private to this
// goroutine (see its field comment) and gates the late-bitfield rule
// below, not shared protocol state.
func (c *Conn) handleIncoming(m *Message) error {
	switch m.ID {
	case MsgChoke:
		c.emit(Event{Kind: EventChoke, Conn: c})
	case MsgUnchoke:
		c.emit(Event{Kind: EventUnchoke, Conn: c})
	case MsgInterested:
		c.emit(Event{Kind: EventInterested, Conn: c})
	case MsgNotInterested:
		c.emit(Event{Kind: EventNotInterested, Conn: c})
	case MsgHave:
		idx, err := ParseHave(m)
		if err != nil {
			return &errs.PeerProtocolViolation{Peer: c.addr, Msg: err.Error()}
		}
		if idx < 0 || idx >= c.NumPieces {
			return &errs.PeerProtocolViolation{Peer: c.addr, Msg: fmt.Sprintf("have(%d) out of range [0,%d)", idx, c.NumPieces)}
		}
		c.haveSeen = true
		c.emit(Event{Kind: EventHave, Conn: c, Piece: idx})
	case MsgBitfield:
		if c.haveSeen {
			// spec §4.5: "bitfield MUST arrive before any have, or else be
			// ignored" — drop it rather than emit an event.
			return nil
		}
		bf, err := bitfield.FromBytes(m.Payload, c.NumPieces)
		if err != nil {
			return &errs.PeerProtocolViolation{Peer: c.addr, Msg: err.Error()}
		}
		c.emit(Event{Kind: EventBitfield, Conn: c, Bitfield: bf})
	case MsgRequest:
		// Serving uploads is out of scope; am_choking never clears, so a
		// correct peer will not send these. Ignore rather than drop.
	case MsgPiece:
		idx, begin, block, err := ParsePiece(m)
		if err != nil {
			return &errs.PeerProtocolViolation{Peer: c.addr, Msg: err.Error()}
		}
		c.emit(Event{Kind: EventPiece, Conn: c, Piece: idx, Begin: begin, Data: block})
	case MsgCancel:
		// No upload path to cancel against; ignore.
	default:
		// Unknown ids are silently dropped.
	}
	return nil
}

func (c *Conn) writeLoop() {
	for {
		select {
		case raw, ok := <-c.outbox:
			if !ok {
				return
			}
			if _, err := c.conn.Write(raw); err != nil {
				c.emitClosed(&errs.PeerIO{Peer: c.addr, Cause: err})
				return
			}
		case <-c.closeCh:
			return
		}
	}
}
