// Package peer implements the peer wire protocol: the 68-byte handshake,
// 4-byte length-prefixed message framing, and the per-peer state machine
// Dialing -> Handshaking -> BitfieldExchange -> Ready -> Closed. Its
// framing types are kept close to the original message/peer packages'
// Serialize/Read shape, generalized to the full state machine.
package peer

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MessageID identifies a wire message's body shape.
type MessageID uint8

const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8
)

func (id MessageID) String() string {
	switch id {
	case MsgChoke:
		return "choke"
	case MsgUnchoke:
		return "unchoke"
	case MsgInterested:
		return "interested"
	case MsgNotInterested:
		return "not interested"
	case MsgHave:
		return "have"
	case MsgBitfield:
		return "bitfield"
	case MsgRequest:
		return "request"
	case MsgPiece:
		return "piece"
	case MsgCancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Message is a single framed wire message. A nil *Message (as returned by
// ReadMessage) represents a keep-alive.
type Message struct {
	ID      MessageID
	Payload []byte
}

// Serialize encodes m as a length-prefixed frame. A nil *Message encodes
// the zero-length keep-alive frame.
func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// maxMessageLength bounds a single frame's declared body length. The
// largest legitimate body is a piece message (4-byte index + 4-byte
// begin + one block), so 256KiB leaves generous headroom over the
// standard 16KiB block size without letting a malicious or corrupt
// length prefix drive an unbounded allocation (grounded on
// anacrolix/torrent's request length cap of the same size).
const maxMessageLength = 256 * 1024

// ReadMessage reads one frame from r. It returns (nil, nil) on a
// keep-alive frame.
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil
	}
	if length > maxMessageLength {
		return nil, fmt.Errorf("peer: frame length %d exceeds maximum %d", length, maxMessageLength)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return &Message{ID: MessageID(body[0]), Payload: body[1:]}, nil
}

// Have builds a have(index) message.
func Have(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: MsgHave, Payload: payload}
}

// Request builds a request(index, begin, length) message.
func Request(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: MsgRequest, Payload: payload}
}

// Cancel builds a cancel(index, begin, length) message.
func Cancel(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: MsgCancel, Payload: payload}
}

// Bitfield builds a bitfield message from its raw wire bytes.
func Bitfield(raw []byte) *Message {
	return &Message{ID: MsgBitfield, Payload: append([]byte(nil), raw...)}
}

// Simple no-payload messages, built fresh each call so callers cannot
// accidentally share and mutate Payload.
func Choke() *Message         { return &Message{ID: MsgChoke} }
func Unchoke() *Message       { return &Message{ID: MsgUnchoke} }
func Interested() *Message    { return &Message{ID: MsgInterested} }
func NotInterested() *Message { return &Message{ID: MsgNotInterested} }

// ParseHave extracts the piece index from a have message.
func ParseHave(m *Message) (int, error) {
	if m.ID != MsgHave {
		return 0, fmt.Errorf("peer: expected have, got %s", m.ID)
	}
	if len(m.Payload) != 4 {
		return 0, fmt.Errorf("peer: have payload length %d, want 4", len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// ParseRequest extracts (index, begin, length) from a request or cancel
// message.
func ParseRequest(m *Message) (index, begin, length int, err error) {
	if len(m.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("peer: request payload length %d, want 12", len(m.Payload))
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(m.Payload[8:12]))
	return index, begin, length, nil
}

// ParsePiece extracts (index, begin, block) from a piece message.
func ParsePiece(m *Message) (index, begin int, block []byte, err error) {
	if m.ID != MsgPiece {
		return 0, 0, nil, fmt.Errorf("peer: expected piece, got %s", m.ID)
	}
	if len(m.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("peer: piece payload length %d, want >= 8", len(m.Payload))
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	return index, begin, m.Payload[8:], nil
}

const pstr = "BitTorrent protocol"

// HandshakeSize is the fixed wire size of a handshake: 1 + 19 + 8 + 20 + 20.
const HandshakeSize = 1 + len(pstr) + 8 + 20 + 20

// Handshake is the first 68-byte exchange on a new connection.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// Serialize encodes the handshake to its 68-byte wire form.
func (h Handshake) Serialize() []byte {
	buf := make([]byte, HandshakeSize)
	cursor := 0
	buf[cursor] = byte(len(pstr))
	cursor++
	cursor += copy(buf[cursor:], pstr)
	cursor += 8 // reserved, zero
	cursor += copy(buf[cursor:], h.InfoHash[:])
	copy(buf[cursor:], h.PeerID[:])
	return buf
}

// ReadHandshake reads and validates the pstr-length byte and protocol
// string, returning the parsed Handshake.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		return Handshake{}, err
	}
	pstrlen := int(lenByte[0])
	rest := make([]byte, pstrlen+48)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Handshake{}, err
	}
	if string(rest[:pstrlen]) != pstr {
		return Handshake{}, fmt.Errorf("peer: unrecognized protocol string %q", rest[:pstrlen])
	}
	var h Handshake
	cursor := pstrlen + 8
	copy(h.InfoHash[:], rest[cursor:cursor+20])
	cursor += 20
	copy(h.PeerID[:], rest[cursor:cursor+20])
	return h, nil
}
