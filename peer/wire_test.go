package peer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	h := Handshake{InfoHash: [20]byte{1, 2, 3}, PeerID: [20]byte{9, 9, 9}}
	raw := h.Serialize()
	require.Len(t, raw, HandshakeSize)
	assert.Equal(t, byte(19), raw[0])
	assert.Equal(t, "BitTorrent protocol", string(raw[1:20]))
	assert.Equal(t, make([]byte, 8), raw[20:28])

	got, err := ReadHandshake(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, h.InfoHash, got.InfoHash)
	assert.Equal(t, h.PeerID, got.PeerID)
}

func TestReadHandshakeRejectsWrongProtocolString(t *testing.T) {
	raw := Handshake{}.Serialize()
	raw[0] = 5
	_, err := ReadHandshake(bytes.NewReader(raw))
	assert.Error(t, err)
}

func TestMessageRoundTrip(t *testing.T) {
	msgs := []*Message{
		Choke(), Unchoke(), Interested(), NotInterested(),
		Have(7), Request(1, 2, 3), Cancel(1, 2, 3), Bitfield([]byte{0xFF, 0x00}),
	}
	for _, m := range msgs {
		raw := m.Serialize()
		got, err := ReadMessage(bytes.NewReader(raw))
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, m.ID, got.ID)
		assert.Equal(t, m.Payload, got.Payload)
	}
}

func TestReadMessageKeepAlive(t *testing.T) {
	raw := (*Message)(nil).Serialize()
	got, err := ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestParseHave(t *testing.T) {
	idx, err := ParseHave(Have(42))
	require.NoError(t, err)
	assert.Equal(t, 42, idx)

	_, err = ParseHave(Choke())
	assert.Error(t, err)
}

func TestParseRequestAndPiece(t *testing.T) {
	index, begin, length, err := ParseRequest(Request(1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, 1, index)
	assert.Equal(t, 2, begin)
	assert.Equal(t, 3, length)

	pieceMsg := &Message{ID: MsgPiece, Payload: append([]byte{0, 0, 0, 5, 0, 0, 0, 10}, []byte("hello")...)}
	pi, pb, block, err := ParsePiece(pieceMsg)
	require.NoError(t, err)
	assert.Equal(t, 5, pi)
	assert.Equal(t, 10, pb)
	assert.Equal(t, "hello", string(block))
}
