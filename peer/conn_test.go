package peer

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubPeer accepts one connection, completes the handshake as the remote
// side, and returns the raw net.Conn so the test can drive the rest of
// the wire exchange by hand.
func stubPeer(t *testing.T, infoHash, remoteID [20]byte) (addr string, accept func() net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	connCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		hs, err := ReadHandshake(c)
		if err != nil {
			c.Close()
			return
		}
		if hs.InfoHash != infoHash {
			c.Close()
			return
		}
		c.Write(Handshake{InfoHash: infoHash, PeerID: remoteID}.Serialize())
		connCh <- c
	}()
	return ln.Addr().String(), func() net.Conn { return <-connCh }
}

func TestDialCompletesHandshake(t *testing.T) {
	infoHash := [20]byte{1, 2, 3}
	remoteID := [20]byte{4, 5, 6}
	addr, accept := stubPeer(t, infoHash, remoteID)

	c, err := Dial(addr, infoHash, [20]byte{7, 8, 9}, 10, 2*time.Second, nil)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, remoteID, c.PeerID())
	assert.Equal(t, StateBitfieldExchange, c.State())
	_ = accept()
}

func TestDialRejectsInfoHashMismatch(t *testing.T) {
	infoHash := [20]byte{1, 2, 3}
	other := [20]byte{9, 9, 9}
	addr, _ := stubPeer(t, other, [20]byte{4, 5, 6})

	_, err := Dial(addr, infoHash, [20]byte{7, 8, 9}, 10, 2*time.Second, nil)
	assert.Error(t, err)
}

// TestConnDeliversHaveAndBitfieldEvents checks that readLoop forwards the
// raw frame contents without touching Conn's protocol-state fields
// itself: RemoteBitfield/PeerChoking stay at their zero/default values
// here because nothing plays the session loop's role of applying the
// Event to the Conn.
func TestConnDeliversHaveAndBitfieldEvents(t *testing.T) {
	infoHash := [20]byte{1, 2, 3}
	addr, accept := stubPeer(t, infoHash, [20]byte{4, 5, 6})

	c, err := Dial(addr, infoHash, [20]byte{7, 8, 9}, 16, 2*time.Second, nil)
	require.NoError(t, err)
	defer c.Close()

	remote := accept()
	bf := make([]byte, 2)
	bf[0] = 0x80
	remote.Write(Bitfield(bf).Serialize())
	remote.Write(Have(9).Serialize())
	remote.Write(Unchoke().Serialize())

	ev1 := <-c.Events()
	assert.Equal(t, EventBitfield, ev1.Kind)
	require.NotNil(t, ev1.Bitfield)
	assert.True(t, ev1.Bitfield.Has(0))
	assert.Nil(t, c.RemoteBitfield)

	ev2 := <-c.Events()
	assert.Equal(t, EventHave, ev2.Kind)
	assert.Equal(t, 9, ev2.Piece)

	ev3 := <-c.Events()
	assert.Equal(t, EventUnchoke, ev3.Kind)
	assert.True(t, c.PeerChoking)
}

// TestConnIgnoresBitfieldAfterHave exercises spec §4.5's rule that a
// bitfield arriving after any have has already been processed is
// ignored, not merged or reported.
func TestConnIgnoresBitfieldAfterHave(t *testing.T) {
	infoHash := [20]byte{1, 2, 3}
	addr, accept := stubPeer(t, infoHash, [20]byte{4, 5, 6})

	c, err := Dial(addr, infoHash, [20]byte{7, 8, 9}, 16, 2*time.Second, nil)
	require.NoError(t, err)
	defer c.Close()

	remote := accept()
	remote.Write(Have(2).Serialize())
	bf := make([]byte, 2)
	bf[0] = 0x80
	remote.Write(Bitfield(bf).Serialize())
	remote.Write(Unchoke().Serialize())

	ev1 := <-c.Events()
	assert.Equal(t, EventHave, ev1.Kind)

	// The late bitfield produced no event: the next one delivered is the
	// unchoke, not a bitfield.
	ev2 := <-c.Events()
	assert.Equal(t, EventUnchoke, ev2.Kind)
}

func TestConnClosesOnOutOfRangeHave(t *testing.T) {
	infoHash := [20]byte{1, 2, 3}
	addr, accept := stubPeer(t, infoHash, [20]byte{4, 5, 6})

	c, err := Dial(addr, infoHash, [20]byte{7, 8, 9}, 4, 2*time.Second, nil)
	require.NoError(t, err)
	defer c.Close()

	remote := accept()
	remote.Write(Have(99).Serialize())

	ev := <-c.Events()
	assert.Equal(t, EventClosed, ev.Kind)
	assert.Error(t, ev.Err)
}

func TestSendRequestIsObservedByPeer(t *testing.T) {
	infoHash := [20]byte{1, 2, 3}
	addr, accept := stubPeer(t, infoHash, [20]byte{4, 5, 6})

	c, err := Dial(addr, infoHash, [20]byte{7, 8, 9}, 4, 2*time.Second, nil)
	require.NoError(t, err)
	defer c.Close()
	remote := accept()

	c.SendRequest(0, 0, 16384)

	m, err := ReadMessage(remote)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, MsgRequest, m.ID)
	index, begin, length, err := ParseRequest(m)
	require.NoError(t, err)
	assert.Equal(t, 0, index)
	assert.Equal(t, 0, begin)
	assert.Equal(t, 16384, length)
}
