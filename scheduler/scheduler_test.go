package scheduler

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gorent/bitfield"
)

func fullBitfield(n int) *bitfield.Bitfield {
	bf := bitfield.New(n)
	for i := 0; i < n; i++ {
		bf.Set(i)
	}
	return bf
}

func newTestScheduler(clk clock.Clock) *Scheduler {
	return New(clk, Options{
		NumPieces:     2,
		PieceLength:   func(i int) int64 { return 32768 },
		BlockSize:     16384,
		PipelineDepth: 5,
		BlockTimeout:  60 * time.Second,
	})
}

func TestAssignRespectsPipelineDepth(t *testing.T) {
	clk := clock.NewMock()
	s := newTestScheduler(clk)
	peers := []PeerView{{Key: "p1", Ready: true, Choking: false, Bitfield: fullBitfield(2)}}

	assignments := s.Assign(peers)
	assert.Len(t, assignments, 4) // 2 pieces * 2 blocks of 16384 each = 4 blocks total

	// No more blocks left to assign; a second call yields nothing new.
	more := s.Assign(peers)
	assert.Empty(t, more)
}

func TestAssignSkipsChokingAndNotReadyPeers(t *testing.T) {
	clk := clock.NewMock()
	s := newTestScheduler(clk)
	peers := []PeerView{
		{Key: "choked", Ready: true, Choking: true, Bitfield: fullBitfield(2)},
		{Key: "not-ready", Ready: false, Choking: false, Bitfield: fullBitfield(2)},
	}
	assert.Empty(t, s.Assign(peers))
}

func TestMarkReceivedPreventsReassignment(t *testing.T) {
	clk := clock.NewMock()
	s := newTestScheduler(clk)
	peers := []PeerView{{Key: "p1", Ready: true, Choking: false, Bitfield: fullBitfield(2)}}

	first := s.Assign(peers)
	require.NotEmpty(t, first)
	s.MarkReceived(first[0].Piece, first[0].Begin)

	// Releasing the peer and re-assigning should never hand back the
	// already-received block.
	s.ReleasePeer("p1")
	second := s.Assign(peers)
	for _, a := range second {
		assert.False(t, a.Piece == first[0].Piece && a.Begin == first[0].Begin)
	}
}

func TestReleasePeerFreesReservations(t *testing.T) {
	clk := clock.NewMock()
	s := newTestScheduler(clk)
	peers := []PeerView{{Key: "p1", Ready: true, Choking: false, Bitfield: fullBitfield(2)}}

	first := s.Assign(peers)
	require.Len(t, first, 4)
	s.ReleasePeer("p1")

	again := s.Assign(peers)
	assert.Len(t, again, 4)
}

func TestSweepExpiredReleasesStaleReservations(t *testing.T) {
	clk := clock.NewMock()
	s := newTestScheduler(clk)
	peers := []PeerView{{Key: "p1", Ready: true, Choking: false, Bitfield: fullBitfield(2)}}

	first := s.Assign(peers)
	require.Len(t, first, 4)
	assert.Empty(t, s.Assign(peers))

	clk.Add(61 * time.Second)
	s.SweepExpired()

	again := s.Assign(peers)
	assert.Len(t, again, 4)
}

func TestOnPieceVerifiedReturnsHaveMessageAndClearsNeeded(t *testing.T) {
	clk := clock.NewMock()
	s := newTestScheduler(clk)
	assert.True(t, s.Needed(0))

	msg := s.OnPieceVerified(0)
	assert.NotEmpty(t, msg)
	assert.False(t, s.Needed(0))
}

func TestHasInterest(t *testing.T) {
	clk := clock.NewMock()
	s := newTestScheduler(clk)
	empty := bitfield.New(2)
	assert.False(t, s.HasInterest(empty))
	assert.True(t, s.HasInterest(fullBitfield(2)))
}

func TestNeedsAnythingBecomesFalseWhenAllVerified(t *testing.T) {
	clk := clock.NewMock()
	s := newTestScheduler(clk)
	assert.True(t, s.NeedsAnything())
	s.OnPieceVerified(0)
	s.OnPieceVerified(1)
	assert.False(t, s.NeedsAnything())
}
