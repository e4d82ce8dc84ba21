// Package scheduler implements block assignment: uniform-random selection
// among needed pieces a peer has advertised, per-peer pipeline depth
// capping, and clock-driven reservation expiry. Rarest-first or any other
// optimized piece-selection policy is deliberately not implemented. It is
// grounded on uber-kraken's lib/torrent/scheduler/dispatch/piecerequest
// package, generalized from kraken's rarest-first default to uniform
// random.
package scheduler

import (
	"math/rand"
	"time"

	"github.com/andres-erbsen/clock"

	"gorent/bitfield"
	"gorent/peer"
)

// PeerView is what the scheduler needs to know about one peer connection
// to make assignment decisions; session builds these from its peer.Conn
// map each tick rather than handing the scheduler the Conns themselves,
// keeping this package free of any dependency on peer.Conn or session.
type PeerView struct {
	Key      string
	Ready    bool
	Choking  bool
	Bitfield *bitfield.Bitfield
}

// Assignment is a single block request the caller (session) should send
// on the named peer's connection.
type Assignment struct {
	PeerKey string
	Piece   int
	Begin   int
	Length  int
}

type reservation struct {
	peerKey string
	piece   int
	begin   int
	deadline time.Time
}

// Scheduler tracks the Needed set and per-peer in-flight block
// reservations. It holds no reference to any peer connection or socket;
// callers drive it from a single goroutine, matching store's model.
type Scheduler struct {
	clk clock.Clock

	numPieces     int
	pieceLength   func(i int) int64
	blockSize     int
	pipelineDepth int
	blockTimeout  time.Duration

	needed map[int]bool

	// reserved[piece][begin] is the peer holding that block's reservation.
	reserved map[int]map[int]*reservation
	// received[piece][begin] marks a block already delivered, so it
	// is not re-requested before the whole piece verifies.
	received map[int]map[int]bool
	// perPeerCount is the number of outstanding reservations held by a
	// peer, kept in lockstep with reserved for O(1) capacity checks.
	perPeerCount map[string]int
}

// Options configures a new Scheduler.
type Options struct {
	NumPieces     int
	PieceLength   func(i int) int64
	BlockSize     int
	PipelineDepth int
	BlockTimeout  time.Duration
}

// New builds a Scheduler with every piece initially Needed.
func New(clk clock.Clock, opts Options) *Scheduler {
	s := &Scheduler{
		clk:           clk,
		numPieces:     opts.NumPieces,
		pieceLength:   opts.PieceLength,
		blockSize:     opts.BlockSize,
		pipelineDepth: opts.PipelineDepth,
		blockTimeout:  opts.BlockTimeout,
		needed:        make(map[int]bool, opts.NumPieces),
		reserved:      make(map[int]map[int]*reservation),
		received:      make(map[int]map[int]bool),
		perPeerCount:  make(map[string]int),
	}
	for i := 0; i < opts.NumPieces; i++ {
		s.needed[i] = true
	}
	return s
}

// NeedsAnything reports whether the Needed set is non-empty.
func (s *Scheduler) NeedsAnything() bool { return len(s.needed) > 0 }

// Needed reports whether piece i is still outstanding.
func (s *Scheduler) Needed(i int) bool { return s.needed[i] }

// HasInterest reports whether bf (a peer's advertised pieces) overlaps
// the Needed set, used by the caller to decide whether to send
// interested/not-interested: interest is recalculated whenever a peer's
// advertised set newly adds a needed piece.
func (s *Scheduler) HasInterest(bf *bitfield.Bitfield) bool {
	if bf == nil {
		return false
	}
	for i := range s.needed {
		if bf.Has(i) {
			return true
		}
	}
	return false
}

// Assign chooses new block requests for every candidate peer with spare
// pipeline capacity. Candidates should already be filtered to Ready,
// unchoked peers; Assign filters defensively anyway.
func (s *Scheduler) Assign(peers []PeerView) []Assignment {
	var out []Assignment
	for _, pv := range peers {
		if !pv.Ready || pv.Choking || pv.Bitfield == nil {
			continue
		}
		spare := s.pipelineDepth - s.perPeerCount[pv.Key]
		for i := 0; i < spare; i++ {
			a, ok := s.assignOne(pv)
			if !ok {
				break
			}
			out = append(out, a)
		}
	}
	return out
}

func (s *Scheduler) assignOne(pv PeerView) (Assignment, bool) {
	candidates := make([]int, 0)
	for piece := range s.needed {
		if pv.Bitfield.Has(piece) {
			candidates = append(candidates, piece)
		}
	}
	if len(candidates) == 0 {
		return Assignment{}, false
	}
	piece := candidates[rand.Intn(len(candidates))]

	pieceLen := s.pieceLength(piece)
	begin, length, ok := s.nextBlock(piece, pieceLen)
	if !ok {
		return Assignment{}, false
	}

	s.reserve(pv.Key, piece, begin, length)
	return Assignment{PeerKey: pv.Key, Piece: piece, Begin: begin, Length: length}, true
}

// nextBlock finds the lowest-offset block of piece not yet reserved and
// not yet received.
func (s *Scheduler) nextBlock(piece int, pieceLen int64) (begin, length int, ok bool) {
	for off := 0; int64(off) < pieceLen; off += s.blockSize {
		if s.received[piece] != nil && s.received[piece][off] {
			continue
		}
		if s.reserved[piece] != nil && s.reserved[piece][off] != nil {
			continue
		}
		blockLen := s.blockSize
		if remaining := pieceLen - int64(off); remaining < int64(blockLen) {
			blockLen = int(remaining)
		}
		return off, blockLen, true
	}
	return 0, 0, false
}

func (s *Scheduler) reserve(peerKey string, piece, begin, length int) {
	if s.reserved[piece] == nil {
		s.reserved[piece] = make(map[int]*reservation)
	}
	s.reserved[piece][begin] = &reservation{
		peerKey:  peerKey,
		piece:    piece,
		begin:    begin,
		deadline: s.clk.Now().Add(s.blockTimeout),
	}
	s.perPeerCount[peerKey]++
}

// MarkReceived records that a block arrived, releasing its reservation
// and excluding it from future nextBlock scans until the piece resets.
func (s *Scheduler) MarkReceived(piece, begin int) {
	s.releaseReservation(piece, begin)
	if s.received[piece] == nil {
		s.received[piece] = make(map[int]bool)
	}
	s.received[piece][begin] = true
}

func (s *Scheduler) releaseReservation(piece, begin int) {
	byBegin := s.reserved[piece]
	if byBegin == nil {
		return
	}
	r, ok := byBegin[begin]
	if !ok {
		return
	}
	delete(byBegin, begin)
	s.perPeerCount[r.peerKey]--
	if s.perPeerCount[r.peerKey] <= 0 {
		delete(s.perPeerCount, r.peerKey)
	}
}

// OnPieceVerified removes piece from Needed, clears its bookkeeping, and
// returns the have(piece) wire message the caller should broadcast to
// every Ready peer. It does not send anything itself, keeping this
// package free of any dependency on peer.Conn or session.
func (s *Scheduler) OnPieceVerified(piece int) []byte {
	delete(s.needed, piece)
	delete(s.reserved, piece)
	delete(s.received, piece)
	return peer.Have(piece).Serialize()
}

// OnPieceBad clears a piece's reservations and received-block bookkeeping
// so it can be re-requested from scratch after a hash mismatch; piece
// stays in Needed.
func (s *Scheduler) OnPieceBad(piece int) {
	delete(s.reserved, piece)
	delete(s.received, piece)
}

// ReleasePeer frees every reservation held by peerKey, e.g. on connection
// loss.
func (s *Scheduler) ReleasePeer(peerKey string) {
	for piece, byBegin := range s.reserved {
		for begin, r := range byBegin {
			if r.peerKey == peerKey {
				delete(byBegin, begin)
			}
		}
		if len(byBegin) == 0 {
			delete(s.reserved, piece)
		}
	}
	delete(s.perPeerCount, peerKey)
}

// SweepExpired releases any reservation whose deadline has passed, making
// those blocks assignable again on the next Assign call.
func (s *Scheduler) SweepExpired() {
	now := s.clk.Now()
	for piece, byBegin := range s.reserved {
		for begin, r := range byBegin {
			if now.After(r.deadline) {
				delete(byBegin, begin)
				s.perPeerCount[r.peerKey]--
				if s.perPeerCount[r.peerKey] <= 0 {
					delete(s.perPeerCount, r.peerKey)
				}
			}
		}
		if len(byBegin) == 0 {
			delete(s.reserved, piece)
		}
	}
}
