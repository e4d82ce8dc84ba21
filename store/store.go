// Package store maps a torrent's pieces onto the byte ranges of one or
// more on-disk files, verifies completed pieces against their SHA-1
// digest, and persists them. It is the only shared mutable state in the
// design (spec §5): callers are expected to drive it from a single
// goroutine, so no internal locking is used.
package store

import (
	"crypto/sha1"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"gorent/errs"
	"gorent/metainfo"
)

// PieceState is the lifecycle of a single piece (spec §3).
type PieceState int

const (
	Missing PieceState = iota
	InFlight
	Complete
	Verified
)

func (s PieceState) String() string {
	switch s {
	case Missing:
		return "missing"
	case InFlight:
		return "in-flight"
	case Complete:
		return "complete"
	case Verified:
		return "verified"
	default:
		return "unknown"
	}
}

// Result is the outcome of AcceptBlock.
type Result int

const (
	Accepted Result = iota
	PieceOK
	PieceBad
	Duplicate
	OutOfRange
)

// Segment is one contiguous span of a single file that a piece overlaps.
type Segment struct {
	FileIndex int
	Offset    int64
	Length    int64
}

type pieceInfo struct {
	state          PieceState
	segments       []Segment
	buf            []byte
	receivedOffset map[int]bool
	receivedBytes  int64
	contributors   map[string]bool
}

// Store is a torrent's piece store: per-piece state, in-memory assembly
// buffers for in-flight pieces, and the open file handles backing
// verified bytes.
type Store struct {
	t       *metainfo.Torrent
	destDir string
	logger  *zap.SugaredLogger

	pieces []pieceInfo
	files  []*os.File
}

// Open creates (or reuses) the destination files for t under destDir,
// sized to their declared lengths, and returns a Store ready to accept
// blocks. Directories are created as needed; no sidecar files are
// written.
func Open(t *metainfo.Torrent, destDir string, logger *zap.SugaredLogger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Store{
		t:       t,
		destDir: destDir,
		logger:  logger,
		pieces:  make([]pieceInfo, t.NumPieces()),
		files:   make([]*os.File, len(t.Files)),
	}
	for i := range s.pieces {
		s.pieces[i].segments = s.segmentsForPiece(i)
	}
	if err := s.preallocate(); err != nil {
		return nil, err
	}
	return s, nil
}

// preallocate creates every declared file at its final length up front so
// sparse allocation (where the filesystem supports it) avoids repeated
// growth, and so ReadBlock never has to special-case a not-yet-created
// file.
func (s *Store) preallocate() error {
	for i, f := range s.t.Files {
		path := filepath.Join(append([]string{s.destDir}, f.Path...)...)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return &errs.StorageIO{Cause: errors.Wrapf(err, "creating directory for %s", path)}
		}
		fh, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return &errs.StorageIO{Cause: errors.Wrapf(err, "opening %s", path)}
		}
		if err := fh.Truncate(f.Length); err != nil {
			fh.Close()
			return &errs.StorageIO{Cause: errors.Wrapf(err, "truncating %s", path)}
		}
		s.files[i] = fh
	}
	return nil
}

// Close releases every open file handle.
func (s *Store) Close() error {
	var firstErr error
	for _, fh := range s.files {
		if fh == nil {
			continue
		}
		if err := fh.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// segmentsForPiece precomputes the ordered (file, offset, length) spans a
// piece's bytes fall into, so a single AcceptBlock completion becomes one
// write per overlapping file instead of a re-derivation each time.
func (s *Store) segmentsForPiece(index int) []Segment {
	start := int64(index) * s.t.PieceLen
	length := s.t.PieceLength(index)
	end := start + length

	var segs []Segment
	var fileStart int64
	for fi, f := range s.t.Files {
		fileEnd := fileStart + f.Length
		overlapStart := max64(start, fileStart)
		overlapEnd := min64(end, fileEnd)
		if overlapStart < overlapEnd {
			segs = append(segs, Segment{
				FileIndex: fi,
				Offset:    overlapStart - fileStart,
				Length:    overlapEnd - overlapStart,
			})
		}
		fileStart = fileEnd
	}
	return segs
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// State returns piece i's current lifecycle state.
func (s *Store) State(i int) PieceState {
	if i < 0 || i >= len(s.pieces) {
		return Missing
	}
	return s.pieces[i].state
}

// AcceptBlock buffers a received block until its piece is complete, then
// verifies and persists it. peerID attributes the block to the
// connection it arrived on, so a subsequent hash mismatch can report
// which peers contributed (spec §7: "blacklists the contributing peer for
// that piece").
func (s *Store) AcceptBlock(peerID string, piece, offset int, data []byte) (Result, []string, error) {
	if piece < 0 || piece >= len(s.pieces) {
		return OutOfRange, nil, nil
	}
	pieceLen := s.t.PieceLength(piece)
	if offset < 0 || int64(offset)+int64(len(data)) > pieceLen {
		return OutOfRange, nil, nil
	}

	p := &s.pieces[piece]
	if p.state == Verified {
		return Duplicate, nil, nil
	}
	if p.state == Missing {
		p.buf = make([]byte, pieceLen)
		p.receivedOffset = make(map[int]bool)
		p.contributors = make(map[string]bool)
		p.state = InFlight
	}
	if p.receivedOffset[offset] {
		return Duplicate, nil, nil
	}

	copy(p.buf[offset:], data)
	p.receivedOffset[offset] = true
	p.receivedBytes += int64(len(data))
	if peerID != "" {
		p.contributors[peerID] = true
	}

	if p.receivedBytes < pieceLen {
		return Accepted, nil, nil
	}

	sum := sha1.Sum(p.buf)
	if sum != s.t.Pieces[piece] {
		contributors := keys(p.contributors)
		s.resetPiece(piece)
		s.logger.Warnw("piece hash mismatch", "piece", piece, "contributors", contributors)
		return PieceBad, contributors, &errs.HashMismatch{Piece: piece}
	}

	if err := s.persist(piece, p.buf); err != nil {
		return PieceBad, nil, err
	}
	p.state = Verified
	p.buf = nil
	p.receivedOffset = nil
	p.contributors = nil
	return PieceOK, nil, nil
}

func (s *Store) resetPiece(piece int) {
	p := &s.pieces[piece]
	p.state = Missing
	p.buf = nil
	p.receivedOffset = nil
	p.receivedBytes = 0
	p.contributors = nil
}

// persist writes a verified piece's bytes to every file segment it spans.
func (s *Store) persist(piece int, data []byte) error {
	p := &s.pieces[piece]
	pieceStart := int64(piece) * s.t.PieceLen
	for _, seg := range p.segments {
		// seg.Offset is relative to the file; the corresponding slice of
		// data starts at the piece-relative offset of that file's start.
		fileAbsStart := seg.Offset + fileStartOf(s.t, seg.FileIndex)
		relStart := fileAbsStart - pieceStart
		chunk := data[relStart : relStart+seg.Length]
		fh := s.files[seg.FileIndex]
		if _, err := fh.WriteAt(chunk, seg.Offset); err != nil {
			return &errs.StorageIO{Cause: errors.Wrapf(err, "writing piece %d segment", piece)}
		}
	}
	return nil
}

func fileStartOf(t *metainfo.Torrent, fileIndex int) int64 {
	var cum int64
	for i := 0; i < fileIndex; i++ {
		cum += t.Files[i].Length
	}
	return cum
}

// ReadBlock reads length bytes at offset within piece, which must already
// be Verified — the store never exposes unverified bytes to reads (I4).
func (s *Store) ReadBlock(piece, offset, length int) ([]byte, error) {
	if piece < 0 || piece >= len(s.pieces) {
		return nil, &errs.PeerProtocolViolation{Msg: "piece index out of range"}
	}
	if s.pieces[piece].state != Verified {
		return nil, errors.Errorf("store: piece %d is not verified", piece)
	}
	out := make([]byte, 0, length)
	pieceStart := int64(piece) * s.t.PieceLen
	want := int64(offset)
	end := want + int64(length)
	for _, seg := range s.pieces[piece].segments {
		fileAbsStart := seg.Offset + fileStartOf(s.t, seg.FileIndex)
		relStart := fileAbsStart - pieceStart
		relEnd := relStart + seg.Length
		lo := max64(want, relStart)
		hi := min64(end, relEnd)
		if lo >= hi {
			continue
		}
		buf := make([]byte, hi-lo)
		fileOffset := seg.Offset + (lo - relStart)
		if _, err := s.files[seg.FileIndex].ReadAt(buf, fileOffset); err != nil {
			return nil, &errs.StorageIO{Cause: errors.Wrapf(err, "reading piece %d", piece)}
		}
		out = append(out, buf...)
	}
	return out, nil
}

// Progress reports how many pieces have verified and how many total
// bytes that represents.
func (s *Store) Progress() (verifiedPieces, totalPieces int, verifiedBytes int64) {
	totalPieces = len(s.pieces)
	for i, p := range s.pieces {
		if p.state == Verified {
			verifiedPieces++
			verifiedBytes += s.t.PieceLength(i)
		}
	}
	return
}

// Remaining returns the piece indices not yet Verified, in ascending
// order — the scheduler's "Needed" set.
func (s *Store) Remaining() []int {
	var out []int
	for i, p := range s.pieces {
		if p.state != Verified {
			out = append(out, i)
		}
	}
	return out
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
