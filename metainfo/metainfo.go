// Package metainfo parses .torrent files into a Torrent: the tracker
// announce URL, the immutable info-hash, the piece/hash plan, and the
// flattened file layout the piece store needs.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"gorent/bencode"
	"gorent/errs"
)

const hashSize = 20

// FileInfo describes one file within a torrent, in declaration order.
type FileInfo struct {
	// Path is the file's path segments, relative to the torrent's
	// destination directory. Single-file torrents have one segment: the
	// torrent's name.
	Path   []string
	Length int64
}

// Torrent is a parsed, validated .torrent file.
type Torrent struct {
	Announce    string
	InfoHash    [20]byte
	PieceLen    int64
	Pieces      [][20]byte
	Name        string
	Files       []FileInfo
	TotalLength int64
	Multi       bool
}

// NumPieces returns the number of pieces implied by PieceLen and the
// pieces hash list.
func (t *Torrent) NumPieces() int { return len(t.Pieces) }

// PieceLength returns the byte length of piece i, accounting for the
// possibly-short final piece.
func (t *Torrent) PieceLength(i int) int64 {
	if i < 0 || i >= len(t.Pieces) {
		return 0
	}
	if i == len(t.Pieces)-1 {
		rem := t.TotalLength - int64(i)*t.PieceLen
		if rem < 0 {
			rem = 0
		}
		return rem
	}
	return t.PieceLen
}

func (t *Torrent) String() string {
	return fmt.Sprintf("%s (%d bytes, %d pieces)", t.Name, t.TotalLength, len(t.Pieces))
}

// Parse decodes raw .torrent bytes into a validated Torrent. InfoHash is
// computed from the exact source bytes of the "info" dict as they appear
// in raw, never from a re-encoding, so it is stable across any number of
// decode/encode round trips performed on the info value alone.
func Parse(raw []byte) (*Torrent, error) {
	top, err := bencode.DecodeStrict(raw)
	if err != nil {
		return nil, errors.Wrap(err, "metainfo: decode top-level dict")
	}
	if !top.IsDict() {
		return nil, &errs.MetainfoInvalid{Msg: "top-level value is not a dictionary"}
	}

	infoStart, infoEnd, err := findInfoSpan(raw)
	if err != nil {
		return nil, err
	}
	infoHash := sha1.Sum(raw[infoStart:infoEnd])

	announceVal, ok := top.Lookup("announce")
	if !ok || !announceVal.IsString() {
		return nil, &errs.MetainfoInvalid{Msg: "missing or invalid \"announce\""}
	}

	infoVal, ok := top.Lookup("info")
	if !ok || !infoVal.IsDict() {
		return nil, &errs.MetainfoInvalid{Msg: "missing or invalid \"info\""}
	}

	t := &Torrent{
		Announce: string(announceVal.Str),
		InfoHash: infoHash,
	}

	if err := t.fromInfo(infoVal); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Torrent) fromInfo(info bencode.Value) error {
	pieceLenVal, ok := info.Lookup("piece length")
	if !ok || !pieceLenVal.IsInt() || pieceLenVal.Int <= 0 {
		return &errs.MetainfoInvalid{Msg: "\"piece length\" must be a positive integer"}
	}
	t.PieceLen = pieceLenVal.Int

	piecesVal, ok := info.Lookup("pieces")
	if !ok || !piecesVal.IsString() {
		return &errs.MetainfoInvalid{Msg: "missing or invalid \"pieces\""}
	}
	if len(piecesVal.Str)%hashSize != 0 {
		return &errs.MetainfoInvalid{Msg: "\"pieces\" length is not a multiple of 20"}
	}
	numPieces := len(piecesVal.Str) / hashSize
	t.Pieces = make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(t.Pieces[i][:], piecesVal.Str[i*hashSize:(i+1)*hashSize])
	}

	nameVal, ok := info.Lookup("name")
	if !ok || !nameVal.IsString() || len(nameVal.Str) == 0 {
		return &errs.MetainfoInvalid{Msg: "missing or invalid \"name\""}
	}
	t.Name = string(nameVal.Str)

	filesVal, multi := info.Lookup("files")
	if multi {
		if err := t.fromMultiFile(filesVal); err != nil {
			return err
		}
	} else {
		lengthVal, ok := info.Lookup("length")
		if !ok || !lengthVal.IsInt() || lengthVal.Int < 0 {
			return &errs.MetainfoInvalid{Msg: "missing or invalid \"length\""}
		}
		t.Files = []FileInfo{{Path: []string{t.Name}, Length: lengthVal.Int}}
		t.TotalLength = lengthVal.Int
	}

	if t.TotalLength == 0 && len(t.Pieces) > 0 {
		return &errs.MetainfoInvalid{Msg: "torrent has pieces but zero total length"}
	}
	expectedPieces := (t.TotalLength + t.PieceLen - 1) / t.PieceLen
	if t.TotalLength > 0 && expectedPieces != int64(len(t.Pieces)) {
		return &errs.MetainfoInvalid{Msg: "piece count does not match total length / piece length"}
	}
	return nil
}

func (t *Torrent) fromMultiFile(filesVal bencode.Value) error {
	if !filesVal.IsList() || len(filesVal.List) == 0 {
		return &errs.MetainfoInvalid{Msg: "\"files\" must be a non-empty list in multi-file mode"}
	}
	t.Multi = true
	t.Files = make([]FileInfo, 0, len(filesVal.List))
	var total int64
	for _, f := range filesVal.List {
		if !f.IsDict() {
			return &errs.MetainfoInvalid{Msg: "each file entry must be a dictionary"}
		}
		lengthVal, ok := f.Lookup("length")
		if !ok || !lengthVal.IsInt() || lengthVal.Int < 0 {
			return &errs.MetainfoInvalid{Msg: "file entry missing a valid \"length\""}
		}
		pathVal, ok := f.Lookup("path")
		if !ok || !pathVal.IsList() || len(pathVal.List) == 0 {
			return &errs.MetainfoInvalid{Msg: "file entry missing a valid \"path\""}
		}
		segs := make([]string, 0, len(pathVal.List))
		for _, segVal := range pathVal.List {
			if !segVal.IsString() {
				return &errs.MetainfoInvalid{Msg: "path segment must be a byte-string"}
			}
			seg := string(segVal.Str)
			if err := validatePathSegment(seg); err != nil {
				return err
			}
			segs = append(segs, seg)
		}
		t.Files = append(t.Files, FileInfo{Path: segs, Length: lengthVal.Int})
		total += lengthVal.Int
	}
	t.TotalLength = total
	return nil
}

func validatePathSegment(seg string) error {
	if seg == "" {
		return &errs.MetainfoInvalid{Msg: "path segment is empty"}
	}
	if seg == ".." {
		return &errs.MetainfoInvalid{Msg: "path segment is \"..\""}
	}
	if strings.ContainsAny(seg, "/\\") || strings.Contains(seg, string(filepath.Separator)) {
		return &errs.MetainfoInvalid{Msg: "path segment contains a separator"}
	}
	return nil
}

// findInfoSpan locates the byte span of the "info" dict's value within a
// raw top-level bencoded dictionary, by walking the same grammar Decode
// already validated. It does not re-validate key ordering — DecodeStrict
// above already rejected any structurally invalid input — it only needs
// to recover the exact source byte range for hashing.
func findInfoSpan(raw []byte) (start, end int, err error) {
	if len(raw) == 0 || raw[0] != 'd' {
		return 0, 0, &errs.MetainfoInvalid{Msg: "top-level value is not a dictionary"}
	}
	pos := 1
	for pos < len(raw) && raw[pos] != 'e' {
		keyVal, n, derr := bencode.Decode(raw[pos:])
		if derr != nil {
			return 0, 0, errors.Wrap(derr, "metainfo: scanning for \"info\"")
		}
		pos += n
		valStart := pos
		_, n2, derr := bencode.Decode(raw[pos:])
		if derr != nil {
			return 0, 0, errors.Wrap(derr, "metainfo: scanning for \"info\"")
		}
		pos += n2
		if keyVal.IsString() && string(keyVal.Str) == "info" {
			return valStart, pos, nil
		}
	}
	return 0, 0, &errs.MetainfoInvalid{Msg: "missing \"info\" dictionary"}
}
