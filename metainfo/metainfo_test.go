package metainfo

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gorent/bencode"
)

func buildSingleFileTorrent(pieceLen, length int64, numPieces int) []byte {
	pieces := make([]byte, numPieces*20)
	for i := range pieces {
		pieces[i] = byte(i)
	}
	info := bencode.Dict(map[string]bencode.Value{
		"name":         bencode.Text("movie.mkv"),
		"length":       bencode.Integer(length),
		"piece length": bencode.Integer(pieceLen),
		"pieces":       bencode.String(pieces),
	})
	top := bencode.Dict(map[string]bencode.Value{
		"announce": bencode.Text("http://tracker.example/announce"),
		"info":     info,
	})
	return bencode.Encode(top)
}

func TestParseSingleFile(t *testing.T) {
	raw := buildSingleFileTorrent(16384, 16384*2+100, 3)
	tr, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "http://tracker.example/announce", tr.Announce)
	assert.Equal(t, "movie.mkv", tr.Name)
	assert.Equal(t, int64(16384*2+100), tr.TotalLength)
	assert.Equal(t, 3, tr.NumPieces())
	assert.Equal(t, int64(100), tr.PieceLength(2))
	assert.False(t, tr.Multi)
}

func TestInfoHashStableAcrossReencode(t *testing.T) {
	raw := buildSingleFileTorrent(16384, 16384, 1)
	tr1, err := Parse(raw)
	require.NoError(t, err)

	// Decode the whole file, re-encode the info value alone, and confirm
	// hashing the re-encoded info value agrees with tr1.InfoHash — bytes
	// that originated from a decode re-encode byte-identical, so the hash
	// is stable across any number of such round trips.
	top, err := bencode.DecodeStrict(raw)
	require.NoError(t, err)
	infoVal, ok := top.Lookup("info")
	require.True(t, ok)
	reencoded := bencode.Encode(infoVal)
	assert.Equal(t, sha1.Sum(reencoded), tr1.InfoHash)
}

func TestParseMultiFile(t *testing.T) {
	info := bencode.Dict(map[string]bencode.Value{
		"name":         bencode.Text("album"),
		"piece length": bencode.Integer(16384),
		"pieces":       bencode.String(make([]byte, 20)),
		"files": bencode.List(
			bencode.Dict(map[string]bencode.Value{
				"length": bencode.Integer(10000),
				"path":   bencode.List(bencode.Text("disc1"), bencode.Text("track1.flac")),
			}),
			bencode.Dict(map[string]bencode.Value{
				"length": bencode.Integer(6384),
				"path":   bencode.List(bencode.Text("disc1"), bencode.Text("track2.flac")),
			}),
		),
	})
	top := bencode.Dict(map[string]bencode.Value{
		"announce": bencode.Text("http://tracker.example/announce"),
		"info":     info,
	})
	tr, err := Parse(bencode.Encode(top))
	require.NoError(t, err)
	assert.True(t, tr.Multi)
	require.Len(t, tr.Files, 2)
	assert.Equal(t, []string{"disc1", "track1.flac"}, tr.Files[0].Path)
	assert.Equal(t, int64(16384), tr.TotalLength)
}

func TestParseRejectsZeroPieceLength(t *testing.T) {
	raw := buildSingleFileTorrent(0, 100, 1)
	_, err := Parse(raw)
	assert.Error(t, err)
}

func TestParseRejectsBadPiecesLength(t *testing.T) {
	info := bencode.Dict(map[string]bencode.Value{
		"name":         bencode.Text("f"),
		"length":       bencode.Integer(10),
		"piece length": bencode.Integer(16384),
		"pieces":       bencode.String(make([]byte, 19)),
	})
	top := bencode.Dict(map[string]bencode.Value{
		"announce": bencode.Text("http://x"),
		"info":     info,
	})
	_, err := Parse(bencode.Encode(top))
	assert.Error(t, err)
}

func TestParseRejectsEmptyMultiFileList(t *testing.T) {
	info := bencode.Dict(map[string]bencode.Value{
		"name":         bencode.Text("f"),
		"piece length": bencode.Integer(16384),
		"pieces":       bencode.String(nil),
		"files":        bencode.List(),
	})
	top := bencode.Dict(map[string]bencode.Value{
		"announce": bencode.Text("http://x"),
		"info":     info,
	})
	_, err := Parse(bencode.Encode(top))
	assert.Error(t, err)
}

func TestParseRejectsDotDotPathSegment(t *testing.T) {
	info := bencode.Dict(map[string]bencode.Value{
		"name":         bencode.Text("f"),
		"piece length": bencode.Integer(16384),
		"pieces":       bencode.String(make([]byte, 20)),
		"files": bencode.List(
			bencode.Dict(map[string]bencode.Value{
				"length": bencode.Integer(10),
				"path":   bencode.List(bencode.Text(".."), bencode.Text("x")),
			}),
		),
	})
	top := bencode.Dict(map[string]bencode.Value{
		"announce": bencode.Text("http://x"),
		"info":     info,
	})
	_, err := Parse(bencode.Encode(top))
	assert.Error(t, err)
}
