package metainfo

import (
	"bytes"
	"crypto/sha1" // nolint: gosec
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/bencode"
)

func newTestInfo(t *testing.T, pieceLength int64, files ...FileDict) []byte {
	var total int64
	for _, f := range files {
		total += f.Length
	}
	numPieces := (total + pieceLength - 1) / pieceLength
	info := struct {
		PieceLength int64      `bencode:"piece length"`
		Pieces      []byte     `bencode:"pieces"`
		Name        string     `bencode:"name"`
		Files       []FileDict `bencode:"files"`
	}{
		PieceLength: pieceLength,
		Pieces:      make([]byte, numPieces*sha1.Size),
		Name:        "sample",
		Files:       files,
	}
	b, err := bencode.EncodeBytes(info)
	require.NoError(t, err)
	return b
}

func TestNewBytesRoundTrip(t *testing.T) {
	info := newTestInfo(t, 16, FileDict{Length: 20, Path: []string{"a.mkv"}}, FileDict{Length: 30, Path: []string{"sub", "b.srt"}})
	b, err := NewBytes(info, [][]string{{"http://tracker.example.com/announce"}}, "")
	require.NoError(t, err)

	mi, err := New(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, "sample", mi.Info.Name)
	assert.Equal(t, 4, mi.Info.NumPieces)
	assert.Equal(t, int64(50), mi.Info.TotalLength)
	assert.Equal(t, [][]string{{"http://tracker.example.com/announce"}}, mi.AnnounceList)

	files := mi.Info.GetFiles()
	require.Len(t, files, 2)
	assert.Equal(t, int64(0), files[0].Offset)
	assert.Equal(t, int64(20), files[1].Offset)
	assert.Equal(t, "sample/sub/b.srt", files[1].Path)

	h := sha1.Sum(info) // nolint: gosec
	assert.Equal(t, h, mi.Info.Hash)
}

func TestInvalidTorrent(t *testing.T) {
	_, err := New(strings.NewReader("some garbage data"))
	assert.Error(t, err)

	_, err = New(strings.NewReader("d8:announce3:fooe"))
	assert.Error(t, err)
}

func TestFilePieces(t *testing.T) {
	first, last, ok := FilePieces(20, 30, 16)
	assert.True(t, ok)
	assert.Equal(t, 1, first)
	assert.Equal(t, 3, last)

	first, last, ok = FilePieces(0, 16, 16)
	assert.True(t, ok)
	assert.Equal(t, 0, first)
	assert.Equal(t, 0, last)

	_, _, ok = FilePieces(10, 0, 16)
	assert.False(t, ok)
}
