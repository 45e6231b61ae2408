package enginetest

import (
	"crypto/sha1" // nolint: gosec
	"math/rand"

	"github.com/cenkalti/rainstream/internal/metainfo"
	"github.com/zeebo/bencode"
)

// FileSpec describes a file of a generated torrent.
type FileSpec struct {
	Path   string
	Length int64
}

// NewTorrent generates a multi-file torrent with deterministic pseudo-random content.
// It returns the bencoded torrent file and the concatenated file data.
func NewTorrent(name string, pieceLength int64, seed int64, files ...FileSpec) (torrentFile, data []byte) {
	var total int64
	for _, f := range files {
		total += f.Length
	}
	data = make([]byte, total)
	_, _ = rand.New(rand.NewSource(seed)).Read(data) // nolint: gosec

	var pieces []byte
	for off := int64(0); off < total; off += pieceLength {
		end := off + pieceLength
		if end > total {
			end = total
		}
		sum := sha1.Sum(data[off:end]) // nolint: gosec
		pieces = append(pieces, sum[:]...)
	}

	type fileDict struct {
		Length int64    `bencode:"length"`
		Path   []string `bencode:"path"`
	}
	info := struct {
		Files       []fileDict `bencode:"files"`
		Name        string     `bencode:"name"`
		PieceLength int64      `bencode:"piece length"`
		Pieces      []byte     `bencode:"pieces"`
	}{
		Name:        name,
		PieceLength: pieceLength,
		Pieces:      pieces,
	}
	for _, f := range files {
		info.Files = append(info.Files, fileDict{Length: f.Length, Path: []string{f.Path}})
	}
	infoBytes, err := bencode.EncodeBytes(info)
	if err != nil {
		panic(err)
	}
	torrentFile, err = metainfo.NewBytes(infoBytes, [][]string{{"http://tracker.example.com/announce"}}, "")
	if err != nil {
		panic(err)
	}
	return torrentFile, data
}
