package metainfo

import (
	"crypto/sha1" // nolint: gosec
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/zeebo/bencode"
)

var errInvalidPieceData = errors.New("invalid piece data")

// Info contains information about torrent.
type Info struct {
	PieceLength int64              `bencode:"piece length" json:"piece_length"`
	Pieces      []byte             `bencode:"pieces" json:"pieces"`
	Private     bencode.RawMessage `bencode:"private" json:"private"`
	Name        string             `bencode:"name" json:"name"`
	Length      int64              `bencode:"length" json:"length"` // Single File Mode
	Files       []FileDict         `bencode:"files" json:"files"`   // Multiple File mode

	// Calculated fileds
	Hash        [20]byte `bencode:"-" json:"-"`
	TotalLength int64    `bencode:"-" json:"-"`
	NumPieces   int      `bencode:"-" json:"-"`
	Bytes       []byte   `bencode:"-" json:"-"`
}

// FileDict is a file entry in multi-file torrents.
type FileDict struct {
	Length int64    `bencode:"length" json:"length"`
	Path   []string `bencode:"path" json:"path"`
}

// File is a file of the torrent with its position in the torrent data.
type File struct {
	Path   string
	Offset int64
	Length int64
}

// NewInfo returns info from bencoded bytes in b.
func NewInfo(b []byte) (*Info, error) {
	var i Info
	if err := bencode.DecodeBytes(b, &i); err != nil {
		return nil, err
	}
	if i.PieceLength <= 0 {
		return nil, errors.New("invalid piece length")
	}
	if len(i.Pieces)%sha1.Size != 0 {
		return nil, errInvalidPieceData
	}
	// ".." is not allowed in file names
	for _, file := range i.Files {
		for _, path := range file.Path {
			if strings.TrimSpace(path) == ".." {
				return nil, fmt.Errorf("invalid file name: %q", filepath.Join(file.Path...))
			}
		}
	}
	i.NumPieces = len(i.Pieces) / sha1.Size
	if !i.MultiFile() {
		i.TotalLength = i.Length
	} else {
		for _, f := range i.Files {
			i.TotalLength += f.Length
		}
	}
	totalPieceDataLength := i.PieceLength * int64(i.NumPieces)
	delta := totalPieceDataLength - i.TotalLength
	if delta >= i.PieceLength || delta < 0 {
		return nil, errInvalidPieceData
	}
	i.Bytes = b
	hash := sha1.New()   // nolint: gosec
	_, _ = hash.Write(b) // nolint: gosec
	copy(i.Hash[:], hash.Sum(nil))
	return &i, nil
}

// MultiFile returns true if the torrent has a files list.
func (i *Info) MultiFile() bool {
	return len(i.Files) != 0
}

// GetFiles returns the files in torrent as a slice, even if there is a single file.
// Offsets are positions in the concatenated torrent data.
func (i *Info) GetFiles() []File {
	if !i.MultiFile() {
		return []File{{Path: i.Name, Length: i.Length}}
	}
	files := make([]File, len(i.Files))
	var offset int64
	for n, f := range i.Files {
		files[n] = File{
			Path:   filepath.Join(append([]string{i.Name}, f.Path...)...),
			Offset: offset,
			Length: f.Length,
		}
		offset += f.Length
	}
	return files
}

// FilePieces returns the first and last piece index covering the byte range of a file.
// Boundary pieces shared with neighbour files are included.
// ok is false for empty files.
func FilePieces(offset, length, pieceLength int64) (first, last int, ok bool) {
	if pieceLength <= 0 || length <= 0 || offset < 0 {
		return 0, 0, false
	}
	return int(offset / pieceLength), int((offset + length - 1) / pieceLength), true
}
