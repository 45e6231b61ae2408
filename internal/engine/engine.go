// Package engine defines the interface between the session and the BitTorrent protocol engine.
// The engine performs the wire-level work; the session only talks to it through handles,
// status snapshots and an ordered event stream.
package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/rainstream/internal/bitfield"
)

// ErrRemoved is returned from blocking handle operations when the torrent is removed from the engine.
var ErrRemoved = errors.New("torrent removed from engine")

// ErrInvalidHandle is returned from handle operations when the handle is no longer valid.
var ErrInvalidHandle = errors.New("invalid torrent handle")

// InfoHash identifies a torrent inside the engine.
type InfoHash [20]byte

// String returns the hex encoded info hash.
func (h InfoHash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseInfoHash decodes a 40 character hex string.
func ParseInfoHash(s string) (InfoHash, error) {
	var ih InfoHash
	if len(s) != 40 {
		return ih, fmt.Errorf("invalid info hash length: %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return ih, err
	}
	copy(ih[:], b)
	return ih, nil
}

// Engine is the protocol engine. Methods must be safe for concurrent use.
type Engine interface {
	// Start brings the engine up with the given settings.
	Start(Settings) error
	// Stop shuts the engine down. Handles become invalid.
	Stop() error
	// ApplySettings replaces the whole settings object in one call.
	ApplySettings(Settings) error
	// AddTorrent requests an asynchronous add. Completion is reported with EventAddConfirmed.
	AddTorrent(AddParams) error
	// Find returns the handle for the info hash or nil.
	Find(InfoHash) Handle
	// Remove removes the torrent. Completion is reported with EventTorrentRemoved.
	Remove(h Handle, deleteFiles bool) error
	// Events returns the ordered event stream. It is closed after Stop.
	Events() <-chan Event
	// DHTNodes returns the number of nodes in the DHT routing table.
	DHTNodes() int
}

// AddParams describes a torrent to add. Exactly one of Metadata and Magnet is set.
type AddParams struct {
	InfoHash   InfoHash
	Metadata   []byte // bencoded torrent file
	Magnet     string
	SaveDir    string
	ResumeData []byte
	Priorities []Priority
	Sequential bool
	Paused     bool
	// MetadataOnly disables auto management, uploading and downloading piece data.
	// The torrent stops itself when the metadata is received.
	MetadataOnly bool
}

// Handle is a reference to one torrent inside the engine.
type Handle interface {
	InfoHash() InfoHash
	Valid() bool
	Pause()
	Resume()
	SetFilePriorities([]Priority) error
	FilePriorities() []Priority
	SetSequential(bool)
	// MoveStorage is asynchronous. Result is reported with EventStorageMoved or EventStorageMoveFailed.
	MoveStorage(path string)
	ForceRecheck()
	ForceReannounce()
	// SaveResumeData is asynchronous. Result is reported with EventSaveResumeData or EventSaveResumeDataFailed.
	SaveResumeData()
	Status() Status
	// Metadata returns nil until the info dictionary is known.
	Metadata() *Metadata
	// PeerPieces returns the piece sets of the connected peers.
	PeerPieces() []*bitfield.Bitfield
	// FileProgress returns completed bytes per file.
	FileProgress() []int64
	SetPiecePriority(piece int, p Priority)
	SetPieceDeadline(piece int, d time.Duration)
	HavePiece(piece int) bool
	// WaitPiece blocks until the piece is downloaded and verified.
	WaitPiece(ctx context.Context, piece int) error
	// ReadAt reads torrent data at the given torrent-wide offset. It returns when ctx is done.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	SetMaxConnections(n int)
	SetMaxUploads(n int)
}

// Metadata is the parsed info dictionary of a torrent.
type Metadata struct {
	Name        string
	PieceLength int64
	NumPieces   int
	TotalLength int64
	Files       []File
	// Bytes is the bencoded torrent file.
	Bytes []byte
}

// File is one file inside the torrent data.
type File struct {
	Path   string
	Offset int64
	Length int64
}

// PieceSize returns the length of the piece at index i.
func (m *Metadata) PieceSize(i int) int64 {
	if i == m.NumPieces-1 {
		if rem := m.TotalLength % m.PieceLength; rem != 0 {
			return rem
		}
	}
	return m.PieceLength
}
