package streamserver

import (
	"context"
	"crypto/sha1" // nolint: gosec
	"encoding/hex"
	"io"
	"strconv"
	"time"

	"github.com/cenkalti/rainstream/internal/engine"
)

// Pieces gives access to the downloaded data of a torrent.
// engine.Handle satisfies this interface.
type Pieces interface {
	HavePiece(piece int) bool
	WaitPiece(ctx context.Context, piece int) error
	SetPiecePriority(piece int, p engine.Priority)
	SetPieceDeadline(piece int, d time.Duration)
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
}

// Stream describes one file inside a torrent.
type Stream struct {
	// ID is the content id. It is used as ETag.
	ID        string
	TorrentID string
	FileIndex int
	// Name is the file path inside the torrent. Its extension selects the content type.
	Name string
	// Offset of the file in torrent data.
	Offset      int64
	Size        int64
	PieceLength int64
	Pieces      Pieces
}

// ContentID returns the content id of a file.
func ContentID(torrentID string, fileIndex int) string {
	sum := sha1.Sum([]byte(torrentID + strconv.Itoa(fileIndex))) // nolint: gosec
	return hex.EncodeToString(sum[:])
}

// Source returns the stream for a file. Any error results in 404.
type Source interface {
	Stream(torrentID string, fileIndex int) (*Stream, error)
}

// reader reads a region of a stream. Reads block until the pieces covering the region are downloaded.
type reader struct {
	ctx      context.Context
	stream   *Stream
	pos      int64 // relative to file
	end      int64 // exclusive
	preload  int
	deadline time.Duration

	// prioritized is the last piece that raised priorities.
	prioritized int
}

func newReader(ctx context.Context, s *Stream, start, length int64, preload int, deadline time.Duration) *reader {
	return &reader{
		ctx:         ctx,
		stream:      s,
		pos:         start,
		end:         start + length,
		preload:     preload,
		deadline:    deadline,
		prioritized: -1,
	}
}

func (r *reader) Read(p []byte) (int, error) {
	if r.pos >= r.end {
		return 0, io.EOF
	}
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	s := r.stream
	abs := s.Offset + r.pos
	piece := int(abs / s.PieceLength)
	n := int64(len(p))
	if left := r.end - r.pos; n > left {
		n = left
	}
	// Do not cross a piece boundary so a single wait covers the whole read.
	if left := int64(piece+1)*s.PieceLength - abs; n > left {
		n = left
	}
	r.prioritize(piece)
	if err := s.Pieces.WaitPiece(r.ctx, piece); err != nil {
		return 0, err
	}
	m, err := s.Pieces.ReadAt(r.ctx, p[:n], abs)
	r.pos += int64(m)
	if err == io.EOF && int64(m) == n {
		err = nil
	}
	return m, err
}

// prioritize raises priority and sets a deadline for the piece and up to r.preload missing pieces after it.
func (r *reader) prioritize(piece int) {
	if piece == r.prioritized {
		return
	}
	r.prioritized = piece
	s := r.stream
	last := int((s.Offset + s.Size - 1) / s.PieceLength)
	for i, n := piece, 0; i <= last && n <= r.preload; i++ {
		if s.Pieces.HavePiece(i) {
			continue
		}
		s.Pieces.SetPiecePriority(i, engine.PriorityTop)
		s.Pieces.SetPieceDeadline(i, r.deadline)
		n++
	}
}
