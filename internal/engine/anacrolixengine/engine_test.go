package anacrolixengine

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/types"
	"github.com/cenkalti/rainstream/internal/bitfield"
	"github.com/cenkalti/rainstream/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestPiecePriority(t *testing.T) {
	assert.Equal(t, types.PiecePriorityNone, piecePriority(engine.PriorityIgnore))
	assert.Equal(t, types.PiecePriorityNormal, piecePriority(engine.PriorityLow))
	assert.Equal(t, types.PiecePriorityNormal, piecePriority(engine.PriorityDefault))
	assert.Equal(t, types.PiecePriorityHigh, piecePriority(engine.PrioritySix))
	assert.Equal(t, types.PiecePriorityNow, piecePriority(engine.PriorityTop))
}

func TestResumeData(t *testing.T) {
	h := &Handle{
		ih:         engine.InfoHash{1, 2, 3},
		saveDir:    "/data",
		have:       bitfield.New(10),
		priorities: []engine.Priority{4, 0, 7},
		sequential: true,
	}
	h.have.Set(3)
	b, err := newResumeData(h).encode()
	require.NoError(t, err)

	rd, err := decodeResumeData(b)
	require.NoError(t, err)
	assert.Equal(t, h.ih[:], rd.InfoHash)
	assert.Equal(t, "/data", rd.SaveDir)
	assert.Equal(t, 1, rd.Sequential)
	assert.Equal(t, 0, rd.Paused)
	assert.Equal(t, []engine.Priority{4, 0, 7}, rd.priorities())
	bf, err := bitfield.NewBytes(rd.Pieces, 10)
	require.NoError(t, err)
	assert.True(t, bf.Test(3))
	assert.Equal(t, 1, bf.Count())

	rd, err = decodeResumeData(nil)
	assert.NoError(t, err)
	assert.Nil(t, rd)

	_, err = decodeResumeData([]byte("garbage"))
	assert.Error(t, err)
}

func TestSetLimit(t *testing.T) {
	l := rate.NewLimiter(rate.Inf, minBurst)
	setLimit(l, 1000)
	assert.Equal(t, rate.Limit(1000), l.Limit())
	assert.Equal(t, minBurst, l.Burst())
	setLimit(l, 1<<20)
	assert.Equal(t, 1<<20, l.Burst())
	setLimit(l, 0)
	assert.Equal(t, rate.Inf, l.Limit())
}

func TestNotStarted(t *testing.T) {
	e := New(t.TempDir())
	assert.Equal(t, errNotStarted, e.AddTorrent(engine.AddParams{Magnet: "magnet:?xt=urn:btih:0000000000000000000000000000000000000000"}))
	assert.Equal(t, errNotStarted, e.ApplySettings(engine.Settings{}))
	assert.Nil(t, e.Find(engine.InfoHash{}))
	assert.Equal(t, 0, e.DHTNodes())
	assert.NoError(t, e.Stop())
}

const testPieceLength = 16 << 10

// seedTorrent writes a file of 4 pieces into dir and returns its torrent file.
func seedTorrent(t *testing.T, dir string) ([]byte, engine.InfoHash) {
	data := make([]byte, 4*testPieceLength)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(dir, "movie.bin")
	require.NoError(t, os.WriteFile(path, data, 0600))

	info := metainfo.Info{PieceLength: testPieceLength}
	require.NoError(t, info.BuildFromFilePath(path))
	mi := metainfo.MetaInfo{InfoBytes: bencode.MustMarshal(info)}
	var buf bytes.Buffer
	require.NoError(t, mi.Write(&buf))
	return buf.Bytes(), engine.InfoHash(mi.HashInfoBytes())
}

func TestRecheckClearsCorruptPiece(t *testing.T) {
	dir := t.TempDir()
	torrentData, ih := seedTorrent(t, dir)

	e := New(t.TempDir())
	require.NoError(t, e.Start(engine.Settings{EnableIncomingTCP: true, EnableOutgoingTCP: true}))
	defer e.Stop()
	require.NoError(t, e.AddTorrent(engine.AddParams{Metadata: torrentData, SaveDir: dir}))
	h := e.Find(ih)
	require.NotNil(t, h)

	require.Eventually(t, func() bool { return h.Status().Finished }, 10*time.Second, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	require.NoError(t, h.WaitPiece(ctx, 0))
	cancel()

	// Completed files are made read-only by the storage.
	path := filepath.Join(dir, "movie.bin")
	require.NoError(t, os.Chmod(path, 0600))
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(bytes.Repeat([]byte{0xff}, 100), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	h.ForceRecheck()
	require.Eventually(t, func() bool {
		st := h.Status()
		return !h.HavePiece(0) && !st.Pieces.Test(0) && !st.Finished && st.State == engine.StateDownloading
	}, 10*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return h.Status().Pieces.Count() == 3 }, 10*time.Second, 10*time.Millisecond)

	ctx, cancel = context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.WaitPiece(ctx, 0), context.DeadlineExceeded)
	_, err = h.ReadAt(ctx, make([]byte, 10), 0)
	assert.Error(t, err)
}
