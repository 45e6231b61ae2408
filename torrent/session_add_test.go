package torrent

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/rainstream/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddTorrent(t *testing.T) {
	s, eng := newTestSession(t)
	sub := s.Subscribe()
	defer sub.Close()
	tt := newTestTorrent(t, "movie", 1)

	tor := addTestTorrent(t, s, tt, nil)
	assert.Equal(t, tt.id, tor.ID())
	assert.Equal(t, "movie", tor.Name())
	assert.Equal(t, []Priority{PriorityDefault, PriorityDefault}, tor.FilePriorities())
	waitFor(t, sub, TorrentAdded, tt.id)

	rec, err := s.store.Record(tt.id)
	require.NoError(t, err)
	assert.Equal(t, "movie", rec.Name)
	assert.Equal(t, tt.file, rec.Metadata)
	assert.Equal(t, []int{4, 4}, rec.Priorities)
	assert.Equal(t, s.config.DataDir, rec.Dest)

	h := eng.Handle(tt.infoHash)
	require.NotNil(t, h)
	assert.Equal(t, 1, h.ResumeSaves())
	assert.Eventually(t, func() bool {
		b, _ := s.store.ReadResume(tt.id)
		return b != nil
	}, timeout, tick)

	res, err := s.AddTorrent(context.Background(), bytes.NewReader(tt.file), nil)
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, res.Outcome)
	assert.Equal(t, tor, res.Torrent)
	assert.Len(t, eng.Added(), 1)
	assert.Equal(t, []*Torrent{tor}, s.ListTorrents())
}

// Garbage input must be reported in the result, not as a session failure.
func TestInvalidTorrentData(t *testing.T) {
	s, eng := newTestSession(t)

	res, err := s.AddTorrent(context.Background(), strings.NewReader("some garbage data"), nil)
	require.NoError(t, err)
	assert.Equal(t, Invalid, res.Outcome)
	var ie *InputError
	assert.True(t, errors.As(res.Err, &ie))
	assert.Empty(t, eng.Added())
}

func TestAddTorrentTooLarge(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxTorrentSize = 100
	s, _ := startTestSession(t, cfg, nil)
	tt := newTestTorrent(t, "movie", 1)
	res, err := s.AddTorrent(context.Background(), bytes.NewReader(tt.file), nil)
	require.NoError(t, err)
	assert.Equal(t, Invalid, res.Outcome)
}

func TestAddTorrentPriorities(t *testing.T) {
	s, eng := newTestSession(t)
	tt := newTestTorrent(t, "movie", 1)

	res, err := s.AddTorrent(context.Background(), bytes.NewReader(tt.file), &AddTorrentOptions{Priorities: []Priority{PriorityDefault}})
	require.NoError(t, err)
	assert.Equal(t, Invalid, res.Outcome)
	var ve *ValidationError
	assert.True(t, errors.As(res.Err, &ve))

	tor := addTestTorrent(t, s, tt, &AddTorrentOptions{
		Priorities: []Priority{PriorityTop, PriorityIgnore},
		Sequential: true,
		Stopped:    true,
	})
	h := eng.Handle(tt.infoHash)
	assert.Equal(t, []Priority{PriorityTop, PriorityIgnore}, h.FilePriorities())
	assert.True(t, h.Sequential())
	assert.Equal(t, Paused, tor.State())
	st := tor.Stats()
	assert.Equal(t, int64(1<<20), st.Bytes.Wanted)

	require.NoError(t, tor.SetFilePriorities([]Priority{PriorityDefault, PriorityDefault}))
	assert.Equal(t, []Priority{PriorityDefault, PriorityDefault}, h.FilePriorities())
	rec, err := s.store.Record(tt.id)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 4}, rec.Priorities)
	assert.Error(t, tor.SetFilePriorities([]Priority{PriorityDefault}))
	assert.Error(t, tor.SetFilePriorities([]Priority{PriorityDefault, 9}))
}

func TestAddFailureDeletesRecord(t *testing.T) {
	s, eng := newTestSession(t)
	eng.AddHook = func(engine.AddParams) error { return assert.AnError }
	tt := newTestTorrent(t, "movie", 1)

	_, err := s.AddTorrent(context.Background(), bytes.NewReader(tt.file), nil)
	assert.ErrorIs(t, err, assert.AnError)
	ids, err := s.store.IDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, s.ListTorrents())
	assert.Equal(t, 0, s.pendingAdds())
}

func TestAddURIFile(t *testing.T) {
	s, _ := newTestSession(t)
	tt := newTestTorrent(t, "movie", 1)
	path := filepath.Join(t.TempDir(), "movie.torrent")
	require.NoError(t, os.WriteFile(path, tt.file, 0600))

	res, err := s.AddURI(context.Background(), path, nil)
	require.NoError(t, err)
	require.Equal(t, Added, res.Outcome)
	rec, err := s.store.Record(tt.id)
	require.NoError(t, err)
	assert.Equal(t, path, rec.Source)

	res, err = s.AddURI(context.Background(), filepath.Join(t.TempDir(), "missing.torrent"), nil)
	require.NoError(t, err)
	assert.Equal(t, Invalid, res.Outcome)

	res, err = s.AddURI(context.Background(), "ftp://example.com/a.torrent", nil)
	require.NoError(t, err)
	assert.Equal(t, Invalid, res.Outcome)
}

func TestAddURIHTTP(t *testing.T) {
	s, _ := newTestSession(t)
	tt := newTestTorrent(t, "movie", 1)
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// First request fails with a server error and is retried.
		if atomic.AddInt32(&requests, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Path != "/movie.torrent" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(tt.file)
	}))
	defer srv.Close()

	res, err := s.AddURI(context.Background(), srv.URL+"/movie.torrent", nil)
	require.NoError(t, err)
	require.Equal(t, Added, res.Outcome)
	assert.Equal(t, int32(2), atomic.LoadInt32(&requests))

	res, err = s.AddURI(context.Background(), srv.URL+"/missing.torrent", nil)
	require.NoError(t, err)
	assert.Equal(t, Invalid, res.Outcome)
}

func TestAddMagnet(t *testing.T) {
	s, eng := newTestSession(t)
	sub := s.Subscribe()
	defer sub.Close()
	tt := newTestTorrent(t, "movie", 1)

	res, err := s.AddURI(context.Background(), tt.magnet()+"&so=1", nil)
	require.NoError(t, err)
	require.Equal(t, Added, res.Outcome)
	tor := res.Torrent
	assert.Equal(t, DownloadingMetadata, tor.State())
	assert.Equal(t, 0, tor.Progress())
	assert.Empty(t, tor.Files())
	rec, err := s.store.Record(tt.id)
	require.NoError(t, err)
	assert.True(t, rec.DownloadingMetadata)
	assert.Empty(t, rec.Priorities)

	h := eng.Handle(tt.infoHash)
	require.NoError(t, h.DeliverMetadata(tt.file))
	waitFor(t, sub, MetadataLoaded, tt.id)
	assert.Equal(t, []Priority{PriorityIgnore, PriorityDefault}, h.FilePriorities())
	assert.Equal(t, []Priority{PriorityIgnore, PriorityDefault}, tor.FilePriorities())
	assert.Len(t, tor.Files(), 2)
	assert.Eventually(t, func() bool {
		rec, err := s.store.Record(tt.id)
		return err == nil && !rec.DownloadingMetadata && bytes.Equal(rec.Metadata, tt.file) && len(rec.Priorities) == 2
	}, timeout, tick)

	m, err := tor.Magnet(true)
	require.NoError(t, err)
	assert.Contains(t, m, "so=1")
}

func TestCheckFreeSpace(t *testing.T) {
	s, _ := newTestSession(t)
	dir := t.TempDir()
	assert.NoError(t, s.checkFreeSpace(dir, 0))
	assert.NoError(t, s.checkFreeSpace(dir, 1))
	err := s.checkFreeSpace(dir, 1<<62)
	var re *ResourceError
	if errors.As(err, &re) {
		assert.Equal(t, dir, re.Path)
		assert.Equal(t, int64(1<<62), re.Required)
	}
}
