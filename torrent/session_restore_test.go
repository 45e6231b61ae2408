package torrent

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/rainstream/internal/engine"
	"github.com/cenkalti/rainstream/internal/engine/enginetest"
	"github.com/cenkalti/rainstream/internal/store/boltstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestoreSkipsCorruptRecord(t *testing.T) {
	cfg := testConfig(t)
	eng := enginetest.New()
	s, err := New(cfg, eng)
	require.NoError(t, err)
	defer s.Close()

	dir := t.TempDir()
	addedAt := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	var torrents []testTorrent
	for i := 0; i < 5; i++ {
		tt := newTestTorrent(t, fmt.Sprintf("movie%d", i), int64(i))
		torrents = append(torrents, tt)
		source := filepath.Join(dir, tt.id+".torrent")
		content := tt.file
		if i == 2 {
			content = []byte("corrupted")
		}
		require.NoError(t, os.WriteFile(source, content, 0600))
		require.NoError(t, s.store.WriteRecord(&boltstore.Record{
			ID:         tt.id,
			InfoHash:   tt.infoHash[:],
			Name:       tt.id,
			Source:     source,
			Dest:       cfg.DataDir,
			Priorities: []int{4, 4},
			AddedAt:    addedAt.Add(time.Duration(i) * time.Minute),
		}))
	}

	// Every add must be requested after the previous one is confirmed.
	var adds, outOfOrder int32
	eng.AddHook = func(p engine.AddParams) error {
		n := atomic.AddInt32(&adds, 1) - 1
		if len(s.ListTorrents()) != int(n) {
			atomic.AddInt32(&outOfOrder, 1)
		}
		return nil
	}

	sub := s.Subscribe()
	defer sub.Close()
	require.NoError(t, s.Start())
	<-s.restoreDone

	assert.Equal(t, int32(4), atomic.LoadInt32(&adds))
	assert.Zero(t, atomic.LoadInt32(&outOfOrder))
	ids := make([]string, 0, 4)
	for _, tor := range s.ListTorrents() {
		ids = append(ids, tor.ID())
	}
	assert.Equal(t, []string{torrents[0].id, torrents[1].id, torrents[3].id, torrents[4].id}, ids)

	var restoreErrors []Notification
	var loaded int
	for loaded < 4 || len(restoreErrors) < 1 {
		select {
		case n := <-sub.C:
			switch n.Type {
			case RestoreError:
				restoreErrors = append(restoreErrors, n)
			case TorrentLoaded:
				loaded++
			}
		case <-time.After(timeout):
			t.Fatal("timeout waiting for notifications")
		}
	}
	require.Len(t, restoreErrors, 1)
	assert.Equal(t, torrents[2].id, restoreErrors[0].TorrentID)
	var ie *InputError
	assert.ErrorAs(t, restoreErrors[0].Err, &ie)

	_, err = s.store.Record(torrents[2].id)
	assert.ErrorIs(t, err, boltstore.ErrNotFound)
	stored, err := s.store.IDs()
	require.NoError(t, err)
	assert.Len(t, stored, 4)
	assert.Equal(t, 0, s.Stats().RestoreQueue)
}

func TestRestoreValidation(t *testing.T) {
	cfg := testConfig(t)
	eng := enginetest.New()
	s, err := New(cfg, eng)
	require.NoError(t, err)
	defer s.Close()

	bad := newTestTorrent(t, "bad", 1)
	require.NoError(t, s.store.WriteRecord(&boltstore.Record{
		ID:         bad.id,
		InfoHash:   bad.infoHash[:],
		Metadata:   bad.file,
		Dest:       cfg.DataDir,
		Priorities: []int{4},
		AddedAt:    time.Now(),
	}))
	mag := newTestTorrent(t, "magnet", 2)
	require.NoError(t, s.store.WriteRecord(&boltstore.Record{
		ID:                  mag.id,
		InfoHash:            mag.infoHash[:],
		Magnet:              mag.magnet(),
		Dest:                cfg.DataDir,
		DownloadingMetadata: true,
		AddedAt:             time.Now(),
	}))
	missing := newTestTorrent(t, "missing", 3)
	require.NoError(t, s.store.WriteRecord(&boltstore.Record{
		ID:         missing.id,
		InfoHash:   missing.infoHash[:],
		Source:     filepath.Join(t.TempDir(), "missing.torrent"),
		Dest:       cfg.DataDir,
		Priorities: []int{4, 4},
		AddedAt:    time.Now(),
	}))

	sub := s.Subscribe()
	defer sub.Close()
	require.NoError(t, s.Start())
	<-s.restoreDone

	failed := make(map[string]error)
	for len(failed) < 2 {
		n := waitFor(t, sub, RestoreError, "")
		failed[n.TorrentID] = n.Err
	}
	var ve *ValidationError
	assert.ErrorAs(t, failed[bad.id], &ve)
	assert.ErrorIs(t, failed[missing.id], os.ErrNotExist)

	require.Len(t, s.ListTorrents(), 1)
	tor := s.GetTorrent(mag.id)
	require.NotNil(t, tor)
	assert.Equal(t, DownloadingMetadata, tor.State())
	added := eng.Added()
	require.Len(t, added, 1)
	assert.Equal(t, mag.magnet(), added[0].Magnet)

	ids, err := s.store.IDs()
	require.NoError(t, err)
	assert.Equal(t, []string{mag.id}, ids)
}
