package torrent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/rainstream/internal/engine"
	"github.com/cenkalti/rainstream/internal/engine/enginetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveMagnetConcurrent(t *testing.T) {
	s, eng := newTestSession(t)
	tt := newTestTorrent(t, "movie", 1)

	const n = 10
	var wg sync.WaitGroup
	infos := make([]*MagnetInfo, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			infos[i], errs[i] = s.ResolveMagnet(context.Background(), tt.magnet())
		}(i)
	}
	assert.Eventually(t, func() bool { return eng.Handle(tt.infoHash) != nil }, timeout, tick)
	require.NoError(t, eng.Handle(tt.infoHash).DeliverMetadata(tt.file))
	wg.Wait()

	added := eng.Added()
	require.Len(t, added, 1)
	assert.True(t, added[0].MetadataOnly)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, infos[0], infos[i])
	}
	info := infos[0]
	assert.Equal(t, tt.id, info.InfoHash)
	assert.Equal(t, "movie", info.Name)
	assert.Len(t, info.Files, 2)
	assert.Equal(t, int64(1<<20+1000), info.TotalSize)
	assert.Equal(t, tt.file, info.Metadata)

	// The probe is removed with its files.
	assert.Eventually(t, func() bool { return eng.Handle(tt.infoHash) == nil }, timeout, tick)
	assert.Equal(t, 0, s.magnets.inFlight())
	assert.Empty(t, s.ListTorrents())

	// Cached result is returned without another fetch.
	info2, err := s.ResolveMagnet(context.Background(), tt.magnet())
	require.NoError(t, err)
	assert.Same(t, info, info2)
	assert.Len(t, eng.Added(), 1)

	// Adding the magnet uses the cached metadata.
	res, err := s.AddURI(context.Background(), tt.magnet(), nil)
	require.NoError(t, err)
	require.Equal(t, Added, res.Outcome)
	assert.False(t, res.Torrent.Stats().DownloadingMetadata)
	added = eng.Added()
	assert.Equal(t, tt.file, added[len(added)-1].Metadata)
}

func TestMagnetProbeRemovalDoesNotBlockEvents(t *testing.T) {
	eng := enginetest.New()
	release := make(chan struct{})
	var once sync.Once
	defer once.Do(func() { close(release) })
	eng.RemoveHook = func(engine.InfoHash) { <-release }
	s, _ := startTestSession(t, testConfig(t), eng)
	tt := newTestTorrent(t, "movie", 1)

	resultC := make(chan error, 1)
	go func() {
		_, err := s.ResolveMagnet(context.Background(), tt.magnet())
		resultC <- err
	}()
	assert.Eventually(t, func() bool { return eng.Handle(tt.infoHash) != nil }, timeout, tick)
	require.NoError(t, eng.Handle(tt.infoHash).DeliverMetadata(tt.file))
	require.NoError(t, <-resultC)

	// Engine removal of the probe is stuck but other adds are still confirmed.
	other := newTestTorrent(t, "other", 2)
	addTestTorrent(t, s, other, nil)
	assert.NotNil(t, eng.Handle(tt.infoHash))

	once.Do(func() { close(release) })
	assert.Eventually(t, func() bool { return eng.Handle(tt.infoHash) == nil }, timeout, tick)
}

func TestCancelMagnet(t *testing.T) {
	s, eng := newTestSession(t)
	tt := newTestTorrent(t, "movie", 1)

	errC := make(chan error, 1)
	go func() {
		_, err := s.ResolveMagnet(context.Background(), tt.magnet())
		errC <- err
	}()
	assert.Eventually(t, func() bool { return s.magnets.inFlight() == 1 }, timeout, tick)

	require.NoError(t, s.CancelMagnet(tt.id))
	err := <-errC
	assert.ErrorIs(t, err, ErrMagnetCancelled)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, s.magnets.inFlight())
	assert.Eventually(t, func() bool { return eng.Handle(tt.infoHash) == nil }, timeout, tick)

	assert.NoError(t, s.CancelMagnet(tt.magnet()))
	assert.Error(t, s.CancelMagnet("not a magnet"))
}

func TestResolveMagnetTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.MagnetTimeout = 50 * time.Millisecond
	s, eng := startTestSession(t, cfg, nil)
	tt := newTestTorrent(t, "movie", 1)

	_, err := s.ResolveMagnet(context.Background(), tt.magnet())
	var te *TimeoutError
	require.True(t, errors.As(err, &te), "%v", err)
	assert.True(t, te.Timeout())
	assert.Equal(t, 0, s.magnets.inFlight())
	assert.Eventually(t, func() bool { return eng.Handle(tt.infoHash) == nil }, timeout, tick)
}

func TestResolveMagnetWaitsForDHT(t *testing.T) {
	cfg := testConfig(t)
	cfg.Settings.DHTEnabled = true
	cfg.DHTBootstrapTimeout = 50 * time.Millisecond
	s, eng := startTestSession(t, cfg, nil)
	tt := newTestTorrent(t, "movie", 1)

	_, err := s.ResolveMagnet(context.Background(), tt.magnet())
	var te *TimeoutError
	require.True(t, errors.As(err, &te), "%v", err)
	assert.Empty(t, eng.Added())
	assert.Equal(t, 0, s.magnets.inFlight())

	s.config.DHTBootstrapTimeout = timeout
	type result struct {
		info *MagnetInfo
		err  error
	}
	resultC := make(chan result, 1)
	go func() {
		info, err := s.ResolveMagnet(context.Background(), tt.magnet())
		resultC <- result{info, err}
	}()
	eng.BootstrapDHT(8)
	assert.Eventually(t, func() bool { return eng.Handle(tt.infoHash) != nil }, timeout, tick)
	require.NoError(t, eng.Handle(tt.infoHash).DeliverMetadata(tt.file))
	r := <-resultC
	require.NoError(t, r.err)
	assert.Equal(t, "movie", r.info.Name)
}

func TestResolveMagnetOfActiveTorrent(t *testing.T) {
	s, eng := newTestSession(t)
	tt := newTestTorrent(t, "movie", 1)
	res, err := s.AddURI(context.Background(), tt.magnet(), nil)
	require.NoError(t, err)
	require.Equal(t, Added, res.Outcome)

	infoC := make(chan *MagnetInfo, 1)
	go func() {
		info, err := s.ResolveMagnet(context.Background(), tt.magnet())
		assert.NoError(t, err)
		infoC <- info
	}()
	assert.Eventually(t, func() bool { return s.magnets.inFlight() == 1 }, timeout, tick)
	// Attaching to the active torrent must not add another handle.
	assert.Len(t, eng.Added(), 1)

	require.NoError(t, eng.Handle(tt.infoHash).DeliverMetadata(tt.file))
	info := <-infoC
	require.NotNil(t, info)
	assert.Equal(t, "movie", info.Name)
	// The active torrent keeps running.
	assert.NotNil(t, eng.Handle(tt.infoHash))
	assert.Equal(t, []*Torrent{res.Torrent}, s.ListTorrents())
}

func TestResolveMagnetTooLarge(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxMetadataSize = 100
	s, eng := startTestSession(t, cfg, nil)
	tt := newTestTorrent(t, "movie", 1)

	errC := make(chan error, 1)
	go func() {
		_, err := s.ResolveMagnet(context.Background(), tt.magnet())
		errC <- err
	}()
	assert.Eventually(t, func() bool { return eng.Handle(tt.infoHash) != nil }, timeout, tick)
	require.NoError(t, eng.Handle(tt.infoHash).DeliverMetadata(tt.file))
	assert.ErrorIs(t, <-errC, ErrMetadataTooLarge)
}
