package torrent

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/cenkalti/rainstream/internal/engine/enginetest"
	"github.com/cenkalti/rainstream/internal/rpctypes"
	"github.com/cenkalti/rainstream/rpcclient"
	"github.com/powerman/rpc-codec/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Session, *enginetest.Engine, *rpcclient.Client) {
	cfg := testConfig(t)
	cfg.RPCEnabled = true
	cfg.RPCHost = "127.0.0.1"
	cfg.RPCPort = 0
	cfg.StreamEnabled = true
	cfg.StreamHost = "127.0.0.1"
	cfg.StreamPort = 0
	s, eng := startTestSession(t, cfg, nil)
	addr := s.rpc.Addr().(*net.TCPAddr)
	clt := rpcclient.New("127.0.0.1", addr.Port)
	t.Cleanup(func() { _ = clt.Close() })
	return s, eng, clt
}

func TestRPC(t *testing.T) {
	s, _, clt := newTestClient(t)
	tt := newTestTorrent(t, "movie", 1)
	path := filepath.Join(t.TempDir(), "movie.torrent")
	require.NoError(t, os.WriteFile(path, tt.file, 0600))

	v, err := clt.Version()
	require.NoError(t, err)
	assert.Equal(t, Version, v)

	resp, err := clt.AddURI(path, rpctypes.AddTorrentOptions{})
	require.NoError(t, err)
	assert.Equal(t, "added", resp.Outcome)
	require.NotNil(t, resp.Torrent)
	assert.Equal(t, tt.id, resp.Torrent.ID)

	resp, err = clt.AddURI(path, rpctypes.AddTorrentOptions{})
	require.NoError(t, err)
	assert.Equal(t, "already exists", resp.Outcome)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	resp, err = clt.AddTorrent(io.LimitReader(f, 10), rpctypes.AddTorrentOptions{})
	require.NoError(t, err)
	assert.Equal(t, "invalid", resp.Outcome)
	assert.NotNil(t, resp.Error)

	torrents, err := clt.ListTorrents()
	require.NoError(t, err)
	require.Len(t, torrents, 1)
	assert.Equal(t, "movie", torrents[0].Name)

	require.NoError(t, clt.PauseTorrent(tt.id))
	stats, err := clt.GetTorrentStats(tt.id)
	require.NoError(t, err)
	assert.Equal(t, "Paused", stats.State)
	assert.True(t, stats.Paused)
	assert.Equal(t, 5, stats.Pieces.Total)
	assert.Nil(t, stats.ETA)
	require.NoError(t, clt.ResumeTorrent(tt.id))

	require.NoError(t, clt.SetFilePriorities(tt.id, []int{7, 0}))
	files, err := clt.GetTorrentFiles(tt.id)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, 7, files[0].Priority)
	assert.Equal(t, 0, files[1].Priority)

	err = clt.SetFilePriorities(tt.id, []int{7})
	require.Error(t, err)
	assert.Equal(t, codeValidation, jsonrpc2.ServerError(err).Code)

	_, err = clt.GetTorrentStats("0000000000000000000000000000000000000000")
	require.Error(t, err)
	assert.Equal(t, codeTorrentNotFound, jsonrpc2.ServerError(err).Code)

	u, err := clt.GetStreamURL(tt.id, 0)
	require.NoError(t, err)
	assert.Contains(t, u, "/stream?")
	_, err = clt.GetStreamURL(tt.id, 5)
	assert.Equal(t, codeFileNotFound, jsonrpc2.ServerError(err).Code)

	var settings Settings
	require.NoError(t, clt.GetSettings(&settings))
	assert.Equal(t, s.Settings(), settings)
	require.NoError(t, clt.SetSettings(map[string]int{"max_connections_per_torrent": 10}))
	assert.Equal(t, 10, s.Settings().MaxConnectionsPerTorrent)
	err = clt.SetSettings(map[string]int{"max_connections": -1})
	assert.Equal(t, codeValidation, jsonrpc2.ServerError(err).Code)

	sessionStats, err := clt.GetSessionStats()
	require.NoError(t, err)
	assert.Equal(t, 1, sessionStats.Torrents)
	assert.True(t, sessionStats.Running)

	require.NoError(t, clt.RemoveTorrent(tt.id, true))
	assert.Eventually(t, func() bool { return len(s.ListTorrents()) == 0 }, timeout, tick)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, clt := newTestClient(t)
	addTestTorrent(t, s, newTestTorrent(t, "movie", 1), nil)

	resp, err := http.Get(clt.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var m map[string]map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	assert.Equal(t, float64(1), m["torrents"]["value"])
	assert.Contains(t, m, "resume_writes")
	assert.Contains(t, m, "stream_bytes")
}

func TestStreamThroughSession(t *testing.T) {
	s, eng, clt := newTestClient(t)
	tt := newTestTorrent(t, "movie", 1)
	addTestTorrent(t, s, tt, nil)

	u, err := clt.GetStreamURL(tt.id, 0)
	require.NoError(t, err)

	h := eng.Handle(tt.infoHash)
	require.NotNil(t, h)
	h.SetData(tt.data)
	h.CompleteAll()

	req, err := http.NewRequest(http.MethodGet, u, nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=100-199")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 100-199/1048576", resp.Header.Get("Content-Range"))
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, tt.data[100:200], b)
	assert.Eventually(t, func() bool { return s.metrics.StreamBytes.Count() == 100 }, timeout, tick)

	_, err = s.StreamURL("missing", 0)
	assert.ErrorIs(t, err, ErrTorrentNotFound)
}
