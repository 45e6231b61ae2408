package streamserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/rainstream/internal/engine"
	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTorrentID   = "0123456789abcdef0123456789abcdef01234567"
	testPieceLength = 256 << 10
	testFileSize    = 10 << 20
)

type memPieces struct {
	data        []byte
	pieceLength int64

	m          sync.Mutex
	have       []bool
	priorities map[int]engine.Priority
	deadlines  map[int]time.Duration
	changedC   chan struct{}
	failC      chan struct{}
}

func newMemPieces(data []byte, pieceLength int64, complete bool) *memPieces {
	n := (int64(len(data)) + pieceLength - 1) / pieceLength
	p := &memPieces{
		data:        data,
		pieceLength: pieceLength,
		have:        make([]bool, n),
		priorities:  make(map[int]engine.Priority),
		deadlines:   make(map[int]time.Duration),
		changedC:    make(chan struct{}),
		failC:       make(chan struct{}),
	}
	for i := range p.have {
		p.have[i] = complete
	}
	return p
}

func (p *memPieces) complete(i int) {
	p.m.Lock()
	p.have[i] = true
	close(p.changedC)
	p.changedC = make(chan struct{})
	p.m.Unlock()
}

func (p *memPieces) HavePiece(i int) bool {
	p.m.Lock()
	defer p.m.Unlock()
	return p.have[i]
}

func (p *memPieces) WaitPiece(ctx context.Context, i int) error {
	for {
		p.m.Lock()
		if p.have[i] {
			p.m.Unlock()
			return nil
		}
		changedC := p.changedC
		p.m.Unlock()
		select {
		case <-changedC:
		case <-p.failC:
			return engine.ErrRemoved
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *memPieces) SetPiecePriority(i int, prio engine.Priority) {
	p.m.Lock()
	p.priorities[i] = prio
	p.m.Unlock()
}

func (p *memPieces) SetPieceDeadline(i int, d time.Duration) {
	p.m.Lock()
	p.deadlines[i] = d
	p.m.Unlock()
}

func (p *memPieces) ReadAt(ctx context.Context, b []byte, off int64) (int, error) {
	if off >= int64(len(p.data)) {
		return 0, io.EOF
	}
	n := copy(b, p.data[off:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

type mapSource map[string][]*Stream

func (s mapSource) Stream(torrentID string, fileIndex int) (*Stream, error) {
	files, ok := s[torrentID]
	if !ok {
		return nil, errors.New("torrent not found")
	}
	if fileIndex >= len(files) {
		return nil, errors.New("file not found")
	}
	return files[fileIndex], nil
}

func newTestServer(t *testing.T, pieces *memPieces, cfg Config) (*httptest.Server, []byte) {
	// The file starts in the middle of the first piece to test offset math.
	const offset = 1000
	s := &Stream{
		ID:          ContentID(testTorrentID, 1),
		TorrentID:   testTorrentID,
		FileIndex:   1,
		Name:        "movie/video.mp4",
		Offset:      offset,
		Size:        testFileSize,
		PieceLength: testPieceLength,
		Pieces:      pieces,
	}
	src := mapSource{testTorrentID: {nil, s}}
	srv := httptest.NewServer(New(src, cfg).Handler())
	t.Cleanup(srv.Close)
	return srv, pieces.data[offset : offset+testFileSize]
}

func testData() []byte {
	b := make([]byte, testFileSize+2000)
	_, _ = rand.New(rand.NewSource(7)).Read(b) // nolint: gosec
	return b
}

func get(t *testing.T, url string, headers map[string]string) (*http.Response, []byte) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func streamURL(srv *httptest.Server) string {
	return srv.URL + "/stream?torrent=" + testTorrentID + "&file=1"
}

func TestFullFile(t *testing.T) {
	meter := metrics.NewMeter()
	defer meter.Stop()
	srv, content := newTestServer(t, newMemPieces(testData(), testPieceLength, true), Config{Preload: 5, Deadline: time.Second, Meter: meter})

	resp, body := get(t, streamURL(srv), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "10485760", resp.Header.Get("Content-Length"))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	assert.Equal(t, ContentID(testTorrentID, 1), resp.Header.Get("ETag"))
	assert.Equal(t, "inline; filename="+ContentID(testTorrentID, 1), resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.Equal(t, "Streaming", resp.Header.Get("TransferMode.DLNA.ORG"))
	assert.Equal(t, dlnaContentFeatures, resp.Header.Get("contentFeatures.dlna.org"))
	assert.True(t, bytes.Equal(content, body))

	resp2, body2 := get(t, streamURL(srv), map[string]string{"Range": "bytes=0-"})
	assert.Equal(t, http.StatusPartialContent, resp2.StatusCode)
	assert.Equal(t, "bytes 0-10485759/10485760", resp2.Header.Get("Content-Range"))
	assert.True(t, bytes.Equal(body, body2))
	assert.Equal(t, int64(2*testFileSize), meter.Count())
}

func TestRangeWaitsForPieces(t *testing.T) {
	pieces := newMemPieces(testData(), testPieceLength, false)
	srv, content := newTestServer(t, pieces, Config{Preload: 5, Deadline: time.Second})

	first := int((1000 + 1048576) / testPieceLength)
	go func() {
		// Pieces arrive only after the reader asks for them.
		for {
			pieces.m.Lock()
			_, ok := pieces.priorities[first]
			pieces.m.Unlock()
			if ok {
				break
			}
			time.Sleep(time.Millisecond)
		}
		for i := range pieces.have {
			pieces.complete(i)
		}
	}()
	resp, body := get(t, srv.URL+"/stream/?file=1&torrent="+testTorrentID, map[string]string{"Range": "bytes=1048576-2097151"})
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 1048576-2097151/10485760", resp.Header.Get("Content-Range"))
	assert.Equal(t, "1048576", resp.Header.Get("Content-Length"))
	assert.True(t, bytes.Equal(content[1048576:2097152], body))

	pieces.m.Lock()
	defer pieces.m.Unlock()
	assert.Equal(t, engine.PriorityTop, pieces.priorities[first])
	assert.Equal(t, time.Second, pieces.deadlines[first])
}

func TestPrioritizeAhead(t *testing.T) {
	pieces := newMemPieces(make([]byte, 100), 10, false)
	s := &Stream{Size: 100, PieceLength: 10, Pieces: pieces}
	r := newReader(context.Background(), s, 25, 10, 3, time.Second)
	pieces.have[4] = true
	r.prioritize(2)
	assert.Equal(t, map[int]engine.Priority{2: engine.PriorityTop, 3: engine.PriorityTop, 5: engine.PriorityTop, 6: engine.PriorityTop}, pieces.priorities)
}

func TestRangeNotSatisfiable(t *testing.T) {
	srv, _ := newTestServer(t, newMemPieces(testData(), testPieceLength, true), Config{})
	resp, body := get(t, streamURL(srv), map[string]string{"Range": "bytes=20000000-"})
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
	assert.Equal(t, "bytes */10485760", resp.Header.Get("Content-Range"))
	assert.Empty(t, body)
}

func TestConditional(t *testing.T) {
	srv, content := newTestServer(t, newMemPieces(testData(), testPieceLength, true), Config{})
	etag := ContentID(testTorrentID, 1)

	resp, _ := get(t, streamURL(srv), map[string]string{"If-None-Match": etag})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
	assert.Equal(t, etag, resp.Header.Get("ETag"))

	resp, _ = get(t, streamURL(srv), map[string]string{"If-None-Match": "*", "Range": "bytes=10-20"})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	resp, body := get(t, streamURL(srv), map[string]string{"If-Range": "other", "Range": "bytes=10-20"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, len(content), len(body))

	resp, body = get(t, streamURL(srv), map[string]string{"If-Range": etag, "Range": "bytes=10-20"})
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, content[10:21], body)

	// Malformed range is ignored.
	resp, _ = get(t, streamURL(srv), map[string]string{"Range": "bytes=-500"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBadRequests(t *testing.T) {
	srv, _ := newTestServer(t, newMemPieces(testData(), testPieceLength, true), Config{})
	cases := map[string]int{
		"/stream":                                          http.StatusBadRequest,
		"/stream?torrent=" + testTorrentID:                 http.StatusBadRequest,
		"/stream?file=1":                                   http.StatusBadRequest,
		"/stream?file=x&torrent=" + testTorrentID:          http.StatusBadRequest,
		"/stream?file=-1&torrent=" + testTorrentID:         http.StatusBadRequest,
		"/other?file=1&torrent=" + testTorrentID:           http.StatusBadRequest,
		"/stream?file=1&torrent=unknown":                   http.StatusNotFound,
		"/stream?file=5&torrent=" + testTorrentID:          http.StatusNotFound,
		"/stream/?file=1&torrent=" + testTorrentID + "&x=": http.StatusOK,
	}
	for path, code := range cases {
		req, err := http.NewRequest(http.MethodHead, srv.URL+path, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, code, resp.StatusCode, path)
	}
}

func TestAbortOnEngineFailure(t *testing.T) {
	pieces := newMemPieces(testData(), testPieceLength, false)
	pieces.have[0] = true
	srv, _ := newTestServer(t, pieces, Config{Preload: 1})
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(pieces.failC)
	}()
	resp, err := http.Get(streamURL(srv))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, err = io.ReadAll(resp.Body)
	assert.Error(t, err)
}

func TestParseRange(t *testing.T) {
	cases := []struct {
		header string
		r      byteRange
		ok     bool
	}{
		{"", byteRange{}, false},
		{"bytes=0-", byteRange{0, 99}, true},
		{"bytes=10-19", byteRange{10, 19}, true},
		{"bytes=10-500", byteRange{10, 99}, true},
		{"bytes=150-", byteRange{150, 99}, true},
		{"bytes=-10", byteRange{}, false},
		{"bytes=20-10", byteRange{}, false},
		{"bytes=a-b", byteRange{}, false},
		{"bytes=0-1,5-6", byteRange{}, false},
		{"items=0-1", byteRange{}, false},
	}
	for _, c := range cases {
		r, ok := parseRange(c.header, 100)
		assert.Equal(t, c.ok, ok, c.header)
		if ok {
			assert.Equal(t, c.r, r, c.header)
		}
	}
}

func TestDecide(t *testing.T) {
	assert.Equal(t, decision{status: 200, r: byteRange{0, 99}}, decide(100, "e", "", "", ""))
	assert.Equal(t, decision{status: 206, r: byteRange{5, 99}}, decide(100, "e", "bytes=5-", "", ""))
	assert.Equal(t, decision{status: 206, r: byteRange{5, 99}}, decide(100, "e", "bytes=5-", `"e"`, ""))
	assert.Equal(t, decision{status: 200, r: byteRange{0, 99}}, decide(100, "e", "bytes=5-", "f", ""))
	assert.Equal(t, decision{status: 304}, decide(100, "e", "bytes=5-", "f", "e"))
	assert.Equal(t, decision{status: 416}, decide(100, "e", "bytes=100-", "", "e"))
	assert.Equal(t, decision{status: 304}, decide(100, "e", "", "", `W/"e", "x"`))
	assert.Equal(t, decision{status: 200, r: byteRange{0, 99}}, decide(100, "e", "", "", "x"))
}

func TestContentID(t *testing.T) {
	assert.Len(t, ContentID(testTorrentID, 0), 40)
	assert.NotEqual(t, ContentID(testTorrentID, 0), ContentID(testTorrentID, 1))
}
