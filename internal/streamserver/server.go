// Package streamserver serves files inside torrents over HTTP while they are being downloaded.
package streamserver

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/rainstream/internal/logger"
	"github.com/gofrs/uuid"
	"github.com/gorilla/mux"
	"github.com/juju/ratelimit"
	"github.com/rcrowley/go-metrics"
)

var videoTypes = map[string]string{
	".mp4": "video/mp4",
	".avi": "video/x-msvideo",
	".mkv": "video/x-matroska",
}

const dlnaContentFeatures = "DLNA.ORG_OP=01;DLNA.ORG_CI=0;DLNA.ORG_FLAGS=01700000000000000000000000000000"

// Config for Server.
type Config struct {
	// Number of missing pieces after the read position that get top priority.
	Preload int
	// Deadline set on prioritized pieces.
	Deadline time.Duration
	// Bytes per second for each response. 0 means unlimited.
	RateLimit int64
	// Meter is marked with the number of bytes served. Optional.
	Meter metrics.Meter
}

// Server is the HTTP streaming server.
type Server struct {
	source     Source
	config     Config
	httpServer http.Server
	listener   net.Listener
	log        logger.Logger
}

// New returns a server that serves streams from source.
func New(source Source, cfg Config) *Server {
	s := &Server{
		source: source,
		config: cfg,
		log:    logger.New("stream server"),
	}
	s.httpServer.Handler = s.Handler()
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/stream/", s.handleStream).Methods(http.MethodGet, http.MethodHead)
	r.NotFoundHandler = http.HandlerFunc(badRequest)
	return r
}

// Start listens on host:port and serves in a new goroutine.
func (s *Server) Start(host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.log.Infoln("Stream server is listening on", listener.Addr().String())

	go func() {
		err := s.httpServer.Serve(listener)
		if err == http.ErrServerClosed {
			return
		}
		s.log.Errorln("stream server error:", err)
	}()
	return nil
}

// Addr returns the listen address. It is valid after Start.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop closes the listener and waits for active responses until timeout.
// Responses blocked on missing pieces are cut when the timeout expires.
func (s *Server) Stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	if err == context.DeadlineExceeded {
		return s.httpServer.Close()
	}
	return err
}

func badRequest(w http.ResponseWriter, r *http.Request) {
	http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	reqID, _ := uuid.NewV4()
	rw := &responseWriter{ResponseWriter: w}
	defer func() {
		v := recover()
		if v == nil {
			return
		}
		if v == http.ErrAbortHandler || rw.wroteHeader {
			panic(http.ErrAbortHandler)
		}
		s.log.Errorf("[%s] unexpected error: %v", reqID, v)
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	}()

	q := r.URL.Query()
	torrentID := q.Get("torrent")
	fileParam := q.Get("file")
	if torrentID == "" || fileParam == "" {
		badRequest(rw, r)
		return
	}
	fileIndex, err := strconv.Atoi(fileParam)
	if err != nil || fileIndex < 0 {
		badRequest(rw, r)
		return
	}
	st, err := s.source.Stream(torrentID, fileIndex)
	if err != nil {
		s.log.Debugf("[%s] torrent=%s file=%d: %s", reqID, torrentID, fileIndex, err)
		http.Error(rw, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	d := decide(st.Size, st.ID, r.Header.Get("Range"), r.Header.Get("If-Range"), r.Header.Get("If-None-Match"))
	s.log.Debugf("[%s] %s torrent=%s file=%d range=%q status=%d", reqID, r.Method, torrentID, fileIndex, r.Header.Get("Range"), d.status)

	h := rw.Header()
	h.Set("ETag", st.ID)
	switch d.status {
	case http.StatusNotModified:
		rw.WriteHeader(d.status)
		return
	case http.StatusRequestedRangeNotSatisfiable:
		h.Set("Content-Range", "bytes */"+strconv.FormatInt(st.Size, 10))
		rw.WriteHeader(d.status)
		return
	}

	length := d.r.length()
	setContentType(h, st.Name)
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	h.Set("Content-Disposition", "inline; filename="+st.ID)
	if d.status == http.StatusPartialContent {
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", d.r.start, d.r.end, st.Size))
	}
	rw.WriteHeader(d.status)
	if r.Method == http.MethodHead || length <= 0 {
		return
	}

	var body io.Reader = newReader(r.Context(), st, d.r.start, length, s.config.Preload, s.config.Deadline)
	if s.config.RateLimit > 0 {
		body = ratelimit.Reader(body, ratelimit.NewBucketWithRate(float64(s.config.RateLimit), s.config.RateLimit))
	}
	n, err := io.Copy(rw, body)
	if s.config.Meter != nil {
		s.config.Meter.Mark(n)
	}
	if err != nil {
		if r.Context().Err() != nil {
			s.log.Debugf("[%s] client disconnected after %d bytes", reqID, n)
			return
		}
		s.log.Errorf("[%s] aborting response after %d bytes: %s", reqID, n, err)
		panic(http.ErrAbortHandler)
	}
}

func setContentType(h http.Header, name string) {
	ext := strings.ToLower(path.Ext(name))
	if ct, ok := videoTypes[ext]; ok {
		h.Set("Content-Type", ct)
		// DLNA renderers expect the header names as written here.
		h["contentFeatures.dlna.org"] = []string{dlnaContentFeatures}
		h["TransferMode.DLNA.ORG"] = []string{"Streaming"}
		return
	}
	ct := mime.TypeByExtension(ext)
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
}

// responseWriter records whether the status line is sent.
type responseWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(code int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}
