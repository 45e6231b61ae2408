// Package torrent manages the lifecycle of torrents running inside a BitTorrent engine
// and serves their files over HTTP while they download.
package torrent

import (
	"errors"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/rainstream/internal/engine"
	"github.com/cenkalti/rainstream/internal/fifo"
	"github.com/cenkalti/rainstream/internal/logger"
	"github.com/cenkalti/rainstream/internal/store/boltstore"
	"github.com/cenkalti/rainstream/internal/streamserver"
	"github.com/cenkalti/rainstream/internal/worker"
	"github.com/google/btree"
	"github.com/mitchellh/go-homedir"
	"github.com/robfig/cron/v3"
	bolt "go.etcd.io/bbolt"
)

// Version of the session. Set by the build.
var Version = "0000" // zero means development version

const peerIDPrefix = "-RS0001-"

var userAgent = "rainstream/" + Version

// Session contains torrents, the engine they run in and the servers that expose them.
type Session struct {
	config    Config
	engine    engine.Engine
	db        *bolt.DB
	store     *boltstore.Store
	log       logger.Logger
	metrics   *sessionMetrics
	bus       *bus
	magnets   *magnetResolver
	createdAt time.Time
	// now is replaced in tests.
	now func() time.Time

	// mRun serializes Start, Stop and ApplySettings.
	mRun        sync.Mutex
	running     atomic.Bool
	paused      atomic.Bool
	startedAt   time.Time
	listenPort  int
	workers     *worker.Workers
	restorer    *worker.Workers
	persistQ    *fifo.Queue[persistJob]
	cron        *cron.Cron
	rpc         *rpcServer
	stream      *streamserver.Server
	restoreDone chan struct{}

	mSettings sync.RWMutex
	settings  Settings

	mDHT      sync.Mutex
	dhtReadyC chan struct{}

	m        sync.RWMutex
	torrents map[string]*Torrent
	index    *btree.BTreeG[*Torrent]

	mPending sync.Mutex
	pending  map[engine.InfoHash]*pendingAdd

	// mResume also serializes resume requests so their sequence numbers follow the engine order.
	mResume sync.Mutex
	resume  map[engine.InfoHash]*resumeRequests

	restoreQueue atomic.Int64
}

// New returns a new Session that runs torrents in eng. Start must be called before adding torrents.
func New(cfg Config, eng engine.Engine) (*Session, error) {
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	var err error
	cfg.Database, err = homedir.Expand(cfg.Database)
	if err != nil {
		return nil, err
	}
	cfg.DataDir, err = homedir.Expand(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	err = os.MkdirAll(filepath.Dir(cfg.Database), 0750)
	if err != nil {
		return nil, err
	}
	l := logger.New("session")
	db, err := bolt.Open(cfg.Database, 0640, &bolt.Options{Timeout: time.Second})
	if err == bolt.ErrTimeout {
		return nil, errors.New("resume database is locked by another process")
	} else if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			db.Close()
		}
	}()
	store, err := boltstore.New(db)
	if err != nil {
		return nil, err
	}
	settings := cfg.Settings
	if b, err2 := store.ReadSettings(); err2 != nil {
		l.Errorln("cannot read settings:", err2)
	} else if b != nil {
		if settings, err2 = decodeSettings(b, cfg.Settings); err2 != nil {
			l.Errorln("cannot decode persisted settings, using defaults:", err2)
			settings = cfg.Settings
		}
	}
	s := &Session{
		config:        cfg,
		engine:        eng,
		db:            db,
		store:         store,
		log:           l,
		bus:           newBus(),
		createdAt:     time.Now(),
		now:           time.Now,
		settings:      settings,
		dhtReadyC:     make(chan struct{}),
		torrents:      make(map[string]*Torrent),
		index:         btree.NewG(2, lessTorrent),
		pending:       make(map[engine.InfoHash]*pendingAdd),
		resume:        make(map[engine.InfoHash]*resumeRequests),
	}
	s.magnets = newMagnetResolver(s)
	s.initMetrics()
	return s, nil
}

func lessTorrent(a, b *Torrent) bool {
	if !a.addedAt.Equal(b.addedAt) {
		return a.addedAt.Before(b.addedAt)
	}
	return a.id < b.id
}

// Start starts the engine, restores persisted torrents and starts the servers. Calling Start on a running session does nothing.
func (s *Session) Start() error {
	s.mRun.Lock()
	defer s.mRun.Unlock()
	if s.running.Load() {
		return nil
	}
	settings := s.Settings()
	port := settings.listenPort()
	err := s.engine.Start(engineSettings(settings, port))
	if err != nil {
		return err
	}
	s.listenPort = port
	s.startedAt = time.Now()
	s.running.Store(true)
	s.mDHT.Lock()
	s.dhtReadyC = make(chan struct{})
	s.mDHT.Unlock()

	s.workers = new(worker.Workers)
	persistQ := fifo.New[persistJob]()
	s.persistQ = persistQ
	events := s.engine.Events()
	s.workers.StartFunc(func(chan struct{}) {
		s.dispatchEvents(events)
		// Jobs queued by the last events are still written.
		persistQ.Close()
	})
	s.workers.StartFunc(func(chan struct{}) { s.runPersister(persistQ) })

	s.restorer = new(worker.Workers)
	s.restoreDone = make(chan struct{})
	s.restorer.StartWithOnFinishHandler(worker.Func(s.restoreTorrents), func() { close(s.restoreDone) })

	if err = s.startServers(); err != nil {
		s.log.Errorln("cannot start servers:", err)
		s.stop()
		return err
	}
	s.bus.publish(Notification{Type: SessionStarted})
	s.log.Infoln("session started")
	return nil
}

func (s *Session) startServers() error {
	var err error
	s.cron = cron.New()
	_, err = s.cron.AddFunc(s.config.ResumeSaveSchedule, s.saveAllResumeData)
	if err != nil {
		return err
	}
	s.cron.Start()
	if s.config.StreamEnabled {
		s.stream = streamserver.New(s, streamserver.Config{
			Preload:   s.config.StreamPreloadPieces,
			Deadline:  s.config.StreamPieceDeadline,
			RateLimit: s.config.StreamRateLimit,
			Meter:     s.metrics.StreamBytes,
		})
		if err = s.stream.Start(s.config.StreamHost, s.config.StreamPort); err != nil {
			s.stream = nil
			return err
		}
	}
	if s.config.RPCEnabled {
		s.rpc = newRPCServer(s)
		if err = s.rpc.Start(s.config.RPCHost, s.config.RPCPort); err != nil {
			s.rpc = nil
			return err
		}
	}
	return nil
}

// Stop saves resume data of all torrents and stops the engine. Calling Stop on a stopped session does nothing.
func (s *Session) Stop() error {
	s.mRun.Lock()
	defer s.mRun.Unlock()
	return s.stop()
}

func (s *Session) stop() error {
	if !s.running.Load() {
		return nil
	}
	s.restorer.Stop()
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
	}
	if s.stream != nil {
		if err := s.stream.Stop(s.config.ShutdownTimeout); err != nil {
			s.log.Errorln("cannot stop stream server:", err)
		}
		s.stream = nil
	}
	if s.rpc != nil {
		if err := s.rpc.Stop(s.config.RPCShutdownTimeout); err != nil {
			s.log.Errorln("cannot stop rpc server:", err)
		}
		s.rpc = nil
	}
	s.magnets.cancelAll()

	// Resume data must be written before handles become invalid.
	s.flushResumeData(s.config.ShutdownTimeout)

	s.running.Store(false)
	err := s.engine.Stop()
	if err != nil {
		s.log.Errorln("cannot stop engine:", err)
	}
	// The dispatcher returns after the event channel is closed, then the persister drains its queue.
	s.workers.Stop()

	s.m.Lock()
	s.torrents = make(map[string]*Torrent)
	s.index.Clear(false)
	s.m.Unlock()
	s.failPendingAdds(ErrSessionStopped)
	s.releaseAllResumeWaiters()

	s.bus.publish(Notification{Type: SessionStopped})
	s.log.Infoln("session stopped")
	return err
}

// Close stops the session and closes the database. Subscriptions are closed.
func (s *Session) Close() error {
	s.mRun.Lock()
	defer s.mRun.Unlock()
	err := s.stop()
	s.metrics.Close()
	s.bus.close()
	if err2 := s.db.Close(); err == nil {
		err = err2
	}
	return err
}

// IsRunning returns true between Start and Stop.
func (s *Session) IsRunning() bool {
	return s.running.Load()
}

// IsPaused returns true if all torrents are paused with PauseAll.
func (s *Session) IsPaused() bool {
	return s.paused.Load()
}

// PauseAll pauses every torrent. Torrents added while the session is paused start paused.
func (s *Session) PauseAll() {
	if s.paused.Swap(true) {
		return
	}
	for _, t := range s.ListTorrents() {
		if t.handle.Valid() {
			t.handle.Pause()
		}
	}
}

// ResumeAll resumes torrents paused with PauseAll. Torrents paused by the user stay paused.
func (s *Session) ResumeAll() {
	if !s.paused.Swap(false) {
		return
	}
	for _, t := range s.ListTorrents() {
		if !t.manuallyPaused() && t.handle.Valid() {
			t.handle.Resume()
		}
	}
}

// Subscribe returns a subscription for notifications published after this call.
func (s *Session) Subscribe() *Subscription {
	return s.bus.subscribe()
}

func (s *Session) notify(n Notification) {
	s.bus.publish(n)
}

// ListTorrents returns torrents ordered by the time they are added.
func (s *Session) ListTorrents() []*Torrent {
	s.m.RLock()
	defer s.m.RUnlock()
	torrents := make([]*Torrent, 0, s.index.Len())
	s.index.Ascend(func(t *Torrent) bool {
		torrents = append(torrents, t)
		return true
	})
	return torrents
}

// GetTorrent by its id. Returns nil if torrent with id is not found.
func (s *Session) GetTorrent(id string) *Torrent {
	s.m.RLock()
	defer s.m.RUnlock()
	return s.torrents[id]
}

func (s *Session) registerTransfer(t *Torrent) {
	s.m.Lock()
	defer s.m.Unlock()
	s.torrents[t.id] = t
	s.index.ReplaceOrInsert(t)
}

func (s *Session) unregisterTransfer(id string) *Torrent {
	s.m.Lock()
	defer s.m.Unlock()
	t, ok := s.torrents[id]
	if !ok {
		return nil
	}
	delete(s.torrents, id)
	s.index.Delete(t)
	return t
}

// RemoveTorrent removes the torrent from the session. Files are deleted if deleteFiles is true.
// Resume data is not kept for removed torrents.
func (s *Session) RemoveTorrent(id string, deleteFiles bool) error {
	t := s.GetTorrent(id)
	if t == nil {
		return ErrTorrentNotFound
	}
	t.m.Lock()
	if t.removing {
		t.m.Unlock()
		return nil
	}
	t.removing = true
	t.deleteFiles = deleteFiles
	t.m.Unlock()

	err := s.store.DeleteRecord(id)
	if err != nil {
		return err
	}
	if !deleteFiles && t.handle.Valid() {
		files := t.incompleteFiles()
		t.m.Lock()
		t.incomplete = files
		t.m.Unlock()
	}
	if !t.handle.Valid() {
		s.unregisterTransfer(id)
		s.notify(Notification{Type: TorrentRemoved, TorrentID: id})
		return nil
	}
	return s.engine.Remove(t.handle, deleteFiles)
}

// StreamURL returns the HTTP address of a file inside the torrent.
func (s *Session) StreamURL(id string, fileIndex int) (string, error) {
	if s.stream == nil {
		return "", errors.New("stream server is not running")
	}
	t := s.GetTorrent(id)
	if t == nil {
		return "", ErrTorrentNotFound
	}
	if _, err := t.Stream(fileIndex); err != nil {
		return "", err
	}
	host := s.config.StreamHost
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		host = "127.0.0.1"
	}
	_, port, err := net.SplitHostPort(s.stream.Addr().String())
	if err != nil {
		return "", err
	}
	u := url.URL{
		Scheme:   "http",
		Host:     net.JoinHostPort(host, port),
		Path:     "/stream",
		RawQuery: url.Values{"file": {strconv.Itoa(fileIndex)}, "torrent": {id}}.Encode(),
	}
	return u.String(), nil
}

// Stream implements streamserver.Source.
func (s *Session) Stream(torrentID string, fileIndex int) (*streamserver.Stream, error) {
	t := s.GetTorrent(torrentID)
	if t == nil {
		return nil, ErrTorrentNotFound
	}
	return t.Stream(fileIndex)
}

// SessionStats contains statistics about the session.
type SessionStats struct {
	Running         bool
	Paused          bool
	Torrents        int
	MagnetsInFlight int
	PendingAdds     int
	RestoreQueue    int
	DHTNodes        int
	Uptime          time.Duration
	DownloadSpeed   int64
	UploadSpeed     int64
}

// Stats returns current statistics of the session.
func (s *Session) Stats() SessionStats {
	st := SessionStats{
		Running:         s.IsRunning(),
		Paused:          s.IsPaused(),
		MagnetsInFlight: s.magnets.inFlight(),
		PendingAdds:     s.pendingAdds(),
		RestoreQueue:    int(s.restoreQueue.Load()),
		Uptime:          time.Since(s.createdAt),
	}
	if st.Running {
		st.DHTNodes = s.engine.DHTNodes()
	}
	st.Torrents = len(s.ListTorrents())
	st.DownloadSpeed, st.UploadSpeed = s.speed()
	return st
}

func (s *Session) speed() (download, upload int64) {
	for _, t := range s.ListTorrents() {
		if !t.handle.Valid() {
			continue
		}
		ts := t.handle.Status()
		download += ts.DownloadRate
		upload += ts.UploadRate
	}
	return
}
