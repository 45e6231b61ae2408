// Package anacrolixengine implements engine.Engine on top of github.com/anacrolix/torrent.
//
// Every torrent has a watcher goroutine that follows the piece state changes published by the
// library and turns them into engine events. Rates and sequential priorities are polled.
package anacrolixengine

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
	"github.com/cenkalti/rainstream/internal/engine"
	"github.com/cenkalti/rainstream/internal/fifo"
	"github.com/cenkalti/rainstream/internal/logger"
	"github.com/cenkalti/rainstream/internal/magnet"
	"golang.org/x/time/rate"
)

const (
	pollInterval    = 250 * time.Millisecond
	dhtPollInterval = 500 * time.Millisecond
	// Minimum burst for the rate limiters. The library reads whole chunks at once.
	minBurst = 256 << 10
)

var errNotStarted = errors.New("engine is not started")

// Engine runs a torrent.Client. It can be started again after Stop.
type Engine struct {
	dataDir string
	log     logger.Logger

	m        sync.Mutex
	client   *torrent.Client
	settings engine.Settings
	handles  map[engine.InfoHash]*Handle
	events   *fifo.Queue[engine.Event]
	closeC   chan struct{}
	wg       sync.WaitGroup

	downLimiter *rate.Limiter
	upLimiter   *rate.Limiter
}

var _ engine.Engine = (*Engine)(nil)

// New returns a stopped engine. dataDir holds the client state that does not belong to a torrent.
func New(dataDir string) *Engine {
	return &Engine{
		dataDir:     dataDir,
		log:         logger.New("engine"),
		handles:     make(map[engine.InfoHash]*Handle),
		downLimiter: rate.NewLimiter(rate.Inf, minBurst),
		upLimiter:   rate.NewLimiter(rate.Inf, minBurst),
	}
}

func (e *Engine) clientConfig(s engine.Settings) *torrent.ClientConfig {
	cfg := torrent.NewDefaultClientConfig()
	cfg.DataDir = e.dataDir
	cfg.ListenPort = s.ListenPort
	cfg.Seed = true
	cfg.NoDHT = !s.EnableDHT
	cfg.DisableUTP = !s.EnableIncomingUTP && !s.EnableOutgoingUTP
	cfg.DisableTCP = !s.EnableIncomingTCP && !s.EnableOutgoingTCP
	cfg.NoDefaultPortForwarding = !s.EnableUPnP && !s.EnableNATPMP
	cfg.HeaderObfuscationPolicy = torrent.HeaderObfuscationPolicy{
		Preferred:        s.OutgoingEncryption != engine.EncryptionDisabled,
		RequirePreferred: s.OutgoingEncryption == engine.EncryptionForced || s.IncomingEncryption == engine.EncryptionForced,
	}
	if s.UserAgent != "" {
		cfg.HTTPUserAgent = s.UserAgent
	}
	if s.PeerID != "" {
		cfg.Bep20 = s.PeerID
	}
	cfg.DownloadRateLimiter = e.downLimiter
	cfg.UploadRateLimiter = e.upLimiter
	return cfg
}

// Start creates the torrent client. Listen errors are returned and also reported with EventListenFailed.
func (e *Engine) Start(s engine.Settings) error {
	e.m.Lock()
	defer e.m.Unlock()
	if e.client != nil {
		return nil
	}
	if e.events == nil {
		e.events = fifo.New[engine.Event]()
	}
	if err := os.MkdirAll(e.dataDir, 0750); err != nil {
		return err
	}
	setLimit(e.downLimiter, s.DownloadRateLimit)
	setLimit(e.upLimiter, s.UploadRateLimit)
	cl, err := torrent.NewClient(e.clientConfig(s))
	if err != nil {
		e.events.Push(engine.Event{Type: engine.EventListenFailed, Err: err})
		return err
	}
	e.client = cl
	e.settings = s
	e.closeC = make(chan struct{})
	if s.EnableDHT {
		e.wg.Add(1)
		go e.watchDHT(e.closeC)
	}
	e.log.Infof("engine started. listen addrs: %v", cl.ListenAddrs())
	return nil
}

// Stop drops all torrents and closes the client. The event channel is closed after queued events are delivered.
func (e *Engine) Stop() error {
	e.m.Lock()
	if e.client == nil {
		e.m.Unlock()
		return nil
	}
	cl := e.client
	e.client = nil
	close(e.closeC)
	handles := e.handles
	e.handles = make(map[engine.InfoHash]*Handle)
	events := e.events
	e.events = nil
	e.m.Unlock()

	for _, h := range handles {
		h.close()
	}
	e.wg.Wait()
	cl.Close()
	if events != nil {
		events.Close()
	}
	return nil
}

func setLimit(l *rate.Limiter, bytesPerSecond int) {
	if bytesPerSecond <= 0 {
		l.SetLimit(rate.Inf)
		l.SetBurst(minBurst)
		return
	}
	l.SetLimit(rate.Limit(bytesPerSecond))
	l.SetBurst(max(bytesPerSecond, minBurst))
}

// ApplySettings changes the rate limits in place.
// Listen and protocol options of the client cannot change while it is running, they take effect on next Start.
func (e *Engine) ApplySettings(s engine.Settings) error {
	e.m.Lock()
	defer e.m.Unlock()
	if e.client == nil {
		return errNotStarted
	}
	old := e.settings
	e.settings = s
	setLimit(e.downLimiter, s.DownloadRateLimit)
	setLimit(e.upLimiter, s.UploadRateLimit)
	if old.ListenPort != s.ListenPort || old.EnableDHT != s.EnableDHT || old.EnableIncomingUTP != s.EnableIncomingUTP {
		e.log.Infoln("listen settings changed, they will be applied after restart")
	}
	return nil
}

// Events implements engine.Engine.
func (e *Engine) Events() <-chan engine.Event {
	e.m.Lock()
	defer e.m.Unlock()
	if e.events == nil {
		e.events = fifo.New[engine.Event]()
	}
	return e.events.Out()
}

func (e *Engine) emit(ev engine.Event) {
	e.m.Lock()
	q := e.events
	e.m.Unlock()
	if q != nil {
		q.Push(ev)
	}
}

// AddTorrent adds the torrent to the client synchronously and confirms it with an event.
func (e *Engine) AddTorrent(p engine.AddParams) error {
	e.m.Lock()
	defer e.m.Unlock()
	if e.client == nil {
		return errNotStarted
	}
	h, err := e.add(p)
	ev := engine.Event{Type: engine.EventAddConfirmed, InfoHash: p.InfoHash, Err: err}
	if err == nil {
		ev.InfoHash = h.ih
		e.handles[h.ih] = h
		e.wg.Add(1)
		go h.watch(&e.wg)
	}
	e.events.Push(ev)
	return nil
}

// add must be called with e.m held.
func (e *Engine) add(p engine.AddParams) (*Handle, error) {
	opts := torrent.AddTorrentOpts{}
	var trackers [][]string
	switch {
	case len(p.Metadata) > 0:
		mi, err := metainfo.Load(bytes.NewReader(p.Metadata))
		if err != nil {
			return nil, err
		}
		opts.InfoHash = mi.HashInfoBytes()
		opts.InfoBytes = mi.InfoBytes
		trackers = mi.UpvertedAnnounceList()
	case p.Magnet != "":
		ma, err := magnet.New(p.Magnet)
		if err != nil {
			return nil, err
		}
		opts.InfoHash = metainfo.Hash(ma.InfoHash)
		trackers = ma.Trackers
	default:
		return nil, errors.New("no metadata or magnet")
	}
	ih := engine.InfoHash(opts.InfoHash)
	if _, ok := e.handles[ih]; ok {
		return nil, errors.New("torrent already exists")
	}
	if err := os.MkdirAll(p.SaveDir, 0750); err != nil {
		return nil, err
	}
	rd, err := decodeResumeData(p.ResumeData)
	if err != nil {
		e.log.Warningln("ignoring resume data of", ih, ":", err)
	}
	st := storage.NewFile(p.SaveDir)
	opts.Storage = st
	t, _ := e.client.AddTorrentOpt(opts)
	if len(trackers) > 0 {
		t.AddTrackers(trackers)
	}
	h := newHandle(e, ih, t, st, trackers, p)
	if len(h.priorities) == 0 && rd != nil {
		h.priorities = rd.priorities()
	}
	return h, nil
}

// Find implements engine.Engine.
func (e *Engine) Find(ih engine.InfoHash) engine.Handle {
	e.m.Lock()
	defer e.m.Unlock()
	h, ok := e.handles[ih]
	if !ok {
		return nil
	}
	return h
}

// Remove drops the torrent from the client and optionally deletes its files.
func (e *Engine) Remove(eh engine.Handle, deleteFiles bool) error {
	h, ok := eh.(*Handle)
	if !ok {
		return errors.New("foreign handle")
	}
	e.m.Lock()
	if e.handles[h.ih] != h {
		e.m.Unlock()
		return engine.ErrInvalidHandle
	}
	delete(e.handles, h.ih)
	e.m.Unlock()

	md := h.Metadata()
	dir := h.SaveDir()
	h.close()
	if deleteFiles && md != nil {
		if err := os.RemoveAll(filepath.Join(dir, md.Name)); err != nil {
			e.log.Errorln("cannot delete files:", err)
		}
	}
	e.emit(engine.Event{Type: engine.EventTorrentRemoved, InfoHash: h.ih})
	return nil
}

// DHTNodes returns the number of nodes summed over the DHT servers of the client.
func (e *Engine) DHTNodes() int {
	e.m.Lock()
	cl := e.client
	e.m.Unlock()
	if cl == nil {
		return 0
	}
	var n int
	for _, s := range cl.DhtServers() {
		if w, ok := s.(torrent.AnacrolixDhtServerWrapper); ok {
			n += w.NumNodes()
		}
	}
	return n
}

func (e *Engine) watchDHT(closeC chan struct{}) {
	defer e.wg.Done()
	ticker := time.NewTicker(dhtPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := e.DHTNodes(); n > 0 {
				e.log.Debugln("dht bootstrapped with", n, "nodes")
				e.emit(engine.Event{Type: engine.EventDHTBootstrap, Nodes: n})
				return
			}
		case <-closeC:
			return
		}
	}
}
