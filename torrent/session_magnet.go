package torrent

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/rainstream/internal/engine"
	"github.com/cenkalti/rainstream/internal/logger"
	"github.com/cenkalti/rainstream/internal/magnet"
)

// MagnetInfo is the metadata of a magnet link resolved without starting a download.
type MagnetInfo struct {
	InfoHash  string
	Name      string
	Files     []File
	TotalSize int64
	// Metadata is the bencoded torrent file.
	Metadata []byte
}

func newMagnetInfo(ih engine.InfoHash, md *engine.Metadata) *MagnetInfo {
	info := &MagnetInfo{
		InfoHash:  ih.String(),
		Name:      md.Name,
		Files:     make([]File, len(md.Files)),
		TotalSize: md.TotalLength,
		Metadata:  md.Bytes,
	}
	for i, f := range md.Files {
		info.Files[i] = File{Path: f.Path, Length: f.Length, Priority: PriorityDefault}
	}
	return info
}

type magnetEntry struct {
	doneC chan struct{}
	info  *MagnetInfo
	err   error
	timer *time.Timer
	// probe is true when the entry owns a metadata-only handle in the engine.
	probe bool
}

type magnetResolver struct {
	session *Session
	log     logger.Logger

	m       sync.Mutex
	entries map[engine.InfoHash]*magnetEntry
	cache   map[engine.InfoHash]*MagnetInfo
}

func newMagnetResolver(s *Session) *magnetResolver {
	return &magnetResolver{
		session: s,
		log:     logger.New("magnet"),
		entries: make(map[engine.InfoHash]*magnetEntry),
		cache:   make(map[engine.InfoHash]*MagnetInfo),
	}
}

// ResolveMagnet fetches the metadata of the magnet link without adding a torrent.
// Concurrent calls for the same info hash share a single fetch.
func (s *Session) ResolveMagnet(ctx context.Context, uri string) (*MagnetInfo, error) {
	if !s.IsRunning() {
		return nil, ErrSessionStopped
	}
	ma, err := magnet.New(uri)
	if err != nil {
		return nil, newInputError(err)
	}
	ih := engine.InfoHash(ma.InfoHash)
	if info := s.magnets.cached(ih); info != nil {
		return info, nil
	}
	if s.Settings().DHTEnabled && s.engine.DHTNodes() == 0 {
		timer := time.NewTimer(s.config.DHTBootstrapTimeout)
		defer timer.Stop()
		select {
		case <-s.dhtReady():
		case <-timer.C:
			return nil, &TimeoutError{Op: "dht bootstrap"}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e, err := s.magnets.start(ih, uri)
	if err != nil {
		return nil, err
	}
	select {
	case <-e.doneC:
		return e.info, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CancelMagnet stops the metadata fetch for the magnet link or info hash.
// Callers waiting in ResolveMagnet get ErrMagnetCancelled. Cancelling a fetch that is not running does nothing.
func (s *Session) CancelMagnet(uriOrInfoHash string) error {
	ih, err := engine.ParseInfoHash(uriOrInfoHash)
	if err != nil {
		ma, err2 := magnet.New(uriOrInfoHash)
		if err2 != nil {
			return newInputError(err2)
		}
		ih = engine.InfoHash(ma.InfoHash)
	}
	s.magnets.cancel(ih)
	return nil
}

func (r *magnetResolver) cached(ih engine.InfoHash) *MagnetInfo {
	r.m.Lock()
	defer r.m.Unlock()
	return r.cache[ih]
}

func (r *magnetResolver) inFlight() int {
	r.m.Lock()
	defer r.m.Unlock()
	return len(r.entries)
}

func (r *magnetResolver) start(ih engine.InfoHash, uri string) (*magnetEntry, error) {
	s := r.session
	r.m.Lock()
	defer r.m.Unlock()
	if info := r.cache[ih]; info != nil {
		return doneEntry(info), nil
	}
	t := s.GetTorrent(ih.String())
	if t != nil && t.handle.Valid() {
		if md := t.handle.Metadata(); md != nil {
			info := newMagnetInfo(ih, md)
			r.cache[ih] = info
			return doneEntry(info), nil
		}
	}
	if e, ok := r.entries[ih]; ok {
		return e, nil
	}
	e := &magnetEntry{doneC: make(chan struct{}), probe: t == nil}
	if e.probe {
		err := s.engine.AddTorrent(engine.AddParams{
			InfoHash:     ih,
			Magnet:       uri,
			SaveDir:      filepath.Join(os.TempDir(), "rainstream-magnet"),
			MetadataOnly: true,
		})
		if err != nil {
			return nil, err
		}
		r.log.Debugln("fetching metadata of", ih)
	}
	r.entries[ih] = e
	e.timer = time.AfterFunc(s.config.MagnetTimeout, func() {
		r.finish(ih, e, nil, &TimeoutError{Op: "resolve magnet " + ih.String()})
	})
	return e, nil
}

func doneEntry(info *MagnetInfo) *magnetEntry {
	e := &magnetEntry{doneC: make(chan struct{}), info: info}
	close(e.doneC)
	return e
}

// finish completes the entry if it is still registered.
// The probe handle is removed from the engine by the persister since removal deletes files.
func (r *magnetResolver) finish(ih engine.InfoHash, e *magnetEntry, info *MagnetInfo, err error) {
	r.m.Lock()
	if r.entries[ih] != e {
		r.m.Unlock()
		return
	}
	delete(r.entries, ih)
	if info != nil {
		r.cache[ih] = info
	}
	r.m.Unlock()

	if e.timer != nil {
		e.timer.Stop()
	}
	e.info, e.err = info, err
	close(e.doneC)
	if err != nil {
		r.log.Debugf("fetching metadata of %s failed: %s", ih, err)
	}
	if e.probe {
		r.session.persist(persistJob{kind: jobRemoveProbe, id: ih.String(), infoHash: ih})
	}
}

func (r *magnetResolver) removeProbe(ih engine.InfoHash) {
	s := r.session
	if s.GetTorrent(ih.String()) != nil {
		return
	}
	if h := s.engine.Find(ih); h != nil {
		if err := s.engine.Remove(h, true); err != nil {
			r.log.Debugln("cannot remove magnet handle:", err)
		}
	}
}

func (r *magnetResolver) entry(ih engine.InfoHash) *magnetEntry {
	r.m.Lock()
	defer r.m.Unlock()
	return r.entries[ih]
}

func (r *magnetResolver) cancel(ih engine.InfoHash) {
	if e := r.entry(ih); e != nil {
		r.finish(ih, e, nil, ErrMagnetCancelled)
	}
}

func (r *magnetResolver) cancelAll() {
	r.m.Lock()
	entries := make(map[engine.InfoHash]*magnetEntry, len(r.entries))
	for ih, e := range r.entries {
		entries[ih] = e
	}
	r.m.Unlock()
	for ih, e := range entries {
		r.finish(ih, e, nil, ErrSessionStopped)
	}
}

// metadataAvailable completes the entries attached to an active torrent.
func (r *magnetResolver) metadataAvailable(ih engine.InfoHash, md *engine.Metadata) {
	if e := r.entry(ih); e != nil {
		r.finish(ih, e, newMagnetInfo(ih, md), nil)
	}
}

// handleEvent handles engine events of handles that do not belong to a Torrent.
func (r *magnetResolver) handleEvent(ev engine.Event) {
	ih := ev.InfoHash
	e := r.entry(ih)
	switch ev.Type {
	case engine.EventAddConfirmed:
		if e == nil {
			// Nobody waits for this handle anymore.
			r.removeProbe(ih)
			return
		}
		if ev.Err != nil {
			r.finish(ih, e, nil, ev.Err)
		}
	case engine.EventMetadataReceived:
		if e == nil {
			return
		}
		h := r.session.engine.Find(ih)
		if h == nil {
			r.finish(ih, e, nil, engine.ErrInvalidHandle)
			return
		}
		md := h.Metadata()
		if md == nil {
			return
		}
		if int64(len(md.Bytes)) > r.session.config.MaxMetadataSize {
			r.finish(ih, e, nil, ErrMetadataTooLarge)
			return
		}
		r.finish(ih, e, newMagnetInfo(ih, md), nil)
	case engine.EventTorrentError:
		if e != nil {
			r.finish(ih, e, nil, ev.Err)
		}
	case engine.EventTorrentRemoved:
		if e != nil && e.probe {
			r.finish(ih, e, nil, engine.ErrRemoved)
		}
	}
}
