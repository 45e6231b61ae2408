package torrent

import (
	"github.com/cenkalti/rainstream/internal/engine"
	"github.com/cenkalti/rainstream/internal/magnet"
)

func (t *Torrent) isRemoving() bool {
	t.m.RLock()
	defer t.m.RUnlock()
	return t.removing
}

func (t *Torrent) onMetadataReceived() {
	md := t.handle.Metadata()
	if md == nil {
		return
	}
	s := t.session
	if int64(len(md.Bytes)) > s.config.MaxMetadataSize {
		t.fail(ErrMetadataTooLarge)
		return
	}
	t.m.Lock()
	if !t.record.DownloadingMetadata {
		t.m.Unlock()
		return
	}
	prios := engine.DefaultPriorities(len(md.Files))
	if t.record.Magnet != "" {
		if ma, err := magnet.New(t.record.Magnet); err == nil {
			if p := selectOnly(ma.SelectOnly, len(md.Files)); p != nil {
				prios = p
			}
		}
	}
	t.record.Metadata = md.Bytes
	t.record.Name = md.Name
	t.record.DownloadingMetadata = false
	t.record.Priorities = fromPriorities(prios)
	rec := t.record
	t.m.Unlock()

	if err := t.handle.SetFilePriorities(prios); err != nil {
		t.log.Errorln("cannot set file priorities:", err)
	}
	var needed int64
	for i, f := range md.Files {
		if prios[i] != PriorityIgnore {
			needed += f.Length
		}
	}
	s.persist(persistJob{kind: jobRecord, id: t.id, infoHash: t.infoHash, record: &rec, spaceNeeded: needed})
	s.notify(Notification{Type: MetadataLoaded, TorrentID: t.id})
	t.log.Infof("metadata received: %q", md.Name)
	t.SaveResumeData(true)
	s.magnets.metadataAvailable(t.infoHash, md)
}

func (t *Torrent) onStateChanged(ev engine.Event) {
	t.log.Debugf("state changed: %s -> %s", ev.PrevState, ev.State)
	t.session.notify(Notification{Type: TorrentStateChanged, TorrentID: t.id, State: t.State()})
}

func (t *Torrent) notifyAndSave(typ NotificationType) {
	t.session.notify(Notification{Type: typ, TorrentID: t.id})
	t.SaveResumeData(true)
}

func (t *Torrent) onStorageMoved(path string) {
	t.m.Lock()
	t.record.Dest = path
	t.m.Unlock()
	t.log.Infoln("storage moved to", path)
	t.session.persist(persistJob{kind: jobDest, id: t.id, infoHash: t.infoHash, text: path})
	t.session.notify(Notification{Type: TorrentMoved, TorrentID: t.id, Path: path})
	t.SaveResumeData(true)
}

func (t *Torrent) onStorageMoveFailed(err error) {
	t.log.Errorln("cannot move storage:", err)
	t.session.notify(Notification{Type: TorrentMoveFailed, TorrentID: t.id, Err: err})
	t.SaveResumeData(true)
}

func (t *Torrent) onError(err error) {
	if err == nil {
		return
	}
	t.m.Lock()
	t.record.Error = err.Error()
	t.m.Unlock()
	t.log.Errorln("torrent error:", err)
	t.session.persist(persistJob{kind: jobError, id: t.id, infoHash: t.infoHash, text: err.Error()})
	t.session.notify(Notification{Type: TorrentError, TorrentID: t.id, Err: err})
}

// fail records the error and stops the torrent in the engine.
func (t *Torrent) fail(err error) {
	t.onError(err)
	if t.handle.Valid() {
		t.handle.Pause()
	}
}

func (t *Torrent) onRemoved() {
	s := t.session
	s.unregisterTransfer(t.id)
	t.m.RLock()
	files := t.incomplete
	t.m.RUnlock()
	if len(files) > 0 {
		s.persist(persistJob{kind: jobCleanup, id: t.id, infoHash: t.infoHash, files: files, since: t.addedAt})
	}
	t.log.Infoln("torrent removed")
	s.notify(Notification{Type: TorrentRemoved, TorrentID: t.id})
	s.dropResumeRequests(t.infoHash)
	if e := s.magnets.entry(t.infoHash); e != nil {
		s.magnets.finish(t.infoHash, e, nil, engine.ErrRemoved)
	}
}

