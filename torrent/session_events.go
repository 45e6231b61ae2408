package torrent

import (
	"github.com/cenkalti/rainstream/internal/engine"
)

// dispatchEvents routes engine events until the engine closes the channel.
// It keeps draining after stop is requested so the engine never blocks on a full channel.
func (s *Session) dispatchEvents(events <-chan engine.Event) {
	for ev := range events {
		s.handleEvent(ev)
	}
}

func (s *Session) handleEvent(ev engine.Event) {
	if ev.IsSessionEvent() {
		s.handleSessionEvent(ev)
		return
	}
	if ev.Type == engine.EventAddConfirmed {
		s.handleAddConfirmed(ev)
		return
	}
	t := s.GetTorrent(ev.InfoHash.String())
	if t == nil {
		s.magnets.handleEvent(ev)
		return
	}
	switch ev.Type {
	case engine.EventMetadataReceived:
		t.onMetadataReceived()
	case engine.EventPieceFinished:
		t.SaveResumeData(false)
	case engine.EventStateChanged:
		t.onStateChanged(ev)
	case engine.EventTorrentFinished:
		t.notifyAndSave(TorrentFinished)
	case engine.EventTorrentPaused:
		t.notifyAndSave(TorrentPaused)
	case engine.EventTorrentResumed:
		t.notifyAndSave(TorrentResumed)
	case engine.EventStorageMoved:
		t.onStorageMoved(ev.Path)
	case engine.EventStorageMoveFailed:
		t.onStorageMoveFailed(ev.Err)
	case engine.EventSaveResumeData:
		s.persist(persistJob{kind: jobResume, id: t.id, infoHash: t.infoHash, data: ev.Data})
	case engine.EventSaveResumeDataFailed:
		t.log.Debugln("cannot save resume data:", ev.Err)
		s.resumeAnswered(t.infoHash)
	case engine.EventTorrentError:
		t.onError(ev.Err)
	case engine.EventTorrentRemoved:
		t.onRemoved()
	default:
		t.log.Debugln("unhandled event:", ev.Type)
	}
}

func (s *Session) handleSessionEvent(ev engine.Event) {
	switch ev.Type {
	case engine.EventDHTBootstrap:
		if ev.Nodes <= 0 {
			return
		}
		s.mDHT.Lock()
		select {
		case <-s.dhtReadyC:
		default:
			close(s.dhtReadyC)
			s.log.Debugf("dht bootstrapped with %d nodes", ev.Nodes)
		}
		s.mDHT.Unlock()
	case engine.EventSessionError, engine.EventListenFailed:
		s.log.Errorln(ev.Type.String()+":", ev.Err)
		s.notify(Notification{Type: SessionError, Err: ev.Err})
	case engine.EventPortmapError:
		s.log.Warningln("port mapping failed:", ev.Err)
		s.notify(Notification{Type: NATError, Err: ev.Err})
	}
}

// dhtReady returns a channel that is closed when the DHT has at least one node.
func (s *Session) dhtReady() <-chan struct{} {
	s.mDHT.Lock()
	defer s.mDHT.Unlock()
	return s.dhtReadyC
}
