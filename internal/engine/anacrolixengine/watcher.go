package anacrolixengine

import (
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/cenkalti/rainstream/internal/engine"
)

// watch turns piece state changes of the torrent into events until the handle is closed.
// The library torrent is replaced when the storage is moved, the subscription follows it.
func (h *Handle) watch(wg *sync.WaitGroup) {
	defer wg.Done()

	t := h.torrent()
	sub := t.SubscribePieceStateChanges()
	defer func() { sub.Close() }()

	select {
	case <-t.GotInfo():
		h.onInfo()
	case <-h.closeC:
		return
	}
	h.syncPieces(t)

	changes := sub.Values
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			h.onPieceStateChange(t, c)
		case <-ticker.C:
			if nt := h.replacedTorrent(t); nt != nil {
				sub.Close()
				t = nt
				sub = t.SubscribePieceStateChanges()
				changes = sub.Values
				h.syncPieces(t)
			}
			h.poll()
		case <-h.closeC:
			return
		}
	}
}

// replacedTorrent returns the new library torrent after a finished storage move.
func (h *Handle) replacedTorrent(t *torrent.Torrent) *torrent.Torrent {
	h.m.Lock()
	defer h.m.Unlock()
	if h.moving || h.t == t {
		return nil
	}
	return h.t
}

func (h *Handle) onInfo() {
	h.m.Lock()
	if err := h.setMetadataLocked(); err != nil {
		h.err = err.Error()
		h.m.Unlock()
		h.emit(engine.Event{Type: engine.EventTorrentError, Err: err})
		return
	}
	metadataOnly := h.metadataOnly
	if !metadataOnly {
		applyFilePriorities(h.t, h.priorities)
	}
	prev := h.state
	h.state = engine.StateDownloading
	h.m.Unlock()

	h.emit(engine.Event{Type: engine.EventMetadataReceived})
	h.emit(engine.Event{Type: engine.EventStateChanged, PrevState: prev, State: engine.StateDownloading})
	if metadataOnly {
		h.Pause()
	}
}

// syncPieces reads the state of every piece. It is used when a subscription starts.
func (h *Handle) syncPieces(t *torrent.Torrent) {
	var events []engine.Event
	h.m.Lock()
	if h.closed || h.metadata == nil || h.t != t {
		h.m.Unlock()
		return
	}
	changed := false
	for i := 0; i < h.metadata.NumPieces; i++ {
		if h.setPieceStateLocked(i, t.PieceState(i), &events) {
			changed = true
		}
	}
	h.updateStateLocked(changed, &events)
	h.m.Unlock()
	h.emitAll(events)
}

func (h *Handle) onPieceStateChange(t *torrent.Torrent, c torrent.PieceStateChange) {
	var events []engine.Event
	h.m.Lock()
	if h.closed || h.metadata == nil || h.moving || h.t != t || c.Index < 0 || c.Index >= h.metadata.NumPieces {
		h.m.Unlock()
		return
	}
	changed := h.setPieceStateLocked(c.Index, c.PieceState, &events)
	h.updateStateLocked(changed, &events)
	h.m.Unlock()
	h.emitAll(events)
}

// setPieceStateLocked records the piece state and returns true if the piece is gained or lost.
// A piece that is being hashed is not counted as downloaded.
func (h *Handle) setPieceStateLocked(i int, ps torrent.PieceState, events *[]engine.Event) bool {
	checking := ps.Checking || ps.Hashing || ps.QueuedForHash
	h.checking.SetTo(i, checking)
	complete := ps.Complete && !checking
	if h.have.Test(i) == complete {
		return false
	}
	h.have.SetTo(i, complete)
	if complete {
		*events = append(*events, engine.Event{Type: engine.EventPieceFinished, Piece: i})
	}
	return true
}

// updateStateLocked wakes up piece waiters and derives the state from the piece sets.
func (h *Handle) updateStateLocked(changed bool, events *[]engine.Event) {
	if changed {
		h.notifyLocked()
	}
	finished := h.wantedDoneLocked()
	if finished != h.finished {
		h.finished = finished
		if finished {
			if !h.paused {
				h.seedingSince = time.Now()
			}
			*events = append(*events, engine.Event{Type: engine.EventTorrentFinished})
		} else if !h.seedingSince.IsZero() {
			h.seedingTime += time.Since(h.seedingSince)
			h.seedingSince = time.Time{}
		}
	}
	state := engine.StateDownloading
	switch {
	case h.checking.Count() > 0:
		state = engine.StateCheckingFiles
	case finished:
		state = engine.StateSeeding
	}
	if state != h.state {
		*events = append(*events, engine.Event{Type: engine.EventStateChanged, PrevState: h.state, State: state})
		h.state = state
	}
}

func (h *Handle) emitAll(events []engine.Event) {
	for _, ev := range events {
		h.emit(ev)
	}
}

// poll raises pieces for sequential download and samples transfer rates.
func (h *Handle) poll() {
	h.m.Lock()
	defer h.m.Unlock()
	if h.closed || h.metadata == nil || h.moving {
		return
	}
	if h.sequential {
		h.raiseNextPieceLocked()
	}
	h.sampleRatesLocked()
}

// wantedDoneLocked returns true when every piece of a wanted file is complete.
func (h *Handle) wantedDoneLocked() bool {
	md := h.metadata
	for i, f := range md.Files {
		if i < len(h.priorities) && h.priorities[i] == engine.PriorityIgnore {
			continue
		}
		if f.Length == 0 {
			continue
		}
		first := int(f.Offset / md.PieceLength)
		last := int((f.Offset + f.Length - 1) / md.PieceLength)
		if h.have.CountRange(first, last) != last-first+1 {
			return false
		}
	}
	return true
}

// raiseNextPieceLocked gives the first missing wanted piece the next priority.
func (h *Handle) raiseNextPieceLocked() {
	for i := 0; i < h.metadata.NumPieces; i++ {
		if !h.have.Test(i) {
			h.t.Piece(i).SetPriority(piecePriority(engine.PrioritySix))
			return
		}
	}
}

func (h *Handle) sampleRatesLocked() {
	now := time.Now()
	stats := h.t.Stats()
	down, up := stats.BytesReadData.Int64(), stats.BytesWrittenData.Int64()
	if !h.lastSample.IsZero() {
		if d := now.Sub(h.lastSample); d >= time.Second {
			h.downloadRate = int64(float64(down-h.lastDownloaded) / d.Seconds())
			h.uploadRate = int64(float64(up-h.lastUploaded) / d.Seconds())
		} else {
			return
		}
	}
	h.lastSample = now
	h.lastDownloaded = down
	h.lastUploaded = up
}
