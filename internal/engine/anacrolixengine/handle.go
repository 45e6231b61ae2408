package anacrolixengine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
	"github.com/anacrolix/torrent/types"
	"github.com/cenkalti/rainstream/internal/bitfield"
	"github.com/cenkalti/rainstream/internal/engine"
	imetainfo "github.com/cenkalti/rainstream/internal/metainfo"
	"github.com/otiai10/copy"
)

// Handle wraps a *torrent.Torrent. The wrapped torrent changes when the storage is moved.
type Handle struct {
	engine *Engine
	ih     engine.InfoHash

	m            sync.Mutex
	t            *torrent.Torrent
	storage      storage.ClientImplCloser
	saveDir      string
	trackers     [][]string
	metadata     *engine.Metadata
	priorities   []engine.Priority
	have         *bitfield.Bitfield
	checking     *bitfield.Bitfield
	state        engine.State
	finished     bool
	paused       bool
	metadataOnly bool
	sequential   bool
	moving       bool
	maxUploads   int
	err          string
	closed       bool
	closeC       chan struct{}
	changedC     chan struct{}

	startedAt    time.Time
	activeTime   time.Duration
	seedingSince time.Time
	seedingTime  time.Duration

	lastSample     time.Time
	lastDownloaded int64
	lastUploaded   int64
	downloadRate   int64
	uploadRate     int64
}

var _ engine.Handle = (*Handle)(nil)

func newHandle(e *Engine, ih engine.InfoHash, t *torrent.Torrent, st storage.ClientImplCloser, trackers [][]string, p engine.AddParams) *Handle {
	h := &Handle{
		engine:       e,
		ih:           ih,
		t:            t,
		storage:      st,
		saveDir:      p.SaveDir,
		trackers:     trackers,
		priorities:   append([]engine.Priority(nil), p.Priorities...),
		state:        engine.StateDownloadingMetadata,
		metadataOnly: p.MetadataOnly,
		sequential:   p.Sequential,
		maxUploads:   -1,
		closeC:       make(chan struct{}),
		changedC:     make(chan struct{}),
	}
	if p.Paused || p.MetadataOnly {
		h.paused = true
		t.DisallowDataDownload()
		t.DisallowDataUpload()
	} else {
		h.startedAt = time.Now()
	}
	return h
}

func (h *Handle) torrent() *torrent.Torrent {
	h.m.Lock()
	defer h.m.Unlock()
	return h.t
}

// close drops the torrent from the client and stops the watcher.
func (h *Handle) close() {
	h.m.Lock()
	if h.closed {
		h.m.Unlock()
		return
	}
	h.closed = true
	close(h.closeC)
	t, st := h.t, h.storage
	h.m.Unlock()
	t.Drop()
	if err := st.Close(); err != nil {
		h.engine.log.Debugln("cannot close storage:", err)
	}
}

// notifyLocked wakes up piece waiters. Must be called with h.m held.
func (h *Handle) notifyLocked() {
	close(h.changedC)
	h.changedC = make(chan struct{})
}

func (h *Handle) emit(ev engine.Event) {
	ev.InfoHash = h.ih
	h.engine.emit(ev)
}

// InfoHash implements engine.Handle.
func (h *Handle) InfoHash() engine.InfoHash { return h.ih }

// Valid returns false after the torrent is removed or the engine is stopped.
func (h *Handle) Valid() bool {
	h.m.Lock()
	defer h.m.Unlock()
	return !h.closed
}

// SaveDir returns the current storage location.
func (h *Handle) SaveDir() string {
	h.m.Lock()
	defer h.m.Unlock()
	return h.saveDir
}

// Pause stops the data transfer of the torrent.
func (h *Handle) Pause() {
	h.m.Lock()
	if h.closed || h.paused {
		h.m.Unlock()
		return
	}
	h.paused = true
	h.stopClockLocked()
	t := h.t
	h.m.Unlock()
	t.DisallowDataDownload()
	t.DisallowDataUpload()
	h.emit(engine.Event{Type: engine.EventTorrentPaused})
}

// Resume starts the data transfer of the torrent.
func (h *Handle) Resume() {
	h.m.Lock()
	if h.closed || !h.paused {
		h.m.Unlock()
		return
	}
	h.paused = false
	h.metadataOnly = false
	h.startedAt = time.Now()
	if h.finished {
		h.seedingSince = h.startedAt
	}
	t := h.t
	h.m.Unlock()
	t.AllowDataDownload()
	t.AllowDataUpload()
	h.emit(engine.Event{Type: engine.EventTorrentResumed})
}

// stopClockLocked accumulates active and seeding durations. Must be called with h.m held.
func (h *Handle) stopClockLocked() {
	now := time.Now()
	if !h.startedAt.IsZero() {
		h.activeTime += now.Sub(h.startedAt)
		h.startedAt = time.Time{}
	}
	if !h.seedingSince.IsZero() {
		h.seedingTime += now.Sub(h.seedingSince)
		h.seedingSince = time.Time{}
	}
}

// SetFilePriorities implements engine.Handle.
func (h *Handle) SetFilePriorities(prios []engine.Priority) error {
	h.m.Lock()
	defer h.m.Unlock()
	if h.closed {
		return engine.ErrInvalidHandle
	}
	if h.metadata != nil && len(prios) != len(h.metadata.Files) {
		return errors.New("priority count does not match file count")
	}
	h.priorities = append([]engine.Priority(nil), prios...)
	if h.metadata != nil {
		applyFilePriorities(h.t, h.priorities)
	}
	return nil
}

func applyFilePriorities(t *torrent.Torrent, prios []engine.Priority) {
	for i, f := range t.Files() {
		p := engine.PriorityDefault
		if i < len(prios) {
			p = prios[i]
		}
		f.SetPriority(piecePriority(p))
	}
}

// piecePriority maps the 0-7 priority range onto the library's piece priorities.
func piecePriority(p engine.Priority) types.PiecePriority {
	switch {
	case p <= engine.PriorityIgnore:
		return types.PiecePriorityNone
	case p <= engine.PriorityDefault:
		return types.PiecePriorityNormal
	case p < engine.PriorityTop:
		return types.PiecePriorityHigh
	default:
		return types.PiecePriorityNow
	}
}

// FilePriorities implements engine.Handle.
func (h *Handle) FilePriorities() []engine.Priority {
	h.m.Lock()
	defer h.m.Unlock()
	if len(h.priorities) == 0 && h.metadata != nil {
		return engine.DefaultPriorities(len(h.metadata.Files))
	}
	return append([]engine.Priority(nil), h.priorities...)
}

// SetSequential implements engine.Handle.
func (h *Handle) SetSequential(b bool) {
	h.m.Lock()
	h.sequential = b
	h.m.Unlock()
}

// MoveStorage drops the torrent, copies its files to path and adds it back with the new location.
func (h *Handle) MoveStorage(path string) {
	h.m.Lock()
	if h.closed || h.moving {
		h.m.Unlock()
		h.emit(engine.Event{Type: engine.EventStorageMoveFailed, Err: errors.New("storage cannot be moved now")})
		return
	}
	h.moving = true
	h.m.Unlock()
	h.engine.wg.Add(1)
	go h.move(path)
}

func (h *Handle) move(dest string) {
	defer h.engine.wg.Done()
	h.m.Lock()
	oldDir, t, st := h.saveDir, h.t, h.storage
	info := t.Info()
	h.m.Unlock()

	err := h.moveFiles(t, st, info, oldDir, dest)

	h.m.Lock()
	h.moving = false
	h.m.Unlock()
	if err != nil {
		h.emit(engine.Event{Type: engine.EventStorageMoveFailed, Err: err})
		return
	}
	h.emit(engine.Event{Type: engine.EventStorageMoved, Path: dest})
}

func (h *Handle) moveFiles(t *torrent.Torrent, st storage.ClientImplCloser, info *metainfo.Info, oldDir, dest string) error {
	if err := os.MkdirAll(dest, 0750); err != nil {
		return err
	}
	if info == nil {
		h.m.Lock()
		h.saveDir = dest
		h.m.Unlock()
		return nil
	}
	h.engine.m.Lock()
	cl := h.engine.client
	h.engine.m.Unlock()
	if cl == nil {
		return errNotStarted
	}
	infoBytes := t.Metainfo().InfoBytes
	t.Drop()
	_ = st.Close()

	src := filepath.Join(oldDir, info.Name)
	dir := oldDir
	err := copy.Copy(src, filepath.Join(dest, info.Name))
	if err == nil {
		dir = dest
		if err2 := os.RemoveAll(src); err2 != nil {
			h.engine.log.Warningln("cannot remove old files:", err2)
		}
	}
	nst := storage.NewFile(dir)
	nt, _ := cl.AddTorrentOpt(torrent.AddTorrentOpts{
		InfoHash:  metainfo.Hash(h.ih),
		InfoBytes: infoBytes,
		Storage:   nst,
	})
	nt.AddTrackers(h.trackers)

	h.m.Lock()
	h.t = nt
	h.storage = nst
	h.saveDir = dir
	prios := h.priorities
	paused := h.paused
	closed := h.closed
	h.m.Unlock()
	if closed {
		nt.Drop()
		_ = nst.Close()
		return engine.ErrRemoved
	}
	if paused {
		nt.DisallowDataDownload()
		nt.DisallowDataUpload()
	}
	<-nt.GotInfo()
	applyFilePriorities(nt, prios)
	return err
}

// ForceRecheck hashes all pieces again in the background.
// The watcher sees the pieces go through hashing and clears the ones that fail.
func (h *Handle) ForceRecheck() {
	t := h.torrent()
	if t.Info() == nil {
		return
	}
	go func() {
		if err := t.VerifyData(); err != nil {
			h.engine.log.Debugln("recheck of", h.ih, "stopped:", err)
		}
	}()
}

// ForceReannounce adds the trackers again which makes the client announce to them.
func (h *Handle) ForceReannounce() {
	h.m.Lock()
	t, trackers := h.t, h.trackers
	h.m.Unlock()
	if len(trackers) > 0 {
		t.AddTrackers(trackers)
	}
}

// SaveResumeData encodes the state and reports it with an event.
// Blobs are emitted in the order of the calls.
func (h *Handle) SaveResumeData() {
	h.m.Lock()
	if h.closed {
		h.m.Unlock()
		h.emit(engine.Event{Type: engine.EventSaveResumeDataFailed, Err: engine.ErrInvalidHandle})
		return
	}
	rd := newResumeData(h)
	h.m.Unlock()
	b, err := rd.encode()
	if err != nil {
		h.emit(engine.Event{Type: engine.EventSaveResumeDataFailed, Err: err})
		return
	}
	h.emit(engine.Event{Type: engine.EventSaveResumeData, Data: b})
}

// Status implements engine.Handle.
func (h *Handle) Status() engine.Status {
	h.m.Lock()
	defer h.m.Unlock()
	st := engine.Status{
		State:        h.state,
		Paused:       h.paused,
		Finished:     h.finished,
		Error:        h.err,
		DownloadRate: h.downloadRate,
		UploadRate:   h.uploadRate,
		ActiveTime:   h.activeTime,
		SeedingTime:  h.seedingTime,
	}
	now := time.Now()
	if !h.startedAt.IsZero() {
		st.ActiveTime += now.Sub(h.startedAt)
	}
	if !h.seedingSince.IsZero() {
		st.SeedingTime += now.Sub(h.seedingSince)
	}
	if h.closed {
		return st
	}
	stats := h.t.Stats()
	st.TotalDownload = stats.BytesReadData.Int64()
	st.TotalUpload = stats.BytesWrittenData.Int64()
	st.NumPeers = stats.ActivePeers
	st.NumSeeds = stats.ConnectedSeeders
	st.ListPeers = stats.TotalPeers
	st.ListSeeds = stats.ConnectedSeeders
	if h.metadata == nil {
		return st
	}
	st.Pieces = h.have.Copy()
	st.TotalSize = h.metadata.TotalLength
	st.TotalDone = h.t.BytesCompleted()
	prios := h.priorities
	for i, f := range h.t.Files() {
		if i < len(prios) && prios[i] == engine.PriorityIgnore {
			continue
		}
		st.TotalWanted += f.Length()
		st.TotalWantedDone += f.BytesCompleted()
	}
	if st.TotalWanted > 0 {
		st.Progress = float64(st.TotalWantedDone) / float64(st.TotalWanted)
	}
	return st
}

// Metadata implements engine.Handle.
func (h *Handle) Metadata() *engine.Metadata {
	h.m.Lock()
	defer h.m.Unlock()
	return h.metadata
}

// setMetadataLocked builds the metadata from the info dictionary the library has. Must be called with h.m held.
func (h *Handle) setMetadataLocked() error {
	mi := h.t.Metainfo()
	b, err := imetainfo.NewBytes(mi.InfoBytes, h.trackers, "")
	if err != nil {
		return err
	}
	parsed, err := imetainfo.New(bytes.NewReader(b))
	if err != nil {
		return err
	}
	md := &engine.Metadata{
		Name:        parsed.Info.Name,
		PieceLength: parsed.Info.PieceLength,
		NumPieces:   parsed.Info.NumPieces,
		TotalLength: parsed.Info.TotalLength,
		Bytes:       b,
	}
	for _, f := range parsed.Info.GetFiles() {
		md.Files = append(md.Files, engine.File{Path: f.Path, Offset: f.Offset, Length: f.Length})
	}
	h.metadata = md
	h.have = bitfield.New(md.NumPieces)
	h.checking = bitfield.New(md.NumPieces)
	if len(h.priorities) != len(md.Files) {
		h.priorities = engine.DefaultPriorities(len(md.Files))
	}
	return nil
}

// PeerPieces returns the piece sets announced by the connected peers.
func (h *Handle) PeerPieces() []*bitfield.Bitfield {
	h.m.Lock()
	t, md := h.t, h.metadata
	h.m.Unlock()
	if md == nil {
		return nil
	}
	var ret []*bitfield.Bitfield
	for _, pc := range t.PeerConns() {
		pieces := pc.PeerPieces()
		bf := bitfield.New(md.NumPieces)
		for i := 0; i < md.NumPieces; i++ {
			if pieces.Contains(uint32(i)) {
				bf.Set(i)
			}
		}
		ret = append(ret, bf)
	}
	return ret
}

// FileProgress implements engine.Handle.
func (h *Handle) FileProgress() []int64 {
	t := h.torrent()
	files := t.Files()
	ret := make([]int64, len(files))
	for i, f := range files {
		ret[i] = f.BytesCompleted()
	}
	return ret
}

// SetPiecePriority implements engine.Handle.
func (h *Handle) SetPiecePriority(piece int, p engine.Priority) {
	t := h.torrent()
	if t.Info() == nil || piece < 0 || piece >= t.NumPieces() {
		return
	}
	t.Piece(piece).SetPriority(piecePriority(p))
}

// SetPieceDeadline raises the piece to the highest priority. The library does not support deadlines.
func (h *Handle) SetPieceDeadline(piece int, d time.Duration) {
	t := h.torrent()
	if t.Info() == nil || piece < 0 || piece >= t.NumPieces() {
		return
	}
	prio := types.PiecePriorityNow
	if d > time.Second {
		prio = types.PiecePriorityNext
	}
	t.Piece(piece).SetPriority(prio)
}

// HavePiece implements engine.Handle.
func (h *Handle) HavePiece(piece int) bool {
	t := h.torrent()
	if t.Info() == nil || piece < 0 || piece >= t.NumPieces() {
		return false
	}
	return t.PieceState(piece).Complete
}

// WaitPiece blocks until the watcher sees the piece complete. A piece lost by a recheck blocks again.
func (h *Handle) WaitPiece(ctx context.Context, piece int) error {
	for {
		h.m.Lock()
		if h.closed {
			h.m.Unlock()
			return engine.ErrRemoved
		}
		if h.have != nil && h.have.Test(piece) {
			h.m.Unlock()
			return nil
		}
		changedC := h.changedC
		h.m.Unlock()
		select {
		case <-changedC:
		case <-h.closeC:
			return engine.ErrRemoved
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ReadAt reads through a torrent.Reader positioned at off.
// The reader only returns verified data. It waits for a missing piece until ctx is done.
func (h *Handle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	t := h.torrent()
	if t.Info() == nil {
		return 0, errors.New("metadata is not known yet")
	}
	r := t.NewReader()
	defer r.Close()
	r.SetContext(ctx)
	if _, err := r.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(r, p)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

// SetMaxConnections implements engine.Handle.
func (h *Handle) SetMaxConnections(n int) {
	t := h.torrent()
	if n <= 0 {
		n = torrent.NewDefaultClientConfig().EstablishedConnsPerTorrent
	}
	t.SetMaxEstablishedConns(n)
}

// SetMaxUploads records the limit. The library manages upload slots itself.
func (h *Handle) SetMaxUploads(n int) {
	h.m.Lock()
	h.maxUploads = n
	h.m.Unlock()
}
