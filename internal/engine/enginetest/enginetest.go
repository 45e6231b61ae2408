// Package enginetest provides an in-memory engine for tests.
// It keeps torrent state in memory and emits events the way a real engine would, but never touches the network.
package enginetest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/rainstream/internal/bitfield"
	"github.com/cenkalti/rainstream/internal/engine"
	"github.com/cenkalti/rainstream/internal/fifo"
	"github.com/cenkalti/rainstream/internal/magnet"
	"github.com/cenkalti/rainstream/internal/metainfo"
)

var errNotStarted = errors.New("engine is not started")

// Engine implements engine.Engine in memory.
type Engine struct {
	m        sync.Mutex
	running  bool
	settings engine.Settings
	applied  int
	events   *fifo.Queue[engine.Event]
	// eventsClosed is set after Stop. The next Start creates a new stream.
	eventsClosed bool
	handles  map[engine.InfoHash]*Handle
	added    []engine.AddParams
	removed  []engine.InfoHash
	dhtNodes int

	// AddHook is called for every add before it is confirmed. A non-nil error fails the add.
	AddHook func(engine.AddParams) error
	// RemoveHook is called at the start of every remove.
	RemoveHook func(engine.InfoHash)
}

var _ engine.Engine = (*Engine)(nil)

// New returns a stopped engine.
func New() *Engine {
	return &Engine{
		handles: make(map[engine.InfoHash]*Handle),
	}
}

// Start implements engine.Engine.
func (e *Engine) Start(s engine.Settings) error {
	e.m.Lock()
	defer e.m.Unlock()
	if e.running {
		return nil
	}
	e.running = true
	e.settings = s
	e.applied++
	if e.events == nil || e.eventsClosed {
		e.events = fifo.New[engine.Event]()
		e.eventsClosed = false
	}
	return nil
}

// Stop implements engine.Engine. All handles become invalid and the event channel is closed.
func (e *Engine) Stop() error {
	e.m.Lock()
	defer e.m.Unlock()
	if !e.running {
		return nil
	}
	e.running = false
	for ih, h := range e.handles {
		h.invalidate()
		delete(e.handles, ih)
	}
	if e.events != nil {
		e.events.Close()
		e.eventsClosed = true
	}
	return nil
}

// ApplySettings implements engine.Engine.
func (e *Engine) ApplySettings(s engine.Settings) error {
	e.m.Lock()
	defer e.m.Unlock()
	if !e.running {
		return errNotStarted
	}
	e.settings = s
	e.applied++
	return nil
}

// Settings returns the last applied settings and how many times settings were applied.
func (e *Engine) Settings() (engine.Settings, int) {
	e.m.Lock()
	defer e.m.Unlock()
	return e.settings, e.applied
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

// Emit queues an event as if the engine produced it.
func (e *Engine) Emit(ev engine.Event) {
	e.m.Lock()
	q := e.events
	e.m.Unlock()
	if q != nil {
		q.Push(ev)
	}
}

// AddTorrent implements engine.Engine. The add is confirmed with an event.
func (e *Engine) AddTorrent(p engine.AddParams) error {
	e.m.Lock()
	if !e.running {
		e.m.Unlock()
		return errNotStarted
	}
	e.added = append(e.added, p)
	hook := e.AddHook
	e.m.Unlock()

	ev := engine.Event{Type: engine.EventAddConfirmed, InfoHash: p.InfoHash}
	h, err := e.newHandle(p)
	if err == nil && hook != nil {
		err = hook(p)
	}
	if err != nil {
		ev.Err = err
		e.Emit(ev)
		return nil
	}
	e.m.Lock()
	if _, ok := e.handles[h.ih]; ok {
		e.m.Unlock()
		ev.Err = errors.New("torrent already exists")
		e.Emit(ev)
		return nil
	}
	e.handles[h.ih] = h
	e.m.Unlock()
	ev.InfoHash = h.ih
	e.Emit(ev)
	return nil
}

func (e *Engine) newHandle(p engine.AddParams) (*Handle, error) {
	h := &Handle{
		engine:     e,
		ih:         p.InfoHash,
		saveDir:    p.SaveDir,
		sequential: p.Sequential,
		resume:     p.ResumeData,
		status:     engine.Status{Paused: p.Paused || p.MetadataOnly},
		removedC:   make(chan struct{}),
		changedC:   make(chan struct{}),
		maxConns:   -1,
		maxUploads: -1,
	}
	switch {
	case len(p.Metadata) > 0:
		md, ih, err := parseMetadata(p.Metadata)
		if err != nil {
			return nil, err
		}
		h.ih = ih
		h.setMetadata(md, p.Priorities)
	case p.Magnet != "":
		ma, err := magnet.New(p.Magnet)
		if err != nil {
			return nil, err
		}
		h.ih = ma.InfoHash
		h.status.State = engine.StateDownloadingMetadata
	default:
		return nil, errors.New("no metadata or magnet")
	}
	return h, nil
}

func parseMetadata(b []byte) (*engine.Metadata, engine.InfoHash, error) {
	mi, err := metainfo.New(bytes.NewReader(b))
	if err != nil {
		return nil, engine.InfoHash{}, err
	}
	md := &engine.Metadata{
		Name:        mi.Info.Name,
		PieceLength: mi.Info.PieceLength,
		NumPieces:   mi.Info.NumPieces,
		TotalLength: mi.Info.TotalLength,
		Bytes:       b,
	}
	for _, f := range mi.Info.GetFiles() {
		md.Files = append(md.Files, engine.File{Path: f.Path, Offset: f.Offset, Length: f.Length})
	}
	return md, mi.Info.Hash, nil
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

// Handle returns the concrete handle for the info hash or nil.
func (e *Engine) Handle(ih engine.InfoHash) *Handle {
	e.m.Lock()
	defer e.m.Unlock()
	return e.handles[ih]
}

// Remove implements engine.Engine.
func (e *Engine) Remove(eh engine.Handle, deleteFiles bool) error {
	h, ok := eh.(*Handle)
	if !ok {
		return errors.New("foreign handle")
	}
	if e.RemoveHook != nil {
		e.RemoveHook(h.ih)
	}
	e.m.Lock()
	if e.handles[h.ih] != h {
		e.m.Unlock()
		return engine.ErrInvalidHandle
	}
	delete(e.handles, h.ih)
	e.removed = append(e.removed, h.ih)
	e.m.Unlock()
	h.m.Lock()
	h.filesDeleted = deleteFiles
	h.m.Unlock()
	h.invalidate()
	e.Emit(engine.Event{Type: engine.EventTorrentRemoved, InfoHash: h.ih})
	return nil
}

// Added returns params of all adds requested so far.
func (e *Engine) Added() []engine.AddParams {
	e.m.Lock()
	defer e.m.Unlock()
	return append([]engine.AddParams(nil), e.added...)
}

// Removed returns info hashes of removed torrents in removal order.
func (e *Engine) Removed() []engine.InfoHash {
	e.m.Lock()
	defer e.m.Unlock()
	return append([]engine.InfoHash(nil), e.removed...)
}

// DHTNodes implements engine.Engine.
func (e *Engine) DHTNodes() int {
	e.m.Lock()
	defer e.m.Unlock()
	return e.dhtNodes
}

// BootstrapDHT sets the node count and emits EventDHTBootstrap.
func (e *Engine) BootstrapDHT(nodes int) {
	e.m.Lock()
	e.dhtNodes = nodes
	e.m.Unlock()
	e.Emit(engine.Event{Type: engine.EventDHTBootstrap, Nodes: nodes})
}

// Handle implements engine.Handle in memory.
type Handle struct {
	engine  *Engine
	ih      engine.InfoHash
	saveDir string

	m            sync.Mutex
	status       engine.Status
	metadata     *engine.Metadata
	priorities   []engine.Priority
	piecePrio    map[int]engine.Priority
	deadlines    map[int]time.Duration
	data         []byte
	peers        []*bitfield.Bitfield
	sequential   bool
	resume       []byte
	saves        int
	rechecks     int
	reannounces  int
	maxConns     int
	maxUploads   int
	invalidated  bool
	filesDeleted bool
	removedC     chan struct{}
	changedC     chan struct{}
}

var _ engine.Handle = (*Handle)(nil)

func (h *Handle) setMetadata(md *engine.Metadata, prios []engine.Priority) {
	h.metadata = md
	h.status.State = engine.StateDownloading
	h.status.Pieces = bitfield.New(md.NumPieces)
	h.status.TotalSize = md.TotalLength
	if len(prios) == len(md.Files) {
		h.priorities = append([]engine.Priority(nil), prios...)
	} else {
		h.priorities = engine.DefaultPriorities(len(md.Files))
	}
	h.piecePrio = make(map[int]engine.Priority)
	h.deadlines = make(map[int]time.Duration)
	h.updateCounters()
}

// updateCounters recomputes byte counters from the have bitfield. Must be called with h.m held.
func (h *Handle) updateCounters() {
	md := h.metadata
	if md == nil {
		return
	}
	var wanted, wantedDone, done int64
	for i := 0; i < md.NumPieces; i++ {
		if h.status.Pieces.Test(i) {
			done += md.PieceSize(i)
		}
	}
	for i, f := range md.Files {
		if h.priorities[i] == engine.PriorityIgnore {
			continue
		}
		wanted += f.Length
		wantedDone += h.fileDone(f)
	}
	h.status.TotalDone = done
	h.status.TotalWanted = wanted
	h.status.TotalWantedDone = wantedDone
	if wanted > 0 {
		h.status.Progress = float64(wantedDone) / float64(wanted)
	} else {
		h.status.Progress = 0
	}
	h.status.Finished = wanted == wantedDone
}

func (h *Handle) fileDone(f engine.File) int64 {
	md := h.metadata
	first, last, ok := metainfo.FilePieces(f.Offset, f.Length, md.PieceLength)
	if !ok {
		return 0
	}
	var n int64
	for i := first; i <= last; i++ {
		if !h.status.Pieces.Test(i) {
			continue
		}
		start := int64(i) * md.PieceLength
		end := start + md.PieceSize(i)
		if start < f.Offset {
			start = f.Offset
		}
		if end > f.Offset+f.Length {
			end = f.Offset + f.Length
		}
		n += end - start
	}
	return n
}

func (h *Handle) invalidate() {
	h.m.Lock()
	defer h.m.Unlock()
	if h.invalidated {
		return
	}
	h.invalidated = true
	close(h.removedC)
}

// notifyLocked wakes up WaitPiece callers. Must be called with h.m held.
func (h *Handle) notifyLocked() {
	close(h.changedC)
	h.changedC = make(chan struct{})
}

func (h *Handle) emit(ev engine.Event) {
	ev.InfoHash = h.ih
	h.engine.Emit(ev)
}

// InfoHash implements engine.Handle.
func (h *Handle) InfoHash() engine.InfoHash { return h.ih }

// Valid implements engine.Handle.
func (h *Handle) Valid() bool {
	h.m.Lock()
	defer h.m.Unlock()
	return !h.invalidated
}

// Pause implements engine.Handle.
func (h *Handle) Pause() {
	h.m.Lock()
	if h.invalidated {
		h.m.Unlock()
		return
	}
	h.status.Paused = true
	h.m.Unlock()
	h.emit(engine.Event{Type: engine.EventTorrentPaused})
}

// Resume implements engine.Handle.
func (h *Handle) Resume() {
	h.m.Lock()
	if h.invalidated {
		h.m.Unlock()
		return
	}
	h.status.Paused = false
	h.m.Unlock()
	h.emit(engine.Event{Type: engine.EventTorrentResumed})
}

// SetFilePriorities implements engine.Handle.
func (h *Handle) SetFilePriorities(p []engine.Priority) error {
	h.m.Lock()
	defer h.m.Unlock()
	if h.invalidated {
		return engine.ErrInvalidHandle
	}
	if h.metadata == nil {
		return errors.New("metadata is not known")
	}
	if len(p) != len(h.metadata.Files) {
		return errors.New("priority count does not match file count")
	}
	h.priorities = append([]engine.Priority(nil), p...)
	h.updateCounters()
	return nil
}

// FilePriorities implements engine.Handle.
func (h *Handle) FilePriorities() []engine.Priority {
	h.m.Lock()
	defer h.m.Unlock()
	return append([]engine.Priority(nil), h.priorities...)
}

// SetSequential implements engine.Handle.
func (h *Handle) SetSequential(b bool) {
	h.m.Lock()
	h.sequential = b
	h.m.Unlock()
}

// Sequential returns the sequential download flag.
func (h *Handle) Sequential() bool {
	h.m.Lock()
	defer h.m.Unlock()
	return h.sequential
}

// MoveStorage implements engine.Handle. Moving always succeeds.
func (h *Handle) MoveStorage(path string) {
	h.m.Lock()
	h.saveDir = path
	h.m.Unlock()
	h.emit(engine.Event{Type: engine.EventStorageMoved, Path: path})
}

// SaveDir returns the current storage location.
func (h *Handle) SaveDir() string {
	h.m.Lock()
	defer h.m.Unlock()
	return h.saveDir
}

// ForceRecheck implements engine.Handle.
func (h *Handle) ForceRecheck() {
	h.m.Lock()
	h.rechecks++
	h.m.Unlock()
}

// ForceReannounce implements engine.Handle.
func (h *Handle) ForceReannounce() {
	h.m.Lock()
	h.reannounces++
	h.m.Unlock()
}

// SaveResumeData implements engine.Handle. The blob is the hex encoded have bitfield.
func (h *Handle) SaveResumeData() {
	h.m.Lock()
	if h.invalidated {
		h.m.Unlock()
		h.emit(engine.Event{Type: engine.EventSaveResumeDataFailed, Err: engine.ErrInvalidHandle})
		return
	}
	h.saves++
	data := []byte("resume:" + h.ih.String())
	if h.status.Pieces != nil {
		data = append(data, ':')
		data = append(data, h.status.Pieces.Hex()...)
	}
	h.m.Unlock()
	h.emit(engine.Event{Type: engine.EventSaveResumeData, Data: data})
}

// ResumeSaves returns how many times SaveResumeData was called.
func (h *Handle) ResumeSaves() int {
	h.m.Lock()
	defer h.m.Unlock()
	return h.saves
}

// Rechecks returns how many times ForceRecheck was called.
func (h *Handle) Rechecks() int {
	h.m.Lock()
	defer h.m.Unlock()
	return h.rechecks
}

// ResumeData returns the resume blob given with AddParams.
func (h *Handle) ResumeData() []byte {
	h.m.Lock()
	defer h.m.Unlock()
	return h.resume
}

// FilesDeleted reports whether the handle was removed together with its files.
func (h *Handle) FilesDeleted() bool {
	h.m.Lock()
	defer h.m.Unlock()
	return h.filesDeleted
}

// Status implements engine.Handle.
func (h *Handle) Status() engine.Status {
	h.m.Lock()
	defer h.m.Unlock()
	st := h.status
	if st.Pieces != nil {
		st.Pieces = st.Pieces.Copy()
	}
	return st
}

// UpdateStatus lets tests change the raw status.
func (h *Handle) UpdateStatus(f func(*engine.Status)) {
	h.m.Lock()
	f(&h.status)
	h.m.Unlock()
}

// Metadata implements engine.Handle.
func (h *Handle) Metadata() *engine.Metadata {
	h.m.Lock()
	defer h.m.Unlock()
	return h.metadata
}

// DeliverMetadata sets the metadata of a magnet torrent and emits EventMetadataReceived.
func (h *Handle) DeliverMetadata(torrentFile []byte) error {
	md, ih, err := parseMetadata(torrentFile)
	if err != nil {
		return err
	}
	if ih != h.ih {
		return errors.New("info hash mismatch")
	}
	h.m.Lock()
	h.setMetadata(md, nil)
	h.m.Unlock()
	h.emit(engine.Event{Type: engine.EventMetadataReceived})
	return nil
}

// SetPeers sets the piece sets of the connected peers.
func (h *Handle) SetPeers(peers ...*bitfield.Bitfield) {
	h.m.Lock()
	h.peers = peers
	h.m.Unlock()
}

// PeerPieces implements engine.Handle.
func (h *Handle) PeerPieces() []*bitfield.Bitfield {
	h.m.Lock()
	defer h.m.Unlock()
	return append([]*bitfield.Bitfield(nil), h.peers...)
}

// FileProgress implements engine.Handle.
func (h *Handle) FileProgress() []int64 {
	h.m.Lock()
	defer h.m.Unlock()
	if h.metadata == nil {
		return nil
	}
	ret := make([]int64, len(h.metadata.Files))
	for i, f := range h.metadata.Files {
		ret[i] = h.fileDone(f)
	}
	return ret
}

// SetPiecePriority implements engine.Handle.
func (h *Handle) SetPiecePriority(piece int, p engine.Priority) {
	h.m.Lock()
	defer h.m.Unlock()
	if h.piecePrio != nil {
		h.piecePrio[piece] = p
	}
}

// PiecePriority returns the priority set for the piece.
func (h *Handle) PiecePriority(piece int) engine.Priority {
	h.m.Lock()
	defer h.m.Unlock()
	p, ok := h.piecePrio[piece]
	if !ok {
		return engine.PriorityDefault
	}
	return p
}

// SetPieceDeadline implements engine.Handle.
func (h *Handle) SetPieceDeadline(piece int, d time.Duration) {
	h.m.Lock()
	defer h.m.Unlock()
	if h.deadlines != nil {
		h.deadlines[piece] = d
	}
}

// PieceDeadline returns the deadline set for the piece.
func (h *Handle) PieceDeadline(piece int) (time.Duration, bool) {
	h.m.Lock()
	defer h.m.Unlock()
	d, ok := h.deadlines[piece]
	return d, ok
}

// HavePiece implements engine.Handle.
func (h *Handle) HavePiece(piece int) bool {
	h.m.Lock()
	defer h.m.Unlock()
	return h.status.Pieces.Test(piece)
}

// SetData sets the torrent content returned from ReadAt.
func (h *Handle) SetData(b []byte) {
	h.m.Lock()
	h.data = b
	h.m.Unlock()
}

// CompletePiece marks the piece as downloaded and emits EventPieceFinished.
// EventTorrentFinished follows when all wanted bytes are done.
func (h *Handle) CompletePiece(piece int) {
	h.m.Lock()
	if h.status.Pieces == nil || h.status.Pieces.Test(piece) {
		h.m.Unlock()
		return
	}
	wasFinished := h.status.Finished
	h.status.Pieces.Set(piece)
	h.updateCounters()
	finished := !wasFinished && h.status.Finished
	h.notifyLocked()
	h.m.Unlock()
	h.emit(engine.Event{Type: engine.EventPieceFinished, Piece: piece})
	if finished {
		h.emit(engine.Event{Type: engine.EventTorrentFinished})
	}
}

// CompleteAll marks every piece as downloaded without emitting events.
func (h *Handle) CompleteAll() {
	h.m.Lock()
	defer h.m.Unlock()
	if h.metadata == nil {
		return
	}
	for i := 0; i < h.metadata.NumPieces; i++ {
		h.status.Pieces.Set(i)
	}
	h.updateCounters()
	h.notifyLocked()
}

// WaitPiece implements engine.Handle.
func (h *Handle) WaitPiece(ctx context.Context, piece int) error {
	for {
		h.m.Lock()
		if h.invalidated {
			h.m.Unlock()
			return engine.ErrRemoved
		}
		if h.status.Pieces.Test(piece) {
			h.m.Unlock()
			return nil
		}
		changedC := h.changedC
		removedC := h.removedC
		h.m.Unlock()
		select {
		case <-changedC:
		case <-removedC:
			return engine.ErrRemoved
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ReadAt implements engine.Handle.
func (h *Handle) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	h.m.Lock()
	defer h.m.Unlock()
	if h.invalidated {
		return 0, engine.ErrRemoved
	}
	if off >= int64(len(h.data)) {
		return 0, io.EOF
	}
	n := copy(p, h.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// SetMaxConnections implements engine.Handle.
func (h *Handle) SetMaxConnections(n int) {
	h.m.Lock()
	h.maxConns = n
	h.m.Unlock()
}

// SetMaxUploads implements engine.Handle.
func (h *Handle) SetMaxUploads(n int) {
	h.m.Lock()
	h.maxUploads = n
	h.m.Unlock()
}

// Limits returns the connection and upload limits set on the handle.
func (h *Handle) Limits() (conns, uploads int) {
	h.m.Lock()
	defer h.m.Unlock()
	return h.maxConns, h.maxUploads
}
