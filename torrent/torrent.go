package torrent

import (
	"bytes"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/rainstream/internal/engine"
	"github.com/cenkalti/rainstream/internal/logger"
	"github.com/cenkalti/rainstream/internal/magnet"
	"github.com/cenkalti/rainstream/internal/metainfo"
	"github.com/cenkalti/rainstream/internal/store/boltstore"
	"github.com/cenkalti/rainstream/internal/streamserver"
)

// Priority of a file.
type Priority = engine.Priority

// File priorities.
const (
	PriorityIgnore  = engine.PriorityIgnore
	PriorityLow     = engine.PriorityLow
	PriorityDefault = engine.PriorityDefault
	PriorityTop     = engine.PriorityTop
)

// Torrent is a torrent running in the engine of a Session.
// Operations on a torrent that is being removed do nothing.
type Torrent struct {
	session  *Session
	handle   engine.Handle
	infoHash engine.InfoHash
	id       string
	addedAt  time.Time
	log      logger.Logger

	m              sync.RWMutex
	record         boltstore.Record
	lastResumeSave time.Time
	removing       bool
	deleteFiles    bool
	// incomplete files collected when the torrent is removed with its files kept
	incomplete []string
}

func newTorrent(s *Session, h engine.Handle, rec *boltstore.Record) *Torrent {
	ih := h.InfoHash()
	return &Torrent{
		session:  s,
		handle:   h,
		infoHash: ih,
		id:       ih.String(),
		addedAt:  rec.AddedAt,
		log:      logger.New("torrent " + ih.String()[:8]),
		record:   *rec,
	}
}

// ID is the hex encoded info hash of the torrent.
func (t *Torrent) ID() string {
	return t.id
}

// InfoHash returns the hash of the info dictionary of the torrent.
func (t *Torrent) InfoHash() [20]byte {
	return t.infoHash
}

// Name of the torrent. It is the magnet display name until the metadata arrives.
func (t *Torrent) Name() string {
	t.m.RLock()
	defer t.m.RUnlock()
	return t.record.Name
}

// AddedAt returns the time the torrent is added.
func (t *Torrent) AddedAt() time.Time {
	return t.addedAt
}

// Dest returns the download directory.
func (t *Torrent) Dest() string {
	t.m.RLock()
	defer t.m.RUnlock()
	return t.record.Dest
}

func (t *Torrent) manuallyPaused() bool {
	t.m.RLock()
	defer t.m.RUnlock()
	return t.record.Paused
}

// State is derived from the session and engine state on every call.
func (t *Torrent) State() State {
	s := t.session
	running := s.IsRunning()
	paused := t.manuallyPaused() || s.IsPaused()
	valid := running && !paused && t.handle.Valid()
	var st engine.Status
	if valid {
		st = t.handle.Status()
	}
	return deriveState(running, paused, valid, st)
}

// Progress of the wanted files in percent.
func (t *Torrent) Progress() int {
	if !t.handle.Valid() {
		return 0
	}
	return progress(t.handle.Status())
}

// Pause the torrent. It stays paused after restart until Resume is called.
func (t *Torrent) Pause() {
	if !t.setPaused(true) {
		return
	}
	if t.handle.Valid() {
		t.handle.Pause()
	}
}

// Resume the torrent. It is not started while the session is paused.
func (t *Torrent) Resume() {
	if !t.setPaused(false) {
		return
	}
	if t.handle.Valid() && !t.session.IsPaused() {
		t.handle.Resume()
	}
}

func (t *Torrent) setPaused(value bool) bool {
	t.m.Lock()
	if t.removing {
		t.m.Unlock()
		return false
	}
	t.record.Paused = value
	t.m.Unlock()
	if err := t.session.store.WritePaused(t.id, value); err != nil && err != boltstore.ErrNotFound {
		t.log.Errorln("cannot save paused flag:", err)
	}
	return true
}

// FilePriorities returns the priority of each file. It is empty until the metadata is known.
func (t *Torrent) FilePriorities() []Priority {
	t.m.RLock()
	defer t.m.RUnlock()
	return toPriorities(t.record.Priorities)
}

// SetFilePriorities sets the priority of every file.
// There must be one priority for each file. Raising a priority fails with ResourceError if the disk does not have room for the selected files.
func (t *Torrent) SetFilePriorities(prios []Priority) error {
	md := t.handle.Metadata()
	if md == nil {
		return newValidationError("metadata is not known yet")
	}
	if len(prios) != len(md.Files) {
		return newValidationError("got %d priorities for %d files", len(prios), len(md.Files))
	}
	for i, p := range prios {
		if !p.Valid() {
			return newValidationError("invalid priority %d for file #%d", p, i)
		}
	}
	var needed int64
	done := t.handle.FileProgress()
	for i, f := range md.Files {
		if prios[i] == PriorityIgnore {
			continue
		}
		needed += f.Length
		if i < len(done) {
			needed -= done[i]
		}
	}
	if err := t.session.checkFreeSpace(t.Dest(), needed); err != nil {
		return err
	}
	if !t.handle.Valid() {
		return nil
	}
	if err := t.handle.SetFilePriorities(prios); err != nil {
		return err
	}
	t.m.Lock()
	t.record.Priorities = fromPriorities(prios)
	rec := t.record
	t.m.Unlock()
	return t.session.store.WriteRecord(&rec)
}

// SetSequential enables downloading pieces in order.
func (t *Torrent) SetSequential(value bool) error {
	t.m.Lock()
	t.record.Sequential = value
	rec := t.record
	t.m.Unlock()
	if t.handle.Valid() {
		t.handle.SetSequential(value)
	}
	return t.session.store.WriteRecord(&rec)
}

// Move the files of the torrent to dest. The result is published as TorrentMoved or TorrentMoveFailed notification.
func (t *Torrent) Move(dest string) error {
	if dest == "" {
		return newValidationError("destination is empty")
	}
	if t.handle.Valid() {
		t.handle.MoveStorage(dest)
	}
	return nil
}

// Recheck verifies the downloaded data.
func (t *Torrent) Recheck() {
	if t.handle.Valid() {
		t.handle.ForceRecheck()
	}
}

// Reannounce announces to trackers now.
func (t *Torrent) Reannounce() {
	if t.handle.Valid() {
		t.handle.ForceReannounce()
	}
}

// incompleteFiles returns the paths of files that are not fully downloaded.
func (t *Torrent) incompleteFiles() []string {
	md := t.handle.Metadata()
	progress := t.handle.FileProgress()
	if md == nil || len(progress) != len(md.Files) {
		return nil
	}
	dest := t.Dest()
	var ret []string
	for i, f := range md.Files {
		if progress[i] < f.Length {
			ret = append(ret, filepath.Join(dest, filepath.FromSlash(f.Path)))
		}
	}
	return ret
}

// SaveResumeData asks the engine for resume data. It returns false if the request is skipped.
// Unforced requests are skipped if the last request was made less than Config.ResumeSaveInterval ago.
func (t *Torrent) SaveResumeData(force bool) bool {
	now := t.session.now()
	t.m.Lock()
	if t.removing {
		t.m.Unlock()
		return false
	}
	if !force && now.Sub(t.lastResumeSave) < t.session.config.ResumeSaveInterval {
		t.m.Unlock()
		return false
	}
	t.lastResumeSave = now
	t.m.Unlock()
	_, ok := t.session.requestResume(t.handle)
	return ok
}

func (t *Torrent) applyLimits(s Settings) {
	if !t.handle.Valid() {
		return
	}
	t.handle.SetMaxConnections(s.MaxConnectionsPerTorrent)
	t.handle.SetMaxUploads(s.MaxUploadsPerTorrent)
}

// PiecesAvailability returns the number of copies of each piece among us and the connected peers.
func (t *Torrent) PiecesAvailability() []int {
	if !t.handle.Valid() {
		return nil
	}
	md := t.handle.Metadata()
	if md == nil {
		return nil
	}
	st := t.handle.Status()
	return piecesAvailability(st.Pieces, t.handle.PeerPieces(), md.NumPieces)
}

// Availability returns the number of distributed copies of the torrent. 0 when the metadata is not known.
func (t *Torrent) Availability() float64 {
	return availability(t.PiecesAvailability())
}

// FilesAvailability returns, for each file, the fraction of its pieces that are available.
// -1 means unknown.
func (t *Torrent) FilesAvailability() []float64 {
	if !t.handle.Valid() {
		return nil
	}
	return filesAvailability(t.PiecesAvailability(), t.handle.Metadata())
}

// File is a file inside the torrent.
type File struct {
	Path     string
	Length   int64
	Done     int64
	Priority Priority
}

// Files returns the files of the torrent. It is empty until the metadata is known.
func (t *Torrent) Files() []File {
	if !t.handle.Valid() {
		return nil
	}
	md := t.handle.Metadata()
	if md == nil {
		return nil
	}
	done := t.handle.FileProgress()
	prios := t.FilePriorities()
	files := make([]File, len(md.Files))
	for i, f := range md.Files {
		files[i] = File{Path: f.Path, Length: f.Length, Priority: PriorityDefault}
		if i < len(done) {
			files[i].Done = done[i]
		}
		if i < len(prios) {
			files[i].Priority = prios[i]
		}
	}
	return files
}

// Stream returns the stream of a file for the HTTP server.
func (t *Torrent) Stream(fileIndex int) (*streamserver.Stream, error) {
	if !t.handle.Valid() {
		return nil, ErrTorrentNotFound
	}
	md := t.handle.Metadata()
	if md == nil || fileIndex < 0 || fileIndex >= len(md.Files) {
		return nil, ErrFileNotFound
	}
	f := md.Files[fileIndex]
	return &streamserver.Stream{
		ID:          streamserver.ContentID(t.id, fileIndex),
		TorrentID:   t.id,
		FileIndex:   fileIndex,
		Name:        f.Path,
		Offset:      f.Offset,
		Size:        f.Length,
		PieceLength: md.PieceLength,
		Pieces:      t.handle,
	}, nil
}

// Magnet returns a magnet link for the torrent.
// If includePriorities is true and some files are ignored, the link selects only the wanted files.
func (t *Torrent) Magnet(includePriorities bool) (string, error) {
	t.m.RLock()
	rec := t.record
	t.m.RUnlock()
	m := magnet.Magnet{
		InfoHash: t.infoHash,
		Name:     rec.Name,
	}
	switch {
	case len(rec.Metadata) > 0:
		mi, err := metainfo.New(bytes.NewReader(rec.Metadata))
		if err != nil {
			return "", err
		}
		m.Trackers = mi.AnnounceList
	case rec.Magnet != "":
		orig, err := magnet.New(rec.Magnet)
		if err != nil {
			return "", err
		}
		m.Trackers = orig.Trackers
		m.Peers = orig.Peers
	}
	if includePriorities {
		var ignored bool
		for i, p := range rec.Priorities {
			if Priority(p) == PriorityIgnore {
				ignored = true
				continue
			}
			m.SelectOnly = append(m.SelectOnly, i)
		}
		if !ignored {
			m.SelectOnly = nil
		}
	}
	return m.String(), nil
}

func toPriorities(p []int) []Priority {
	if p == nil {
		return nil
	}
	ret := make([]Priority, len(p))
	for i := range p {
		ret[i] = Priority(p[i])
	}
	return ret
}

func fromPriorities(p []Priority) []int {
	ret := make([]int, len(p))
	for i := range p {
		ret[i] = int(p[i])
	}
	return ret
}
