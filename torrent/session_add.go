package torrent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/cenkalti/backoff/v3"
	"github.com/cenkalti/rainstream/internal/diskspace"
	"github.com/cenkalti/rainstream/internal/engine"
	"github.com/cenkalti/rainstream/internal/magnet"
	"github.com/cenkalti/rainstream/internal/metainfo"
	"github.com/cenkalti/rainstream/internal/store/boltstore"
)

var errAddPending = errors.New("torrent is being added")

// AddTorrentOptions contains options for adding a new torrent.
type AddTorrentOptions struct {
	// Download directory. Config.DataDir is used if empty.
	Dest string
	// Do not start the torrent after adding.
	Stopped bool
	// One priority for each file. All files get PriorityDefault if nil.
	// Ignored for magnet links since the file list is not known yet.
	Priorities []Priority
	// Download pieces in order.
	Sequential bool
	// Source is saved in the torrent record. AddURI sets it to the URI.
	Source string
}

// AddOutcome is the result of an add operation.
type AddOutcome int

// Add outcomes.
const (
	Added AddOutcome = iota
	AlreadyExists
	Invalid
)

func (o AddOutcome) String() string {
	switch o {
	case Added:
		return "added"
	case AlreadyExists:
		return "already exists"
	case Invalid:
		return "invalid"
	default:
		return strconv.Itoa(int(o))
	}
}

// AddResult is returned from add operations.
// Torrent is set when Outcome is Added, and when it is AlreadyExists and the torrent is active.
// Err is set when Outcome is Invalid.
type AddResult struct {
	Outcome AddOutcome
	Torrent *Torrent
	Err     error
}

func invalid(err error) (AddResult, error) {
	return AddResult{Outcome: Invalid, Err: err}, nil
}

// pendingAdd bridges an add request to the EventAddConfirmed that completes it.
type pendingAdd struct {
	record *boltstore.Record
	loaded bool
	doneC  chan struct{}
	t      *Torrent
	err    error
}

// AddTorrent adds a torrent from the bencoded torrent file read from r.
// Problems with the input are returned in the result with Invalid outcome.
// Not enough disk space is returned as *ResourceError.
func (s *Session) AddTorrent(ctx context.Context, r io.Reader, opt *AddTorrentOptions) (AddResult, error) {
	if !s.IsRunning() {
		return AddResult{}, ErrSessionStopped
	}
	if opt == nil {
		opt = &AddTorrentOptions{}
	}
	b, err := readLimited(r, s.config.MaxTorrentSize)
	if errors.Is(err, metainfo.ErrTooLarge) {
		return invalid(newInputError(err))
	}
	if err != nil {
		return AddResult{}, err
	}
	return s.addTorrentBytes(ctx, b, opt)
}

// AddURI adds a torrent from a magnet link, an HTTP(S) URL of a torrent file or a local file path.
func (s *Session) AddURI(ctx context.Context, uri string, opt *AddTorrentOptions) (AddResult, error) {
	if !s.IsRunning() {
		return AddResult{}, ErrSessionStopped
	}
	var o AddTorrentOptions
	if opt != nil {
		o = *opt
	}
	if o.Source == "" {
		o.Source = uri
	}
	u, err := url.Parse(uri)
	if err != nil {
		return invalid(newInputError(err))
	}
	switch u.Scheme {
	case "magnet":
		return s.addMagnet(ctx, uri, &o)
	case "http", "https":
		b, err := s.downloadTorrentFile(ctx, uri)
		var ie *InputError
		if errors.As(err, &ie) {
			return invalid(err)
		}
		if err != nil {
			return AddResult{}, err
		}
		return s.addTorrentBytes(ctx, b, &o)
	case "", "file":
		path := u.Path
		if u.Scheme == "" {
			path = uri
		}
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			return invalid(newInputError(err))
		}
		if err != nil {
			return AddResult{}, err
		}
		defer f.Close()
		return s.AddTorrent(ctx, f, &o)
	default:
		return invalid(newInputError(fmt.Errorf("unsupported uri scheme: %s", u.Scheme)))
	}
}

func (s *Session) addTorrentBytes(ctx context.Context, b []byte, opt *AddTorrentOptions) (AddResult, error) {
	mi, err := metainfo.New(bytes.NewReader(b))
	if err != nil {
		return invalid(newInputError(err))
	}
	ih := engine.InfoHash(mi.Info.Hash)
	if res, ok := s.existing(ih); ok {
		return res, nil
	}
	files := mi.Info.GetFiles()
	prios := opt.Priorities
	if prios == nil {
		prios = engine.DefaultPriorities(len(files))
	}
	if len(prios) != len(files) {
		return invalid(newValidationError("got %d priorities for %d files", len(prios), len(files)))
	}
	var needed int64
	for i, p := range prios {
		if !p.Valid() {
			return invalid(newValidationError("invalid priority %d for file #%d", p, i))
		}
		if p != PriorityIgnore {
			needed += files[i].Length
		}
	}
	dest := s.dest(opt)
	if err = s.checkFreeSpace(dest, needed); err != nil {
		return AddResult{}, err
	}
	// A probe for the same torrent is replaced by the real download.
	s.magnets.cancel(ih)

	rec := &boltstore.Record{
		ID:         ih.String(),
		InfoHash:   ih[:],
		Name:       mi.Info.Name,
		Source:     opt.Source,
		Metadata:   b,
		Dest:       dest,
		Priorities: fromPriorities(prios),
		Sequential: opt.Sequential,
		Paused:     opt.Stopped,
		AddedAt:    s.now().UTC(),
	}
	params := engine.AddParams{
		InfoHash:   ih,
		Metadata:   b,
		SaveDir:    dest,
		Priorities: prios,
		Sequential: opt.Sequential,
		Paused:     opt.Stopped || s.IsPaused(),
	}
	return s.addNew(ctx, rec, params)
}

func (s *Session) addMagnet(ctx context.Context, uri string, opt *AddTorrentOptions) (AddResult, error) {
	ma, err := magnet.New(uri)
	if err != nil {
		return invalid(newInputError(err))
	}
	ih := engine.InfoHash(ma.InfoHash)
	if res, ok := s.existing(ih); ok {
		return res, nil
	}
	if info := s.magnets.cached(ih); info != nil {
		o := *opt
		o.Priorities = selectOnly(ma.SelectOnly, len(info.Files))
		return s.addTorrentBytes(ctx, info.Metadata, &o)
	}
	s.magnets.cancel(ih)

	name := ma.Name
	if name == "" {
		name = ih.String()
	}
	dest := s.dest(opt)
	rec := &boltstore.Record{
		ID:                  ih.String(),
		InfoHash:            ih[:],
		Name:                name,
		Source:              opt.Source,
		Magnet:              uri,
		Dest:                dest,
		Sequential:          opt.Sequential,
		Paused:              opt.Stopped,
		DownloadingMetadata: true,
		AddedAt:             s.now().UTC(),
	}
	params := engine.AddParams{
		InfoHash:   ih,
		Magnet:     uri,
		SaveDir:    dest,
		Sequential: opt.Sequential,
		Paused:     opt.Stopped || s.IsPaused(),
	}
	return s.addNew(ctx, rec, params)
}

// selectOnly returns priorities that ignore the files not listed in indexes. nil means all files.
func selectOnly(indexes []int, numFiles int) []Priority {
	if len(indexes) == 0 {
		return nil
	}
	prios := make([]Priority, numFiles)
	for _, i := range indexes {
		if i >= 0 && i < numFiles {
			prios[i] = PriorityDefault
		}
	}
	return prios
}

func (s *Session) existing(ih engine.InfoHash) (AddResult, bool) {
	if t := s.GetTorrent(ih.String()); t != nil {
		return AddResult{Outcome: AlreadyExists, Torrent: t}, true
	}
	s.mPending.Lock()
	_, ok := s.pending[ih]
	s.mPending.Unlock()
	if ok {
		return AddResult{Outcome: AlreadyExists}, true
	}
	return AddResult{}, false
}

func (s *Session) dest(opt *AddTorrentOptions) string {
	if opt.Dest != "" {
		return opt.Dest
	}
	return s.config.DataDir
}

func (s *Session) addNew(ctx context.Context, rec *boltstore.Record, params engine.AddParams) (AddResult, error) {
	t, err := s.addAndWait(ctx, rec, params, false)
	if err == errAddPending {
		return AddResult{Outcome: AlreadyExists}, nil
	}
	if err != nil {
		return AddResult{}, err
	}
	s.log.Infof("added torrent %s %q", t.id, t.Name())
	return AddResult{Outcome: Added, Torrent: t}, nil
}

// addAndWait submits the add to the engine and blocks until it is confirmed.
// New records are written before the engine add and deleted if the add fails.
func (s *Session) addAndWait(ctx context.Context, rec *boltstore.Record, params engine.AddParams, loaded bool) (*Torrent, error) {
	ih := params.InfoHash
	p := &pendingAdd{record: rec, loaded: loaded, doneC: make(chan struct{})}
	s.mPending.Lock()
	if _, ok := s.pending[ih]; ok {
		s.mPending.Unlock()
		return nil, errAddPending
	}
	s.pending[ih] = p
	s.mPending.Unlock()

	fail := func(err error) (*Torrent, error) {
		if !loaded {
			if err2 := s.store.DeleteRecord(rec.ID); err2 != nil {
				s.log.Errorln("cannot delete record:", err2)
			}
		}
		return nil, err
	}
	if !loaded {
		if err := s.store.WriteRecord(rec); err != nil {
			s.removePending(ih, p)
			return nil, err
		}
	}
	if err := s.engine.AddTorrent(params); err != nil {
		s.removePending(ih, p)
		return fail(err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.AddTimeout)
	defer cancel()
	select {
	case <-p.doneC:
	case <-ctx.Done():
		if s.removePending(ih, p) {
			err := ctx.Err()
			if err == context.DeadlineExceeded {
				err = &TimeoutError{Op: "add " + rec.ID}
			}
			return fail(err)
		}
		// The confirmation is being handled right now.
		<-p.doneC
	}
	if p.err != nil {
		return fail(p.err)
	}
	return p.t, nil
}

// removePending returns false if the entry is already taken by the dispatcher.
func (s *Session) removePending(ih engine.InfoHash, p *pendingAdd) bool {
	s.mPending.Lock()
	defer s.mPending.Unlock()
	if s.pending[ih] != p {
		return false
	}
	delete(s.pending, ih)
	return true
}

func (s *Session) pendingAdds() int {
	s.mPending.Lock()
	defer s.mPending.Unlock()
	return len(s.pending)
}

func (s *Session) failPendingAdds(err error) {
	s.mPending.Lock()
	pending := s.pending
	s.pending = make(map[engine.InfoHash]*pendingAdd)
	s.mPending.Unlock()
	for _, p := range pending {
		p.err = err
		close(p.doneC)
	}
}

// handleAddConfirmed creates the Torrent for a pending add. Called from the dispatcher.
func (s *Session) handleAddConfirmed(ev engine.Event) {
	s.mPending.Lock()
	p, ok := s.pending[ev.InfoHash]
	delete(s.pending, ev.InfoHash)
	s.mPending.Unlock()
	if !ok {
		s.magnets.handleEvent(ev)
		return
	}
	defer close(p.doneC)
	if ev.Err != nil {
		p.err = ev.Err
		return
	}
	h := s.engine.Find(ev.InfoHash)
	if h == nil {
		p.err = engine.ErrInvalidHandle
		return
	}
	t := newTorrent(s, h, p.record)
	t.applyLimits(s.Settings())
	s.registerTransfer(t)
	p.t = t
	if p.loaded {
		s.notify(Notification{Type: TorrentLoaded, TorrentID: t.id})
		return
	}
	s.notify(Notification{Type: TorrentAdded, TorrentID: t.id})
	t.SaveResumeData(true)
}

func (s *Session) checkFreeSpace(dir string, needed int64) error {
	if needed <= 0 {
		return nil
	}
	free, err := diskspace.Free(dir)
	if err != nil {
		s.log.Debugln("cannot get free space:", err)
		return nil
	}
	if free < needed {
		return &ResourceError{Path: dir, Required: needed, Available: free}
	}
	return nil
}

func (s *Session) downloadTorrentFile(ctx context.Context, u string) ([]byte, error) {
	client := http.Client{Timeout: s.config.TorrentAddHTTPTimeout}
	var b []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(newInputError(err))
		}
		req.Header.Set("User-Agent", userAgent)
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("server error: %s", resp.Status)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(newInputError(fmt.Errorf("unexpected response: %s", resp.Status)))
		}
		b, err = readLimited(resp.Body, s.config.MaxTorrentSize)
		if errors.Is(err, metainfo.ErrTooLarge) {
			return backoff.Permanent(newInputError(err))
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(op, bo)
	return b, err
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, metainfo.ErrTooLarge
	}
	return b, nil
}
