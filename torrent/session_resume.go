package torrent

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/cenkalti/rainstream/internal/engine"
	"github.com/cenkalti/rainstream/internal/fifo"
	"github.com/cenkalti/rainstream/internal/store/boltstore"
	"golang.org/x/sync/errgroup"
)

type persistJobKind int

const (
	jobResume persistJobKind = iota
	jobRecord
	jobDest
	jobError
	jobCleanup
	jobRemoveProbe
)

// persistJob is a store write requested by the event dispatcher.
// Jobs are executed in order on a single goroutine so the dispatcher never waits for the disk.
type persistJob struct {
	kind     persistJobKind
	id       string
	infoHash engine.InfoHash

	data   []byte
	record *boltstore.Record
	text   string
	files  []string
	// since is the add time of the torrent. Older files are not removed.
	since time.Time
	// spaceNeeded is checked against the free space of the record's dest after writing the record.
	spaceNeeded int64
}

func (s *Session) persist(job persistJob) {
	if !s.persistQ.Push(job) {
		s.log.Debugln("persist queue is closed, dropping job for", job.id)
		if job.kind == jobResume {
			s.resumeAnswered(job.infoHash)
		}
	}
}

func (s *Session) runPersister(q *fifo.Queue[persistJob]) {
	for job := range q.Out() {
		s.runJob(job)
	}
}

func (s *Session) runJob(job persistJob) {
	var err error
	switch job.kind {
	case jobResume:
		err = s.store.WriteResume(job.id, job.data)
		if err == nil {
			s.metrics.ResumeWrites.Mark(1)
		}
		s.resumeAnswered(job.infoHash)
	case jobRecord:
		t := s.GetTorrent(job.id)
		if t == nil || t.isRemoving() {
			return
		}
		if err = s.store.WriteRecord(job.record); err != nil {
			break
		}
		if err2 := s.checkFreeSpace(job.record.Dest, job.spaceNeeded); err2 != nil {
			t.fail(err2)
		}
	case jobDest:
		err = s.store.WriteDest(job.id, job.text)
	case jobError:
		err = s.store.WriteError(job.id, job.text)
	case jobRemoveProbe:
		s.magnets.removeProbe(job.infoHash)
	case jobCleanup:
		for _, path := range job.files {
			// Engines may keep incomplete files with a .part suffix.
			s.removeIncompleteFile(path, job.since)
			s.removeIncompleteFile(path+".part", job.since)
		}
	}
	if errors.Is(err, boltstore.ErrNotFound) {
		// Record is deleted after the job is queued.
		return
	}
	if err != nil {
		s.log.Errorf("cannot persist torrent %s: %s", job.id, err)
	}
}

// removeIncompleteFile removes the file if it is modified after the torrent is added.
// Files that existed before the torrent belong to the user.
func (s *Session) removeIncompleteFile(path string, since time.Time) {
	fi, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warningln("cannot stat incomplete file:", err)
		}
		return
	}
	if fi.IsDir() || fi.ModTime().Before(since) {
		return
	}
	if err = os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.Warningln("cannot remove incomplete file:", err)
	}
}

// resumeRequests counts resume data requests of a torrent and the answers handled for them.
// The engine answers in request order, so answer n belongs to request n.
type resumeRequests struct {
	requested uint64
	answered  uint64
	waiters   []resumeWaiter
}

type resumeWaiter struct {
	seq uint64
	c   chan struct{}
}

// requestResume asks the engine for resume data and returns the sequence number of the request.
func (s *Session) requestResume(h engine.Handle) (uint64, bool) {
	s.mResume.Lock()
	defer s.mResume.Unlock()
	if !h.Valid() {
		return 0, false
	}
	ih := h.InfoHash()
	r := s.resume[ih]
	if r == nil {
		r = new(resumeRequests)
		s.resume[ih] = r
	}
	r.requested++
	h.SaveResumeData()
	return r.requested, true
}

// expectResume returns a channel that is closed when the answer of request seq is handled.
func (s *Session) expectResume(ih engine.InfoHash, seq uint64) <-chan struct{} {
	c := make(chan struct{})
	s.mResume.Lock()
	defer s.mResume.Unlock()
	r := s.resume[ih]
	if r == nil || r.answered >= seq {
		close(c)
		return c
	}
	r.waiters = append(r.waiters, resumeWaiter{seq: seq, c: c})
	return c
}

// resumeAnswered is called after a resume blob is written, dropped or failed.
func (s *Session) resumeAnswered(ih engine.InfoHash) {
	s.mResume.Lock()
	defer s.mResume.Unlock()
	r := s.resume[ih]
	if r == nil {
		return
	}
	r.answered++
	waiters := r.waiters[:0]
	for _, w := range r.waiters {
		if w.seq <= r.answered {
			close(w.c)
		} else {
			waiters = append(waiters, w)
		}
	}
	r.waiters = waiters
}

// dropResumeRequests releases the waiters of a removed torrent.
func (s *Session) dropResumeRequests(ih engine.InfoHash) {
	s.mResume.Lock()
	r := s.resume[ih]
	delete(s.resume, ih)
	s.mResume.Unlock()
	if r != nil {
		for _, w := range r.waiters {
			close(w.c)
		}
	}
}

func (s *Session) releaseAllResumeWaiters() {
	s.mResume.Lock()
	all := s.resume
	s.resume = make(map[engine.InfoHash]*resumeRequests)
	s.mResume.Unlock()
	for _, r := range all {
		for _, w := range r.waiters {
			close(w.c)
		}
	}
}

// saveAllResumeData is run periodically by cron.
func (s *Session) saveAllResumeData() {
	for _, t := range s.ListTorrents() {
		t.SaveResumeData(false)
	}
}

// flushResumeData requests resume data from every torrent and waits until all of them are written.
func (s *Session) flushResumeData(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var g errgroup.Group
	for _, t := range s.ListTorrents() {
		if t.isRemoving() {
			continue
		}
		seq, ok := s.requestResume(t.handle)
		if !ok {
			continue
		}
		waitC := s.expectResume(t.infoHash, seq)
		g.Go(func() error {
			select {
			case <-waitC:
				return nil
			case <-ctx.Done():
				return &TimeoutError{Op: "save resume data of " + t.id}
			}
		})
	}
	if err := g.Wait(); err != nil {
		s.log.Warningln(err)
	}
}
