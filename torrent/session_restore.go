package torrent

import (
	"bytes"
	"context"
	"os"
	"sort"

	"github.com/cenkalti/rainstream/internal/engine"
	"github.com/cenkalti/rainstream/internal/magnet"
	"github.com/cenkalti/rainstream/internal/metainfo"
	"github.com/cenkalti/rainstream/internal/store/boltstore"
)

// loadTask is a validated record that is ready to be added to the engine.
type loadTask struct {
	record *boltstore.Record
	params engine.AddParams
}

// restoreTorrents adds the torrents in the database to the engine one by one.
// The next add is not requested before the previous one is confirmed by the engine.
func (s *Session) restoreTorrents(stopC chan struct{}) {
	records, errs, err := s.store.Records()
	if err != nil {
		s.log.Errorln("cannot read torrent records:", err)
		return
	}
	for id, err := range errs {
		s.restoreFailed(id, err, true)
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].AddedAt.Before(records[j].AddedAt) })
	tasks := make([]*loadTask, 0, len(records))
	for _, rec := range records {
		task, err := s.newLoadTask(rec)
		if err != nil {
			s.restoreFailed(rec.ID, err, isUnusable(err))
			continue
		}
		tasks = append(tasks, task)
	}
	if len(tasks) == 0 {
		return
	}
	s.restoreQueue.Store(int64(len(tasks)))
	defer s.restoreQueue.Store(0)
	s.log.Infof("restoring %d torrents", len(tasks))
	var loaded int
	for _, task := range tasks {
		select {
		case <-stopC:
			return
		default:
		}
		err := s.runLoadTask(task, stopC)
		s.restoreQueue.Add(-1)
		if err != nil {
			select {
			case <-stopC:
				return
			default:
			}
			s.restoreFailed(task.record.ID, err, isUnusable(err))
			continue
		}
		loaded++
	}
	s.log.Infof("restored %d torrents", loaded)
}

func (s *Session) newLoadTask(rec *boltstore.Record) (*loadTask, error) {
	if len(rec.InfoHash) != len(engine.InfoHash{}) {
		return nil, newValidationError("invalid info hash length: %d", len(rec.InfoHash))
	}
	var ih engine.InfoHash
	copy(ih[:], rec.InfoHash)
	params := engine.AddParams{
		InfoHash:   ih,
		SaveDir:    rec.Dest,
		Sequential: rec.Sequential,
		Paused:     rec.Paused || s.IsPaused(),
	}
	if rec.DownloadingMetadata {
		if rec.Magnet == "" {
			return nil, newValidationError("record has neither metadata nor magnet link")
		}
		if len(rec.Priorities) > 0 {
			return nil, newValidationError("got %d priorities before metadata", len(rec.Priorities))
		}
		if _, err := magnet.New(rec.Magnet); err != nil {
			return nil, newInputError(err)
		}
		params.Magnet = rec.Magnet
	} else {
		b := rec.Metadata
		if len(b) == 0 {
			if rec.Source == "" {
				return nil, newValidationError("record has no metadata")
			}
			var err error
			b, err = os.ReadFile(rec.Source)
			if err != nil {
				return nil, err
			}
			rec.Metadata = b
		}
		mi, err := metainfo.New(bytes.NewReader(b))
		if err != nil {
			return nil, newInputError(err)
		}
		if mi.Info.Hash != ih {
			return nil, newValidationError("info hash of metadata does not match record")
		}
		if n := len(mi.Info.GetFiles()); len(rec.Priorities) != n {
			return nil, newValidationError("got %d priorities for %d files", len(rec.Priorities), n)
		}
		params.Metadata = b
		params.Priorities = toPriorities(rec.Priorities)
	}
	resume, err := s.store.ReadResume(rec.ID)
	if err != nil {
		return nil, err
	}
	params.ResumeData = resume
	return &loadTask{record: rec, params: params}, nil
}

func (s *Session) runLoadTask(task *loadTask, stopC chan struct{}) error {
	if s.GetTorrent(task.record.ID) != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopC:
			cancel()
		case <-ctx.Done():
		}
	}()
	t, err := s.addAndWait(ctx, task.record, task.params, true)
	if err == errAddPending {
		return nil
	}
	if err != nil {
		return err
	}
	t.log.Debugf("restored torrent %q", t.Name())
	return nil
}

// restoreFailed reports a record that cannot be restored. Records with unusable data are deleted.
func (s *Session) restoreFailed(id string, err error, unusable bool) {
	s.log.Errorf("cannot restore torrent %s: %s", id, err)
	s.metrics.RestoreFailures.Inc(1)
	if unusable {
		if err2 := s.store.DeleteRecord(id); err2 != nil {
			s.log.Errorln("cannot delete record:", err2)
		}
	}
	s.notify(Notification{Type: RestoreError, TorrentID: id, Err: err})
}
