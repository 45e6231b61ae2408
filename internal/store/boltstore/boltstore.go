// Package boltstore persists torrent records, resume data and session settings in a Bolt database.
package boltstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when there is no record with the given id.
var ErrNotFound = errors.New("record not found")

var (
	sessionBucket  = []byte("session")
	torrentsBucket = []byte("torrents")
	settingsKey    = []byte("settings")
)

// Keys for the persistent storage.
var Keys = struct {
	InfoHash            []byte
	Name                []byte
	Source              []byte
	Metadata            []byte
	Magnet              []byte
	Dest                []byte
	Priorities          []byte
	Sequential          []byte
	Paused              []byte
	DownloadingMetadata []byte
	AddedAt             []byte
	Error               []byte
	Resume              []byte
}{
	InfoHash:            []byte("info_hash"),
	Name:                []byte("name"),
	Source:              []byte("source"),
	Metadata:            []byte("metadata"),
	Magnet:              []byte("magnet"),
	Dest:                []byte("dest"),
	Priorities:          []byte("priorities"),
	Sequential:          []byte("sequential"),
	Paused:              []byte("paused"),
	DownloadingMetadata: []byte("downloading_metadata"),
	AddedAt:             []byte("added_at"),
	Error:               []byte("error"),
	Resume:              []byte("resume"),
}

// Store contains methods for saving/loading torrent records to a BoltDB database.
type Store struct {
	db *bolt.DB
}

// New returns a new Store. Buckets are created if they do not exist.
func New(db *bolt.DB) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err2 := tx.CreateBucketIfNotExists(sessionBucket)
		if err2 != nil {
			return err2
		}
		_, err2 = tx.CreateBucketIfNotExists(torrentsBucket)
		return err2
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// IDs returns ids of all persisted records.
func (s *Store) IDs() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(torrentsBucket).ForEach(func(k, v []byte) error {
			if v == nil {
				ids = append(ids, string(k))
			}
			return nil
		})
	})
	return ids, err
}

// Records loads every persisted record.
// Records that cannot be decoded are not returned; their errors are reported in errs keyed by id.
func (s *Store) Records() (records []*Record, errs map[string]error, err error) {
	ids, err := s.IDs()
	if err != nil {
		return nil, nil, err
	}
	errs = make(map[string]error)
	for _, id := range ids {
		r, err := s.Record(id)
		if err != nil {
			errs[id] = err
			continue
		}
		records = append(records, r)
	}
	return records, errs, nil
}

// WriteRecord writes all fields of the record with `r.ID`.
func (s *Store) WriteRecord(r *Record) error {
	priorities, err := json.Marshal(r.Priorities)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(torrentsBucket).CreateBucketIfNotExists([]byte(r.ID))
		if err != nil {
			return err
		}
		_ = b.Put(Keys.InfoHash, r.InfoHash)
		_ = b.Put(Keys.Name, []byte(r.Name))
		_ = b.Put(Keys.Source, []byte(r.Source))
		_ = b.Put(Keys.Metadata, r.Metadata)
		_ = b.Put(Keys.Magnet, []byte(r.Magnet))
		_ = b.Put(Keys.Dest, []byte(r.Dest))
		_ = b.Put(Keys.Priorities, priorities)
		_ = b.Put(Keys.Sequential, []byte(strconv.FormatBool(r.Sequential)))
		_ = b.Put(Keys.Paused, []byte(strconv.FormatBool(r.Paused)))
		_ = b.Put(Keys.DownloadingMetadata, []byte(strconv.FormatBool(r.DownloadingMetadata)))
		_ = b.Put(Keys.AddedAt, []byte(r.AddedAt.Format(time.RFC3339)))
		return b.Put(Keys.Error, []byte(r.Error))
	})
}

// WritePaused writes only the manual pause flag of a record.
func (s *Store) WritePaused(id string, value bool) error {
	return s.put(id, Keys.Paused, []byte(strconv.FormatBool(value)))
}

// WriteError writes only the error message of a record.
func (s *Store) WriteError(id string, value string) error {
	return s.put(id, Keys.Error, []byte(value))
}

// WriteDest writes only the download directory of a record.
func (s *Store) WriteDest(id string, value string) error {
	return s.put(id, Keys.Dest, []byte(value))
}

// WriteResume overwrites the resume blob of a record.
func (s *Store) WriteResume(id string, value []byte) error {
	return s.put(id, Keys.Resume, value)
}

// ReadResume returns the resume blob of a record, nil if there is none.
func (s *Store) ReadResume(id string) ([]byte, error) {
	var ret []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(torrentsBucket).Bucket([]byte(id))
		if b == nil {
			return ErrNotFound
		}
		if value := b.Get(Keys.Resume); len(value) > 0 {
			ret = make([]byte, len(value))
			copy(ret, value)
		}
		return nil
	})
	return ret, err
}

// DeleteRecord removes the record and its resume data. Deleting a missing record is not an error.
func (s *Store) DeleteRecord(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(torrentsBucket).DeleteBucket([]byte(id))
		if err == bolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

// WriteSettings stores the session settings blob.
func (s *Store) WriteSettings(value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Put(settingsKey, value)
	})
}

// ReadSettings returns the session settings blob, nil if it was never written.
func (s *Store) ReadSettings() ([]byte, error) {
	var ret []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if value := tx.Bucket(sessionBucket).Get(settingsKey); value != nil {
			ret = make([]byte, len(value))
			copy(ret, value)
		}
		return nil
	})
	return ret, err
}

func (s *Store) put(id string, key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(torrentsBucket).Bucket([]byte(id))
		if b == nil {
			return ErrNotFound
		}
		return b.Put(key, value)
	})
}

// Record reads the record with `id`.
func (s *Store) Record(id string) (*Record, error) {
	var r *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(torrentsBucket).Bucket([]byte(id))
		if b == nil {
			return ErrNotFound
		}

		value := b.Get(Keys.InfoHash)
		if len(value) != 20 {
			return fmt.Errorf("invalid info hash in record %q", id)
		}

		r = &Record{ID: id}
		r.InfoHash = make([]byte, len(value))
		copy(r.InfoHash, value)

		r.Name = string(b.Get(Keys.Name))
		r.Source = string(b.Get(Keys.Source))
		r.Magnet = string(b.Get(Keys.Magnet))
		r.Dest = string(b.Get(Keys.Dest))
		r.Error = string(b.Get(Keys.Error))

		if value = b.Get(Keys.Metadata); len(value) > 0 {
			r.Metadata = make([]byte, len(value))
			copy(r.Metadata, value)
		}

		var err error
		if value = b.Get(Keys.Priorities); value != nil {
			if err = json.Unmarshal(value, &r.Priorities); err != nil {
				return err
			}
		}
		if r.Sequential, err = readBool(b, Keys.Sequential); err != nil {
			return err
		}
		if r.Paused, err = readBool(b, Keys.Paused); err != nil {
			return err
		}
		if r.DownloadingMetadata, err = readBool(b, Keys.DownloadingMetadata); err != nil {
			return err
		}
		if value = b.Get(Keys.AddedAt); value != nil {
			r.AddedAt, err = time.Parse(time.RFC3339, string(value))
			if err != nil {
				return err
			}
		}
		return nil
	})
	return r, err
}

func readBool(b *bolt.Bucket, key []byte) (bool, error) {
	value := b.Get(key)
	if value == nil {
		return false, nil
	}
	return strconv.ParseBool(string(value))
}
