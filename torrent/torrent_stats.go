package torrent

import (
	"time"
)

// Stats contains statistics about Torrent.
type Stats struct {
	ID       string
	Name     string
	InfoHash string
	// Status of the torrent.
	State State
	// Progress of the wanted files in percent.
	Progress int
	// Contains the error message if torrent is stopped unexpectedly.
	Error string
	// Paused by the user.
	Paused              bool
	Sequential          bool
	DownloadingMetadata bool
	Dest                string
	AddedAt             time.Time
	Pieces              struct {
		Have  int
		Total int
	}
	Bytes struct {
		// Total length of files in torrent.
		Total int64
		// Length of the files with a priority other than ignore.
		Wanted int64
		// Bytes of verified pieces.
		Completed       int64
		WantedCompleted int64
		// Bytes downloaded from peers.
		Downloaded int64
		// Bytes uploaded to peers.
		Uploaded int64
	}
	Speed struct {
		Download int64
		Upload   int64
	}
	Peers      int
	Seeds      int
	TotalPeers int
	TotalSeeds int
	// ETA in seconds. -1 if unknown.
	ETA int64
	// Uploaded bytes divided by downloaded bytes.
	ShareRatio   float64
	Availability float64
	ActiveTime   time.Duration
	SeedingTime  time.Duration
}

// Stats returns statistics about the Torrent.
func (t *Torrent) Stats() Stats {
	t.m.RLock()
	rec := t.record
	t.m.RUnlock()
	s := Stats{
		ID:                  t.id,
		Name:                rec.Name,
		InfoHash:            t.id,
		State:               t.State(),
		Error:               rec.Error,
		Paused:              rec.Paused,
		Sequential:          rec.Sequential,
		DownloadingMetadata: rec.DownloadingMetadata,
		Dest:                rec.Dest,
		AddedAt:             t.addedAt,
		ETA:                 -1,
	}
	if !t.handle.Valid() {
		return s
	}
	st := t.handle.Status()
	s.Progress = progress(st)
	if s.Error == "" {
		s.Error = st.Error
	}
	if st.Pieces != nil {
		s.Pieces.Have = st.Pieces.Count()
		s.Pieces.Total = st.Pieces.Len()
	}
	s.Bytes.Total = st.TotalSize
	s.Bytes.Wanted = st.TotalWanted
	s.Bytes.Completed = st.TotalDone
	s.Bytes.WantedCompleted = st.TotalWantedDone
	s.Bytes.Downloaded = st.TotalDownload
	s.Bytes.Uploaded = st.TotalUpload
	s.Speed.Download = st.DownloadRate
	s.Speed.Upload = st.UploadRate
	s.Peers = st.NumPeers
	s.Seeds = st.NumSeeds
	s.TotalPeers = st.ListPeers
	s.TotalSeeds = st.ListSeeds
	s.ETA = eta(s.State, st.TotalWanted-st.TotalWantedDone, st.DownloadRate)
	if st.TotalDownload > 0 {
		s.ShareRatio = float64(st.TotalUpload) / float64(st.TotalDownload)
	}
	s.Availability = t.Availability()
	s.ActiveTime = st.ActiveTime
	s.SeedingTime = st.SeedingTime
	return s
}

func eta(state State, left, rate int64) int64 {
	if state != Downloading {
		return -1
	}
	if left <= 0 {
		return 0
	}
	if rate <= 0 {
		return -1
	}
	return left / rate
}
