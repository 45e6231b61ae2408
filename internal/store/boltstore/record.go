package boltstore

import "time"

// Record is the persisted form of a torrent added to the session.
type Record struct {
	// ID is the hex encoded info hash.
	ID       string
	InfoHash []byte
	Name     string
	// Source is the file path or URI the torrent was added from.
	Source string
	// Metadata is the bencoded torrent file. Empty while downloading metadata.
	Metadata []byte
	// Magnet is set if the torrent was added from a magnet link.
	Magnet     string
	Dest       string
	Priorities []int
	Sequential bool
	// Paused is set when the user paused the torrent.
	Paused bool
	// DownloadingMetadata implies Priorities is empty.
	DownloadingMetadata bool
	AddedAt             time.Time
	Error               string
}
