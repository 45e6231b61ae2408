package rpctypes

import "encoding/json"

type Torrent struct {
	ID       string
	Name     string
	InfoHash string
	State    string
	Progress int
	AddedAt  Time
}

type File struct {
	Path     string
	Length   int64
	Done     int64
	Priority int
	// Fraction of pieces available in swarm. -1 if unknown.
	Availability float64
}

type MagnetInfo struct {
	InfoHash  string
	Name      string
	Files     []File
	TotalSize int64
}

type SessionStats struct {
	Running         bool
	Paused          bool
	Torrents        int
	MagnetsInFlight int
	PendingAdds     int
	RestoreQueue    int
	DHTNodes        int
	Uptime          int
	DownloadSpeed   int64
	UploadSpeed     int64
}

type Stats struct {
	ID                  string
	Name                string
	InfoHash            string
	State               string
	Progress            int
	Error               *string
	Paused              bool
	Sequential          bool
	DownloadingMetadata bool
	Dest                string
	AddedAt             Time
	Pieces              struct {
		Have  int
		Total int
	}
	Bytes struct {
		Total           int64
		Wanted          int64
		Completed       int64
		WantedCompleted int64
		Downloaded      int64
		Uploaded        int64
	}
	Speed struct {
		Download int64
		Upload   int64
	}
	Peers        int
	Seeds        int
	TotalPeers   int
	TotalSeeds   int
	ETA          *int64
	ShareRatio   float64
	Availability float64
	ActiveTime   int
	SeedingTime  int
}

type AddTorrentOptions struct {
	Stopped    bool
	Dest       string
	Priorities []int
	Sequential bool
}

type ListTorrentsRequest struct {
}

type ListTorrentsResponse struct {
	Torrents []Torrent
}

type AddTorrentRequest struct {
	Torrent string
	AddTorrentOptions
}

// AddTorrentResponse is also returned from AddURI.
// Outcome is one of "added", "already exists" and "invalid".
type AddTorrentResponse struct {
	Outcome string
	Torrent *Torrent
	Error   *string
}

type AddURIRequest struct {
	URI string
	AddTorrentOptions
}

type AddURIResponse = AddTorrentResponse

type RemoveTorrentRequest struct {
	ID          string
	DeleteFiles bool
}

type RemoveTorrentResponse struct {
}

type GetTorrentStatsRequest struct {
	ID string
}

type GetTorrentStatsResponse struct {
	Stats Stats
}

type GetTorrentFilesRequest struct {
	ID string
}

type GetTorrentFilesResponse struct {
	Files []File
}

type GetMagnetRequest struct {
	ID                string
	IncludePriorities bool
}

type GetMagnetResponse struct {
	Magnet string
}

type PauseTorrentRequest struct {
	ID string
}

type PauseTorrentResponse struct {
}

type ResumeTorrentRequest struct {
	ID string
}

type ResumeTorrentResponse struct {
}

type PauseAllRequest struct {
}

type PauseAllResponse struct {
}

type ResumeAllRequest struct {
}

type ResumeAllResponse struct {
}

type SetFilePrioritiesRequest struct {
	ID         string
	Priorities []int
}

type SetFilePrioritiesResponse struct {
}

type MoveTorrentRequest struct {
	ID   string
	Dest string
}

type MoveTorrentResponse struct {
}

type RecheckTorrentRequest struct {
	ID string
}

type RecheckTorrentResponse struct {
}

type ReannounceTorrentRequest struct {
	ID string
}

type ReannounceTorrentResponse struct {
}

type ResolveMagnetRequest struct {
	URI string
}

type ResolveMagnetResponse struct {
	Info MagnetInfo
}

type CancelMagnetRequest struct {
	// Magnet link or info hash.
	ID string
}

type CancelMagnetResponse struct {
}

type GetSessionStatsRequest struct {
}

type GetSessionStatsResponse struct {
	Stats SessionStats
}

type GetSettingsRequest struct {
}

// GetSettingsResponse contains the session settings as a JSON object.
type GetSettingsResponse struct {
	Settings json.RawMessage
}

type SetSettingsRequest struct {
	Settings json.RawMessage
}

type SetSettingsResponse struct {
}

type GetStreamURLRequest struct {
	ID   string
	File int
}

type GetStreamURLResponse struct {
	URL string
}
