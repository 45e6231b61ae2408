package engine

import (
	"strconv"
	"time"

	"github.com/cenkalti/rainstream/internal/bitfield"
)

// State is the raw sub-state reported by the engine for a torrent.
type State int

// Raw engine states.
const (
	StateUnknown State = iota
	StateCheckingFiles
	StateDownloadingMetadata
	StateDownloading
	StateFinished
	StateSeeding
	StateAllocating
	StateCheckingResumeData
)

var stateStrings = map[State]string{
	StateUnknown:             "unknown",
	StateCheckingFiles:       "checking files",
	StateDownloadingMetadata: "downloading metadata",
	StateDownloading:         "downloading",
	StateFinished:            "finished",
	StateSeeding:             "seeding",
	StateAllocating:          "allocating",
	StateCheckingResumeData:  "checking resume data",
}

func (s State) String() string {
	v, ok := stateStrings[s]
	if !ok {
		return strconv.Itoa(int(s))
	}
	return v
}

// Status is a snapshot of a torrent inside the engine.
type Status struct {
	State    State
	Paused   bool
	Finished bool
	// Progress is in range [0, 1].
	Progress float64

	TotalSize       int64
	TotalWanted     int64
	TotalWantedDone int64
	TotalDone       int64

	TotalDownload int64
	TotalUpload   int64
	DownloadRate  int64
	UploadRate    int64

	NumPeers  int
	NumSeeds  int
	ListPeers int
	ListSeeds int

	// Pieces is nil until the metadata is known.
	Pieces *bitfield.Bitfield

	Error       string
	ActiveTime  time.Duration
	SeedingTime time.Duration
}

// Verifying returns true if the engine is checking existing data.
func (s Status) Verifying() bool {
	return s.State == StateCheckingFiles || s.State == StateCheckingResumeData
}

// Priority is a file or piece download priority.
type Priority int

// Priority levels.
const (
	PriorityIgnore Priority = 0
	PriorityLow    Priority = 1
	PriorityTwo    Priority = 2
	PriorityThree  Priority = 3
	// PriorityDefault is used for every file unless the user changes it.
	PriorityDefault Priority = 4
	PriorityFive    Priority = 5
	PrioritySix     Priority = 6
	PriorityTop     Priority = 7
)

// Valid reports whether p is one of the known levels.
func (p Priority) Valid() bool {
	return p >= PriorityIgnore && p <= PriorityTop
}

// DefaultPriorities returns n default priorities.
func DefaultPriorities(n int) []Priority {
	p := make([]Priority, n)
	for i := range p {
		p[i] = PriorityDefault
	}
	return p
}
