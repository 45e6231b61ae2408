package torrent

import (
	"strconv"

	"github.com/cenkalti/rainstream/internal/engine"
)

// State is the user-facing state of a torrent.
type State int

// Torrent states.
const (
	Unknown State = iota
	Stopped
	Error
	Paused
	Checking
	DownloadingMetadata
	Downloading
	Seeding
	Finished
	Allocating
)

var stateStrings = map[State]string{
	Unknown:             "Unknown",
	Stopped:             "Stopped",
	Error:               "Error",
	Paused:              "Paused",
	Checking:            "Checking",
	DownloadingMetadata: "Downloading Metadata",
	Downloading:         "Downloading",
	Seeding:             "Seeding",
	Finished:            "Finished",
	Allocating:          "Allocating",
}

func (s State) String() string {
	v, ok := stateStrings[s]
	if !ok {
		return strconv.FormatInt(int64(s), 10)
	}
	return v
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// deriveState collapses the session flags and the engine status into one State.
// Checks are ordered: session stopped, explicit pause, invalid handle, engine paused/finished flags, engine sub-state.
// A torrent that is both paused and finished in the engine is Finished.
func deriveState(running, explicitlyPaused, valid bool, st engine.Status) State {
	if !running {
		return Stopped
	}
	if explicitlyPaused {
		return Paused
	}
	if !valid {
		return Error
	}
	switch {
	case st.Paused && st.Finished:
		return Finished
	case st.Paused:
		return Paused
	case st.Finished:
		return Seeding
	}
	switch st.State {
	case engine.StateCheckingFiles, engine.StateCheckingResumeData:
		return Checking
	case engine.StateDownloadingMetadata:
		return DownloadingMetadata
	case engine.StateDownloading:
		return Downloading
	case engine.StateFinished:
		return Finished
	case engine.StateSeeding:
		return Seeding
	case engine.StateAllocating:
		return Allocating
	default:
		return Unknown
	}
}
