package torrent

import (
	"testing"

	"github.com/cenkalti/rainstream/internal/engine"
	"github.com/stretchr/testify/assert"
)

func TestDeriveState(t *testing.T) {
	all := engine.Status{Paused: true, Finished: true, State: engine.StateSeeding}
	assert.Equal(t, Stopped, deriveState(false, true, true, all))
	assert.Equal(t, Stopped, deriveState(false, false, false, engine.Status{}))
	assert.Equal(t, Paused, deriveState(true, true, false, all))
	assert.Equal(t, Error, deriveState(true, false, false, all))
	assert.Equal(t, Finished, deriveState(true, false, true, all))
	assert.Equal(t, Paused, deriveState(true, false, true, engine.Status{Paused: true, State: engine.StateDownloading}))
	assert.Equal(t, Seeding, deriveState(true, false, true, engine.Status{Finished: true, State: engine.StateDownloading}))

	subStates := map[engine.State]State{
		engine.StateCheckingFiles:       Checking,
		engine.StateCheckingResumeData:  Checking,
		engine.StateDownloadingMetadata: DownloadingMetadata,
		engine.StateDownloading:         Downloading,
		engine.StateFinished:            Finished,
		engine.StateSeeding:             Seeding,
		engine.StateAllocating:          Allocating,
		engine.StateUnknown:             Unknown,
		engine.State(99):                Unknown,
	}
	for in, out := range subStates {
		assert.Equal(t, out, deriveState(true, false, true, engine.Status{State: in}), in.String())
	}
}

func TestStateText(t *testing.T) {
	b, err := Finished.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "Finished", string(b))
	assert.Equal(t, "42", State(42).String())
}
