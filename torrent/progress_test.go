package torrent

import (
	"testing"

	"github.com/cenkalti/rainstream/internal/bitfield"
	"github.com/cenkalti/rainstream/internal/engine"
	"github.com/stretchr/testify/assert"
)

func TestProgress(t *testing.T) {
	pieces := bitfield.New(10)
	cases := []struct {
		name   string
		status engine.Status
		want   int
	}{
		{"rounds to complete", engine.Status{State: engine.StateDownloading, Progress: 0.9996, TotalWanted: 100, TotalWantedDone: 10, Pieces: pieces}, 100},
		{"fraction", engine.Status{State: engine.StateDownloading, Progress: 0.423, TotalWanted: 100, TotalWantedDone: 10, Pieces: pieces}, 42},
		{"verifying uses bytes", engine.Status{State: engine.StateCheckingFiles, Progress: 0.9999, TotalWanted: 200, TotalWantedDone: 50, Pieces: pieces}, 25},
		{"zero fraction uses bytes", engine.Status{State: engine.StateDownloading, TotalWanted: 1000, TotalWantedDone: 5, Pieces: pieces}, 0},
		{"equal counters", engine.Status{State: engine.StateDownloading, Pieces: pieces}, 100},
		{"no metadata", engine.Status{State: engine.StateDownloadingMetadata}, 0},
		{"clamped", engine.Status{State: engine.StateCheckingFiles, TotalWanted: 100, TotalWantedDone: 300, Pieces: pieces}, 100},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, progress(c.status), c.name)
		assert.Equal(t, progress(c.status), progress(c.status), c.name)
	}
}

func TestProgressMonotonic(t *testing.T) {
	const total = 1000
	last := 0
	for done := int64(0); done <= total; done += 7 {
		st := engine.Status{
			State:           engine.StateDownloading,
			Progress:        float64(done) / total,
			TotalWanted:     total,
			TotalWantedDone: done,
			Pieces:          bitfield.New(1),
		}
		p := progress(st)
		assert.GreaterOrEqual(t, p, last)
		last = p
	}
}

func TestAvailability(t *testing.T) {
	have := bitfield.FromBools([]bool{true, false, false, false})
	peers := []*bitfield.Bitfield{
		bitfield.FromBools([]bool{true, true, false, false}),
		bitfield.FromBools([]bool{true, true, true, false}),
	}
	avail := piecesAvailability(have, peers, 4)
	assert.Equal(t, []int{3, 2, 1, 0}, avail)
	// min is 0, three pieces are above it
	assert.InDelta(t, 0.75, availability(avail), 1e-9)
	assert.InDelta(t, 2.5, availability([]int{2, 3, 2, 3}), 1e-9)
	assert.Equal(t, float64(0), availability(nil))

	md := &engine.Metadata{
		PieceLength: 10,
		NumPieces:   4,
		TotalLength: 40,
		Files: []engine.File{
			{Path: "a", Offset: 0, Length: 15},
			{Path: "b", Offset: 15, Length: 25},
			{Path: "empty", Offset: 40, Length: 0},
		},
	}
	fa := filesAvailability(avail, md)
	assert.Equal(t, []float64{1, 2.0 / 3, -1}, fa)
	assert.Nil(t, filesAvailability(avail, nil))
	assert.Equal(t, float64(-1), fileAvailability(nil, 0, 10, 10))
}
