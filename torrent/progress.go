package torrent

import (
	"math"

	"github.com/cenkalti/rainstream/internal/engine"
)

// progress returns the download progress of the wanted files as percent.
func progress(st engine.Status) int {
	verifying := st.Verifying()
	if !verifying && math.Round(st.Progress*100) >= 100 {
		return 100
	}
	if !verifying {
		if p := int(st.Progress * 100); p > 0 {
			return clampPercent(p)
		}
	}
	// Nothing is wanted until the metadata arrives.
	if st.State == engine.StateDownloadingMetadata && st.Pieces == nil {
		return 0
	}
	if st.TotalWanted == st.TotalWantedDone {
		return 100
	}
	if st.TotalWanted <= 0 {
		return 0
	}
	return clampPercent(int(st.TotalWantedDone * 100 / st.TotalWanted))
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
