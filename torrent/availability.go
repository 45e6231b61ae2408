package torrent

import (
	"github.com/cenkalti/rainstream/internal/bitfield"
	"github.com/cenkalti/rainstream/internal/engine"
	"github.com/cenkalti/rainstream/internal/metainfo"
)

// piecesAvailability counts for every piece the peers that have it, plus one if we have it.
func piecesAvailability(have *bitfield.Bitfield, peers []*bitfield.Bitfield, numPieces int) []int {
	avail := make([]int, numPieces)
	for i := range avail {
		if have.Test(i) {
			avail[i]++
		}
		for _, p := range peers {
			if p.Test(i) {
				avail[i]++
			}
		}
	}
	return avail
}

// availability is the number of distributed copies of the torrent.
// The integer part is the minimum piece availability,
// the fraction is the share of pieces that are more available than the minimum.
func availability(avail []int) float64 {
	if len(avail) == 0 {
		return 0
	}
	min := avail[0]
	for _, a := range avail[1:] {
		if a < min {
			min = a
		}
	}
	var above int
	for _, a := range avail {
		if a > 0 && a > min {
			above++
		}
	}
	return float64(above)/float64(len(avail)) + float64(min)
}

// filesAvailability returns the fraction of pieces with at least one copy for each file.
// -1 is reported for a file whose piece range is unknown.
func filesAvailability(avail []int, md *engine.Metadata) []float64 {
	if md == nil {
		return nil
	}
	ret := make([]float64, len(md.Files))
	for i, f := range md.Files {
		ret[i] = fileAvailability(avail, f.Offset, f.Length, md.PieceLength)
	}
	return ret
}

func fileAvailability(avail []int, offset, length, pieceLength int64) float64 {
	first, last, ok := metainfo.FilePieces(offset, length, pieceLength)
	if !ok || len(avail) == 0 || last >= len(avail) {
		return -1
	}
	var n int
	for i := first; i <= last; i++ {
		if avail[i] > 0 {
			n++
		}
	}
	return float64(n) / float64(last-first+1)
}
