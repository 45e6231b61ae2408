package anacrolixengine

import (
	"errors"

	"github.com/cenkalti/rainstream/internal/engine"
	"github.com/zeebo/bencode"
)

// Piece completion itself is kept by the library next to the data.
// The blob carries what the library does not persist.
type resumeData struct {
	InfoHash   []byte `bencode:"info_hash"`
	SaveDir    string `bencode:"save_dir"`
	Pieces     []byte `bencode:"pieces"`
	Priorities []int  `bencode:"priorities"`
	Sequential int    `bencode:"sequential"`
	Paused     int    `bencode:"paused"`
}

// newResumeData must be called with h.m held.
func newResumeData(h *Handle) *resumeData {
	rd := &resumeData{
		InfoHash:   append([]byte(nil), h.ih[:]...),
		SaveDir:    h.saveDir,
		Sequential: boolInt(h.sequential),
		Paused:     boolInt(h.paused),
	}
	if h.have != nil {
		rd.Pieces = append([]byte(nil), h.have.Bytes()...)
	}
	for _, p := range h.priorities {
		rd.Priorities = append(rd.Priorities, int(p))
	}
	return rd
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (rd *resumeData) encode() ([]byte, error) {
	return bencode.EncodeBytes(rd)
}

func decodeResumeData(b []byte) (*resumeData, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var rd resumeData
	if err := bencode.DecodeBytes(b, &rd); err != nil {
		return nil, err
	}
	if len(rd.InfoHash) != 20 {
		return nil, errors.New("invalid info hash in resume data")
	}
	return &rd, nil
}

func (rd *resumeData) priorities() []engine.Priority {
	var ret []engine.Priority
	for _, p := range rd.Priorities {
		ep := engine.Priority(p)
		if !ep.Valid() {
			return nil
		}
		ret = append(ret, ep)
	}
	return ret
}
