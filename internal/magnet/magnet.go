// Package magnet provides support for parsing and generating magnet links.
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/multiformats/go-multihash"
)

// Magnet link contains the information to download torrent metadata from network.
type Magnet struct {
	InfoHash [20]byte
	Name     string
	Trackers [][]string
	Peers    []string
	// SelectOnly holds the file indexes of the BEP 53 "so" parameter.
	SelectOnly []int
}

// New parses the string and returns new Magnet.
func New(s string) (*Magnet, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	if u.Scheme != "magnet" {
		return nil, errors.New("not a magnet link")
	}

	params := u.Query()

	xts := params["xt"]
	if len(xts) == 0 {
		return nil, errors.New("missing xt param")
	}

	var magnet Magnet
	magnet.InfoHash, err = infoHashString(xts[0])
	if err != nil {
		return nil, err
	}

	if names := params["dn"]; len(names) != 0 {
		magnet.Name = names[0]
	}

	var tiers []trackerTier
	for key, tier := range params {
		if key == "tr" {
			for i, tr := range tier {
				tiers = append(tiers, trackerTier{trackers: []string{tr}, index: i - len(tier)})
			}
		} else if strings.HasPrefix(key, "tr.") {
			index, err := strconv.Atoi(key[3:])
			if err == nil && index >= 0 {
				tiers = append(tiers, trackerTier{trackers: tier, index: index})
			}
		}
	}

	sort.Slice(tiers, func(i, j int) bool { return tiers[i].index < tiers[j].index })

	magnet.Trackers = make([][]string, len(tiers))
	for i, ti := range tiers {
		magnet.Trackers[i] = ti.trackers
	}

	magnet.Peers = params["x.pe"]

	if so := params.Get("so"); so != "" {
		magnet.SelectOnly, err = parseSelectOnly(so)
		if err != nil {
			return nil, err
		}
	}

	return &magnet, nil
}

// InfoHashHex returns the info hash as a lowercase hex string.
func (m *Magnet) InfoHashHex() string {
	return hex.EncodeToString(m.InfoHash[:])
}

func (m *Magnet) String() string {
	var b strings.Builder
	b.Grow(2048)
	b.WriteString("magnet:?xt=urn:btih:")
	b.WriteString(m.InfoHashHex())
	if m.Name != "" {
		b.WriteString("&dn=")
		b.WriteString(url.QueryEscape(m.Name))
	}
	for i, ti := range m.Trackers {
		if len(ti) == 1 {
			b.WriteString("&tr=")
			b.WriteString(url.QueryEscape(ti[0]))
		} else {
			for _, t := range ti {
				b.WriteString("&tr.")
				b.WriteString(strconv.Itoa(i))
				b.WriteString("=")
				b.WriteString(url.QueryEscape(t))
			}
		}
	}
	for _, p := range m.Peers {
		b.WriteString("&x.pe=")
		b.WriteString(p)
	}
	if len(m.SelectOnly) > 0 {
		b.WriteString("&so=")
		b.WriteString(formatSelectOnly(m.SelectOnly))
	}
	return b.String()
}

type trackerTier struct {
	trackers []string
	index    int
}

// infoHashString returns a new info hash value from a string.
// s must be 40 (hex encoded) or 32 (base32 encoded) characters, otherwise it returns error.
func infoHashString(xt string) ([20]byte, error) {
	var ih [20]byte
	var b []byte
	var err error
	switch {
	case strings.HasPrefix(xt, "urn:btih:"):
		xt = xt[9:]
		switch len(xt) {
		case 40:
			b, err = hex.DecodeString(xt)
		case 32:
			b, err = base32.StdEncoding.DecodeString(strings.ToUpper(xt))
		default:
			return ih, errors.New("info hash must be 32 or 40 characters")
		}
		if err != nil {
			return ih, err
		}
	case strings.HasPrefix(xt, "urn:btmh:"):
		mh, err := multihash.FromHexString(xt[9:])
		if err != nil {
			return ih, err
		}
		dec, err := multihash.Decode(mh)
		if err != nil {
			return ih, err
		}
		b = dec.Digest
		if len(b) < 20 {
			return ih, errors.New("invalid multihash digest (len < 20)")
		}
		// v2 info hashes are truncated to 20 bytes in the v1 wire protocol.
		b = b[:20]
	default:
		return ih, errors.New("invalid xt param: must start with \"urn:btih:\" or \"urn:btmh\"")
	}
	copy(ih[:], b)
	return ih, nil
}

func parseSelectOnly(s string) ([]int, error) {
	var ret []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil || first < 0 {
			return nil, fmt.Errorf("invalid so param: %q", part)
		}
		last := first
		if isRange {
			last, err = strconv.Atoi(hi)
			if err != nil || last < first {
				return nil, fmt.Errorf("invalid so param: %q", part)
			}
		}
		for i := first; i <= last; i++ {
			ret = append(ret, i)
		}
	}
	sort.Ints(ret)
	return ret, nil
}

// formatSelectOnly collapses consecutive indexes into ranges: [0 2 3 4 7] -> "0,2-4,7".
func formatSelectOnly(indexes []int) string {
	sorted := append([]int(nil), indexes...)
	sort.Ints(sorted)
	var parts []string
	for i := 0; i < len(sorted); {
		j := i
		for j+1 < len(sorted) && sorted[j+1] <= sorted[j]+1 {
			j++
		}
		if sorted[i] == sorted[j] {
			parts = append(parts, strconv.Itoa(sorted[i]))
		} else {
			parts = append(parts, strconv.Itoa(sorted[i])+"-"+strconv.Itoa(sorted[j]))
		}
		i = j + 1
	}
	return strings.Join(parts, ",")
}
