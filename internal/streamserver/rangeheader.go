package streamserver

import (
	"net/http"
	"strconv"
	"strings"
)

// byteRange is an inclusive range of bytes.
type byteRange struct {
	start, end int64
}

func (r byteRange) length() int64 { return r.end - r.start + 1 }

// parseRange parses a "bytes=start-end" header. The end is optional and clamped to size-1.
// ok is false if the header is absent or malformed. Suffix and multi ranges count as malformed.
func parseRange(h string, size int64) (r byteRange, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(h, prefix) {
		return r, false
	}
	spec := strings.TrimSpace(h[len(prefix):])
	if strings.Contains(spec, ",") {
		return r, false
	}
	i := strings.IndexByte(spec, '-')
	if i <= 0 {
		return r, false
	}
	start, err := strconv.ParseInt(strings.TrimSpace(spec[:i]), 10, 64)
	if err != nil || start < 0 {
		return r, false
	}
	end := size - 1
	if s := strings.TrimSpace(spec[i+1:]); s != "" {
		e, err := strconv.ParseInt(s, 10, 64)
		if err != nil || e < start {
			return r, false
		}
		if e < end {
			end = e
		}
	}
	return byteRange{start: start, end: end}, true
}

// etagMatch compares an entity tag from a request header with the current one. Quotes and weak prefix are ignored.
func etagMatch(header, etag string) bool {
	for _, v := range strings.Split(header, ",") {
		v = strings.TrimSpace(v)
		v = strings.TrimPrefix(v, "W/")
		v = strings.Trim(v, `"`)
		if v == etag {
			return true
		}
	}
	return false
}

// decision is the status and body range of a stream response.
type decision struct {
	status int
	r      byteRange
}

// decide picks the response for a stream of the given size.
// If-Range that does not match disables the Range header but If-None-Match is still honored.
func decide(size int64, etag, rangeHeader, ifRange, ifNoneMatch string) decision {
	r, hasRange := parseRange(rangeHeader, size)
	if hasRange && ifRange != "" && !etagMatch(ifRange, etag) {
		hasRange = false
	}
	notModified := ifNoneMatch != "" && (strings.TrimSpace(ifNoneMatch) == "*" || etagMatch(ifNoneMatch, etag))
	switch {
	case hasRange && r.start < size:
		if notModified {
			return decision{status: http.StatusNotModified}
		}
		return decision{status: http.StatusPartialContent, r: r}
	case hasRange:
		return decision{status: http.StatusRequestedRangeNotSatisfiable}
	case notModified:
		return decision{status: http.StatusNotModified}
	default:
		return decision{status: http.StatusOK, r: byteRange{start: 0, end: size - 1}}
	}
}
