// Package jsonutil formats RPC responses for the terminal.
package jsonutil

import (
	"bytes"
	"sort"

	"github.com/fatih/structs"
	"github.com/hokaccha/go-prettyjson"
)

var formatter = newFormatter()

func newFormatter() *prettyjson.Formatter {
	f := prettyjson.NewFormatter()
	f.Indent = 0
	f.Newline = ""
	return f
}

// MarshalCompactPretty writes one colored "name: value" line per field, sorted by name.
// Field names are taken from json tags when present.
// Values that are not structs are written as a single colored JSON value.
func MarshalCompactPretty(v any) ([]byte, error) {
	if !structs.IsStruct(v) {
		b, err := formatter.Marshal(v)
		if err != nil {
			return nil, err
		}
		return append(b, '\n'), nil
	}
	s := structs.New(v)
	s.TagName = "json"
	m := s.Map()
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	var buf bytes.Buffer
	for _, name := range names {
		b, err := formatter.Marshal(m[name])
		if err != nil {
			return nil, err
		}
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.Write(b)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
