package jsonutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCompactPretty(t *testing.T) {
	v := struct {
		Name  string
		Limit int `json:"limit"`
	}{"movie", 3}
	b, err := MarshalCompactPretty(&v)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "Name: "))
	assert.True(t, strings.HasPrefix(lines[1], "limit: "))

	b, err = MarshalCompactPretty([]int{1, 2})
	require.NoError(t, err)
	assert.Contains(t, string(b), "1")
}
