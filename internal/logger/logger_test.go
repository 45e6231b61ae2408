package logger

import (
	"testing"

	"github.com/cenkalti/log"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in    string
		level log.Level
	}{
		{"debug", log.DEBUG},
		{"", log.INFO},
		{" Info ", log.INFO},
		{"warn", log.WARNING},
		{"ERROR", log.ERROR},
	}
	for _, c := range cases {
		l, err := ParseLevel(c.in)
		assert.NoError(t, err, c.in)
		assert.Equal(t, c.level, l, c.in)
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}
