package rpctypes

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeNull(t *testing.T) {
	b, err := json.Marshal(Time{})
	require.NoError(t, err)
	assert.Equal(t, "null", string(b))

	tm := Time{Time: time.Now()}
	require.NoError(t, json.Unmarshal([]byte("null"), &tm))
	assert.True(t, tm.IsZero())
}

func TestTimeUTC(t *testing.T) {
	loc := time.FixedZone("x", 3*3600)
	b, err := json.Marshal(Time{Time: time.Date(2020, 1, 2, 3, 4, 5, 0, loc)})
	require.NoError(t, err)
	assert.Equal(t, `"2020-01-02T00:04:05Z"`, string(b))
}
