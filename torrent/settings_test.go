package torrent

import (
	"testing"

	"github.com/cenkalti/rainstream/internal/engine"
	"github.com/stretchr/testify/assert"
)

func TestEngineSettings(t *testing.T) {
	s := DefaultSettings
	s.EncryptMode = EncryptForced
	s.EncryptInConnections = false
	s.DownloadRateLimit = 1000
	es := engineSettings(s, 40000)
	assert.Equal(t, 40000, es.ListenPort)
	assert.Equal(t, []string{"0.0.0.0:40000", "[::]:40000"}, es.ListenInterfaces)
	assert.Equal(t, 256*64, es.CacheSize)
	assert.Equal(t, engine.EncryptionDisabled, es.IncomingEncryption)
	assert.Equal(t, engine.EncryptionForced, es.OutgoingEncryption)
	assert.True(t, es.PreferRC4)
	assert.Equal(t, 1000, es.DownloadRateLimit)
	assert.Equal(t, 0, es.UploadRateLimit)
	assert.False(t, es.AutoManaged)

	// pure
	assert.Equal(t, es, engineSettings(s, 40000))
}

func TestSettingsValidate(t *testing.T) {
	assert.NoError(t, DefaultSettings.Validate())

	s := DefaultSettings
	s.PortRangeFirst, s.PortRangeSecond = 5000, 4000
	assert.Error(t, s.Validate())

	s = DefaultSettings
	s.EncryptMode = "sometimes"
	assert.Error(t, s.Validate())

	s = DefaultSettings
	s.MaxConnectionsPerTorrent = 0
	assert.Error(t, s.Validate())
}

func TestListenPort(t *testing.T) {
	s := DefaultSettings
	for i := 0; i < 100; i++ {
		p := s.listenPort()
		assert.GreaterOrEqual(t, p, s.PortRangeFirst)
		assert.LessOrEqual(t, p, s.PortRangeSecond)
	}
	s.RandomPort = false
	assert.Equal(t, s.Port, s.listenPort())
}
