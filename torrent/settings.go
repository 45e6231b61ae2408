package torrent

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"

	"github.com/cenkalti/rainstream/internal/engine"
)

// EncryptMode selects protocol encryption for peer connections.
type EncryptMode string

// Encryption modes.
const (
	EncryptEnabled  EncryptMode = "enabled"
	EncryptForced   EncryptMode = "forced"
	EncryptDisabled EncryptMode = "disabled"
)

// Settings is the session-wide engine configuration.
// It is only changed through Session.ApplySettings so the engine and the persisted copy never diverge.
type Settings struct {
	// Disk cache size in MiB.
	CacheSize int `yaml:"cache_size" json:"cache_size"`

	ActiveDownloads int `yaml:"active_downloads" json:"active_downloads"`
	ActiveSeeds     int `yaml:"active_seeds" json:"active_seeds"`
	ActiveLimit     int `yaml:"active_limit" json:"active_limit"`

	MaxConnections           int `yaml:"max_connections" json:"max_connections"`
	MaxConnectionsPerTorrent int `yaml:"max_connections_per_torrent" json:"max_connections_per_torrent"`
	MaxUploadsPerTorrent     int `yaml:"max_uploads_per_torrent" json:"max_uploads_per_torrent"`

	// Listen port. When RandomPort is set a port in [PortRangeFirst, PortRangeSecond] is picked on every start.
	Port            int  `yaml:"port" json:"port"`
	RandomPort      bool `yaml:"random_port" json:"random_port"`
	PortRangeFirst  int  `yaml:"port_range_first" json:"port_range_first"`
	PortRangeSecond int  `yaml:"port_range_second" json:"port_range_second"`

	DHTEnabled    bool `yaml:"dht_enabled" json:"dht_enabled"`
	LSDEnabled    bool `yaml:"lsd_enabled" json:"lsd_enabled"`
	UTPEnabled    bool `yaml:"utp_enabled" json:"utp_enabled"`
	UPnPEnabled   bool `yaml:"upnp_enabled" json:"upnp_enabled"`
	NATPMPEnabled bool `yaml:"natpmp_enabled" json:"natpmp_enabled"`

	EncryptMode           EncryptMode `yaml:"encrypt_mode" json:"encrypt_mode"`
	EncryptInConnections  bool        `yaml:"encrypt_in_connections" json:"encrypt_in_connections"`
	EncryptOutConnections bool        `yaml:"encrypt_out_connections" json:"encrypt_out_connections"`

	// Bytes per second. 0 means unlimited.
	DownloadRateLimit int `yaml:"download_rate_limit" json:"download_rate_limit"`
	UploadRateLimit   int `yaml:"upload_rate_limit" json:"upload_rate_limit"`

	AutoManaged bool `yaml:"auto_managed" json:"auto_managed"`
}

// DefaultSettings are used when there are no persisted settings.
var DefaultSettings = Settings{
	CacheSize:                256,
	ActiveDownloads:          4,
	ActiveSeeds:              4,
	ActiveLimit:              6,
	MaxConnections:           200,
	MaxConnectionsPerTorrent: 40,
	MaxUploadsPerTorrent:     4,
	Port:                     6881,
	RandomPort:               true,
	PortRangeFirst:           37000,
	PortRangeSecond:          57000,
	DHTEnabled:               true,
	LSDEnabled:               true,
	UTPEnabled:               true,
	UPnPEnabled:              true,
	NATPMPEnabled:            true,
	EncryptMode:              EncryptEnabled,
	EncryptInConnections:     true,
	EncryptOutConnections:    true,
	AutoManaged:              false,
}

// Validate checks settings before they are applied.
func (s Settings) Validate() error {
	switch {
	case s.CacheSize < 0:
		return errors.New("cache size must not be negative")
	case s.ActiveDownloads < -1 || s.ActiveSeeds < -1 || s.ActiveLimit < -1:
		return errors.New("active limits must be -1 (unlimited) or positive")
	case s.MaxConnections <= 0:
		return errors.New("max connections must be positive")
	case s.MaxConnectionsPerTorrent <= 0:
		return errors.New("max connections per torrent must be positive")
	case s.MaxUploadsPerTorrent <= 0:
		return errors.New("max uploads per torrent must be positive")
	case s.DownloadRateLimit < 0 || s.UploadRateLimit < 0:
		return errors.New("rate limits must not be negative")
	}
	if s.RandomPort {
		if s.PortRangeFirst <= 0 || s.PortRangeSecond > 65535 || s.PortRangeFirst > s.PortRangeSecond {
			return fmt.Errorf("invalid port range: %d-%d", s.PortRangeFirst, s.PortRangeSecond)
		}
	} else if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("invalid port: %d", s.Port)
	}
	switch s.EncryptMode {
	case EncryptEnabled, EncryptForced, EncryptDisabled:
	default:
		return fmt.Errorf("invalid encrypt mode: %q", s.EncryptMode)
	}
	return nil
}

// listenPort returns the port the engine will listen on.
func (s Settings) listenPort() int {
	if !s.RandomPort {
		return s.Port
	}
	return s.PortRangeFirst + rand.Intn(s.PortRangeSecond-s.PortRangeFirst+1) // nolint: gosec
}

// engineSettings maps Settings to the engine representation. port is resolved by the caller so the mapping stays pure.
func engineSettings(s Settings, port int) engine.Settings {
	policy := func(enabled bool) engine.EncryptionPolicy {
		if !enabled || s.EncryptMode == EncryptDisabled {
			return engine.EncryptionDisabled
		}
		if s.EncryptMode == EncryptForced {
			return engine.EncryptionForced
		}
		return engine.EncryptionEnabled
	}
	portStr := strconv.Itoa(port)
	return engine.Settings{
		CacheSize:         s.CacheSize * 1024 / 16,
		ActiveDownloads:   s.ActiveDownloads,
		ActiveSeeds:       s.ActiveSeeds,
		ActiveLimit:       s.ActiveLimit,
		DontCountSlow:     true,
		ConnectionsLimit:  s.MaxConnections,
		ListenInterfaces:  []string{net.JoinHostPort("0.0.0.0", portStr), net.JoinHostPort("::", portStr)},
		ListenPort:        port,
		EnableDHT:         s.DHTEnabled,
		EnableLSD:         s.LSDEnabled,
		EnableIncomingUTP: s.UTPEnabled,
		EnableOutgoingUTP: s.UTPEnabled,
		EnableIncomingTCP: true,
		EnableOutgoingTCP: true,
		EnableUPnP:        s.UPnPEnabled,
		EnableNATPMP:      s.NATPMPEnabled,

		IncomingEncryption: policy(s.EncryptInConnections),
		OutgoingEncryption: policy(s.EncryptOutConnections),
		PreferRC4:          s.EncryptMode == EncryptForced,

		DownloadRateLimit: s.DownloadRateLimit,
		UploadRateLimit:   s.UploadRateLimit,
		AutoManaged:       s.AutoManaged,
		UserAgent:         userAgent,
		PeerID:            peerIDPrefix,
	}
}
