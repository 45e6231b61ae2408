package torrent

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config for Session.
type Config struct {
	// Database file to save resume data and torrent records.
	Database string `yaml:"database"`
	// DataDir is where files are downloaded unless a destination is given while adding.
	DataDir string `yaml:"data_dir"`

	// Enable RPC server
	RPCEnabled bool `yaml:"rpc_enabled"`
	// Host to listen for RPC server
	RPCHost string `yaml:"rpc_host"`
	// Listen port for RPC server
	RPCPort int `yaml:"rpc_port"`
	// Time to wait for ongoing requests before shutting down RPC HTTP server.
	RPCShutdownTimeout time.Duration `yaml:"rpc_shutdown_timeout"`

	// Enable HTTP streaming server
	StreamEnabled bool `yaml:"stream_enabled"`
	// Host to listen for streaming server
	StreamHost string `yaml:"stream_host"`
	// Listen port for streaming server. 0 picks a free port.
	StreamPort int `yaml:"stream_port"`
	// Bytes per second for a single stream response. 0 means unlimited.
	StreamRateLimit int64 `yaml:"stream_rate_limit"`
	// Number of pieces ahead of the read position raised to top priority.
	StreamPreloadPieces int `yaml:"stream_preload_pieces"`
	// Deadline set on the pieces raised by a stream read.
	StreamPieceDeadline time.Duration `yaml:"stream_piece_deadline"`

	// Minimum time between two unforced resume data saves of a torrent.
	ResumeSaveInterval time.Duration `yaml:"resume_save_interval"`
	// Cron spec for saving resume data of all torrents.
	ResumeSaveSchedule string `yaml:"resume_save_schedule"`

	// Time to wait for metadata of a magnet link.
	MagnetTimeout time.Duration `yaml:"magnet_timeout"`
	// Time to wait for DHT nodes before starting a magnet fetch.
	DHTBootstrapTimeout time.Duration `yaml:"dht_bootstrap_timeout"`
	// Time to wait for the engine to confirm an add.
	AddTimeout time.Duration `yaml:"add_timeout"`
	// Timeout for downloading torrent files from HTTP URLs.
	TorrentAddHTTPTimeout time.Duration `yaml:"torrent_add_http_timeout"`
	// Max size of a torrent file added.
	MaxTorrentSize int64 `yaml:"max_torrent_size"`
	// Max size of the metadata fetched for a magnet link.
	MaxMetadataSize int64 `yaml:"max_metadata_size"`

	// Time to wait for pending resume writes when the session stops.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// debug, info, warning or error
	LogLevel string `yaml:"log_level"`

	// Engine settings used until settings are changed through the session.
	Settings Settings `yaml:"settings"`
}

// DefaultConfig for Session. Do not pass zero value Config to NewSession. Copy this struct and modify instead.
var DefaultConfig = Config{
	Database: "~/rainstream/session.db",
	DataDir:  "~/rainstream/data",

	RPCEnabled:         true,
	RPCHost:            "127.0.0.1",
	RPCPort:            7247,
	RPCShutdownTimeout: 5 * time.Second,

	StreamEnabled:       true,
	StreamHost:          "127.0.0.1",
	StreamPort:          7248,
	StreamPreloadPieces: 5,
	StreamPieceDeadline: time.Second,

	ResumeSaveInterval: 10 * time.Second,
	ResumeSaveSchedule: "@every 1m",

	MagnetTimeout:         10 * time.Minute,
	DHTBootstrapTimeout:   10 * time.Second,
	AddTimeout:            time.Minute,
	TorrentAddHTTPTimeout: 30 * time.Second,
	MaxTorrentSize:        10 << 20,
	MaxMetadataSize:       2 << 20,

	ShutdownTimeout: 10 * time.Second,

	LogLevel: "info",

	Settings: DefaultSettings,
}

// LoadConfig returns DefaultConfig overridden by the values in the YAML file.
// A missing file is not an error.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig
	b, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return &c, nil
	}
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
