package engine

// EncryptionPolicy controls protocol encryption of peer connections.
type EncryptionPolicy int

// Encryption policies.
const (
	EncryptionEnabled EncryptionPolicy = iota
	EncryptionForced
	EncryptionDisabled
)

// Settings is the engine-native settings object. It is always applied as a whole.
type Settings struct {
	// CacheSize is in 16 KiB blocks.
	CacheSize int

	ActiveDownloads int
	ActiveSeeds     int
	ActiveLimit     int
	DontCountSlow   bool

	ConnectionsLimit int

	ListenInterfaces []string
	ListenPort       int

	EnableDHT         bool
	EnableLSD         bool
	EnableIncomingUTP bool
	EnableOutgoingUTP bool
	EnableIncomingTCP bool
	EnableOutgoingTCP bool
	EnableUPnP        bool
	EnableNATPMP      bool

	IncomingEncryption EncryptionPolicy
	OutgoingEncryption EncryptionPolicy
	PreferRC4          bool

	// Rate limits are in bytes per second. 0 means unlimited.
	DownloadRateLimit int
	UploadRateLimit   int

	AutoManaged bool
	UserAgent   string
	PeerID      string
}
