package engine

import "strconv"

// EventType is the kind of an engine event.
type EventType int

// Engine events.
const (
	EventAddConfirmed EventType = iota
	EventMetadataReceived
	EventPieceFinished
	EventStateChanged
	EventTorrentFinished
	EventTorrentPaused
	EventTorrentResumed
	EventStorageMoved
	EventStorageMoveFailed
	EventSaveResumeData
	EventSaveResumeDataFailed
	EventTorrentRemoved
	EventTorrentError
	EventSessionError
	EventListenFailed
	EventPortmapError
	EventDHTBootstrap
)

var eventStrings = map[EventType]string{
	EventAddConfirmed:         "add confirmed",
	EventMetadataReceived:     "metadata received",
	EventPieceFinished:        "piece finished",
	EventStateChanged:         "state changed",
	EventTorrentFinished:      "torrent finished",
	EventTorrentPaused:        "torrent paused",
	EventTorrentResumed:       "torrent resumed",
	EventStorageMoved:         "storage moved",
	EventStorageMoveFailed:    "storage move failed",
	EventSaveResumeData:       "save resume data",
	EventSaveResumeDataFailed: "save resume data failed",
	EventTorrentRemoved:       "torrent removed",
	EventTorrentError:         "torrent error",
	EventSessionError:         "session error",
	EventListenFailed:         "listen failed",
	EventPortmapError:         "portmap error",
	EventDHTBootstrap:         "dht bootstrap",
}

func (t EventType) String() string {
	s, ok := eventStrings[t]
	if !ok {
		return strconv.Itoa(int(t))
	}
	return s
}

// Event is a message from the engine. Events for the same info hash are delivered in emission order.
type Event struct {
	Type     EventType
	InfoHash InfoHash
	// Err is set for failure events and for EventAddConfirmed when the add failed.
	Err error
	// Data carries the resume blob for EventSaveResumeData.
	Data []byte
	// Piece is set for EventPieceFinished.
	Piece int
	// State and PrevState are set for EventStateChanged.
	State     State
	PrevState State
	// Path is the new storage location for EventStorageMoved.
	Path string
	// Nodes is the DHT routing table size for EventDHTBootstrap.
	Nodes int
}

// IsSessionEvent returns true for events that do not belong to a torrent.
func (e Event) IsSessionEvent() bool {
	switch e.Type {
	case EventSessionError, EventListenFailed, EventPortmapError, EventDHTBootstrap:
		return true
	}
	return false
}
