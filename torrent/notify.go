package torrent

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/rainstream/internal/fifo"
)

// NotificationType is the kind of a Notification.
type NotificationType int

// Notification types.
const (
	TorrentAdded NotificationType = iota
	TorrentLoaded
	TorrentRemoved
	TorrentStateChanged
	TorrentFinished
	TorrentPaused
	TorrentResumed
	TorrentMoved
	TorrentMoveFailed
	MetadataLoaded
	TorrentError
	RestoreError
	SessionStarted
	SessionStopped
	SessionError
	NATError
)

var notificationStrings = map[NotificationType]string{
	TorrentAdded:        "torrent added",
	TorrentLoaded:       "torrent loaded",
	TorrentRemoved:      "torrent removed",
	TorrentStateChanged: "torrent state changed",
	TorrentFinished:     "torrent finished",
	TorrentPaused:       "torrent paused",
	TorrentResumed:      "torrent resumed",
	TorrentMoved:        "torrent moved",
	TorrentMoveFailed:   "torrent move failed",
	MetadataLoaded:      "metadata loaded",
	TorrentError:        "torrent error",
	RestoreError:        "restore error",
	SessionStarted:      "session started",
	SessionStopped:      "session stopped",
	SessionError:        "session error",
	NATError:            "nat error",
}

func (t NotificationType) String() string {
	s, ok := notificationStrings[t]
	if !ok {
		return strconv.Itoa(int(t))
	}
	return s
}

// Notification is published to subscribers when something happens to the session or a torrent.
type Notification struct {
	Type NotificationType
	// TorrentID is empty for session notifications.
	TorrentID string
	// State is set for TorrentStateChanged.
	State State
	// Path is set for TorrentMoved.
	Path string
	Err  error
	Time time.Time
}

// Subscription receives notifications on C until it is closed.
type Subscription struct {
	// C is closed after Close is called or the session is closed.
	C     <-chan Notification
	bus   *bus
	queue *fifo.Queue[Notification]
}

// Close stops delivery to the subscription. Undelivered notifications are dropped.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
	s.queue.Stop()
}

// bus delivers notifications to subscribers.
// Subscribe and unsubscribe replace the subscriber list, publish iterates over a snapshot of it.
// A slow subscriber never blocks the publisher.
type bus struct {
	m      sync.Mutex
	subs   atomic.Pointer[[]*Subscription]
	closed bool
}

func newBus() *bus {
	b := &bus{}
	b.subs.Store(&[]*Subscription{})
	return b
}

func (b *bus) subscribe() *Subscription {
	q := fifo.New[Notification]()
	sub := &Subscription{C: q.Out(), bus: b, queue: q}
	b.m.Lock()
	defer b.m.Unlock()
	if b.closed {
		q.Stop()
		return sub
	}
	old := *b.subs.Load()
	subs := make([]*Subscription, len(old), len(old)+1)
	copy(subs, old)
	subs = append(subs, sub)
	b.subs.Store(&subs)
	return sub
}

func (b *bus) unsubscribe(sub *Subscription) {
	b.m.Lock()
	defer b.m.Unlock()
	old := *b.subs.Load()
	subs := make([]*Subscription, 0, len(old))
	for _, s := range old {
		if s != sub {
			subs = append(subs, s)
		}
	}
	b.subs.Store(&subs)
}

func (b *bus) publish(n Notification) {
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	for _, sub := range *b.subs.Load() {
		sub.queue.Push(n)
	}
}

// close ends every subscription.
func (b *bus) close() {
	b.m.Lock()
	b.closed = true
	subs := *b.subs.Load()
	b.subs.Store(&[]*Subscription{})
	b.m.Unlock()
	for _, sub := range subs {
		sub.queue.Stop()
	}
}
