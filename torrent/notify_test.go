package torrent

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
)

func TestBus(t *testing.T) {
	defer leaktest.Check(t)()
	b := newBus()
	s1 := b.subscribe()
	s2 := b.subscribe()

	b.publish(Notification{Type: TorrentAdded, TorrentID: "a"})
	n := <-s1.C
	assert.Equal(t, TorrentAdded, n.Type)
	assert.False(t, n.Time.IsZero())

	s1.Close()
	b.publish(Notification{Type: TorrentRemoved, TorrentID: "a"})
	assert.Equal(t, TorrentAdded, (<-s2.C).Type)
	assert.Equal(t, TorrentRemoved, (<-s2.C).Type)

	b.close()
	select {
	case _, ok := <-s2.C:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription is not closed")
	}
	s3 := b.subscribe()
	_, ok := <-s3.C
	assert.False(t, ok)
}

func TestBusUnsubscribeWhilePublishing(t *testing.T) {
	defer leaktest.Check(t)()
	b := newBus()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			b.publish(Notification{Type: TorrentStateChanged})
		}
	}()
	for i := 0; i < 100; i++ {
		b.subscribe().Close()
	}
	<-done
	b.close()
}
