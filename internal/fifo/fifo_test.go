package fifo

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
)

func TestOrder(t *testing.T) {
	defer leaktest.Check(t)()
	q := New[int]()
	for i := 0; i < 1000; i++ {
		assert.True(t, q.Push(i))
	}
	q.Close()
	assert.False(t, q.Push(1000))
	var got []int
	for v := range q.Out() {
		got = append(got, v)
	}
	assert.Len(t, got, 1000)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestStopDiscards(t *testing.T) {
	defer leaktest.Check(t)()
	q := New[string]()
	q.Push("a")
	q.Push("b")
	q.Stop()
	q.Stop()
	select {
	case <-time.After(time.Second):
		t.Fatal("out channel is not closed")
	case _, ok := <-q.Out():
		for ok {
			_, ok = <-q.Out()
		}
	}
}
