package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_filtersAndDelivers(t *testing.T) {
	b := NewBroker()
	all, cancelAll := b.Subscribe(nil)
	defer cancelAll()
	counts, cancelCounts := b.Subscribe(func(e Event) bool { return e.Kind == KindPendingCount })
	defer cancelCounts()

	b.Publish(Event{Kind: KindSyncState, PostID: "p1"})
	b.Publish(Event{Kind: KindPendingCount, Pending: 3})

	first := <-all
	assert.Equal(t, KindSyncState, first.Kind)
	assert.False(t, first.Time.IsZero())
	assert.Equal(t, KindPendingCount, (<-all).Kind)

	got := <-counts
	assert.Equal(t, 3, got.Pending)
	select {
	case e := <-counts:
		t.Fatalf("unexpected event %+v", e)
	default:
	}
}

func TestBroker_slowSubscriberKeepsNewest(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe(nil)
	defer cancel()

	for i := 0; i < DefaultBuffer+10; i++ {
		b.Publish(Event{Kind: KindPendingCount, Pending: i})
	}

	require.Len(t, ch, DefaultBuffer)
	var last Event
	for len(ch) > 0 {
		last = <-ch
	}
	assert.Equal(t, DefaultBuffer+9, last.Pending)
}

func TestBroker_cancelAndClose(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe(nil)
	assert.Equal(t, 1, b.Subscribers())

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, b.Subscribers())

	other, _ := b.Subscribe(nil)
	b.Close()
	_, ok = <-other
	assert.False(t, ok)

	late, _ := b.Subscribe(nil)
	_, ok = <-late
	assert.False(t, ok)
	b.Publish(Event{Kind: KindDrain})
}
