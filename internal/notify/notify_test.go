package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastReachesAllListeners(t *testing.T) {
	n := New()
	a := n.Subscribe()
	b := n.Subscribe()
	defer n.Unsubscribe(a)
	defer n.Unsubscribe(b)

	n.Broadcast(Progress{QueryID: "q1", FetchedRows: 100})

	for _, ch := range []chan Progress{a, b} {
		select {
		case p := <-ch:
			assert.Equal(t, "q1", p.QueryID)
			assert.Equal(t, int64(100), p.FetchedRows)
		case <-time.After(time.Second):
			t.Fatal("listener did not receive progress")
		}
	}
}

func TestSlowListenerSeesLatestUpdate(t *testing.T) {
	n := New()
	ch := n.Subscribe()
	defer n.Unsubscribe(ch)

	// The listener never drains; each broadcast replaces the pending one.
	n.Broadcast(Progress{QueryID: "q1", FetchedRows: 100})
	n.Broadcast(Progress{QueryID: "q1", FetchedRows: 200})
	n.Broadcast(Progress{QueryID: "q1", FetchedRows: 300, Complete: true})

	p := <-ch
	assert.Equal(t, int64(300), p.FetchedRows)
	assert.True(t, p.Complete)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	n := New()
	ch := n.Subscribe()
	n.Unsubscribe(ch)

	_, open := <-ch
	require.False(t, open)

	// Broadcasting after unsubscribe must not panic on the closed channel.
	n.Broadcast(Progress{QueryID: "q1"})
}

func TestBroadcastWithoutListeners(t *testing.T) {
	n := New()
	n.Broadcast(Progress{QueryID: "q1", FetchedRows: 1})
}
