package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunk(t *testing.T, conv string, i int) Event {
	t.Helper()
	ev, err := NewEvent(StreamChunk, conv, "turn-1", map[string]any{"chunk": fmt.Sprint(i), "index": i})
	require.NoError(t, err)
	return ev
}

func recv(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestHub_FanOutPerConversation(t *testing.T) {
	h := NewHub(8)
	a := h.Subscribe("c1")
	b := h.Subscribe("c1")
	other := h.Subscribe("c2")
	defer other.Close()

	require.NoError(t, h.Publish(context.Background(), chunk(t, "c1", 0)))

	assert.Equal(t, StreamChunk, recv(t, a).Type)
	assert.Equal(t, StreamChunk, recv(t, b).Type)
	select {
	case ev := <-other.Events():
		t.Fatalf("unexpected event for c2: %+v", ev)
	default:
	}

	a.Close()
	a.Close()
	_, ok := <-a.Events()
	assert.False(t, ok)
	assert.Equal(t, 1, h.Subscribers("c1"))
	b.Close()
	assert.Equal(t, 0, h.Subscribers("c1"))
}

func TestHub_DropsOldestWhenFull(t *testing.T) {
	var mu sync.Mutex
	var dropped []int
	h := NewHub(3, WithDropHook(func(ev Event) {
		var p struct{ Index int }
		_ = json.Unmarshal(ev.Payload, &p)
		mu.Lock()
		dropped = append(dropped, p.Index)
		mu.Unlock()
	}))
	s := h.Subscribe("c1")
	defer s.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, h.Publish(context.Background(), chunk(t, "c1", i)))
	}

	var got []int
	for i := 0; i < 3; i++ {
		var p struct{ Index int }
		require.NoError(t, json.Unmarshal(recv(t, s).Payload, &p))
		got = append(got, p.Index)
	}
	assert.Equal(t, []int{2, 3, 4}, got)
	assert.Equal(t, []int{0, 1}, dropped)
}

func TestEventType_Terminal(t *testing.T) {
	assert.True(t, StreamCompleted.Terminal())
	assert.True(t, StreamError.Terminal())
	assert.False(t, StreamChunk.Terminal())
	assert.False(t, StreamStarted.Terminal())
}

func TestRedisBridge_RelaysAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newInstance := func() (*Hub, *RedisBridge) {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		hub := NewHub(16)
		bridge := NewRedisBridge(rdb, hub, nil)
		require.NoError(t, bridge.Start(ctx))
		return hub, bridge
	}
	hubA, bridgeA := newInstance()
	hubB, _ := newInstance()
	assert.NotEqual(t, bridgeA.Origin(), "")

	local := hubA.Subscribe("c1")
	defer local.Close()
	remote := hubB.Subscribe("c1")
	defer remote.Close()

	ev, err := NewEvent(QueryExecuting, "c1", "turn-9", map[string]string{"query": "SELECT 1"})
	require.NoError(t, err)
	require.NoError(t, bridgeA.Publish(ctx, ev))

	got := recv(t, remote)
	assert.Equal(t, QueryExecuting, got.Type)
	assert.Equal(t, "turn-9", got.TurnID)
	assert.JSONEq(t, `{"query":"SELECT 1"}`, string(got.Payload))

	assert.Equal(t, QueryExecuting, recv(t, local).Type)
	select {
	case dup := <-local.Events():
		t.Fatalf("local viewer got its own event twice: %+v", dup)
	case <-time.After(200 * time.Millisecond):
	}
}
