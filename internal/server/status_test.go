package server

import (
	"encoding/json"
	"testing"
	"time"
)

func fakeSession(id string, age time.Duration) *EchoSession {
	return &EchoSession{
		id:         id,
		clientAddr: "192.0.2.1",
		created:    time.Now().Add(-age),
		done:       make(chan struct{}),
	}
}

func nextStatus(t *testing.T, client *statusClient) statusMessage {
	t.Helper()
	select {
	case data := <-client.send:
		var msg statusMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no status message")
	}
	return statusMessage{}
}

func TestStatusStoreBroadcasts(t *testing.T) {
	assert, require := makeAR(t)
	stop := make(chan struct{})
	defer close(stop)
	hub := NewStatusHub(stop, nil)
	store := NewStatusStore(hub)
	client := newStatusClient()
	hub.Register(client)

	older := fakeSession("older", time.Minute)
	newer := fakeSession("newer", time.Second)
	store.Add(newer)
	msg := nextStatus(t, client)
	assert.Equal("add", msg.Type)
	require.NotNil(msg.Entry)
	assert.Equal("newer", msg.Entry.ID)
	assert.Equal("new", msg.Entry.State)
	store.Add(older)
	nextStatus(t, client)

	snapshot := store.Snapshot()
	require.Len(snapshot, 2)
	assert.Equal("older", snapshot[0].ID)
	assert.Equal("newer", snapshot[1].ID)

	newer.packets.Add(3)
	store.Touch(newer)
	msg = nextStatus(t, client)
	assert.Equal("update", msg.Type)
	assert.EqualValues(3, msg.Entry.Packets)

	// A second touch inside the throttle interval is suppressed.
	store.Touch(newer)
	store.Remove("older")
	msg = nextStatus(t, client)
	assert.Equal("remove", msg.Type)
	assert.Equal("older", msg.ID)

	store.Remove("older")
	hub.Unregister(client)
	select {
	case <-client.quit:
	default:
		t.Fatal("unregistered client not closed")
	}
}

func TestStatusHubClosesClientsOnStop(t *testing.T) {
	stop := make(chan struct{})
	hub := NewStatusHub(stop, nil)
	client := newStatusClient()
	hub.Register(client)
	close(stop)
	select {
	case <-client.quit:
	case <-time.After(2 * time.Second):
		t.Fatal("client not closed on stop")
	}
}
