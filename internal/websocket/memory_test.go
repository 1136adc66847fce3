package websocket

import (
	"context"
	"sort"
	"testing"
	"time"
)

func TestMemoryAdapterRooms(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()

	for _, id := range []string{"c1", "c2", "c3"} {
		if err := a.AddConnection(ctx, Connection{ID: id, NodeID: a.NodeID()}); err != nil {
			t.Fatal(err)
		}
	}
	a.JoinRoom(ctx, "c1", "lobby")
	a.JoinRoom(ctx, "c2", "lobby")
	a.JoinRoom(ctx, "c2", "game")

	members, _ := a.RoomConnections(ctx, "lobby")
	sort.Strings(members)
	if len(members) != 2 || members[0] != "c1" || members[1] != "c2" {
		t.Errorf("lobby members: %v", members)
	}

	rooms, _ := a.ConnectionRooms(ctx, "c2")
	sort.Strings(rooms)
	if len(rooms) != 2 || rooms[0] != "game" || rooms[1] != "lobby" {
		t.Errorf("c2 rooms: %v", rooms)
	}

	a.LeaveRoom(ctx, "c2", "lobby")
	members, _ = a.RoomConnections(ctx, "lobby")
	if len(members) != 1 || members[0] != "c1" {
		t.Errorf("after leave: %v", members)
	}
}

func TestMemoryAdapterRemoveConnectionLeavesRooms(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()

	a.AddConnection(ctx, Connection{ID: "c1"})
	a.JoinRoom(ctx, "c1", "lobby")
	a.RemoveConnection(ctx, "c1")

	members, _ := a.RoomConnections(ctx, "lobby")
	if len(members) != 0 {
		t.Errorf("removed connection still in room: %v", members)
	}
	if conn, _ := a.GetConnection(ctx, "c1"); conn != nil {
		t.Error("removed connection still retrievable")
	}
	if room, _ := a.GetRoom(ctx, "lobby"); room != nil {
		t.Error("empty room should be deleted")
	}
}

func TestMemoryAdapterBroadcastExcludes(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()
	events := a.EventReceiver()
	if events == nil {
		t.Fatal("first receiver should get the channel")
	}
	if a.EventReceiver() != nil {
		t.Error("event receiver is single-consumer")
	}

	a.JoinRoom(ctx, "c1", "lobby")
	a.JoinRoom(ctx, "c2", "lobby")

	if err := a.BroadcastToRoom(ctx, "lobby", Message{Type: MessageText, Text: "hi"}, "c1"); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		if ev.Type != EventSendToConnection || ev.ConnectionID != "c2" {
			t.Errorf("unexpected event: %+v", ev)
		}
		if ev.SenderNodeID != a.NodeID() {
			t.Error("event should carry the sender node id")
		}
	case <-time.After(time.Second):
		t.Fatal("expected one delivery event")
	}

	select {
	case ev := <-events:
		t.Errorf("excluded connection received event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryAdapterSendToConnection(t *testing.T) {
	a := NewMemoryAdapter()
	events := a.EventReceiver()

	a.SendToConnection(context.Background(), "c9", Message{Type: MessageBinary, Data: []byte{1, 2}})

	select {
	case ev := <-events:
		if ev.ConnectionID != "c9" || ev.Message == nil || ev.Message.Type != MessageBinary {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected delivery event")
	}
}
