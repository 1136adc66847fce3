package websocket

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryAdapter is the single-process fan-out backend: three maps under
// RW locks, cross-task delivery over an unbounded-ish channel.
type MemoryAdapter struct {
	mu              sync.RWMutex
	connections     map[string]Connection
	rooms           map[string]map[string]struct{}
	connectionRooms map[string]map[string]struct{}

	nodeID string

	eventMu   sync.Mutex
	events    chan Event
	delivered bool
}

// NewMemoryAdapter creates an empty memory adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		connections:     make(map[string]Connection),
		rooms:           make(map[string]map[string]struct{}),
		connectionRooms: make(map[string]map[string]struct{}),
		nodeID:          uuid.NewString(),
		events:          make(chan Event, 1024),
	}
}

func (a *MemoryAdapter) emit(ev Event) {
	ev.SenderNodeID = a.nodeID
	select {
	case a.events <- ev:
	default:
		// Receiver fell too far behind; fan-out is best-effort.
	}
}

// AddConnection registers a connection.
func (a *MemoryAdapter) AddConnection(_ context.Context, conn Connection) error {
	a.mu.Lock()
	a.connections[conn.ID] = conn
	a.mu.Unlock()
	return nil
}

// RemoveConnection unregisters a connection and leaves all its rooms.
func (a *MemoryAdapter) RemoveConnection(_ context.Context, connectionID string) error {
	a.mu.Lock()
	delete(a.connections, connectionID)
	if rooms, ok := a.connectionRooms[connectionID]; ok {
		delete(a.connectionRooms, connectionID)
		for room := range rooms {
			if members, ok := a.rooms[room]; ok {
				delete(members, connectionID)
				if len(members) == 0 {
					delete(a.rooms, room)
				}
			}
		}
	}
	a.mu.Unlock()
	return nil
}

// JoinRoom adds the connection to a room.
func (a *MemoryAdapter) JoinRoom(_ context.Context, connectionID, room string) error {
	a.mu.Lock()
	if a.rooms[room] == nil {
		a.rooms[room] = make(map[string]struct{})
	}
	a.rooms[room][connectionID] = struct{}{}
	if a.connectionRooms[connectionID] == nil {
		a.connectionRooms[connectionID] = make(map[string]struct{})
	}
	a.connectionRooms[connectionID][room] = struct{}{}
	a.mu.Unlock()
	return nil
}

// LeaveRoom removes the connection from a room.
func (a *MemoryAdapter) LeaveRoom(_ context.Context, connectionID, room string) error {
	a.mu.Lock()
	if members, ok := a.rooms[room]; ok {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(a.rooms, room)
		}
	}
	if rooms, ok := a.connectionRooms[connectionID]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(a.connectionRooms, connectionID)
		}
	}
	a.mu.Unlock()
	return nil
}

// RoomConnections lists a room's members.
func (a *MemoryAdapter) RoomConnections(_ context.Context, room string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	members := a.rooms[room]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out, nil
}

// ConnectionRooms lists the rooms a connection joined.
func (a *MemoryAdapter) ConnectionRooms(_ context.Context, connectionID string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rooms := a.connectionRooms[connectionID]
	out := make([]string, 0, len(rooms))
	for room := range rooms {
		out = append(out, room)
	}
	return out, nil
}

// BroadcastToRoom emits a SendToConnection event per member.
func (a *MemoryAdapter) BroadcastToRoom(ctx context.Context, room string, message Message, exclude string) error {
	members, err := a.RoomConnections(ctx, room)
	if err != nil {
		return err
	}
	for _, id := range members {
		if exclude != "" && id == exclude {
			continue
		}
		a.emit(Event{Type: EventSendToConnection, ConnectionID: id, Message: &message})
	}
	return nil
}

// SendToConnection emits a delivery event for one connection.
func (a *MemoryAdapter) SendToConnection(_ context.Context, connectionID string, message Message) error {
	a.emit(Event{Type: EventSendToConnection, ConnectionID: connectionID, Message: &message})
	return nil
}

// GetConnection returns connection info, nil when unknown.
func (a *MemoryAdapter) GetConnection(_ context.Context, connectionID string) (*Connection, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if conn, ok := a.connections[connectionID]; ok {
		return &conn, nil
	}
	return nil, nil
}

// GetRoom returns room info, nil when unknown.
func (a *MemoryAdapter) GetRoom(ctx context.Context, room string) (*Room, error) {
	a.mu.RLock()
	members, ok := a.rooms[room]
	if !ok {
		a.mu.RUnlock()
		return nil, nil
	}
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	a.mu.RUnlock()
	return &Room{Name: room, Connections: out, CreatedAt: nowUnix()}, nil
}

// EventReceiver hands out the event channel once.
func (a *MemoryAdapter) EventReceiver() <-chan Event {
	a.eventMu.Lock()
	defer a.eventMu.Unlock()
	if a.delivered {
		return nil
	}
	a.delivered = true
	return a.events
}

// NodeID returns this process's node id.
func (a *MemoryAdapter) NodeID() string { return a.nodeID }
