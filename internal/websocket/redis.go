package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/AssetsArt/nylon/internal/config"
	"github.com/AssetsArt/nylon/internal/errors"
	"github.com/AssetsArt/nylon/internal/logging"
)

const (
	defaultKeyPrefix  = "nylon:ws"
	nodeTTL           = 30 * time.Second
	heartbeatInterval = 10 * time.Second
	janitorInterval   = 30 * time.Second
)

// RedisAdapter mirrors the membership index into Redis and fans events
// out over pub/sub, so any node can deliver to connections it does not
// own.
type RedisAdapter struct {
	client    *redis.Client
	keyPrefix string
	nodeID    string

	eventMu   sync.Mutex
	events    chan Event
	delivered bool

	cancel context.CancelFunc
}

// NewRedisAdapter connects, verifies the server and starts the pub/sub
// listener, heartbeat and janitor tasks.
func NewRedisAdapter(cfg *config.RedisAdapterConfig) (*RedisAdapter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithCancel(context.Background())
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		cancel()
		return nil, errors.Wrap(errors.KindConfig, "redis ping failed", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}

	a := &RedisAdapter{
		client:    client,
		keyPrefix: prefix,
		nodeID:    uuid.NewString(),
		events:    make(chan Event, 1024),
		cancel:    cancel,
	}

	go a.pubsubLoop(ctx)
	go a.heartbeatLoop(ctx)
	go a.janitorLoop(ctx)

	return a, nil
}

// Close stops the background tasks and the client.
func (a *RedisAdapter) Close() error {
	a.cancel()
	return a.client.Close()
}

func (a *RedisAdapter) key(parts ...string) string {
	key := a.keyPrefix
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

func (a *RedisAdapter) eventsChannel() string { return a.key("events") }

func (a *RedisAdapter) publish(ctx context.Context, ev Event) error {
	ev.SenderNodeID = a.nodeID
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "encode fan-out event", err)
	}
	return a.client.Publish(ctx, a.eventsChannel(), payload).Err()
}

func (a *RedisAdapter) pubsubLoop(ctx context.Context) {
	for {
		pubsub := a.client.Subscribe(ctx, a.eventsChannel())
		ch := pubsub.Channel()
	receive:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break receive
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logging.Warn("bad fan-out event payload", zap.Error(err))
					continue
				}
				select {
				case a.events <- ev:
				default:
				}
			}
		}
		pubsub.Close()
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// heartbeatLoop refreshes this node's liveness key so the janitor on
// other nodes leaves our connections alone.
func (a *RedisAdapter) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		if err := a.client.Set(ctx, a.key("nodes", a.nodeID), "1", nodeTTL).Err(); err != nil && ctx.Err() == nil {
			logging.Warn("websocket heartbeat failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// janitorLoop scans for connections owned by nodes whose liveness key
// expired and removes them from every room.
func (a *RedisAdapter) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sweepStaleNodes(ctx)
		}
	}
}

func (a *RedisAdapter) sweepStaleNodes(ctx context.Context) {
	iter := a.client.Scan(ctx, 0, a.key("node_connections", "*"), 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		nodeID := key[len(a.key("node_connections"))+1:]
		alive, err := a.client.Exists(ctx, a.key("nodes", nodeID)).Result()
		if err != nil || alive > 0 {
			continue
		}

		connections, err := a.client.SMembers(ctx, key).Result()
		if err != nil {
			continue
		}
		for _, connectionID := range connections {
			a.removeConnectionKeys(ctx, connectionID)
		}
		a.client.Del(ctx, key)
		logging.Info("cleaned up stale websocket node", zap.String("node_id", nodeID))
	}
}

func (a *RedisAdapter) removeConnectionKeys(ctx context.Context, connectionID string) {
	roomsKey := a.key("connection_rooms", connectionID)
	rooms, _ := a.client.SMembers(ctx, roomsKey).Result()
	for _, room := range rooms {
		roomKey := a.key("rooms", room)
		a.client.SRem(ctx, roomKey, connectionID)
		if n, err := a.client.SCard(ctx, roomKey).Result(); err == nil && n == 0 {
			a.client.Del(ctx, roomKey)
		}
	}
	a.client.Del(ctx, roomsKey, a.key("connections", connectionID))
}

// AddConnection stores the connection and indexes it under this node.
func (a *RedisAdapter) AddConnection(ctx context.Context, conn Connection) error {
	conn.NodeID = a.nodeID
	payload, err := json.Marshal(conn)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "encode connection", err)
	}
	pipe := a.client.Pipeline()
	pipe.Set(ctx, a.key("connections", conn.ID), payload, 0)
	pipe.SAdd(ctx, a.key("node_connections", a.nodeID), conn.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// RemoveConnection deletes the connection and its memberships.
func (a *RedisAdapter) RemoveConnection(ctx context.Context, connectionID string) error {
	a.removeConnectionKeys(ctx, connectionID)
	return a.client.SRem(ctx, a.key("node_connections", a.nodeID), connectionID).Err()
}

// JoinRoom indexes the membership both ways.
func (a *RedisAdapter) JoinRoom(ctx context.Context, connectionID, room string) error {
	pipe := a.client.Pipeline()
	pipe.SAdd(ctx, a.key("rooms", room), connectionID)
	pipe.SAdd(ctx, a.key("connection_rooms", connectionID), room)
	_, err := pipe.Exec(ctx)
	return err
}

// LeaveRoom removes the membership both ways.
func (a *RedisAdapter) LeaveRoom(ctx context.Context, connectionID, room string) error {
	pipe := a.client.Pipeline()
	pipe.SRem(ctx, a.key("rooms", room), connectionID)
	pipe.SRem(ctx, a.key("connection_rooms", connectionID), room)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := a.client.SCard(ctx, a.key("rooms", room)).Result(); err == nil && n == 0 {
		a.client.Del(ctx, a.key("rooms", room))
	}
	return nil
}

// RoomConnections lists a room's members.
func (a *RedisAdapter) RoomConnections(ctx context.Context, room string) ([]string, error) {
	return a.client.SMembers(ctx, a.key("rooms", room)).Result()
}

// ConnectionRooms lists a connection's rooms.
func (a *RedisAdapter) ConnectionRooms(ctx context.Context, connectionID string) ([]string, error) {
	return a.client.SMembers(ctx, a.key("connection_rooms", connectionID)).Result()
}

// BroadcastToRoom publishes one cluster event; every node delivers to
// the members it owns.
func (a *RedisAdapter) BroadcastToRoom(ctx context.Context, room string, message Message, exclude string) error {
	return a.publish(ctx, Event{
		Type:              EventBroadcastToRoom,
		Room:              room,
		Message:           &message,
		ExcludeConnection: exclude,
	})
}

// SendToConnection publishes a targeted delivery event.
func (a *RedisAdapter) SendToConnection(ctx context.Context, connectionID string, message Message) error {
	return a.publish(ctx, Event{
		Type:         EventSendToConnection,
		ConnectionID: connectionID,
		Message:      &message,
	})
}

// GetConnection fetches connection info, nil when unknown.
func (a *RedisAdapter) GetConnection(ctx context.Context, connectionID string) (*Connection, error) {
	payload, err := a.client.Get(ctx, a.key("connections", connectionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	conn := &Connection{}
	if err := json.Unmarshal(payload, conn); err != nil {
		return nil, errors.Wrap(errors.KindInternal, "decode connection", err)
	}
	return conn, nil
}

// GetRoom fetches room info, nil when unknown.
func (a *RedisAdapter) GetRoom(ctx context.Context, room string) (*Room, error) {
	members, err := a.RoomConnections(ctx, room)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	return &Room{Name: room, Connections: members, CreatedAt: nowUnix()}, nil
}

// EventReceiver hands out the event channel once.
func (a *RedisAdapter) EventReceiver() <-chan Event {
	a.eventMu.Lock()
	defer a.eventMu.Unlock()
	if a.delivered {
		return nil
	}
	a.delivered = true
	return a.events
}

// NodeID returns this node's id.
func (a *RedisAdapter) NodeID() string { return a.nodeID }
