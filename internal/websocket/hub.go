package websocket

import (
	"context"
	"sync"

	"github.com/AssetsArt/nylon/internal/config"
	"github.com/AssetsArt/nylon/internal/errors"
	"github.com/AssetsArt/nylon/internal/store"
)

// GUID is the RFC 6455 constant used to compute Sec-WebSocket-Accept.
const GUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// localSenders maps connection ids owned by this node to the channel
// their request task drains, so inbound cluster events reach the owning
// task without crossing the adapter interface again.
var (
	senderMu     sync.Mutex
	localSenders = make(map[string]chan<- Message)
)

// RegisterLocalSender attaches a delivery channel for a connection owned
// by this node.
func RegisterLocalSender(connectionID string, sender chan<- Message) {
	senderMu.Lock()
	localSenders[connectionID] = sender
	senderMu.Unlock()
}

// UnregisterLocalSender detaches a closed connection's channel.
func UnregisterLocalSender(connectionID string) {
	senderMu.Lock()
	delete(localSenders, connectionID)
	senderMu.Unlock()
}

func deliverLocal(connectionID string, message Message) {
	senderMu.Lock()
	sender, ok := localSenders[connectionID]
	senderMu.Unlock()
	if ok {
		select {
		case sender <- message:
		default:
		}
	}
}

// InitAdapter builds the configured adapter, installs it in the global
// store and starts the event dispatcher that routes inbound events to
// local senders.
func InitAdapter(cfg *config.WebSocketAdapterConfig) error {
	var adapter Adapter
	if cfg == nil || cfg.AdapterType == "" || cfg.AdapterType == "memory" {
		adapter = NewMemoryAdapter()
	} else {
		switch cfg.AdapterType {
		case "redis", "cluster":
			if cfg.Redis == nil {
				return errors.Config("redis configuration required for %s adapter", cfg.AdapterType)
			}
			redisAdapter, err := NewRedisAdapter(cfg.Redis)
			if err != nil {
				return err
			}
			adapter = redisAdapter
		default:
			return errors.Config("unknown websocket adapter type %q", cfg.AdapterType)
		}
	}

	if events := adapter.EventReceiver(); events != nil {
		go dispatchEvents(adapter, events)
	}

	store.Insert(store.KeyWebSocketAdapter, adapter)
	return nil
}

func dispatchEvents(adapter Adapter, events <-chan Event) {
	for ev := range events {
		switch ev.Type {
		case EventSendToConnection:
			if ev.Message != nil {
				deliverLocal(ev.ConnectionID, *ev.Message)
			}
		case EventBroadcastToRoom:
			if ev.Message == nil {
				continue
			}
			members, err := adapter.RoomConnections(context.Background(), ev.Room)
			if err != nil {
				continue
			}
			for _, id := range members {
				if ev.ExcludeConnection != "" && id == ev.ExcludeConnection {
					continue
				}
				deliverLocal(id, *ev.Message)
			}
		}
	}
}

// GetAdapter returns the installed fan-out adapter.
func GetAdapter() (Adapter, error) {
	adapter, ok := store.Get[Adapter](store.KeyWebSocketAdapter)
	if !ok {
		return nil, errors.Config("websocket adapter not initialized")
	}
	return adapter, nil
}
