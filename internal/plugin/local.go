package plugin

import (
	"context"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"go.uber.org/zap"

	"github.com/AssetsArt/nylon/internal/errors"
	"github.com/AssetsArt/nylon/internal/logging"
)

// FfiPlugin is one loaded shared library with its five resolved symbols.
// Symbols are resolved eagerly at load time and live for the process.
type FfiPlugin struct {
	file string

	initialize      func(configPtr *byte, configLen uint64)
	registerSession func(sessionID uint32, entryPtr *byte, entryLen int32, callback uintptr) bool
	eventStream     func(sessionID uint32, method uint32, dataPtr *byte, dataLen int32)
	closeSession    func(sessionID uint32)
	pluginFree      func(ptr *byte)
}

// sessionInbox is the channel a plugin's callback demultiplexes into.
type sessionInbox chan Invoke

var (
	libMu sync.Mutex
	libs  = make(map[string]*FfiPlugin)

	// activeSessions routes callback events to the owning session. One
	// process-wide lock: it is held only to insert/remove/lookup.
	sessionMu      sync.Mutex
	activeSessions = make(map[uint32]sessionInbox)

	// eventCallback is the single C-ABI callback shared by every session;
	// the session id disambiguates.
	eventCallback     uintptr
	eventCallbackOnce sync.Once
)

func ffiEventCallback(sessionID uint32, method uint32, dataPtr uintptr, dataLen int32) uintptr {
	var data []byte
	if dataLen > 0 && dataPtr != 0 {
		src := unsafe.Slice((*byte)(unsafe.Pointer(dataPtr)), int(dataLen))
		data = make([]byte, dataLen)
		copy(data, src)
	}

	sessionMu.Lock()
	inbox, ok := activeSessions[sessionID]
	sessionMu.Unlock()
	if !ok {
		logging.Warn("ffi event for unknown session", zap.Uint32("session_id", sessionID))
		return 0
	}
	inbox <- Invoke{Method: method, Data: data}
	return 0
}

func callbackPtr() uintptr {
	eventCallbackOnce.Do(func() {
		eventCallback = purego.NewCallback(ffiEventCallback)
	})
	return eventCallback
}

// LoadLibrary opens a shared library (cached by path) and resolves the
// plugin symbol set. A missing symbol fails the load.
func LoadLibrary(file string, pluginConfig []byte) (*FfiPlugin, error) {
	libMu.Lock()
	defer libMu.Unlock()

	if lib, ok := libs[file]; ok {
		return lib, nil
	}

	handle, err := purego.Dlopen(file, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, errors.Wrap(errors.KindConfig, "load shared library "+file, err)
	}

	lib := &FfiPlugin{file: file}
	for _, sym := range []struct {
		name   string
		target any
	}{
		{SymInitialize, &lib.initialize},
		{SymRegisterSession, &lib.registerSession},
		{SymEventStream, &lib.eventStream},
		{SymCloseSession, &lib.closeSession},
		{SymPluginFree, &lib.pluginFree},
	} {
		if _, err := purego.Dlsym(handle, sym.name); err != nil {
			return nil, errors.Newf(errors.KindConfig, "plugin %s: missing symbol %s", file, sym.name)
		}
		purego.RegisterLibFunc(sym.target, handle, sym.name)
	}

	var configPtr *byte
	if len(pluginConfig) > 0 {
		configPtr = &pluginConfig[0]
	}
	lib.initialize(configPtr, uint64(len(pluginConfig)))

	libs[file] = lib
	return lib, nil
}

// LocalTransport is a live session on the local-stream carrier.
type LocalTransport struct {
	plugin    *FfiPlugin
	sessionID uint32
	inbox     sessionInbox

	closeOnce sync.Once
}

// OpenLocal registers the inbound channel for the caller-supplied session
// id and opens the stream against the plugin's entry point.
func OpenLocal(lib *FfiPlugin, sessionID uint32, entry string) (*LocalTransport, error) {
	inbox := make(sessionInbox, 64)

	sessionMu.Lock()
	activeSessions[sessionID] = inbox
	sessionMu.Unlock()

	entryBytes := []byte(entry)
	var entryPtr *byte
	if len(entryBytes) > 0 {
		entryPtr = &entryBytes[0]
	}
	if !lib.registerSession(sessionID, entryPtr, int32(len(entryBytes)), callbackPtr()) {
		sessionMu.Lock()
		delete(activeSessions, sessionID)
		sessionMu.Unlock()
		return nil, errors.Newf(errors.KindInternal, "plugin %s: failed to register session %d", lib.file, sessionID)
	}

	return &LocalTransport{plugin: lib, sessionID: sessionID, inbox: inbox}, nil
}

// SessionID returns the carrier session id.
func (t *LocalTransport) SessionID() uint32 { return t.sessionID }

// SendEvent forwards a message to the plugin synchronously; replies
// arrive asynchronously through the callback channel.
func (t *LocalTransport) SendEvent(_ Phase, method uint32, data []byte) error {
	var ptr *byte
	if len(data) > 0 {
		ptr = &data[0]
	}
	t.plugin.eventStream(t.sessionID, method, ptr, int32(len(data)))
	return nil
}

// Recv blocks for the next plugin invocation or context expiry.
func (t *LocalTransport) Recv(ctx context.Context) (Invoke, error) {
	select {
	case inv := <-t.inbox:
		return inv, nil
	case <-ctx.Done():
		return Invoke{}, ctx.Err()
	}
}

// Close tears down the stream and drains the session's inbound queue so
// the id can be reused.
func (t *LocalTransport) Close() error {
	t.closeOnce.Do(func() {
		t.plugin.closeSession(t.sessionID)
		sessionMu.Lock()
		delete(activeSessions, t.sessionID)
		sessionMu.Unlock()
		for {
			select {
			case <-t.inbox:
			default:
				return
			}
		}
	})
	return nil
}
