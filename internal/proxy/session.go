package proxy

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/AssetsArt/nylon/internal/errors"
	"github.com/AssetsArt/nylon/internal/logging"
	"github.com/AssetsArt/nylon/internal/plugin"
	"github.com/AssetsArt/nylon/internal/plugin/fb"
	"github.com/AssetsArt/nylon/internal/template"
	"github.com/AssetsArt/nylon/internal/websocket"
)

// Result is the session handler's verdict after a control method.
type Result struct {
	// HTTPEnd short-circuits the pipeline: remaining phases up to
	// logging are skipped and the accumulated overrides become the
	// response.
	HTTPEnd bool
	// StreamEnd marks the downstream stream as finished.
	StreamEnd bool
}

// sessionEnv is everything one plugin exchange operates on.
type sessionEnv struct {
	ctx        *Context
	ex         *Exchange
	transport  plugin.Transport
	phase      plugin.Phase
	payload    []byte
	payloadAST template.PayloadAST
}

// ComputeAcceptKey derives the Sec-WebSocket-Accept value for a
// handshake key per RFC 6455.
func ComputeAcceptKey(key string) string {
	h := sha1.Sum([]byte(key + websocket.GUID))
	return base64.StdEncoding.EncodeToString(h[:])
}

// buildFrame assembles a client-bound WebSocket frame: FIN=1, unmasked,
// payload length in the standard three-case encoding.
func buildFrame(opcode byte, payload []byte) []byte {
	frame := make([]byte, 0, 10+len(payload))
	frame = append(frame, 0x80|(opcode&0x0F))
	switch n := len(payload); {
	case n <= 125:
		frame = append(frame, byte(n))
	case n <= 65535:
		frame = append(frame, 126)
		frame = binary.BigEndian.AppendUint16(frame, uint16(n))
	default:
		frame = append(frame, 127)
		frame = binary.BigEndian.AppendUint64(frame, uint64(n))
	}
	return append(frame, payload...)
}

// processMethod applies one plugin invocation to the request state.
// Methods in the read family reply on the same session with the method
// echoed. A non-nil Result terminates the phase loop.
func processMethod(env *sessionEnv, inv plugin.Invoke) (*Result, error) {
	ctx, ex := env.ctx, env.ex

	switch inv.Method {
	case plugin.MethodNext:
		return &Result{}, nil
	case plugin.MethodEnd:
		return &Result{HTTPEnd: true}, nil

	case plugin.MethodGetPayload:
		payload := env.payload
		if len(payload) > 0 && env.payloadAST != nil {
			payload = template.ApplyPayloadAST(payload, env.payloadAST, ctx.TemplateContext(ex.R))
		}
		return nil, env.transport.SendEvent(env.phase, plugin.MethodGetPayload, payload)

	case plugin.MethodSetResponseHeader:
		name, value := fb.ReadHeaderKeyValue(inv.Data)
		ctx.AddResponseHeaders[name] = value
		return nil, nil

	case plugin.MethodRemoveResponseHeader:
		ctx.RemoveResponseHeaders = append(ctx.RemoveResponseHeaders, string(inv.Data))
		return nil, nil

	case plugin.MethodSetResponseStatus:
		if len(inv.Data) >= 2 {
			ctx.SetResponseStatus(binary.BigEndian.Uint16(inv.Data[:2]))
		}
		return nil, nil

	case plugin.MethodSetResponseFullBody:
		ctx.ResponseBody = inv.Data
		return nil, nil

	case plugin.MethodSetResponseStreamHead:
		ex.WriteStreamHeader(int(ctx.ResponseStatus), ctx.AddResponseHeaders, ctx.RemoveResponseHeaders)
		ctx.streamStarted = true
		return nil, nil

	case plugin.MethodSetResponseStreamData:
		if env.phase == plugin.PhaseResponseBodyFilter {
			ctx.chunkReplacement = inv.Data
			ctx.chunkReplaced = true
			return nil, nil
		}
		return nil, ex.WriteStreamData(inv.Data)

	case plugin.MethodSetResponseStreamEnd:
		return &Result{StreamEnd: true}, nil

	case plugin.MethodReadResponseFullBody:
		return nil, env.transport.SendEvent(env.phase, plugin.MethodReadResponseFullBody, ctx.ResponseBody)

	case plugin.MethodReadRequestFullBody:
		if err := drainRequestBody(ctx, ex); err != nil {
			return nil, err
		}
		return nil, env.transport.SendEvent(env.phase, plugin.MethodReadRequestFullBody, ctx.RequestBody)

	case plugin.MethodReadRequestHeader:
		if len(inv.Data) == 0 {
			return nil, env.transport.SendEvent(env.phase, plugin.MethodReadRequestHeader, nil)
		}
		value := ex.R.Header.Get(string(inv.Data))
		return nil, env.transport.SendEvent(env.phase, plugin.MethodReadRequestHeader, []byte(value))

	case plugin.MethodReadRequestHeaders:
		pairs := make([][2]string, 0, len(ex.R.Header))
		for name, values := range ex.R.Header {
			for _, value := range values {
				pairs = append(pairs, [2]string{strings.ToLower(name), value})
			}
		}
		return nil, env.transport.SendEvent(env.phase, plugin.MethodReadRequestHeaders, fb.BuildHeaders(pairs))

	case plugin.MethodReadRequestURL:
		return nil, env.transport.SendEvent(env.phase, plugin.MethodReadRequestURL, []byte(ex.R.URL.String()))
	case plugin.MethodReadRequestPath:
		return nil, env.transport.SendEvent(env.phase, plugin.MethodReadRequestPath, []byte(ex.R.URL.Path))
	case plugin.MethodReadRequestQuery:
		return nil, env.transport.SendEvent(env.phase, plugin.MethodReadRequestQuery, []byte(ex.R.URL.RawQuery))
	case plugin.MethodReadRequestParams:
		params, err := json.Marshal(env.ctx.RouteParams)
		if err != nil {
			return nil, errors.Wrap(errors.KindInternal, "encode route params", err)
		}
		return nil, env.transport.SendEvent(env.phase, plugin.MethodReadRequestParams, params)
	case plugin.MethodReadRequestHost:
		return nil, env.transport.SendEvent(env.phase, plugin.MethodReadRequestHost, []byte(ex.R.Host))
	case plugin.MethodReadRequestClientIP:
		return nil, env.transport.SendEvent(env.phase, plugin.MethodReadRequestClientIP, []byte(ctx.ClientIP))
	case plugin.MethodReadRequestMethod:
		return nil, env.transport.SendEvent(env.phase, plugin.MethodReadRequestMethod, []byte(ex.R.Method))

	case plugin.MethodWebSocketUpgrade:
		return handleWebSocketUpgrade(env)
	case plugin.MethodWebSocketSendText:
		return nil, ex.WriteRaw(buildFrame(0x1, inv.Data))
	case plugin.MethodWebSocketSendBinary:
		return nil, ex.WriteRaw(buildFrame(0x2, inv.Data))
	case plugin.MethodWebSocketClose:
		return handleWebSocketClose(env)
	case plugin.MethodWebSocketJoinRoom:
		return nil, wsRoomOp(ctx, inv.Data, true)
	case plugin.MethodWebSocketLeaveRoom:
		return nil, wsRoomOp(ctx, inv.Data, false)
	case plugin.MethodWebSocketBroadcastText:
		return nil, wsBroadcast(ctx, inv.Data, websocket.MessageText)
	case plugin.MethodWebSocketBroadcastBinary:
		return nil, wsBroadcast(ctx, inv.Data, websocket.MessageBinary)
	}

	return nil, errors.Internal("invalid plugin method: %d", inv.Method)
}

// drainRequestBody buffers the request body once; subsequent calls reuse
// the cached bytes.
func drainRequestBody(ctx *Context, ex *Exchange) error {
	if ctx.ReadBodyLatched || ex.R.Body == nil {
		return nil
	}
	ctx.ReadBodyLatched = true
	body, err := io.ReadAll(ex.R.Body)
	if err != nil {
		return errors.Wrap(errors.KindUpstream, "read request body", err)
	}
	ctx.RequestBody = body
	return nil
}

func handleWebSocketUpgrade(env *sessionEnv) (*Result, error) {
	ctx, ex := env.ctx, env.ex

	key := ex.R.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		ex.WriteStreamHeader(400, map[string]string{"Content-Type": "text/plain"}, nil)
		if err := ex.WriteStreamData([]byte("Missing Sec-WebSocket-Key")); err != nil {
			return nil, err
		}
		return &Result{HTTPEnd: true}, nil
	}

	if err := ex.Hijack(); err != nil {
		return nil, err
	}
	if err := ex.WriteSwitchingProtocols(ComputeAcceptKey(key)); err != nil {
		return nil, err
	}
	ctx.hijacked = true

	// Register the connection with the fan-out layer and start the pump
	// that delivers cluster messages to this socket.
	if adapter, err := websocket.GetAdapter(); err == nil {
		var sessionID uint32
		if t, ok := env.transport.(interface{ SessionID() uint32 }); ok {
			sessionID = t.SessionID()
		}
		conn := websocket.Connection{
			ID:          ctx.RequestID,
			SessionID:   sessionID,
			NodeID:      adapter.NodeID(),
			ConnectedAt: uint64(ctx.StartTime.Unix()),
			Metadata:    map[string]string{"client_ip": ctx.ClientIP},
		}
		if err := adapter.AddConnection(context.Background(), conn); err != nil {
			logging.Warn("websocket add connection failed", zap.Error(err))
		} else {
			ctx.wsConnID = conn.ID
			pump := make(chan websocket.Message, 64)
			websocket.RegisterLocalSender(conn.ID, pump)
			go pumpMessages(ex, pump)
		}
	}

	return nil, env.transport.SendEvent(env.phase, plugin.MethodWebSocketOnOpen, nil)
}

// pumpMessages forwards fan-out messages to the hijacked socket.
func pumpMessages(ex *Exchange, pump <-chan websocket.Message) {
	for msg := range pump {
		var frame []byte
		switch msg.Type {
		case websocket.MessageText:
			frame = buildFrame(0x1, []byte(msg.Text))
		case websocket.MessageBinary:
			frame = buildFrame(0x2, msg.Data)
		case websocket.MessageClose:
			frame = buildFrame(0x8, nil)
		default:
			continue
		}
		if err := ex.WriteRaw(frame); err != nil {
			return
		}
	}
}

func handleWebSocketClose(env *sessionEnv) (*Result, error) {
	ctx, ex := env.ctx, env.ex

	if err := ex.WriteRaw(buildFrame(0x8, nil)); err != nil {
		logging.Debug("websocket close frame write failed", zap.Error(err))
	}
	if ctx.wsConnID != "" {
		websocket.UnregisterLocalSender(ctx.wsConnID)
		if adapter, err := websocket.GetAdapter(); err == nil {
			_ = adapter.RemoveConnection(context.Background(), ctx.wsConnID)
		}
		ctx.wsConnID = ""
	}
	if err := env.transport.SendEvent(env.phase, plugin.MethodWebSocketOnClose, nil); err != nil {
		logging.Debug("websocket on_close event failed", zap.Error(err))
	}
	ex.CloseRaw()
	return &Result{StreamEnd: true}, nil
}

func wsRoomOp(ctx *Context, room []byte, join bool) error {
	if ctx.wsConnID == "" {
		return errors.Internal("websocket room op before upgrade")
	}
	adapter, err := websocket.GetAdapter()
	if err != nil {
		return err
	}
	if join {
		return adapter.JoinRoom(context.Background(), ctx.wsConnID, string(room))
	}
	return adapter.LeaveRoom(context.Background(), ctx.wsConnID, string(room))
}

// wsBroadcast fans a message out to a room. The wire format is
// "<room>\n<payload>".
func wsBroadcast(ctx *Context, data []byte, kind websocket.MessageType) error {
	adapter, err := websocket.GetAdapter()
	if err != nil {
		return err
	}
	idx := -1
	for i, b := range data {
		if b == '\n' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errors.Internal("broadcast payload missing room separator")
	}
	room := string(data[:idx])
	payload := data[idx+1:]

	msg := websocket.Message{Type: kind}
	if kind == websocket.MessageText {
		msg.Text = string(payload)
	} else {
		msg.Data = payload
	}
	return adapter.BroadcastToRoom(context.Background(), room, msg, ctx.wsConnID)
}
