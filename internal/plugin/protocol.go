package plugin

import (
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/AssetsArt/nylon/internal/errors"
)

// ProtocolVersion is the wire version both carriers speak.
const ProtocolVersion uint16 = 1

// ResponseAction is the plugin's verdict for one exchange.
type ResponseAction string

const (
	ActionNext  ResponseAction = "next"
	ActionEnd   ResponseAction = "end"
	ActionError ResponseAction = "error"
)

// Request is an outbound invocation to a plugin worker.
type Request struct {
	Version   uint16            `msgpack:"version"`
	RequestID string            `msgpack:"request_id"`
	SessionID uint32            `msgpack:"session_id"`
	Phase     uint8             `msgpack:"phase"`
	Method    uint32            `msgpack:"method"`
	Data      []byte            `msgpack:"data"`
	Timestamp uint64            `msgpack:"timestamp"`
	Headers   map[string]string `msgpack:"headers,omitempty"`
}

// Response is the plugin worker's reply.
type Response struct {
	Version   uint16            `msgpack:"version"`
	RequestID string            `msgpack:"request_id"`
	SessionID uint32            `msgpack:"session_id"`
	Method    *uint32           `msgpack:"method,omitempty"`
	Action    ResponseAction    `msgpack:"action"`
	Data      []byte            `msgpack:"data"`
	Error     string            `msgpack:"error,omitempty"`
	Headers   map[string]string `msgpack:"headers,omitempty"`
}

// NewRequestID mints a time-ordered request id (UUIDv7).
func NewRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NowUnixMillis stamps outbound requests.
func NowUnixMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// EncodeRequest serializes a request to MessagePack.
func EncodeRequest(req *Request) ([]byte, error) {
	data, err := msgpack.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindProtocol, "encode plugin request", err)
	}
	return data, nil
}

// DecodeRequest deserializes a MessagePack request.
func DecodeRequest(data []byte) (*Request, error) {
	req := &Request{}
	if err := msgpack.Unmarshal(data, req); err != nil {
		return nil, errors.Wrap(errors.KindProtocol, "decode plugin request", err)
	}
	return req, nil
}

// EncodeResponse serializes a response to MessagePack.
func EncodeResponse(resp *Response) ([]byte, error) {
	data, err := msgpack.Marshal(resp)
	if err != nil {
		return nil, errors.Wrap(errors.KindProtocol, "encode plugin response", err)
	}
	return data, nil
}

// DecodeResponse deserializes a MessagePack response.
func DecodeResponse(data []byte) (*Response, error) {
	resp := &Response{}
	if err := msgpack.Unmarshal(data, resp); err != nil {
		return nil, errors.Wrap(errors.KindProtocol, "decode plugin response", err)
	}
	return resp, nil
}
