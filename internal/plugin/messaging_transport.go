package plugin

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/AssetsArt/nylon/internal/logging"
)

// MessagingTransport is a plugin session carried over the request/reply
// bus. Every SendEvent is one bus exchange; the reply is decoded into
// the next inbound invocation.
type MessagingTransport struct {
	plugin    *MessagingPlugin
	phase     Phase
	sessionID uint32
	timeout   time.Duration

	pending []Invoke
	// seen deduplicates inbound request ids within this session
	// (idempotence under at-least-once delivery).
	seen map[string]bool
}

// OpenMessaging starts a session on the messaging carrier.
func OpenMessaging(p *MessagingPlugin, sessionID uint32, phase Phase) *MessagingTransport {
	policy := p.PhasePolicy(phase)
	return &MessagingTransport{
		plugin:    p,
		phase:     phase,
		sessionID: sessionID,
		timeout:   policy.Timeout,
		seen:      make(map[string]bool),
	}
}

// SessionID returns the carrier session id.
func (t *MessagingTransport) SessionID() uint32 { return t.sessionID }

// SendEvent performs one request/reply exchange and queues the decoded
// reply as the next invocation.
func (t *MessagingTransport) SendEvent(phase Phase, method uint32, data []byte) error {
	client, merr := t.plugin.Client()
	if merr != nil {
		return merr
	}

	requestID := NewRequestID()
	req := &Request{
		Version:   ProtocolVersion,
		RequestID: requestID,
		SessionID: t.sessionID,
		Phase:     uint8(phase),
		Method:    method,
		Data:      data,
		Timestamp: NowUnixMillis(),
	}
	payload, err := EncodeRequest(req)
	if err != nil {
		return err
	}

	replyBytes, merr := client.Request(context.Background(), t.plugin.Subject(phase), payload, nil, t.timeout)
	if merr != nil {
		return merr
	}

	resp, err := DecodeResponse(replyBytes)
	if err != nil {
		return err
	}

	if resp.Version != ProtocolVersion {
		logging.Warn("messaging protocol version mismatch",
			zap.String("plugin", t.plugin.PluginName),
			zap.Uint16("expected", ProtocolVersion),
			zap.Uint16("actual", resp.Version))
	}
	if resp.RequestID != "" && resp.RequestID != requestID {
		logging.Warn("messaging response request_id mismatch",
			zap.String("plugin", t.plugin.PluginName),
			zap.String("expected", requestID),
			zap.String("actual", resp.RequestID))
	}

	inv, derr := t.decode(resp)
	if derr != nil {
		return derr
	}
	t.pending = append(t.pending, inv)
	return nil
}

// decode maps a bus response onto the invocation stream. A response
// whose request id was already seen in this session is dropped to keep
// side effects at-most-once; the session advances instead.
func (t *MessagingTransport) decode(resp *Response) (Invoke, error) {
	if resp.RequestID != "" {
		if t.seen[resp.RequestID] {
			logging.Debug("dropping duplicate messaging invocation",
				zap.String("plugin", t.plugin.PluginName),
				zap.String("request_id", resp.RequestID))
			return Invoke{Method: MethodNext, RequestID: resp.RequestID}, nil
		}
		t.seen[resp.RequestID] = true
	}

	switch resp.Action {
	case ActionEnd:
		return Invoke{Method: MethodEnd, RequestID: resp.RequestID}, nil
	case ActionError:
		message := resp.Error
		if message == "" {
			message = "messaging plugin returned error"
		}
		return Invoke{}, msgErr(MsgErrRequest, message, nil)
	}

	if resp.Method != nil {
		return Invoke{Method: *resp.Method, Data: resp.Data, RequestID: resp.RequestID}, nil
	}
	return Invoke{Method: MethodNext, RequestID: resp.RequestID}, nil
}

// Recv returns the next queued invocation. The messaging carrier is
// strictly request/reply: an empty queue means the last exchange carried
// a write method and nothing further is outstanding, so the session
// advances.
func (t *MessagingTransport) Recv(ctx context.Context) (Invoke, error) {
	if len(t.pending) == 0 {
		return Invoke{Method: MethodNext}, nil
	}
	inv := t.pending[0]
	t.pending = t.pending[1:]
	_ = ctx
	return inv, nil
}

// Close ends the session; the underlying client is shared and stays up.
func (t *MessagingTransport) Close() error {
	t.pending = nil
	return nil
}
