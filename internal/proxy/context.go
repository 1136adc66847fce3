package proxy

import (
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/AssetsArt/nylon/internal/route"
	"github.com/AssetsArt/nylon/internal/template"
)

// Context is the per-request state: created on ingress, owned exclusively
// by the request task, dropped on response completion. Plugin callbacks
// never touch it directly; their methods are applied by the owning task.
type Context struct {
	RequestID string
	ClientIP  string

	Route       *route.Route
	RouteParams map[string]string

	// PluginStore is opaque state a plugin stashes across phases.
	PluginStore []byte

	// RequestBody buffers the drained request body; ReadBodyLatched
	// prevents a double drain.
	RequestBody     []byte
	ReadBodyLatched bool

	// Response overrides accumulated by plugins; applied before the
	// first byte reaches the client.
	ResponseStatus        uint16
	statusOverridden      bool
	ResponseBody          []byte
	AddResponseHeaders    map[string]string
	RemoveResponseHeaders []string

	// SessionIDs caches the session id per "plugin-entry" so later
	// phases reuse the same session.
	SessionIDs map[string]uint32

	// chunkReplacement carries a body-filter rewrite for the chunk
	// currently in flight (phase 3 only).
	chunkReplacement []byte
	chunkReplaced    bool

	StartTime time.Time

	ended         bool
	streamStarted bool
	hijacked      bool
	wsConnID      string
}

// NewContext fills client identity from the incoming request.
func NewContext(r *http.Request) *Context {
	clientIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		clientIP = host
	}
	requestID := ""
	if id, err := uuid.NewV7(); err == nil {
		requestID = id.String()
	} else {
		requestID = uuid.NewString()
	}
	return &Context{
		RequestID:          requestID,
		ClientIP:           clientIP,
		AddResponseHeaders: make(map[string]string),
		SessionIDs:         make(map[string]uint32),
		ResponseStatus:     200,
		StartTime:          time.Now(),
	}
}

// TemplateContext exposes this request to the payload template engine.
func (c *Context) TemplateContext(r *http.Request) *template.Context {
	return &template.Context{
		ClientIP:  c.ClientIP,
		RequestID: c.RequestID,
		Header:    r.Header.Get,
	}
}

// Ended reports whether a plugin halted the pipeline with END.
func (c *Context) Ended() bool { return c.ended }

// SetResponseStatus records a plugin status override.
func (c *Context) SetResponseStatus(status uint16) {
	c.ResponseStatus = status
	c.statusOverridden = true
}

func (c *Context) statusSet() bool { return c.statusOverridden }
