package proxy

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/AssetsArt/nylon/internal/backend"
	"github.com/AssetsArt/nylon/internal/config"
	"github.com/AssetsArt/nylon/internal/errors"
	"github.com/AssetsArt/nylon/internal/logging"
	"github.com/AssetsArt/nylon/internal/metrics"
	"github.com/AssetsArt/nylon/internal/plugin"
	"github.com/AssetsArt/nylon/internal/route"
	"github.com/AssetsArt/nylon/internal/static"
	"github.com/AssetsArt/nylon/internal/store"
)

// Handler bridges the HTTP server callbacks to the pipeline executor.
type Handler struct {
	transport *http.Transport
}

// NewHandler creates the proxy glue. keepalivePool sizes the upstream
// connection pool per host.
func NewHandler(keepalivePool int) *Handler {
	if keepalivePool <= 0 {
		keepalivePool = 64
	}
	return &Handler{
		transport: &http.Transport{
			MaxIdleConns:        keepalivePool * 4,
			MaxIdleConnsPerHost: keepalivePool,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   false,
		},
	}
}

// ServeHTTP runs the full request lifecycle: route match, phase 1,
// service dispatch, phases 2-3 around the response, phase 4 logging.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := NewContext(r)
	ex := NewExchange(w, r)

	h.serve(ctx, ex)

	// Phase 4 is best-effort: errors never affect the client.
	if err := RunPhase(ctx, ex, plugin.PhaseLogging); err != nil {
		logging.Debug("logging phase error", zap.Error(err))
	}
	h.accessLog(ctx, ex)
}

func (h *Handler) serve(ctx *Context, ex *Exchange) {
	table, err := route.ActiveTable()
	if err != nil {
		h.writeError(ctx, ex, err)
		return
	}

	rt, params, err := table.FindRoute(route.InfoFromRequest(ex.R))
	if err != nil {
		h.writeError(ctx, ex, err)
		return
	}
	ctx.Route = rt
	ctx.RouteParams = params

	// A TLS-only route redirects plain traffic before any middleware.
	if rt.TLS != nil && rt.TLS.Enabled && rt.TLS.Redirect != "" && ex.R.TLS == nil {
		target := "https://" + ex.R.Host + ex.R.URL.RequestURI()
		http.Redirect(ex.W, ex.R, target, http.StatusMovedPermanently)
		ex.headerWritten = true
		return
	}

	if err := RunPhase(ctx, ex, plugin.PhaseRequestFilter); err != nil {
		h.writeError(ctx, ex, err)
		return
	}
	if ctx.ended || ex.Hijacked() {
		h.finish(ctx, ex)
		return
	}

	switch rt.ServiceType {
	case config.ServiceHTTP:
		h.proxyHTTP(ctx, ex)
	case config.ServiceStatic:
		h.serveStatic(ctx, ex)
	case config.ServicePlugin:
		h.servePlugin(ctx, ex)
	default:
		h.writeError(ctx, ex, errors.Internal("unknown service type %q", rt.ServiceType))
	}
}

// proxyHTTP selects an upstream and forwards the request, running the
// response phases as data arrives.
func (h *Handler) proxyHTTP(ctx *Context, ex *Exchange) {
	svc, err := backend.Get(ctx.Route.Service)
	if err != nil {
		h.writeError(ctx, ex, err)
		return
	}
	be, err := svc.Select(backend.SelectionKey(svc.Algorithm, ctx.ClientIP))
	if err != nil {
		metrics.UpstreamSelectFailures.Inc()
		h.writeError(ctx, ex, err)
		return
	}

	outReq, err := h.buildUpstreamRequest(ctx, ex, be.Addr)
	if err != nil {
		h.writeError(ctx, ex, err)
		return
	}

	resp, rerr := h.transport.RoundTrip(outReq)
	if rerr != nil {
		h.writeError(ctx, ex, errors.Wrap(errors.KindUpstream, "upstream "+be.Addr, rerr))
		return
	}
	defer resp.Body.Close()

	// Phase 2 runs when response headers arrive from upstream.
	if err := RunPhase(ctx, ex, plugin.PhaseResponseFilter); err != nil {
		h.writeError(ctx, ex, err)
		return
	}
	if ctx.ended {
		h.finish(ctx, ex)
		return
	}

	header := ex.W.Header()
	for name, values := range resp.Header {
		for _, value := range values {
			header.Add(name, value)
		}
	}
	for name, value := range ctx.AddResponseHeaders {
		header.Set(name, value)
	}
	for _, name := range ctx.RemoveResponseHeaders {
		header.Del(name)
	}

	status := resp.StatusCode
	if ctx.statusSet() {
		status = int(ctx.ResponseStatus)
	}

	// A full-body override replaces the upstream body outright.
	if ctx.ResponseBody != nil {
		header.Set("Content-Length", strconv.Itoa(len(ctx.ResponseBody)))
		ex.W.WriteHeader(status)
		ex.headerWritten = true
		ex.W.Write(ctx.ResponseBody)
		return
	}

	ex.W.WriteHeader(status)
	ex.headerWritten = true
	h.streamBody(ctx, ex, resp.Body)
}

// streamBody copies the upstream body downstream, running the body
// filter phase per chunk when the chain has plugin middleware.
func (h *Handler) streamBody(ctx *Context, ex *Exchange, body io.Reader) {
	filtered := hasPluginMiddleware(ctx)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if filtered {
				out, done, ferr := h.filterChunk(ctx, ex, chunk)
				if ferr != nil {
					logging.Warn("response body filter error", zap.Error(ferr))
					return
				}
				if len(out) > 0 {
					if _, werr := ex.W.Write(out); werr != nil {
						return
					}
				}
				if done {
					return
				}
			} else if _, werr := ex.W.Write(chunk); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// filterChunk runs phase 3 over one body chunk. Plugins observe the
// chunk and may replace or drop it; END drops the rest of the stream.
func (h *Handler) filterChunk(ctx *Context, ex *Exchange, chunk []byte) ([]byte, bool, error) {
	ctx.ResponseBody = chunk
	ctx.chunkReplaced = false
	ctx.chunkReplacement = nil

	if err := RunPhase(ctx, ex, plugin.PhaseResponseBodyFilter); err != nil {
		return nil, true, err
	}

	out := ctx.ResponseBody
	if ctx.chunkReplaced {
		out = ctx.chunkReplacement
	}
	ctx.ResponseBody = nil
	return out, ctx.ended, nil
}

func hasPluginMiddleware(ctx *Context) bool {
	for _, item := range ctx.Route.Middleware() {
		if item.Plugin != "" && !isBuiltin(item.Plugin) {
			return true
		}
	}
	return false
}

func (h *Handler) buildUpstreamRequest(ctx *Context, ex *Exchange, addr string) (*http.Request, error) {
	r := ex.R
	outURL := *r.URL
	outURL.Scheme = "http"
	outURL.Host = addr
	outURL.Path = rewritePath(ctx, r.URL.Path)

	var body io.Reader = r.Body
	if ctx.ReadBodyLatched {
		body = bytes.NewReader(ctx.RequestBody)
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, outURL.String(), body)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "build upstream request", err)
	}

	for name, values := range r.Header {
		outReq.Header[name] = values
	}
	removeHopHeaders(outReq.Header)
	if ctx.ReadBodyLatched {
		outReq.ContentLength = int64(len(ctx.RequestBody))
	} else {
		outReq.ContentLength = r.ContentLength
	}

	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		outReq.Header.Set("X-Forwarded-For", prior+", "+ctx.ClientIP)
	} else {
		outReq.Header.Set("X-Forwarded-For", ctx.ClientIP)
	}
	outReq.Host = r.Host
	return outReq, nil
}

// rewritePath applies the route's rewrite: the configured prefix replaces
// the matched portion, with any trailing capture appended.
func rewritePath(ctx *Context, original string) string {
	if ctx.Route.Rewrite == "" {
		return original
	}
	if rest, ok := ctx.RouteParams["rest"]; ok && rest != "" {
		return singleJoinSlash(ctx.Route.Rewrite, rest)
	}
	return ctx.Route.Rewrite
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, name := range hopHeaders {
		header.Del(name)
	}
}

// singleJoinSlash joins two path segments with exactly one slash.
func singleJoinSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// serveStatic serves the route's static service.
func (h *Handler) serveStatic(ctx *Context, ex *Exchange) {
	item, err := serviceItem(ctx.Route.Service)
	if err != nil || item.Static == nil {
		h.writeError(ctx, ex, errors.ServiceNotFound(ctx.Route.Service))
		return
	}
	for name, value := range ctx.AddResponseHeaders {
		ex.W.Header().Set(name, value)
	}
	static.NewHandler(item.Static).ServeHTTP(ex.W, ex.R)
	ex.headerWritten = true
}

// servePlugin runs the route's plugin service as the responder.
func (h *Handler) servePlugin(ctx *Context, ex *Exchange) {
	item, err := serviceItem(ctx.Route.Service)
	if err != nil || item.Plugin == nil {
		h.writeError(ctx, ex, errors.ServiceNotFound(ctx.Route.Service))
		return
	}

	payload, err := route.MarshalPayload(item.Plugin.Payload)
	if err != nil {
		h.writeError(ctx, ex, errors.Wrap(errors.KindConfig, "plugin service payload", err))
		return
	}
	mw := route.Middleware{
		Plugin:  item.Plugin.Name,
		Entry:   item.Plugin.Entry,
		Payload: payload,
	}
	ended, err := runWithPolicy(ctx, ex, &mw, plugin.PhaseRequestFilter)
	if err != nil {
		h.writeError(ctx, ex, err)
		return
	}
	if ended {
		ctx.ended = true
	}
	h.finish(ctx, ex)
}

// serviceItem reads the declared service config from the store.
func serviceItem(name string) (*config.ServiceItem, error) {
	services, ok := store.Get[map[string]*config.ServiceItem](store.KeyServices)
	if !ok {
		return nil, errors.ServiceNotFound(name)
	}
	item, ok := services[name]
	if !ok {
		return nil, errors.ServiceNotFound(name)
	}
	return item, nil
}

// finish flushes the response a plugin constructed from the accumulated
// overrides, unless the stream was already taken over.
func (h *Handler) finish(ctx *Context, ex *Exchange) {
	if ex.Hijacked() || ex.HeaderWritten() {
		return
	}
	header := ex.W.Header()
	for name, value := range ctx.AddResponseHeaders {
		header.Set(name, value)
	}
	for _, name := range ctx.RemoveResponseHeaders {
		header.Del(name)
	}
	status := int(ctx.ResponseStatus)
	if status == 0 {
		status = http.StatusOK
	}
	if ctx.ResponseBody != nil {
		header.Set("Content-Length", strconv.Itoa(len(ctx.ResponseBody)))
	}
	ex.W.WriteHeader(status)
	ex.headerWritten = true
	if ctx.ResponseBody != nil {
		ex.W.Write(ctx.ResponseBody)
	}
}

// writeError maps an error onto the client response and logs it.
func (h *Handler) writeError(ctx *Context, ex *Exchange, err error) {
	ne, ok := errors.AsNylon(err)
	if !ok {
		ne = errors.Wrap(errors.KindInternal, "request failed", err)
	}

	if ne.Kind == errors.KindRouteNotFound {
		metrics.RouteMisses.Inc()
		logging.Debug("route not found", zap.String("message", ne.Message))
	} else {
		logging.Error("request error",
			zap.String("request_id", ctx.RequestID),
			zap.String("kind", ne.Kind.String()),
			zap.Error(ne))
	}

	if ex.Hijacked() || ex.HeaderWritten() {
		return
	}
	ne.WriteJSON(ex.W)
	ex.headerWritten = true
}

func (h *Handler) accessLog(ctx *Context, ex *Exchange) {
	metrics.RequestsTotal.Inc()
	fields := []zap.Field{
		zap.String("request_id", ctx.RequestID),
		zap.String("client_ip", ctx.ClientIP),
		zap.String("method", ex.R.Method),
		zap.String("path", ex.R.URL.Path),
		zap.Duration("duration", time.Since(ctx.StartTime)),
	}
	if ctx.Route != nil {
		fields = append(fields, zap.String("service", ctx.Route.Service))
	}
	logging.Info("request", fields...)
}
