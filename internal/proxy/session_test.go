package proxy

import (
	"bytes"
	"context"
	"encoding/binary"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AssetsArt/nylon/internal/plugin"
	"github.com/AssetsArt/nylon/internal/plugin/fb"
	"github.com/AssetsArt/nylon/internal/template"
)

// fakeTransport records outbound events and serves no inbound queue.
type fakeTransport struct {
	sent []sentEvent
}

type sentEvent struct {
	phase  plugin.Phase
	method uint32
	data   []byte
}

func (f *fakeTransport) SendEvent(phase plugin.Phase, method uint32, data []byte) error {
	f.sent = append(f.sent, sentEvent{phase, method, data})
	return nil
}

func (f *fakeTransport) Recv(ctx context.Context) (plugin.Invoke, error) {
	return plugin.Invoke{Method: plugin.MethodNext}, nil
}

func (f *fakeTransport) Close() error { return nil }

func newEnv(t *testing.T) (*sessionEnv, *fakeTransport) {
	t.Helper()
	r := httptest.NewRequest("GET", "http://example.com/path?q=1", strings.NewReader("request-body"))
	r.Header.Set("X-Tenant", "acme")
	r.RemoteAddr = "10.0.0.1:51000"
	tr := &fakeTransport{}
	env := &sessionEnv{
		ctx:       NewContext(r),
		ex:        NewExchange(httptest.NewRecorder(), r),
		transport: tr,
		phase:     plugin.PhaseRequestFilter,
	}
	return env, tr
}

func TestComputeAcceptKeyRFCVector(t *testing.T) {
	// RFC 6455 section 1.3 sample handshake.
	if got := ComputeAcceptKey("dGhlIHNhbXBsZSBub25jZQ=="); got != "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=" {
		t.Errorf("accept key: got %q", got)
	}
}

func TestBuildFrameLengthEncodings(t *testing.T) {
	// Short payload: 2-byte header.
	frame := buildFrame(0x1, []byte("hi"))
	if frame[0] != 0x81 || frame[1] != 2 || string(frame[2:]) != "hi" {
		t.Errorf("short frame: % x", frame[:4])
	}

	// 126..65535: u16 extended length.
	frame = buildFrame(0x2, make([]byte, 300))
	if frame[0] != 0x82 || frame[1] != 126 || binary.BigEndian.Uint16(frame[2:4]) != 300 {
		t.Errorf("medium frame header: % x", frame[:4])
	}

	// >65535: u64 extended length.
	frame = buildFrame(0x2, make([]byte, 70000))
	if frame[1] != 127 || binary.BigEndian.Uint64(frame[2:10]) != 70000 {
		t.Errorf("large frame header: % x", frame[:10])
	}

	// Close frame, no payload, unmasked FIN=1.
	frame = buildFrame(0x8, nil)
	if frame[0] != 0x88 || frame[1] != 0 {
		t.Errorf("close frame: % x", frame)
	}
}

func TestSetResponseStatusBigEndian(t *testing.T) {
	env, _ := newEnv(t)
	res, err := processMethod(env, plugin.Invoke{
		Method: plugin.MethodSetResponseStatus,
		Data:   []byte{0x01, 0xA2}, // 418
	})
	if err != nil || res != nil {
		t.Fatalf("res=%v err=%v", res, err)
	}
	if env.ctx.ResponseStatus != 418 {
		t.Errorf("status: %d", env.ctx.ResponseStatus)
	}
	if !env.ctx.statusSet() {
		t.Error("status override flag not set")
	}
}

func TestSetAndRemoveResponseHeaders(t *testing.T) {
	env, _ := newEnv(t)

	if _, err := processMethod(env, plugin.Invoke{
		Method: plugin.MethodSetResponseHeader,
		Data:   fb.BuildHeaderKeyValue("x-extra", "yes"),
	}); err != nil {
		t.Fatal(err)
	}
	if env.ctx.AddResponseHeaders["x-extra"] != "yes" {
		t.Errorf("add headers: %v", env.ctx.AddResponseHeaders)
	}

	if _, err := processMethod(env, plugin.Invoke{
		Method: plugin.MethodRemoveResponseHeader,
		Data:   []byte("server"),
	}); err != nil {
		t.Fatal(err)
	}
	if len(env.ctx.RemoveResponseHeaders) != 1 || env.ctx.RemoveResponseHeaders[0] != "server" {
		t.Errorf("remove headers: %v", env.ctx.RemoveResponseHeaders)
	}
}

func TestFullBodyOverride(t *testing.T) {
	env, _ := newEnv(t)
	if _, err := processMethod(env, plugin.Invoke{
		Method: plugin.MethodSetResponseFullBody,
		Data:   []byte("teapot"),
	}); err != nil {
		t.Fatal(err)
	}
	if string(env.ctx.ResponseBody) != "teapot" {
		t.Errorf("body: %q", env.ctx.ResponseBody)
	}
}

func TestControlMethods(t *testing.T) {
	env, _ := newEnv(t)

	res, err := processMethod(env, plugin.Invoke{Method: plugin.MethodNext})
	if err != nil || res == nil || res.HTTPEnd {
		t.Errorf("NEXT: res=%+v err=%v", res, err)
	}

	res, err = processMethod(env, plugin.Invoke{Method: plugin.MethodEnd})
	if err != nil || res == nil || !res.HTTPEnd {
		t.Errorf("END: res=%+v err=%v", res, err)
	}
}

func TestUnknownMethodRejected(t *testing.T) {
	env, _ := newEnv(t)
	if _, err := processMethod(env, plugin.Invoke{Method: 9999}); err == nil {
		t.Error("unknown method should error")
	}
}

func TestReadRequestBodyLatches(t *testing.T) {
	env, tr := newEnv(t)

	if _, err := processMethod(env, plugin.Invoke{Method: plugin.MethodReadRequestFullBody}); err != nil {
		t.Fatal(err)
	}
	if !env.ctx.ReadBodyLatched {
		t.Error("latch not set")
	}
	if string(env.ctx.RequestBody) != "request-body" {
		t.Errorf("body: %q", env.ctx.RequestBody)
	}
	if len(tr.sent) != 1 || tr.sent[0].method != plugin.MethodReadRequestFullBody {
		t.Fatalf("expected body echo, got %+v", tr.sent)
	}

	// Second read returns the cached bytes without re-draining.
	if _, err := processMethod(env, plugin.Invoke{Method: plugin.MethodReadRequestFullBody}); err != nil {
		t.Fatal(err)
	}
	if string(tr.sent[1].data) != "request-body" {
		t.Errorf("cached body echo: %q", tr.sent[1].data)
	}
}

func TestReadRequestHeader(t *testing.T) {
	env, tr := newEnv(t)

	processMethod(env, plugin.Invoke{Method: plugin.MethodReadRequestHeader, Data: []byte("x-tenant")})
	if len(tr.sent) != 1 || string(tr.sent[0].data) != "acme" {
		t.Errorf("header echo: %+v", tr.sent)
	}

	processMethod(env, plugin.Invoke{Method: plugin.MethodReadRequestHeaders})
	pairs := fb.ReadHeaders(tr.sent[1].data)
	found := false
	for _, p := range pairs {
		if p[0] == "x-tenant" && p[1] == "acme" {
			found = true
		}
	}
	if !found {
		t.Errorf("headers list missing x-tenant: %v", pairs)
	}
}

func TestReadRequestIntrospection(t *testing.T) {
	env, tr := newEnv(t)
	env.ctx.RouteParams = map[string]string{"id": "42"}

	methods := []uint32{
		plugin.MethodReadRequestPath,
		plugin.MethodReadRequestQuery,
		plugin.MethodReadRequestHost,
		plugin.MethodReadRequestClientIP,
		plugin.MethodReadRequestMethod,
		plugin.MethodReadRequestParams,
	}
	for _, m := range methods {
		if _, err := processMethod(env, plugin.Invoke{Method: m}); err != nil {
			t.Fatalf("method %d: %v", m, err)
		}
	}

	expects := []string{"/path", "q=1", "example.com", "10.0.0.1", "GET", `{"id":"42"}`}
	for i, want := range expects {
		if got := string(tr.sent[i].data); got != want {
			t.Errorf("method %d: expected %q, got %q", methods[i], want, got)
		}
	}
}

func TestGetPayloadRendersTemplates(t *testing.T) {
	env, tr := newEnv(t)
	payload := []byte(`{"greeting":"hello ${header(x-tenant)}"}`)
	env.payload = payload
	env.payloadAST = template.CompilePayload(payload)

	if _, err := processMethod(env, plugin.Invoke{Method: plugin.MethodGetPayload}); err != nil {
		t.Fatal(err)
	}
	if len(tr.sent) != 1 {
		t.Fatal("expected payload echo")
	}
	if !bytes.Contains(tr.sent[0].data, []byte("hello acme")) {
		t.Errorf("payload not rendered: %s", tr.sent[0].data)
	}
}

func TestChunkReplacementDuringBodyFilter(t *testing.T) {
	env, _ := newEnv(t)
	env.phase = plugin.PhaseResponseBodyFilter

	if _, err := processMethod(env, plugin.Invoke{
		Method: plugin.MethodSetResponseStreamData,
		Data:   []byte("rewritten"),
	}); err != nil {
		t.Fatal(err)
	}
	if !env.ctx.chunkReplaced || string(env.ctx.chunkReplacement) != "rewritten" {
		t.Error("chunk replacement not captured in body filter phase")
	}
}

func TestWebSocketUpgradeMissingKey(t *testing.T) {
	env, _ := newEnv(t)
	res, err := processMethod(env, plugin.Invoke{Method: plugin.MethodWebSocketUpgrade})
	if err != nil {
		t.Fatal(err)
	}
	if res == nil || !res.HTTPEnd {
		t.Fatal("missing key should end the session")
	}
	rec := env.ex.W.(*httptest.ResponseRecorder)
	if rec.Code != 400 {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
