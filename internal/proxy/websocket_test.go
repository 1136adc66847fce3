package proxy

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AssetsArt/nylon/internal/plugin"
)

// The full RFC 6455 handshake over a real connection: key verification,
// 101 status line and the computed accept header.
func TestWebSocketUpgradeHandshake(t *testing.T) {
	done := make(chan *fakeTransport, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr := &fakeTransport{}
		env := &sessionEnv{
			ctx:       NewContext(r),
			ex:        NewExchange(w, r),
			transport: tr,
			phase:     plugin.PhaseRequestFilter,
		}
		if _, err := processMethod(env, plugin.Invoke{Method: plugin.MethodWebSocketUpgrade}); err != nil {
			t.Errorf("upgrade: %v", err)
		}
		// Send one text frame after the handshake, then hang up.
		env.ex.WriteRaw(buildFrame(0x1, []byte("hello")))
		env.ex.CloseRaw()
		done <- tr
	}))
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	request := "GET /ws HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	if _, err := conn.Write([]byte(request)); err != nil {
		t.Fatal(err)
	}

	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(status, "101") {
		t.Fatalf("expected 101 status line, got %q", status)
	}

	sawAccept := false
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if line == "\r\n" {
			break
		}
		if strings.HasPrefix(strings.ToLower(line), "sec-websocket-accept:") {
			if !strings.Contains(line, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=") {
				t.Errorf("wrong accept key: %q", line)
			}
			sawAccept = true
		}
	}
	if !sawAccept {
		t.Error("response missing Sec-WebSocket-Accept")
	}

	// First frame after the handshake: unmasked text "hello".
	header := make([]byte, 2)
	if _, err := reader.Read(header); err != nil {
		t.Fatal(err)
	}
	if header[0] != 0x81 || header[1] != 5 {
		t.Fatalf("frame header: % x", header)
	}
	payload := make([]byte, 5)
	if _, err := reader.Read(payload); err != nil {
		t.Fatal(err)
	}
	if string(payload) != "hello" {
		t.Errorf("frame payload: %q", payload)
	}

	tr := <-done
	if len(tr.sent) == 0 || tr.sent[0].method != plugin.MethodWebSocketOnOpen {
		t.Errorf("plugin should receive WS_ON_OPEN, got %+v", tr.sent)
	}
}
