package proxy

import (
	"bufio"
	"net"
	"net/http"

	"github.com/AssetsArt/nylon/internal/errors"
)

// Exchange wraps one downstream HTTP exchange. It serializes the
// streaming writes plugins issue (stream header, chunks, raw WebSocket
// frames) onto the underlying connection.
type Exchange struct {
	W http.ResponseWriter
	R *http.Request

	headerWritten bool

	conn net.Conn
	brw  *bufio.ReadWriter
}

// NewExchange wraps a server callback pair.
func NewExchange(w http.ResponseWriter, r *http.Request) *Exchange {
	return &Exchange{W: w, R: r}
}

// HeaderWritten reports whether response headers reached the client.
func (e *Exchange) HeaderWritten() bool { return e.headerWritten }

// WriteStreamHeader writes the response header immediately, applying the
// accumulated overrides first.
func (e *Exchange) WriteStreamHeader(status int, add map[string]string, remove []string) {
	if e.headerWritten {
		return
	}
	header := e.W.Header()
	for name, value := range add {
		header.Set(name, value)
	}
	for _, name := range remove {
		header.Del(name)
	}
	e.W.WriteHeader(status)
	e.headerWritten = true
	e.flush()
}

// WriteStreamData writes one body chunk and flushes it downstream.
func (e *Exchange) WriteStreamData(data []byte) error {
	if !e.headerWritten {
		e.WriteStreamHeader(http.StatusOK, nil, nil)
	}
	if _, err := e.W.Write(data); err != nil {
		return err
	}
	e.flush()
	return nil
}

func (e *Exchange) flush() {
	if f, ok := e.W.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack takes over the underlying connection for raw frame I/O
// (WebSocket). After a successful hijack the ResponseWriter is dead.
func (e *Exchange) Hijack() error {
	if e.conn != nil {
		return nil
	}
	hijacker, ok := e.W.(http.Hijacker)
	if !ok {
		return errors.Internal("connection does not support hijacking")
	}
	conn, brw, err := hijacker.Hijack()
	if err != nil {
		return errors.Wrap(errors.KindInternal, "hijack connection", err)
	}
	e.conn = conn
	e.brw = brw
	return nil
}

// Hijacked reports whether the connection was taken over.
func (e *Exchange) Hijacked() bool { return e.conn != nil }

// WriteRaw writes bytes directly on the hijacked connection.
func (e *Exchange) WriteRaw(data []byte) error {
	if e.conn == nil {
		return errors.Internal("raw write before hijack")
	}
	if _, err := e.brw.Write(data); err != nil {
		return err
	}
	return e.brw.Flush()
}

// CloseRaw closes the hijacked connection.
func (e *Exchange) CloseRaw() error {
	if e.conn == nil {
		return nil
	}
	e.brw.Flush()
	return e.conn.Close()
}

// WriteSwitchingProtocols writes the 101 upgrade response on the
// hijacked connection.
func (e *Exchange) WriteSwitchingProtocols(acceptKey string) error {
	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + acceptKey + "\r\n\r\n"
	e.headerWritten = true
	return e.WriteRaw([]byte(response))
}
