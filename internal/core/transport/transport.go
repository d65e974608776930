package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MessageKind distinguishes text and binary frames.
type MessageKind int

const (
	TextMessage   MessageKind = websocket.TextMessage
	BinaryMessage MessageKind = websocket.BinaryMessage
)

func (k MessageKind) String() string {
	switch k {
	case TextMessage:
		return "text"
	case BinaryMessage:
		return "binary"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Close codes used by the channels.
const (
	CloseNormal   = websocket.CloseNormalClosure
	CloseAbnormal = websocket.CloseAbnormalClosure
)

// Conn represents one socket connection. Writes are safe for concurrent
// use; Read must only be called from a single goroutine.
type Conn interface {
	// Write sends one message.
	Write(kind MessageKind, data []byte) error
	// Read blocks until a message arrives or the connection fails.
	Read() (MessageKind, []byte, error)
	// Close performs the closing handshake with code and closes the
	// connection.
	Close(code int, reason string) error
}

// Dialer creates socket connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// CloseInfo describes how a connection ended.
type CloseInfo struct {
	Code     int    `json:"code"`
	Reason   string `json:"reason,omitempty"`
	WasClean bool   `json:"was_clean"`
	Err      error  `json:"-"`
}

// Clean reports a deliberate, completed shutdown: a close handshake with
// the normal closure code.
func (c CloseInfo) Clean() bool {
	return c.WasClean && c.Code == CloseNormal
}

// CloseInfoFromError interprets a read error. A received close frame is
// clean with its code; anything else is an abnormal closure.
func CloseInfoFromError(err error) CloseInfo {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return CloseInfo{Code: ce.Code, Reason: ce.Text, WasClean: true, Err: err}
	}
	return CloseInfo{Code: CloseAbnormal, WasClean: false, Err: err}
}

// --- WebSocket Conn implementation ---

type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex // protects writes
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) Write(kind MessageKind, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return fmt.Errorf("transport: set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(int(kind), data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (c *wsConn) Read() (MessageKind, []byte, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return 0, nil, fmt.Errorf("transport: read: %w", err)
	}
	return MessageKind(msgType), data, nil
}

func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.ws.Close()
}

// --- WebSocket Dialer ---

// WSDialer dials backend socket endpoints.
type WSDialer struct {
	header   http.Header
	insecure bool
	log      *slog.Logger
}

// NewWSDialer creates a dialer. insecure skips TLS verification for
// self-signed lab deployments.
func NewWSDialer(header http.Header, insecure bool, log *slog.Logger) *WSDialer {
	return &WSDialer{header: header, insecure: insecure, log: log}
}

// Dial opens a websocket connection to url.
func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	if d.insecure {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for lab backends
	}

	d.log.Debug("dialing backend socket", "url", url)
	ws, resp, err := dialer.DialContext(ctx, url, d.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial %s: HTTP %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return newWSConn(ws), nil
}

// WSURL converts an http(s) base into the matching ws(s) base and joins
// path onto it.
func WSURL(base, path string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
