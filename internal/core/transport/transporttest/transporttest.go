// Package transporttest provides in-memory transport fakes.
package transporttest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/trymwestin/beewatch/internal/core/transport"
)

// ErrClosedByClient is returned from Read after the client closed the
// connection.
var ErrClosedByClient = errors.New("transporttest: closed by client")

// Message is one recorded frame.
type Message struct {
	Kind transport.MessageKind
	Data []byte
}

// Conn is a fake connection driven from the test as the server side.
type Conn struct {
	URL string

	in   chan Message
	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	readErr   error
	written   []Message
	closeCode int
	writeErr  error
}

var _ transport.Conn = (*Conn)(nil)

func newConn(url string) *Conn {
	return &Conn{URL: url, in: make(chan Message, 64), done: make(chan struct{})}
}

// Push delivers a message to the client.
func (c *Conn) Push(kind transport.MessageKind, data []byte) {
	c.in <- Message{Kind: kind, Data: data}
}

// PushText delivers a text message to the client.
func (c *Conn) PushText(s string) { c.Push(transport.TextMessage, []byte(s)) }

// CloseFromServer ends the connection with a close frame.
func (c *Conn) CloseFromServer(code int, reason string) {
	c.finish(&websocket.CloseError{Code: code, Text: reason})
}

// Drop ends the connection without a close frame.
func (c *Conn) Drop() { c.finish(io.ErrUnexpectedEOF) }

// FailWrites makes subsequent writes return err.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *Conn) finish(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.readErr = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Conn) Write(kind transport.MessageKind, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	select {
	case <-c.done:
		return ErrClosedByClient
	default:
	}
	c.written = append(c.written, Message{Kind: kind, Data: append([]byte(nil), data...)})
	return nil
}

func (c *Conn) Read() (transport.MessageKind, []byte, error) {
	select {
	case m := <-c.in:
		return m.Kind, m.Data, nil
	default:
	}
	select {
	case m := <-c.in:
		return m.Kind, m.Data, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return 0, nil, c.readErr
	}
}

func (c *Conn) Close(code int, _ string) error {
	c.mu.Lock()
	if c.closeCode == 0 {
		c.closeCode = code
	}
	c.mu.Unlock()
	c.finish(ErrClosedByClient)
	return nil
}

// Written returns every message the client sent.
func (c *Conn) Written() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.written...)
}

// WrittenKind returns the messages of one kind the client sent.
func (c *Conn) WrittenKind(kind transport.MessageKind) []Message {
	var out []Message
	for _, m := range c.Written() {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// ClosedWith returns the code the client closed with, or 0.
func (c *Conn) ClosedWith() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// Done is closed once the connection has ended.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Dialer is a fake Dialer. Dials succeed unless failures are queued.
type Dialer struct {
	mu       sync.Mutex
	failures []error
	conns    []*Conn
	dials    int
	urls     []string
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer creates a dialer that always succeeds.
func NewDialer() *Dialer { return &Dialer{} }

// FailNext queues errors returned by the next dials, in order.
func (d *Dialer) FailNext(errs ...error) {
	d.mu.Lock()
	d.failures = append(d.failures, errs...)
	d.mu.Unlock()
}

func (d *Dialer) Dial(ctx context.Context, url string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.urls = append(d.urls, url)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		return nil, err
	}
	c := newConn(url)
	d.conns = append(d.conns, c)
	return c, nil
}

// Dials counts dial attempts.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// URLs lists dialed URLs in order.
func (d *Dialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// Conns lists successful connections in order.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Last returns the newest connection or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}
