// Package websockets implements transport.Transport on top of gorilla/websocket.
package websockets

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/transport"
)

var closeCodeMap = map[transport.CloseCode]int{
	transport.CloseNormal:          websocket.CloseNormalClosure,
	transport.CloseGoingAway:       websocket.CloseGoingAway,
	transport.CloseProtocolError:   websocket.CloseProtocolError,
	transport.ClosePolicyViolation: websocket.ClosePolicyViolation,
	transport.CloseInternalError:   websocket.CloseInternalServerErr,
}

const closeTimeout = time.Second

type Option func(*Transport)

// WithAddr makes Listen serve the transport on its own HTTP server.
func WithAddr(addr string) Option {
	return func(t *Transport) { t.addr = addr }
}

// WithReadLimit caps the size of a single inbound message.
func WithReadLimit(limit int64) Option {
	return func(t *Transport) { t.readLimit = limit }
}

// Transport upgrades HTTP requests to websocket peers. It is an http.Handler
// and can be mounted on any router; Accept hands out the upgraded peers.
type Transport struct {
	upgrader    *websocket.Upgrader
	connections chan *websocket.Conn
	readLimit   int64

	addr     string
	server   *http.Server
	listener net.Listener

	closed    chan struct{}
	closeOnce sync.Once
}

func NewTransport(opts ...Option) *Transport {
	t := &Transport{
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Game clients send no Origin header worth checking.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		connections: make(chan *websocket.Conn),
		closed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Listen starts the built-in HTTP server when an address was configured and
// is a no-op otherwise.
func (t *Transport) Listen() error {
	if t.addr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", t.addr)
	}
	t.listener = ln
	t.server = &http.Server{Handler: t}

	go func() {
		_ = t.server.Serve(ln)
	}()
	return nil
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := t.Upgrade(w, r, nil); err != nil {
		// The upgrader already replied with an HTTP error.
		return
	}
}

// Upgrade upgrades the request and queues the peer for Accept.
func (t *Transport) Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) error {
	conn, err := t.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		return err
	}
	if t.readLimit > 0 {
		conn.SetReadLimit(t.readLimit)
	}

	select {
	case t.connections <- conn:
		return nil
	case <-t.closed:
		conn.Close()
		return transport.ErrTransportClosed
	case <-r.Context().Done():
		conn.Close()
		return r.Context().Err()
	}
}

func (t *Transport) Accept(ctx context.Context) (transport.Peer, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, transport.ErrTransportClosed
	case conn := <-t.connections:
		return &Peer{conn: conn}, nil
	}
}

func (t *Transport) Close() (err error) {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.server != nil {
			err = t.server.Close()
		}
	})
	return
}

func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return transport.EmptyAddr
	}
	return t.listener.Addr()
}

// Peer wraps one websocket connection.
type Peer struct {
	conn *websocket.Conn
}

// NewPeer wraps an already established connection, e.g. a dialed one.
func NewPeer(conn *websocket.Conn) *Peer {
	return &Peer{conn: conn}
}

func (p *Peer) ReadMessage() ([]byte, error) {
	_, data, err := p.conn.ReadMessage()
	return data, err
}

func (p *Peer) WriteMessage(kind transport.MessageKind, data []byte) error {
	mt := websocket.TextMessage
	if kind == transport.BinaryMessage {
		mt = websocket.BinaryMessage
	}
	return p.conn.WriteMessage(mt, data)
}

func (p *Peer) Close(code transport.CloseCode, reason string) error {
	wsCode, ok := closeCodeMap[code]
	if !ok {
		wsCode = websocket.CloseNormalClosure
	}

	var lastErr error

	err := p.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(wsCode, reason),
		time.Now().Add(closeTimeout),
	)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		lastErr = err
	}

	if err := p.conn.Close(); err != nil {
		lastErr = err
	}
	return lastErr
}

func (p *Peer) LocalAddr() net.Addr {
	return p.conn.LocalAddr()
}

func (p *Peer) RemoteAddr() net.Addr {
	return p.conn.RemoteAddr()
}
