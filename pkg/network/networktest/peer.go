// Package networktest provides an in-memory transport.Peer for tests.
package networktest

import (
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/transport"
)

var ErrNoMessage = errors.New("no message within timeout")

// Message is a frame the server side wrote.
type Message struct {
	Kind transport.MessageKind
	Data []byte
}

// Peer is a transport.Peer whose other end is driven by the test. The server
// side uses the transport.Peer methods, the test uses Push, Next and Disconnect.
type Peer struct {
	in     chan []byte
	out    chan Message
	closed chan struct{}
	once   sync.Once
	addr   net.Addr
}

func NewPeer() *Peer {
	return &Peer{
		in:     make(chan []byte, 64),
		out:    make(chan Message, 256),
		closed: make(chan struct{}),
		addr:   &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 19131},
	}
}

func (p *Peer) ReadMessage() ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.closed:
		return nil, io.EOF
	}
}

func (p *Peer) WriteMessage(kind transport.MessageKind, data []byte) error {
	select {
	case <-p.closed:
		return io.ErrClosedPipe
	default:
	}

	select {
	case p.out <- Message{Kind: kind, Data: append([]byte(nil), data...)}:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	}
}

func (p *Peer) Close(code transport.CloseCode, reason string) error {
	p.Disconnect()
	return nil
}

func (p *Peer) RemoteAddr() net.Addr {
	return p.addr
}

// Push delivers a raw frame to the server side.
func (p *Peer) Push(data []byte) error {
	select {
	case p.in <- data:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	}
}

// PushJSON marshals v and delivers it.
func (p *Peer) PushJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.Push(data)
}

// Next returns the next frame the server wrote.
func (p *Peer) Next(timeout time.Duration) (Message, error) {
	select {
	case m := <-p.out:
		return m, nil
	case <-time.After(timeout):
		return Message{}, ErrNoMessage
	}
}

// Disconnect closes the pipe as if the client went away.
func (p *Peer) Disconnect() {
	p.once.Do(func() { close(p.closed) })
}

// Closed is closed once either side closed the pipe.
func (p *Peer) Closed() <-chan struct{} {
	return p.closed
}
