// Package transport abstracts the message oriented connection a game client
// talks over.
package transport

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

var (
	ErrTransportClosed         = errors.New("transport is closed")
	ErrTransportNotInitialized = errors.New("transport has not been initialized")
)

type CloseCode int

const (
	CloseNormal CloseCode = iota
	CloseGoingAway
	CloseProtocolError
	ClosePolicyViolation
	CloseInternalError
)

// MessageKind distinguishes text frames from binary frames.
type MessageKind int

const (
	TextMessage MessageKind = iota
	BinaryMessage
)

//go:generate mockgen -destination=mock_transport/peer.go -package=mock_transport github.com/tutinoko2048/SocketBE-sub000/pkg/transport Peer

// Peer is one connected client. ReadMessage must only be called from a single
// goroutine and so must WriteMessage. Close may be called concurrently.
type Peer interface {
	ReadMessage() ([]byte, error)
	WriteMessage(kind MessageKind, data []byte) error
	Close(code CloseCode, reason string) error
	RemoteAddr() net.Addr
}

// Transport produces peers.
type Transport interface {
	Listen() error
	Accept(ctx context.Context) (Peer, error)
	Close() error
	Addr() net.Addr
}

type emptyAddr struct{}

func (emptyAddr) Network() string { return "none" }
func (emptyAddr) String() string  { return "uninitialized" }

// EmptyAddr is returned by transports that are not listening.
var EmptyAddr net.Addr = emptyAddr{}
