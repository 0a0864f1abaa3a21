// Package quic implements transport.Transport using quic-go. Every peer uses a
// single bidirectional stream carrying length prefixed text or binary frames,
// so bridge tooling can speak the same JSON protocol without websockets.
package quic

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/transport"
)

// ALPN is the application protocol negotiated during the TLS handshake.
const ALPN = "socketbe"

// MaxMessageSize bounds a single inbound frame.
const MaxMessageSize = 4 << 20

const streamTimeout = time.Second

var preamble = []byte("SBE1")

var (
	ErrBadPreamble    = errors.New("quic peer sent an unexpected preamble")
	ErrMessageTooLong = errors.New("quic frame exceeds the maximum message size")
)

var closeCodeMap = map[transport.CloseCode]quic.ApplicationErrorCode{
	transport.CloseNormal:          0x0,
	transport.CloseGoingAway:       0x1,
	transport.CloseProtocolError:   0x2,
	transport.ClosePolicyViolation: 0x3,
	transport.CloseInternalError:   0x4,
}

type Transport struct {
	address  string
	tlsCfg   *tls.Config
	quicCfg  *quic.Config

	mu       sync.Mutex
	listener *quic.Listener
	closed   atomic.Bool
}

func NewTransport(addr string, tlsCfg *tls.Config, quicCfg *quic.Config) *Transport {
	return &Transport{
		address: addr,
		tlsCfg:  withALPN(tlsCfg),
		quicCfg: quicCfg,
	}
}

func withALPN(cfg *tls.Config) *tls.Config {
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if slices.Contains(cfg.NextProtos, ALPN) {
		return cfg
	}
	cfg = cfg.Clone()
	cfg.NextProtos = append(cfg.NextProtos, ALPN)
	return cfg
}

func (t *Transport) Listen() error {
	l, err := quic.ListenAddr(t.address, t.tlsCfg, t.quicCfg)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", t.address)
	}
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
	return nil
}

func (t *Transport) current() *quic.Listener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listener
}

// Accept waits for a connection and its stream. The peer has to open the
// stream and send the preamble within a second.
func (t *Transport) Accept(ctx context.Context) (transport.Peer, error) {
	l := t.current()
	if l == nil {
		return nil, transport.ErrTransportNotInitialized
	}

	conn, err := l.Accept(ctx)
	if err != nil {
		if t.closed.Load() || errors.Is(err, quic.ErrServerClosed) {
			return nil, transport.ErrTransportClosed
		}
		return nil, err
	}

	sctx, cancel := context.WithTimeout(ctx, streamTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(sctx)
	if err != nil {
		conn.CloseWithError(closeCodeMap[transport.CloseProtocolError], "no stream")
		return nil, err
	}

	p := newPeer(conn, stream)
	if err := p.readPreamble(); err != nil {
		conn.CloseWithError(closeCodeMap[transport.CloseProtocolError], "bad preamble")
		return nil, err
	}
	return p, nil
}

// Close stops the listener. Pending and later Accept calls return
// transport.ErrTransportClosed.
func (t *Transport) Close() error {
	l := t.current()
	if l == nil {
		return transport.ErrTransportNotInitialized
	}
	t.closed.Store(true)
	return l.Close()
}

func (t *Transport) Addr() net.Addr {
	l := t.current()
	if l == nil {
		return transport.EmptyAddr
	}
	return l.Addr()
}

// Dial connects to a quic transport and returns the client side peer.
func Dial(ctx context.Context, addr string, tlsCfg *tls.Config, quicCfg *quic.Config) (*Peer, error) {
	conn, err := quic.DialAddr(ctx, addr, withALPN(tlsCfg), quicCfg)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(closeCodeMap[transport.CloseInternalError], "")
		return nil, errors.Wrap(err, "open stream")
	}

	if _, err := stream.Write(preamble); err != nil {
		conn.CloseWithError(closeCodeMap[transport.CloseInternalError], "")
		return nil, errors.Wrap(err, "write preamble")
	}
	return newPeer(conn, stream), nil
}

type Peer struct {
	conn   quic.Connection
	stream quic.Stream
	r      *bufio.Reader
}

func newPeer(conn quic.Connection, stream quic.Stream) *Peer {
	return &Peer{
		conn:   conn,
		stream: stream,
		r:      bufio.NewReader(stream),
	}
}

func (p *Peer) readPreamble() error {
	p.stream.SetReadDeadline(time.Now().Add(streamTimeout))
	defer p.stream.SetReadDeadline(time.Time{})

	buf := make([]byte, len(preamble))
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return errors.Wrap(err, "read preamble")
	}
	if string(buf) != string(preamble) {
		return ErrBadPreamble
	}
	return nil
}

// ReadMessage reads one frame: a kind byte, a uvarint length and the payload.
func (p *Peer) ReadMessage() ([]byte, error) {
	kind, err := p.r.ReadByte()
	if err != nil {
		return nil, err
	}
	if transport.MessageKind(kind) != transport.TextMessage && transport.MessageKind(kind) != transport.BinaryMessage {
		return nil, errors.Errorf("unknown frame kind %d", kind)
	}

	n, err := binary.ReadUvarint(p.r)
	if err != nil {
		return nil, err
	}
	if n > MaxMessageSize {
		return nil, ErrMessageTooLong
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(p.r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (p *Peer) WriteMessage(kind transport.MessageKind, data []byte) error {
	buf := make([]byte, 1+binary.MaxVarintLen64+len(data))
	buf[0] = byte(kind)
	n := 1 + binary.PutUvarint(buf[1:], uint64(len(data)))
	n += copy(buf[n:], data)

	_, err := p.stream.Write(buf[:n])
	return err
}

func (p *Peer) Close(code transport.CloseCode, reason string) error {
	appCode, ok := closeCodeMap[code]
	if !ok {
		appCode = 0x0
	}
	return p.conn.CloseWithError(appCode, reason)
}

func (p *Peer) LocalAddr() net.Addr {
	return p.conn.LocalAddr()
}

func (p *Peer) RemoteAddr() net.Addr {
	return p.conn.RemoteAddr()
}
