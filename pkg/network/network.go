// Package network turns peers into connections, routes inbound frames to
// pending requests and packet handlers, and sends packets through a
// cancelable pipeline.
package network

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/event"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/protocol"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/sblog"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/transport"
	"golang.org/x/net/trace"
)

// AnyPacket is the listener key that observes every packet.
const AnyPacket protocol.ID = "*"

const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultQueueSize      = 256
)

// PacketEvent is emitted before a packet is sent and after an event packet
// was received. Canceling it drops the packet.
type PacketEvent struct {
	event.Cancellation

	Packet protocol.Packet
	Header protocol.Header
	Conn   *Connection
}

type Option func(*Network)

func WithLogger(logger sblog.Logger) Option {
	return func(n *Network) { n.logger = sblog.OrNop(logger) }
}

// WithRequestTimeout sets the timeout used when a request passes none.
func WithRequestTimeout(d time.Duration) Option {
	return func(n *Network) { n.timeout = d }
}

// WithIDGenerator replaces the request and connection id source.
func WithIDGenerator(gen func() string) Option {
	return func(n *Network) { n.newID = gen }
}

// WithTracing records every request in golang.org/x/net/trace.
func WithTracing(enabled bool) Option {
	return func(n *Network) { n.tracing = enabled }
}

// WithQueueSize bounds the per connection queue of undispatched events.
func WithQueueSize(size int) Option {
	return func(n *Network) { n.queueSize = size }
}

type inbound struct {
	id    protocol.ID
	frame protocol.Frame
}

// The Network owns the set of open connections, the packet handlers and the
// send and receive pipelines.
type Network struct {
	registry  *protocol.Registry
	logger    sblog.Logger
	timeout   time.Duration
	newID     func() string
	tracing   bool
	queueSize int

	mu    sync.RWMutex
	conns map[string]*Connection

	handlers *handlerRegistry

	sendEvents    *event.Emitter[*PacketEvent]
	receiveEvents *event.Emitter[*PacketEvent]

	onOpen  func(conn *Connection)
	onClose func(conn *Connection)
}

func New(registry *protocol.Registry, opts ...Option) *Network {
	n := &Network{
		registry:  registry,
		logger:    sblog.Nop{},
		timeout:   DefaultRequestTimeout,
		newID:     uuid.NewString,
		queueSize: DefaultQueueSize,
		conns:     make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(n)
	}

	n.handlers = &handlerRegistry{logger: n.logger}
	n.sendEvents = event.NewEmitter[*PacketEvent](n.logger)
	n.receiveEvents = event.NewEmitter[*PacketEvent](n.logger)
	return n
}

func (n *Network) Registry() *protocol.Registry {
	return n.registry
}

// RequestTimeout returns the default request timeout.
func (n *Network) RequestTimeout() time.Duration {
	return n.timeout
}

// OnOpen sets the callback run for every new connection before its frames
// are read. It must be set before Serve.
func (n *Network) OnOpen(fn func(conn *Connection)) {
	n.onOpen = fn
}

// OnClose sets the callback run after a connection closed and its pending
// requests were rejected.
func (n *Network) OnClose(fn func(conn *Connection)) {
	n.onClose = fn
}

// ==================================================================
// Pipelines
// ==================================================================

// OnSend registers fn for outbound packets with the given id, or every
// packet with AnyPacket.
func (n *Network) OnSend(id protocol.ID, fn func(ev *PacketEvent)) (off func()) {
	return n.sendEvents.On(string(id), fn)
}

// OnReceive registers fn for inbound event packets with the given id, or
// every event packet with AnyPacket. Listening to an event makes new
// connections subscribe to it.
func (n *Network) OnReceive(id protocol.ID, fn func(ev *PacketEvent)) (off func()) {
	return n.receiveEvents.On(string(id), fn)
}

// RegisterHandler adds h. Several handlers may share a packet id. A
// registered handler makes new connections subscribe to its packet.
func (n *Network) RegisterHandler(h Handler) {
	n.handlers.add(h, false)
}

// RegisterPassiveHandler adds h without affecting Subscriptions. The caller
// subscribes connections to the packet itself.
func (n *Network) RegisterPassiveHandler(h Handler) {
	n.handlers.add(h, true)
}

// UnregisterHandler removes h and reports whether it was registered.
func (n *Network) UnregisterHandler(h Handler) bool {
	return n.handlers.remove(h)
}

// Subscriptions returns the event ids a new connection subscribes to: every
// registered event packet that has a receive listener or a non passive
// handler.
func (n *Network) Subscriptions() []protocol.ID {
	var ids []protocol.ID
	for _, name := range n.receiveEvents.Names() {
		ids = append(ids, protocol.ID(name))
	}
	ids = append(ids, n.handlers.ids()...)

	slices.Sort(ids)
	ids = slices.Compact(ids)

	return slices.DeleteFunc(ids, func(id protocol.ID) bool {
		f, ok := n.registry.Lookup(id)
		return !ok || f().Purpose() != protocol.PurposeEvent
	})
}

// ==================================================================
// Connections
// ==================================================================

// Connections returns a snapshot of the open connections.
func (n *Network) Connections() []*Connection {
	n.mu.RLock()
	defer n.mu.RUnlock()

	conns := make([]*Connection, 0, len(n.conns))
	for _, c := range n.conns {
		conns = append(conns, c)
	}
	return conns
}

// Connection looks up an open connection by id.
func (n *Network) Connection(id string) (*Connection, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.conns[id]
	return c, ok
}

// CloseAll closes every open connection.
func (n *Network) CloseAll(code transport.CloseCode, reason string) (lastErr error) {
	for _, c := range n.Connections() {
		if err := c.Close(code, reason); err != nil {
			lastErr = err
		}
	}
	return
}

// Serve listens on tr and handles every accepted peer until ctx ends or the
// transport is closed.
func (n *Network) Serve(ctx context.Context, tr transport.Transport) error {
	if err := tr.Listen(); err != nil {
		return err
	}
	n.logger.Info("network listening", "addr", tr.Addr())

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		p, err := tr.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, transport.ErrTransportClosed) {
				return nil
			}
			n.logger.Error("failed to accept new peer", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			n.Handle(ctx, p)
		}()
	}
}

// Handle runs the lifecycle of one peer and returns once it disconnected.
func (n *Network) Handle(ctx context.Context, peer transport.Peer) {
	conn := newConnection(n.newID(), peer, n.logger, n.timeout)

	n.mu.Lock()
	n.conns[conn.ID()] = conn
	n.mu.Unlock()

	n.logger.Info("connection opened", "conn", conn.ID(), "addr", peer.RemoteAddr())

	stop := context.AfterFunc(ctx, func() {
		conn.Close(transport.CloseGoingAway, "server shutting down")
	})
	defer stop()

	n.subscribe(conn)

	if n.onOpen != nil {
		n.onOpen(conn)
	}

	queue := make(chan inbound, n.queueSize)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n.dispatch(ctx, conn, queue)
	}()

	n.read(conn, queue)
	close(queue)

	conn.markClosed()

	n.mu.Lock()
	delete(n.conns, conn.ID())
	n.mu.Unlock()

	if rejected := conn.RejectAll(ErrConnectionClosed); rejected > 0 {
		n.logger.Debug("rejected pending requests", "conn", conn.ID(), "count", rejected)
	}
	if n.onClose != nil {
		n.onClose(conn)
	}

	wg.Wait()

	if err := conn.Close(transport.CloseNormal, ""); err != nil {
		n.logger.Debug("failed to close peer", "conn", conn.ID(), "error", err)
	}
	n.logger.Info("connection closed", "conn", conn.ID())
}

func (n *Network) subscribe(conn *Connection) {
	for _, id := range n.Subscriptions() {
		if _, err := n.Send(conn, &protocol.Subscribe{Event: string(id)}); err != nil {
			n.logger.Warn("failed to subscribe", "conn", conn.ID(), "event", id, "error", err)
		}
	}
}

// ==================================================================
// Outbound
// ==================================================================

func (n *Network) header(pk protocol.Packet) protocol.Header {
	h := protocol.Header{
		Version:        protocol.Version,
		RequestID:      n.newID(),
		MessagePurpose: pk.Purpose(),
		MessageType:    string(protocol.PurposeCommandRequest),
	}
	if en, ok := pk.(protocol.EventNamer); ok {
		h.EventName = en.EventName()
	}
	return h
}

// Send runs pk through the send pipeline and transmits it. The returned
// header carries the request id. A vetoed packet returns ErrPacketCanceled
// and is never written.
func (n *Network) Send(conn *Connection, pk protocol.Packet) (protocol.Header, error) {
	return n.send(conn, pk, nil)
}

func (n *Network) send(conn *Connection, pk protocol.Packet, beforeWrite func(h protocol.Header) error) (protocol.Header, error) {
	if !conn.IsOpen() {
		return protocol.Header{}, ErrInvalidConnection
	}

	h := n.header(pk)

	ev := &PacketEvent{Packet: pk, Header: h, Conn: conn}
	if !n.sendEvents.Emit(string(pk.ID()), ev) || !n.sendEvents.Emit(string(AnyPacket), ev) {
		return protocol.Header{}, errors.Wrapf(ErrPacketCanceled, "send %s", pk.ID())
	}

	body, err := protocol.EncodeBody(pk)
	if err != nil {
		return protocol.Header{}, err
	}
	data, err := protocol.Frame{Header: h, Body: body}.Marshal()
	if err != nil {
		return protocol.Header{}, errors.Wrapf(err, "marshal %s", pk.ID())
	}

	if beforeWrite != nil {
		if err := beforeWrite(h); err != nil {
			return protocol.Header{}, err
		}
	}

	if err := conn.Send(data); err != nil {
		return protocol.Header{}, errors.Wrapf(err, "send %s", pk.ID())
	}
	return h, nil
}

// Request sends pk and waits for the correlated response. A timeout of zero
// uses the network default.
func (n *Network) Request(ctx context.Context, conn *Connection, pk protocol.Packet, timeout time.Duration) (Response, error) {
	if timeout <= 0 {
		timeout = n.timeout
	}

	var tr trace.Trace
	if n.tracing {
		tr = trace.New("socketbe.Request", requestTitle(pk))
		defer tr.Finish()
	}

	var pending *Pending
	h, err := n.send(conn, pk, func(h protocol.Header) (err error) {
		pending, err = conn.Expect(h.RequestID, timeout)
		return
	})
	if err != nil {
		if pending != nil {
			pending.Cancel()
		}
		traceError(tr, err)
		return Response{}, err
	}
	if tr != nil {
		tr.LazyPrintf("conn %s requestId %s", conn.ID(), h.RequestID)
	}

	res, err := pending.Wait(ctx)
	if err != nil {
		traceError(tr, err)
		return Response{}, err
	}
	return res, nil
}

func requestTitle(pk protocol.Packet) string {
	if cmd, ok := pk.(*protocol.CommandRequest); ok {
		return cmd.CommandLine
	}
	return string(pk.ID())
}

func traceError(tr trace.Trace, err error) {
	if tr == nil {
		return
	}
	tr.LazyPrintf("%v", err)
	tr.SetError()
}

// ==================================================================
// Inbound
// ==================================================================

func (n *Network) read(conn *Connection, queue chan<- inbound) {
	for {
		data, err := conn.peer.ReadMessage()
		if err != nil {
			if conn.IsOpen() {
				n.logger.Debug("peer disconnected", "conn", conn.ID(), "error", err)
			}
			return
		}
		n.receive(conn, data, queue)
	}
}

// receive parses one frame. Responses are correlated right here so a handler
// waiting on a request never blocks its own response; events are queued for
// the dispatch goroutine.
func (n *Network) receive(conn *Connection, raw []byte, queue chan<- inbound) {
	data, err := conn.open(raw)
	if err != nil {
		n.logger.Warn("dropping undecryptable frame", "conn", conn.ID(), "error", err)
		return
	}

	frame, err := protocol.ParseFrame(data)
	if err != nil {
		n.logger.Warn("dropping malformed frame", "conn", conn.ID(), "error", err)
		return
	}

	h := frame.Header
	switch p := h.MessagePurpose; {
	case p == protocol.PurposeEvent:
		id := frame.EventID()
		if id == "" {
			n.logger.Warn("dropping event without name", "conn", conn.ID())
			return
		}
		select {
		case queue <- inbound{id: id, frame: frame}:
		default:
			n.logger.Warn("event queue full, dropping event", "conn", conn.ID(), "packet", id)
		}

	case p == protocol.PurposeCommandResponse:
		n.resolve(conn, protocol.IDCommandResponse, frame)

	case p == protocol.PurposeEncrypt:
		pk, err := n.registry.Decode(protocol.IDEncryptionResponse, frame.Body)
		if err != nil {
			conn.Reject(h.RequestID, err)
			return
		}
		if err := conn.completeEncryption(pk.(*protocol.EncryptionResponse).PublicKey); err != nil {
			n.logger.Error("encryption handshake failed", "conn", conn.ID(), "error", err)
			conn.Reject(h.RequestID, err)
			return
		}
		n.logger.Info("encryption enabled", "conn", conn.ID())
		conn.Resolve(h.RequestID, Response{Packet: pk, Header: h})

	case p == protocol.PurposeError:
		pk, err := n.registry.Decode(protocol.IDError, frame.Body)
		if err != nil {
			n.logger.Warn("dropping malformed error frame", "conn", conn.ID(), "error", err)
			return
		}
		ef := pk.(*protocol.ErrorFrame)
		cmdErr := &CommandError{RequestID: h.RequestID, StatusCode: ef.StatusCode, StatusMessage: ef.StatusMessage}
		if h.RequestID == "" || !conn.Reject(h.RequestID, cmdErr) {
			n.logger.Error("client reported an error", "conn", conn.ID(), "status", ef.StatusCode, "message", ef.StatusMessage)
		}

	case p.IsData():
		n.resolve(conn, protocol.IDDataResponse, frame)

	default:
		n.logger.Warn("dropping frame with unexpected purpose", "conn", conn.ID(), "purpose", p)
	}
}

func (n *Network) resolve(conn *Connection, id protocol.ID, frame protocol.Frame) {
	pk, err := n.registry.DecodeFrame(id, frame)
	if err != nil {
		n.logger.Warn("dropping malformed response", "conn", conn.ID(), "packet", id, "error", err)
		conn.Reject(frame.Header.RequestID, err)
		return
	}
	conn.Resolve(frame.Header.RequestID, Response{Packet: pk, Header: frame.Header})
}

func (n *Network) dispatch(ctx context.Context, conn *Connection, queue <-chan inbound) {
	for in := range queue {
		n.route(ctx, conn, in)
	}
}

func (n *Network) route(ctx context.Context, conn *Connection, in inbound) {
	pk, err := n.registry.Decode(in.id, in.frame.Body)
	if err != nil {
		if errors.Is(err, protocol.ErrNotRegistered) {
			n.logger.Debug("dropping unknown packet", "conn", conn.ID(), "packet", in.id)
		} else {
			n.logger.Warn("dropping undecodable packet", "conn", conn.ID(), "packet", in.id, "error", err)
		}
		return
	}

	ev := &PacketEvent{Packet: pk, Header: in.frame.Header, Conn: conn}
	if !n.receiveEvents.Emit(string(in.id), ev) || !n.receiveEvents.Emit(string(AnyPacket), ev) {
		return
	}

	n.handlers.handle(ctx, pk, conn, in.frame.Header)
}
