// Package server turns connected game clients into worlds, tracks their
// players and raises application level signals.
package server

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/event"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/network"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/protocol"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/sblog"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/transport"
	"golang.org/x/sync/errgroup"
)

type Server struct {
	cfg         Config
	logger      sblog.Logger
	registry    *protocol.Registry
	networkOpts []network.Option

	network *network.Network
	emitter *event.Emitter[Signal]

	mu       sync.RWMutex
	worlds   map[string]*World
	worldSeq atomic.Int64

	listenMu sync.Mutex
	listens  map[protocol.ID]int

	closed atomic.Bool
}

func New(cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   sblog.Nop{},
		worlds:   make(map[string]*World),
		listens:  make(map[protocol.ID]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = protocol.NewDefaultRegistry()
	}

	s.emitter = event.NewEmitter[Signal](s.logger)

	netOpts := []network.Option{
		network.WithLogger(s.logger),
		network.WithRequestTimeout(cfg.RequestTimeout),
	}
	s.network = network.New(s.registry, append(netOpts, s.networkOpts...)...)
	s.network.OnOpen(s.onOpen)
	s.network.OnClose(s.onClose)

	for _, id := range signalPacketIDs() {
		s.network.RegisterPassiveHandler(s.handlerFor(id))
	}

	return s
}

func (s *Server) Config() Config {
	return s.cfg
}

// Network returns the network the server dispatches through. Its pipelines
// and handlers may be extended before Serve.
func (s *Server) Network() *network.Network {
	return s.network
}

// ==================================================================
// Lifecycle
// ==================================================================

// Serve accepts game clients from tr until ctx ends or the transport closes.
func (s *Server) Serve(ctx context.Context, tr transport.Transport) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	return s.network.Serve(ctx, tr)
}

// Handle runs one already accepted peer and returns once it disconnected.
func (s *Server) Handle(ctx context.Context, peer transport.Peer) {
	s.network.Handle(ctx, peer)
}

// Close disconnects every world.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrServerClosed
	}
	return s.network.CloseAll(transport.CloseGoingAway, "server closed")
}

func (s *Server) onOpen(conn *network.Connection) {
	seq := s.worldSeq.Add(1)
	w := newWorld(s, conn, seq, fmt.Sprintf("World #%d", seq))

	s.mu.Lock()
	s.worlds[conn.ID()] = w
	s.mu.Unlock()

	w.initSubscriptions(s.network.Subscriptions())
	for _, id := range s.listening() {
		w.syncSubscription(id)
	}

	s.logger.Info("world added", "world", w.name, "conn", conn.ID(), "addr", conn.RemoteAddr())
	w.emit(&WorldAdd{worldSignal: worldSignal{world: w}})

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run()
	}()
}

func (s *Server) onClose(conn *network.Connection) {
	s.mu.Lock()
	w, ok := s.worlds[conn.ID()]
	delete(s.worlds, conn.ID())
	s.mu.Unlock()

	if !ok {
		return
	}

	w.onDisconnect()
	s.logger.Info("world removed", "world", w.name, "conn", conn.ID())
	w.emit(&WorldRemove{worldSignal: worldSignal{world: w}})
}

// ==================================================================
// Worlds
// ==================================================================

// Worlds returns the connected worlds in connection order.
func (s *Server) Worlds() []*World {
	s.mu.RLock()
	worlds := make([]*World, 0, len(s.worlds))
	for _, w := range s.worlds {
		worlds = append(worlds, w)
	}
	s.mu.RUnlock()

	slices.SortFunc(worlds, func(a, b *World) int { return int(a.seq - b.seq) })
	return worlds
}

// World looks up a connected world by name.
func (s *Server) World(name string) (*World, bool) {
	for _, w := range s.Worlds() {
		if w.name == name {
			return w, true
		}
	}
	return nil, false
}

func (s *Server) worldOf(conn *network.Connection) (*World, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.worlds[conn.ID()]
	if !ok {
		return nil, errors.Wrapf(network.ErrInvalidConnection, "no world for %s", conn.ID())
	}
	return w, nil
}

// Broadcast runs line on every world and returns the first error.
func (s *Server) Broadcast(ctx context.Context, line string, opts ...CommandOption) error {
	var g errgroup.Group
	for _, w := range s.Worlds() {
		w := w
		g.Go(func() error {
			_, err := w.RunCommand(ctx, line, opts...)
			return errors.Wrap(err, w.name)
		})
	}
	return g.Wait()
}

// Status returns a snapshot of every world.
func (s *Server) Status() []WorldStatus {
	worlds := s.Worlds()
	status := make([]WorldStatus, len(worlds))
	for i, w := range worlds {
		status[i] = w.Status()
	}
	return status
}

// ==================================================================
// Signals
// ==================================================================

func (s *Server) signals() *event.Emitter[Signal] {
	return s.emitter
}

// listen counts a server listener for the packet a signal is built from.
// Worlds are subscribed while the count is above zero.
func (s *Server) listen(name SignalName) (release func()) {
	id, ok := signalPackets[name]
	if !ok {
		return func() {}
	}

	s.listenMu.Lock()
	s.listens[id]++
	first := s.listens[id] == 1
	s.listenMu.Unlock()

	if first {
		s.syncSubscriptions(id)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenMu.Lock()
			s.listens[id]--
			last := s.listens[id] == 0
			if last {
				delete(s.listens, id)
			}
			s.listenMu.Unlock()

			if last {
				s.syncSubscriptions(id)
			}
		})
	}
}

func (s *Server) isListening(id protocol.ID) bool {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	return s.listens[id] > 0
}

// listening returns the packets with at least one server listener.
func (s *Server) listening() []protocol.ID {
	s.listenMu.Lock()
	ids := make([]protocol.ID, 0, len(s.listens))
	for id := range s.listens {
		ids = append(ids, id)
	}
	s.listenMu.Unlock()

	slices.Sort(ids)
	return ids
}

func (s *Server) syncSubscriptions(id protocol.ID) {
	for _, w := range s.Worlds() {
		w.syncSubscription(id)
	}
}
