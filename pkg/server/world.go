package server

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/encryption"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/event"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/network"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/protocol"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/sblog"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/transport"
)

type WorldState int32

const (
	// StateConnecting is the state until the local player is resolved.
	StateConnecting WorldState = iota
	// StateActive worlds know their local player and poll their player list.
	StateActive
	// StateInvalid is terminal. The connection is gone.
	StateInvalid
)

func (s WorldState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// CommandResult is the reply to a command. A negative StatusCode means the
// client rejected the command; the call itself still succeeded.
type CommandResult struct {
	StatusCode    int
	StatusMessage string
	Fields        map[string]any
}

// OK reports whether the client executed the command.
func (r CommandResult) OK() bool {
	return r.StatusCode >= 0
}

// Decode maps Fields onto v using its json tags.
func (r CommandResult) Decode(v any) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           v,
	})
	if err != nil {
		return err
	}
	return d.Decode(r.Fields)
}

type commandOptions struct {
	noResponse bool
	timeout    time.Duration
	version    int
}

type CommandOption func(*commandOptions)

// NoResponse sends the command without waiting for its result.
func NoResponse() CommandOption {
	return func(o *commandOptions) { o.noResponse = true }
}

// WithTimeout overrides the request timeout of one command.
func WithTimeout(d time.Duration) CommandOption {
	return func(o *commandOptions) { o.timeout = d }
}

// WithVersion overrides the command protocol version of one command.
func WithVersion(v int) CommandOption {
	return func(o *commandOptions) { o.version = v }
}

// The World struct is the server side of one connected game client. It is
// created when the client connects and becomes invalid when it disconnects.
type World struct {
	server *Server
	conn   *network.Connection
	seq    int64
	name   string
	logger sblog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state atomic.Int32

	mu          sync.RWMutex
	players     map[string]*Player
	localPlayer *Player
	maxPlayers  int
	polled      bool

	pollMu sync.Mutex

	subMu      sync.Mutex
	listens    map[protocol.ID]int
	subscribed map[protocol.ID]bool

	emitter *event.Emitter[Signal]
	data    sync.Map
}

func newWorld(s *Server, conn *network.Connection, seq int64, name string) *World {
	ctx, cancel := context.WithCancel(context.Background())
	return &World{
		server:  s,
		conn:    conn,
		seq:     seq,
		name:    name,
		logger:  s.logger,
		ctx:     ctx,
		cancel:  cancel,
		players:    make(map[string]*Player),
		listens:    make(map[protocol.ID]int),
		subscribed: make(map[protocol.ID]bool),
		emitter:    event.NewEmitter[Signal](s.logger),
	}
}

// ==================================================================
// Accessors
// ==================================================================

// Name returns the ordinal name, e.g. "World #1".
func (w *World) Name() string {
	return w.name
}

func (w *World) Server() *Server {
	return w.server
}

// Connection returns the underlying connection.
func (w *World) Connection() *network.Connection {
	return w.conn
}

func (w *World) State() WorldState {
	return WorldState(w.state.Load())
}

// IsValid reports whether the world still accepts commands.
func (w *World) IsValid() bool {
	return w.State() != StateInvalid && w.conn.IsOpen()
}

// Ping returns the median command round trip.
func (w *World) Ping() time.Duration {
	return w.conn.Ping()
}

func (w *World) AverageLatency() time.Duration {
	return w.conn.AverageLatency()
}

// MaxPlayers returns the player limit last reported by the client.
func (w *World) MaxPlayers() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.maxPlayers
}

// LocalPlayer returns the player the client runs as, or nil before it was
// resolved.
func (w *World) LocalPlayer() *Player {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.localPlayer
}

// Players returns the known players sorted by name.
func (w *World) Players() []*Player {
	w.mu.RLock()
	players := make([]*Player, 0, len(w.players))
	for _, p := range w.players {
		players = append(players, p)
	}
	w.mu.RUnlock()

	slices.SortFunc(players, func(a, b *Player) int { return strings.Compare(a.name, b.name) })
	return players
}

// Player looks up a known player by raw name.
func (w *World) Player(name string) (*Player, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	p, ok := w.players[name]
	return p, ok
}

// ResolvePlayer returns the known player called name. Unknown names yield a
// new Player that only joins the roster when register is set.
func (w *World) ResolvePlayer(name string, register bool) *Player {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.resolveLocked(name, register)
}

func (w *World) resolveLocked(name string, register bool) *Player {
	if p, ok := w.players[name]; ok {
		return p
	}
	p := newPlayer(w, name)
	if register {
		w.players[name] = p
	}
	return p
}

// ==================================================================
// Store
// ==================================================================

// Set stores a value on the world for the lifetime of the connection.
func (w *World) Set(key string, value any) {
	w.data.Store(key, value)
}

func (w *World) Get(key string) (any, bool) {
	return w.data.Load(key)
}

func (w *World) Delete(key string) {
	w.data.Delete(key)
}

// ==================================================================
// Commands
// ==================================================================

// RunCommand runs line on the client and waits for its result. It fails with
// network.ErrInvalidConnection once the world is invalid.
func (w *World) RunCommand(ctx context.Context, line string, opts ...CommandOption) (CommandResult, error) {
	if !w.IsValid() {
		return CommandResult{}, network.ErrInvalidConnection
	}

	o := commandOptions{version: w.server.cfg.CommandVersion}
	for _, opt := range opts {
		opt(&o)
	}

	pk := protocol.NewCommandRequest(line, o.version)

	if o.noResponse {
		_, err := w.server.network.Send(w.conn, pk)
		return CommandResult{}, err
	}

	res, err := w.server.network.Request(ctx, w.conn, pk, o.timeout)
	if err != nil {
		return CommandResult{}, errors.Wrapf(err, "run %q", line)
	}

	cr, ok := res.Packet.(*protocol.CommandResponse)
	if !ok {
		return CommandResult{}, errors.Wrapf(ErrUnexpectedResult, "run %q: got %s", line, res.Packet.ID())
	}
	return CommandResult{StatusCode: cr.StatusCode, StatusMessage: cr.StatusMessage, Fields: cr.Fields}, nil
}

// SendMessage shows message in the chat of every player.
func (w *World) SendMessage(ctx context.Context, message string) error {
	return w.tellraw(ctx, "@a", message)
}

func (w *World) tellraw(ctx context.Context, target, message string) error {
	raw, err := json.Marshal(map[string]any{
		"rawtext": []map[string]string{{"text": message}},
	})
	if err != nil {
		return err
	}

	res, err := w.RunCommand(ctx, "tellraw "+target+" "+string(raw))
	if err != nil {
		return err
	}
	if !res.OK() {
		return errors.Wrap(ErrUnexpectedResult, res.StatusMessage)
	}
	return nil
}

// Subscribe asks the client to stream events of id.
func (w *World) Subscribe(id protocol.ID) error {
	if !w.IsValid() {
		return network.ErrInvalidConnection
	}
	_, err := w.server.network.Send(w.conn, &protocol.Subscribe{Event: string(id)})
	return err
}

// Unsubscribe stops the stream of events of id.
func (w *World) Unsubscribe(id protocol.ID) error {
	if !w.IsValid() {
		return network.ErrInvalidConnection
	}
	_, err := w.server.network.Send(w.conn, &protocol.Unsubscribe{Event: string(id)})
	return err
}

// QueryData requests a static data table, kind being one of the data
// purposes such as protocol.PurposeDataBlock.
func (w *World) QueryData(ctx context.Context, kind protocol.Purpose) (*protocol.DataResponse, error) {
	if !kind.IsData() {
		return nil, errors.Errorf("%q is not a data purpose", kind)
	}
	if !w.IsValid() {
		return nil, network.ErrInvalidConnection
	}

	res, err := w.server.network.Request(ctx, w.conn, &protocol.DataRequest{Kind: kind}, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "query %s", kind)
	}
	dr, ok := res.Packet.(*protocol.DataResponse)
	if !ok {
		return nil, errors.Wrapf(ErrUnexpectedResult, "query %s: got %s", kind, res.Packet.ID())
	}
	return dr, nil
}

// EnableEncryption negotiates an encrypted channel. Every frame after the
// client's reply is encrypted in both directions.
func (w *World) EnableEncryption(ctx context.Context) error {
	if !w.IsValid() {
		return network.ErrInvalidConnection
	}

	session, err := encryption.NewSession(w.server.cfg.EncryptionMode)
	if err != nil {
		return err
	}
	if err := w.conn.BeginEncryption(session); err != nil {
		return err
	}

	pk := protocol.NewCommandRequest(session.HandshakeCommand(), w.server.cfg.CommandVersion)
	res, err := w.server.network.Request(ctx, w.conn, pk, 0)
	if err != nil {
		return errors.Wrap(err, "enable encryption")
	}

	if !w.conn.Encrypted() {
		if cr, ok := res.Packet.(*protocol.CommandResponse); ok {
			return errors.Wrapf(ErrUnexpectedResult, "enable encryption: %s", cr.StatusMessage)
		}
		return errors.Wrap(ErrUnexpectedResult, "enable encryption")
	}
	return nil
}

// Close disconnects the client.
func (w *World) Close() error {
	return w.conn.Close(transport.CloseNormal, "")
}

// ==================================================================
// Lifecycle
// ==================================================================

func (w *World) run() {
	if w.server.cfg.Encryption {
		if err := w.EnableEncryption(w.ctx); err != nil {
			if w.IsValid() {
				w.logger.Error("failed to enable encryption", "world", w.name, "error", err)
				w.conn.Close(transport.ClosePolicyViolation, "encryption required")
			}
			return
		}
		w.logger.Info("world encrypted", "world", w.name, "mode", w.server.cfg.EncryptionMode)
	}
	w.pollLoop()
}

// activate marks the world active once the local player is known.
func (w *World) activate() bool {
	if !w.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
		return false
	}
	w.logger.Debug("world active", "world", w.name)
	return true
}

// resolveLocalPlayer asks the client for its own player and activates the
// world. It reports whether the local player is known.
func (w *World) resolveLocalPlayer() bool {
	res, err := w.RunCommand(w.ctx, "getlocalplayername")
	if err != nil {
		if w.IsValid() {
			w.logger.Warn("failed to resolve local player", "world", w.name, "error", err)
		}
		return false
	}

	name, _ := res.Fields["localplayername"].(string)
	if name == "" {
		w.logger.Warn("client reported no local player", "world", w.name, "status", res.StatusMessage)
		return false
	}

	w.mu.Lock()
	p := w.resolveLocked(name, true)
	w.localPlayer = p
	w.mu.Unlock()

	if !w.activate() {
		return w.IsValid()
	}
	w.emit(&WorldInitialize{worldSignal: worldSignal{world: w}, LocalPlayer: p})

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := p.Load(w.ctx); err != nil && w.IsValid() {
			w.logger.Debug("failed to load local player", "world", w.name, "player", name, "error", err)
		}
	}()
	return true
}

// onDisconnect invalidates the world. Commands fail fast from here on.
func (w *World) onDisconnect() {
	if WorldState(w.state.Swap(int32(StateInvalid))) == StateInvalid {
		return
	}
	w.cancel()

	if n := w.conn.RejectAll(network.ErrConnectionClosed); n > 0 {
		w.logger.Debug("rejected pending commands", "world", w.name, "count", n)
	}
}

// Done is closed once the world became invalid.
func (w *World) Done() <-chan struct{} {
	return w.ctx.Done()
}

// ==================================================================
// Player list
// ==================================================================

type listResult struct {
	CurrentPlayerCount int    `json:"currentPlayerCount"`
	MaxPlayerCount     int    `json:"maxPlayerCount"`
	Players            string `json:"players"`
	Details            string `json:"details"`
}

func (w *World) pollLoop() {
	ticker := time.NewTicker(w.server.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Polling starts once the local player is resolved.
		if w.State() == StateActive || w.resolveLocalPlayer() {
			if err := w.poll(w.ctx); err != nil && w.IsValid() {
				w.logger.Warn("failed to poll players", "world", w.name, "error", err)
			}
		}

		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll queries the player list once and raises PlayerJoin and PlayerLeave for
// the difference to the known roster. Joins found by the first poll are not
// raised since those players were there before the world connected.
func (w *World) poll(ctx context.Context) error {
	w.pollMu.Lock()
	defer w.pollMu.Unlock()

	res, err := w.RunCommand(ctx, "list")
	if err != nil {
		return err
	}
	if !res.OK() {
		return errors.Wrapf(ErrUnexpectedResult, "list: %s", res.StatusMessage)
	}

	var list listResult
	if err := res.Decode(&list); err != nil {
		return errors.Wrap(err, "decode list")
	}

	joined, left, first := w.updateRoster(list.MaxPlayerCount, parsePlayerList(list.Players))

	if !first {
		for _, p := range joined {
			w.emit(&PlayerJoin{worldSignal: worldSignal{world: w}, Player: p})
		}
	}
	for _, p := range left {
		w.emit(&PlayerLeave{worldSignal: worldSignal{world: w}, Player: p})
	}

	if len(joined) > 0 {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.loadPlayers(ctx, joined)
		}()
	}
	return nil
}

func (w *World) updateRoster(maxPlayers int, names []string) (joined, left []*Player, first bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	first = !w.polled
	w.polled = true
	if maxPlayers > 0 {
		w.maxPlayers = maxPlayers
	}

	current := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := current[name]; dup {
			continue
		}
		current[name] = struct{}{}

		if _, known := w.players[name]; !known {
			joined = append(joined, w.resolveLocked(name, true))
		}
	}

	for name, p := range w.players {
		if _, ok := current[name]; !ok {
			left = append(left, p)
			delete(w.players, name)
		}
	}
	slices.SortFunc(left, func(a, b *Player) int { return strings.Compare(a.name, b.name) })
	return
}

func parsePlayerList(s string) []string {
	var names []string
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

func (w *World) loadPlayers(ctx context.Context, players []*Player) {
	details, err := w.playerDetails(ctx)
	if err != nil {
		if w.IsValid() {
			w.logger.Debug("failed to load players", "world", w.name, "error", err)
		}
		return
	}

	for _, p := range players {
		if d, ok := details[p.name]; ok {
			p.apply(d)
		}
	}
}

func (w *World) playerDetails(ctx context.Context) (map[string]playerDetails, error) {
	res, err := w.RunCommand(ctx, "listd stats")
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, errors.Wrapf(ErrUnexpectedResult, "listd: %s", res.StatusMessage)
	}

	var list listResult
	if err := res.Decode(&list); err != nil {
		return nil, errors.Wrap(err, "decode listd")
	}
	return parseDetails(list.Details)
}

// ==================================================================
// Signals
// ==================================================================

// emit raises sig on the world, then on the server unless a world listener
// canceled it.
func (w *World) emit(sig Signal) bool {
	name := string(sig.Signal())
	if !w.emitter.Emit(name, sig) {
		return false
	}
	return w.server.emitter.Emit(name, sig)
}

func (w *World) signals() *event.Emitter[Signal] {
	return w.emitter
}

// listen counts a world listener for the packet a signal is built from. It
// only affects the subscriptions of this world.
func (w *World) listen(name SignalName) (release func()) {
	id, ok := signalPackets[name]
	if !ok {
		return func() {}
	}

	w.subMu.Lock()
	w.listens[id]++
	w.subMu.Unlock()
	w.syncSubscription(id)

	var once sync.Once
	return func() {
		once.Do(func() {
			w.subMu.Lock()
			if w.listens[id]--; w.listens[id] == 0 {
				delete(w.listens, id)
			}
			w.subMu.Unlock()
			w.syncSubscription(id)
		})
	}
}

// initSubscriptions records the events the network subscribed on connect.
func (w *World) initSubscriptions(ids []protocol.ID) {
	w.subMu.Lock()
	for _, id := range ids {
		w.subscribed[id] = true
	}
	w.subMu.Unlock()
}

// syncSubscription subscribes or unsubscribes id depending on whether the
// world, the server or the network still listens to it.
func (w *World) syncSubscription(id protocol.ID) {
	w.subMu.Lock()
	defer w.subMu.Unlock()

	want := w.listens[id] > 0 || w.server.isListening(id) || slices.Contains(w.server.network.Subscriptions(), id)
	if want == w.subscribed[id] || !w.IsValid() {
		return
	}

	var err error
	if want {
		err = w.Subscribe(id)
	} else {
		err = w.Unsubscribe(id)
	}
	if err != nil {
		w.logger.Warn("failed to update subscription", "world", w.name, "event", id, "subscribe", want, "error", err)
		return
	}
	w.subscribed[id] = want
}

// Subscribed returns the events the client currently streams to the world.
func (w *World) Subscribed() []protocol.ID {
	w.subMu.Lock()
	ids := make([]protocol.ID, 0, len(w.subscribed))
	for id, ok := range w.subscribed {
		if ok {
			ids = append(ids, id)
		}
	}
	w.subMu.Unlock()

	slices.Sort(ids)
	return ids
}

// ==================================================================
// Status
// ==================================================================

// WorldStatus is a snapshot of a world for status reporting.
type WorldStatus struct {
	Name       string   `json:"name"`
	State      string   `json:"state"`
	Players    []string `json:"players"`
	MaxPlayers int      `json:"maxPlayers"`
	Ping       float64  `json:"pingMs"`
	Average    float64  `json:"averageMs"`
	Encrypted  bool     `json:"encrypted"`
	Addr       string   `json:"addr"`
}

func (w *World) Status() WorldStatus {
	players := w.Players()
	names := make([]string, len(players))
	for i, p := range players {
		names[i] = p.name
	}

	return WorldStatus{
		Name:       w.name,
		State:      w.State().String(),
		Players:    names,
		MaxPlayers: w.MaxPlayers(),
		Ping:       float64(w.Ping()) / float64(time.Millisecond),
		Average:    float64(w.AverageLatency()) / float64(time.Millisecond),
		Encrypted:  w.conn.Encrypted(),
		Addr:       w.conn.RemoteAddr().String(),
	}
}
