package network

import (
	"context"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/encryption"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/protocol"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/sblog"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/transport"
)

// LatencyWindow is the number of round trips Ping and AverageLatency look at.
const LatencyWindow = 20

// Response is a correlated reply.
type Response struct {
	Packet protocol.Packet
	Header protocol.Header
}

type result struct {
	res Response
	err error
}

// Pending is a registered request waiting for its response.
type Pending struct {
	conn   *Connection
	id     string
	sentAt time.Time
	timer  *time.Timer
	done   chan result
}

// RequestID returns the correlation key of the request.
func (p *Pending) RequestID() string {
	return p.id
}

// Wait blocks until the request is resolved, rejected, timed out, or ctx ends.
func (p *Pending) Wait(ctx context.Context) (Response, error) {
	select {
	case r := <-p.done:
		return r.res, r.err
	case <-ctx.Done():
		p.conn.Reject(p.id, ctx.Err())
		return Response{}, ctx.Err()
	}
}

// Cancel drops the pending entry without waiting for it.
func (p *Pending) Cancel() {
	p.conn.Reject(p.id, context.Canceled)
}

// The Connection wraps a peer. It owns the encryption state, the table of
// requests waiting for a response and the recent round trip latencies.
type Connection struct {
	id      string
	peer    transport.Peer
	logger  sblog.Logger
	timeout time.Duration

	writeMu   sync.Mutex
	encMu     sync.RWMutex
	active    *encryption.Session
	handshake *encryption.Session

	mu        sync.Mutex
	pending   map[string]*Pending
	latencies []time.Duration

	closeOnce sync.Once
	closed    atomic.Bool
}

func newConnection(id string, peer transport.Peer, logger sblog.Logger, timeout time.Duration) *Connection {
	return &Connection{
		id:      id,
		peer:    peer,
		logger:  sblog.OrNop(logger),
		timeout: timeout,
		pending: make(map[string]*Pending),
	}
}

// ==================================================================
// Lifecycle
// ==================================================================

// ID returns the unique connection id.
func (c *Connection) ID() string {
	return c.id
}

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.peer.RemoteAddr()
}

// IsOpen reports whether the connection still accepts requests.
func (c *Connection) IsOpen() bool {
	return !c.closed.Load()
}

// Close marks the connection closed and closes the peer. Pending requests are
// rejected by the network once the read loop ends.
func (c *Connection) Close(code transport.CloseCode, reason string) (err error) {
	c.closeOnce.Do(func() {
		c.markClosed()
		err = c.peer.Close(code, reason)
	})
	return
}

func (c *Connection) markClosed() {
	c.mu.Lock()
	c.closed.Store(true)
	c.mu.Unlock()
}

// ==================================================================
// Send
// ==================================================================

// Send transmits a frame. Once encryption is enabled the frame is encrypted
// and sent as a binary message.
func (c *Connection) Send(data []byte) error {
	if !c.IsOpen() {
		return ErrInvalidConnection
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if s := c.encryption(); s != nil {
		ct, err := s.Encrypt(data)
		if err != nil {
			return errors.Wrap(err, "encrypt frame")
		}
		return c.peer.WriteMessage(transport.BinaryMessage, ct)
	}
	return c.peer.WriteMessage(transport.TextMessage, data)
}

// ==================================================================
// Encryption
// ==================================================================

// BeginEncryption offers s to the client. The exchange completes when the
// client's ws:encrypt reply is read.
func (c *Connection) BeginEncryption(s *encryption.Session) error {
	c.encMu.Lock()
	defer c.encMu.Unlock()

	if c.active != nil {
		return encryption.ErrAlreadyEnabled
	}
	c.handshake = s
	return nil
}

// Encrypted reports whether frames are encrypted.
func (c *Connection) Encrypted() bool {
	return c.encryption() != nil
}

func (c *Connection) encryption() *encryption.Session {
	c.encMu.RLock()
	defer c.encMu.RUnlock()
	return c.active
}

func (c *Connection) completeEncryption(peerKey string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.encMu.Lock()
	defer c.encMu.Unlock()

	if c.active != nil {
		return encryption.ErrAlreadyEnabled
	}
	if c.handshake == nil {
		return ErrNoHandshake
	}
	if err := c.handshake.Complete(peerKey); err != nil {
		return err
	}
	c.active, c.handshake = c.handshake, nil
	return nil
}

// open returns the plaintext of an inbound frame.
func (c *Connection) open(data []byte) ([]byte, error) {
	s := c.encryption()
	if s == nil {
		return data, nil
	}
	pt, err := s.Decrypt(data)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt frame")
	}
	return pt, nil
}

// ==================================================================
// Requests
// ==================================================================

// Expect registers a pending entry for requestID. It must be called before
// the request is transmitted. A timeout of zero uses the connection default.
func (c *Connection) Expect(requestID string, timeout time.Duration) (*Pending, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	p := &Pending{
		conn:   c,
		id:     requestID,
		sentAt: time.Now(),
		done:   make(chan result, 1),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// closed is set under mu so an entry added here is seen by RejectAll.
	if c.closed.Load() {
		return nil, ErrInvalidConnection
	}
	if _, ok := c.pending[requestID]; ok {
		return nil, ErrDuplicateRequest
	}
	p.timer = time.AfterFunc(timeout, func() {
		c.Reject(requestID, errors.Wrapf(ErrRequestTimeout, "request %s after %s", requestID, timeout))
	})
	c.pending[requestID] = p
	return p, nil
}

// AwaitResponse registers requestID and waits for its response.
func (c *Connection) AwaitResponse(ctx context.Context, requestID string, timeout time.Duration) (Response, error) {
	p, err := c.Expect(requestID, timeout)
	if err != nil {
		return Response{}, err
	}
	return p.Wait(ctx)
}

func (c *Connection) take(requestID string) (*Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	return p, ok
}

// Resolve completes the pending request with res and records its round trip.
// It reports false for unknown, late or duplicate responses.
func (c *Connection) Resolve(requestID string, res Response) bool {
	p, ok := c.take(requestID)
	if !ok {
		c.logger.Debug("no pending request for response", "conn", c.id, "requestId", requestID)
		return false
	}
	p.timer.Stop()

	c.recordLatency(time.Since(p.sentAt))
	p.done <- result{res: res}
	return true
}

// Reject fails the pending request with err.
func (c *Connection) Reject(requestID string, err error) bool {
	p, ok := c.take(requestID)
	if !ok {
		c.logger.Debug("no pending request to reject", "conn", c.id, "requestId", requestID, "error", err)
		return false
	}
	p.timer.Stop()

	p.done <- result{err: err}
	return true
}

// RejectAll fails every pending request with err and returns how many there
// were. After the connection is closed no new request can be registered, so
// the table stays empty.
func (c *Connection) RejectAll(err error) int {
	c.mu.Lock()
	all := c.pending
	c.pending = make(map[string]*Pending)
	c.mu.Unlock()

	for _, p := range all {
		p.timer.Stop()
		p.done <- result{err: err}
	}
	return len(all)
}

// PendingCount returns the number of requests waiting for a response.
func (c *Connection) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ==================================================================
// Latency
// ==================================================================

func (c *Connection) recordLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.latencies = append(c.latencies, d)
	if len(c.latencies) > LatencyWindow {
		c.latencies = slices.Delete(c.latencies, 0, len(c.latencies)-LatencyWindow)
	}
}

// Latencies returns the recorded round trips, oldest first.
func (c *Connection) Latencies() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.latencies)
}

// Ping returns the median of the latency window.
func (c *Connection) Ping() time.Duration {
	s := c.Latencies()
	if len(s) == 0 {
		return 0
	}
	slices.Sort(s)

	mid := len(s) / 2
	if len(s)%2 == 0 {
		return (s[mid-1] + s[mid]) / 2
	}
	return s[mid]
}

// AverageLatency returns the mean of the latency window.
func (c *Connection) AverageLatency() time.Duration {
	s := c.Latencies()
	if len(s) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range s {
		sum += d
	}
	return sum / time.Duration(len(s))
}
