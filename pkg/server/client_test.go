package server

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tutinoko2048/SocketBE-sub000/pkg/encryption"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/network/networktest"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/protocol"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/transport"
)

// fakeClient plays the game side of a connection. It answers the commands
// the server issues on its own and records everything it receives.
type fakeClient struct {
	t    *testing.T
	peer *networktest.Peer

	mu            sync.Mutex
	local         string
	players       []string
	maxPlayers    int
	silent        map[string]bool
	gates         map[string]chan struct{}
	commands      []string
	subscriptions []string
	session       *encryption.Session

	stop chan struct{}
	done chan struct{}
}

func newFakeClient(t *testing.T, local string, players ...string) *fakeClient {
	c := &fakeClient{
		t:          t,
		peer:       networktest.NewPeer(),
		local:      local,
		players:    players,
		maxPlayers: 10,
		silent:     make(map[string]bool),
		gates:      make(map[string]chan struct{}),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go c.run()
	t.Cleanup(func() {
		close(c.stop)
		<-c.done
	})
	return c
}

func (c *fakeClient) setPlayers(players ...string) {
	c.mu.Lock()
	c.players = players
	c.mu.Unlock()
}

// silence makes the client ignore commands starting with prefix.
func (c *fakeClient) silence(prefix string) {
	c.mu.Lock()
	c.silent[prefix] = true
	c.mu.Unlock()
}

// gate delays answers to commands starting with prefix until the returned
// func is called.
func (c *fakeClient) gate(prefix string) (release func()) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.gates[prefix] = ch
	c.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (c *fakeClient) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

func (c *fakeClient) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subscriptions...)
}

func (c *fakeClient) run() {
	defer close(c.done)

	for {
		select {
		case <-c.stop:
			return
		case <-c.peer.Closed():
			return
		default:
		}

		m, err := c.peer.Next(20 * time.Millisecond)
		if err != nil {
			continue
		}

		data := m.Data
		if m.Kind == transport.BinaryMessage {
			c.mu.Lock()
			s := c.session
			c.mu.Unlock()
			if s == nil {
				c.t.Errorf("Received binary frame before encryption")
				continue
			}
			if data, err = s.Decrypt(data); err != nil {
				c.t.Errorf("Failed to decrypt frame: %v", err)
				continue
			}
		}

		f, err := protocol.ParseFrame(data)
		if err != nil {
			c.t.Errorf("Server sent an invalid frame %q: %v", data, err)
			continue
		}
		c.handle(f)
	}
}

func (c *fakeClient) handle(f protocol.Frame) {
	h := f.Header
	switch {
	case h.MessagePurpose == protocol.PurposeSubscribe:
		c.mu.Lock()
		c.subscriptions = append(c.subscriptions, h.EventName)
		c.mu.Unlock()

	case h.MessagePurpose == protocol.PurposeUnsubscribe:
		c.mu.Lock()
		c.subscriptions = slices.DeleteFunc(c.subscriptions, func(name string) bool { return name == h.EventName })
		c.mu.Unlock()

	case h.MessagePurpose == protocol.PurposeCommandRequest:
		line, _ := f.Body["commandLine"].(string)
		c.command(h.RequestID, line)

	case h.MessagePurpose.IsData():
		c.reply(h.RequestID, h.MessagePurpose, map[string]any{
			"blocks": []map[string]any{{"id": "stone", "namespace": "minecraft"}},
		})
	}
}

func (c *fakeClient) command(requestID, line string) {
	c.mu.Lock()
	c.commands = append(c.commands, line)
	var gate chan struct{}
	for prefix := range c.silent {
		if strings.HasPrefix(line, prefix) {
			c.mu.Unlock()
			return
		}
	}
	for prefix, ch := range c.gates {
		if strings.HasPrefix(line, prefix) {
			gate = ch
		}
	}
	c.mu.Unlock()

	if strings.HasPrefix(line, "enableencryption") {
		c.acceptEncryption(requestID, line)
		return
	}

	if gate != nil {
		go func() {
			select {
			case <-gate:
				c.reply(requestID, protocol.PurposeCommandResponse, c.result(line))
			case <-c.stop:
			}
		}()
		return
	}
	c.reply(requestID, protocol.PurposeCommandResponse, c.result(line))
}

func (c *fakeClient) result(line string) map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case line == "list":
		return map[string]any{
			"statusCode":         0,
			"statusMessage":      fmt.Sprintf("There are %d/%d players online:", len(c.players), c.maxPlayers),
			"currentPlayerCount": len(c.players),
			"maxPlayerCount":     c.maxPlayers,
			"players":            strings.Join(c.players, ", "),
		}

	case line == "listd stats":
		result := make([]map[string]any, len(c.players))
		for i, name := range c.players {
			result[i] = map[string]any{
				"id":              -4294967295 - int64(i),
				"name":            name,
				"uuid":            "uuid-" + name,
				"deviceSessionId": "session-" + name,
				"xuid":            "xuid-" + name,
				"permissionLevel": PermissionMember,
			}
		}
		raw, _ := json.Marshal(map[string]any{"command": "listd", "result": result})
		return map[string]any{
			"statusCode":     0,
			"statusMessage":  "",
			"maxPlayerCount": c.maxPlayers,
			"players":        strings.Join(c.players, ", "),
			"details":        "###* " + string(raw) + "\n*###",
		}

	case line == "getlocalplayername":
		return map[string]any{"statusCode": 0, "statusMessage": c.local, "localplayername": c.local}

	case strings.HasPrefix(line, "tellraw"), strings.HasPrefix(line, "say"):
		return map[string]any{"statusCode": 0, "statusMessage": "Message sent"}

	default:
		return map[string]any{"statusCode": -2147483648, "statusMessage": "Syntax error: Unexpected \"" + line + "\""}
	}
}

func (c *fakeClient) acceptEncryption(requestID, line string) {
	parts := strings.Fields(line)
	if len(parts) != 4 {
		c.t.Errorf("Unexpected handshake command %q", line)
		return
	}
	key, err1 := strconv.Unquote(parts[1])
	salt, err2 := strconv.Unquote(parts[2])
	if err1 != nil || err2 != nil {
		c.t.Errorf("Unexpected handshake command %q", line)
		return
	}

	session, err := encryption.AcceptOffer(key, salt, encryption.Mode(parts[3]))
	if err != nil {
		c.t.Errorf("Failed to accept offer: %v", err)
		return
	}

	c.reply(requestID, protocol.PurposeEncrypt, map[string]any{"publicKey": session.PublicKey()})

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
}

// reply sends a response frame, encrypted once the handshake completed.
func (c *fakeClient) reply(requestID string, purpose protocol.Purpose, body map[string]any) {
	c.send(map[string]any{
		"header": map[string]any{"version": 1, "requestId": requestID, "messagePurpose": purpose},
		"body":   body,
	})
}

// event sends an event frame.
func (c *fakeClient) event(name protocol.ID, body map[string]any) {
	c.send(map[string]any{
		"header": map[string]any{"version": 1, "requestId": "", "messagePurpose": protocol.PurposeEvent, "eventName": name},
		"body":   body,
	})
}

func (c *fakeClient) send(frame map[string]any) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.t.Errorf("Failed to marshal frame: %v", err)
		return
	}

	c.mu.Lock()
	s := c.session
	c.mu.Unlock()

	if s != nil {
		if data, err = s.Encrypt(data); err != nil {
			c.t.Errorf("Failed to encrypt frame: %v", err)
			return
		}
	}
	c.peer.Push(data)
}
