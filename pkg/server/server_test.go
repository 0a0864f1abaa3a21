package server

import (
	"context"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/network"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/protocol"
)

const wait = 2 * time.Second

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RequestTimeout = time.Second
	cfg.PollInterval = time.Hour
	return cfg
}

// connect serves client on s and returns the world created for it.
func connect(t *testing.T, s *Server, client *fakeClient) *World {
	t.Helper()

	added := make(chan *World, 1)
	off := On(s, func(sig *WorldAdd) { added <- sig.World() })
	defer off()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Handle(ctx, client.peer)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case w := <-added:
		return w
	case <-time.After(wait):
		t.Fatal("Timed out waiting for world")
		return nil
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(wait)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func names(players []*Player) []string {
	out := make([]string, len(players))
	for i, p := range players {
		out[i] = p.Name()
	}
	return out
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.events = append(r.events, s)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) has(s string) bool {
	return slices.Contains(r.list(), s)
}

// TestWorldInitialize tests local player resolution after connecting
func TestWorldInitialize(t *testing.T) {
	s := New(testConfig())
	client := newFakeClient(t, "Steve", "Steve")

	initialized := make(chan *WorldInitialize, 1)
	On(s, func(sig *WorldInitialize) { initialized <- sig })

	w := connect(t, s, client)
	if w.Name() != "World #1" {
		t.Errorf("Expected World #1, got %s", w.Name())
	}

	select {
	case sig := <-initialized:
		if sig.World() != w {
			t.Error("Expected signal to carry the world")
		}
		if sig.LocalPlayer == nil || sig.LocalPlayer.Name() != "Steve" {
			t.Fatalf("Expected local player Steve, got %v", sig.LocalPlayer)
		}
		if !sig.LocalPlayer.IsLocal() {
			t.Error("Expected IsLocal to be true")
		}
	case <-time.After(wait):
		t.Fatal("Timed out waiting for WorldInitialize")
	}

	if w.State() != StateActive {
		t.Errorf("Expected active world, got %s", w.State())
	}

	p := w.LocalPlayer()
	eventually(t, "local player load", p.IsLoaded)
	if p.UUID() != "uuid-Steve" || p.PlatformID() != "xuid-Steve" || p.DeviceSessionID() != "session-Steve" {
		t.Errorf("Unexpected identity %q %q %q", p.UUID(), p.PlatformID(), p.DeviceSessionID())
	}
	if p.UniqueID() != -4294967295 || p.PermissionLevel() != PermissionMember {
		t.Errorf("Unexpected unique id %d or permission %d", p.UniqueID(), p.PermissionLevel())
	}
}

// TestActiveAfterLocalPlayer tests that a world stays connecting and does not
// poll until its local player is resolved
func TestActiveAfterLocalPlayer(t *testing.T) {
	s := New(testConfig())
	client := newFakeClient(t, "Steve", "Steve")
	release := client.gate("getlocalplayername")

	w := connect(t, s, client)
	eventually(t, "getlocalplayername", func() bool {
		return slices.Contains(client.Commands(), "getlocalplayername")
	})

	if w.State() != StateConnecting {
		t.Errorf("Expected connecting world, got %s", w.State())
	}
	if w.LocalPlayer() != nil {
		t.Errorf("Expected no local player, got %v", w.LocalPlayer().Name())
	}
	if slices.Contains(client.Commands(), "list") {
		t.Error("Expected no roster poll before the local player is resolved")
	}

	release()
	eventually(t, "active world", func() bool { return w.State() == StateActive })
	if p := w.LocalPlayer(); p == nil || p.Name() != "Steve" {
		t.Errorf("Expected local player Steve, got %v", p)
	}
	eventually(t, "first poll", func() bool { return slices.Contains(client.Commands(), "list") })
}

// TestRosterDiff tests join and leave detection between two polls
func TestRosterDiff(t *testing.T) {
	s := New(testConfig())
	client := newFakeClient(t, "A", "A", "B")

	var rec recorder
	On(s, func(sig *PlayerJoin) { rec.add("join:" + sig.Player.Name()) })
	On(s, func(sig *PlayerLeave) { rec.add("leave:" + sig.Player.Name()) })

	w := connect(t, s, client)
	eventually(t, "first poll", func() bool { return len(w.Players()) == 2 })

	if got := rec.list(); len(got) != 0 {
		t.Errorf("Expected no signals from the first poll, got %v", got)
	}
	if w.MaxPlayers() != 10 {
		t.Errorf("Expected max players 10, got %d", w.MaxPlayers())
	}

	b, _ := w.Player("B")

	client.setPlayers("B", "C")
	if err := w.poll(context.Background()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	got := rec.list()
	if len(got) != 2 || got[0] != "join:C" || got[1] != "leave:A" {
		t.Errorf("Expected [join:C leave:A], got %v", got)
	}
	if roster := names(w.Players()); !slices.Equal(roster, []string{"B", "C"}) {
		t.Errorf("Expected roster [B C], got %v", roster)
	}
	if again, _ := w.Player("B"); again != b {
		t.Error("Expected the Player for B to be reused")
	}

	c, _ := w.Player("C")
	eventually(t, "joined player load", c.IsLoaded)
	if c.PlatformID() != "xuid-C" {
		t.Errorf("Expected xuid-C, got %q", c.PlatformID())
	}
}

// TestFirstPollLeave tests that leaves are raised by the first poll
func TestFirstPollLeave(t *testing.T) {
	s := New(testConfig())
	client := newFakeClient(t, "Host", "A")
	release := client.gate("list")

	var rec recorder
	On(s, func(sig *PlayerJoin) { rec.add("join:" + sig.Player.Name()) })
	On(s, func(sig *PlayerLeave) { rec.add("leave:" + sig.Player.Name()) })
	initialized := make(chan struct{})
	On(s, func(*WorldInitialize) { close(initialized) })

	w := connect(t, s, client)

	select {
	case <-initialized:
	case <-time.After(wait):
		t.Fatal("Timed out waiting for WorldInitialize")
	}
	release()

	eventually(t, "leave of Host", func() bool { return rec.has("leave:Host") })
	if rec.has("join:A") {
		t.Error("Expected no join from the first poll")
	}
	if roster := names(w.Players()); !slices.Equal(roster, []string{"A"}) {
		t.Errorf("Expected roster [A], got %v", roster)
	}
}

// TestResolvePlayer tests registration of resolved players
func TestResolvePlayer(t *testing.T) {
	s := New(testConfig())
	w := newWorld(s, nil, 1, "World #1")

	p := w.ResolvePlayer("Alex", false)
	if _, ok := w.Player("Alex"); ok {
		t.Error("Expected unregistered player to stay out of the roster")
	}

	q := w.ResolvePlayer("Alex", true)
	if q == p {
		t.Error("Expected a new player for an unknown name")
	}
	if r := w.ResolvePlayer("Alex", false); r != q {
		t.Error("Expected registered player to be returned")
	}

	joined, left, first := w.updateRoster(20, []string{"Alex", "Alex", "Steve"})
	if !first {
		t.Error("Expected first update")
	}
	if len(left) != 0 || len(joined) != 1 || joined[0].Name() != "Steve" {
		t.Errorf("Unexpected diff joined=%v left=%v", names(joined), names(left))
	}

	_, left, first = w.updateRoster(0, nil)
	if first {
		t.Error("Expected second update")
	}
	if !slices.Equal(names(left), []string{"Alex", "Steve"}) {
		t.Errorf("Expected both players to leave, got %v", names(left))
	}
	if w.MaxPlayers() != 20 {
		t.Errorf("Expected max players to keep 20, got %d", w.MaxPlayers())
	}
}

// TestRunCommand tests results of successful and failing commands
func TestRunCommand(t *testing.T) {
	s := New(testConfig())
	client := newFakeClient(t, "Steve", "Steve")
	w := connect(t, s, client)

	res, err := w.RunCommand(context.Background(), "list")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !res.OK() || res.Fields["players"] != "Steve" {
		t.Errorf("Unexpected result %+v", res)
	}

	res, err = w.RunCommand(context.Background(), "bogus")
	if err != nil {
		t.Fatalf("Expected a failing status to be a result, got %v", err)
	}
	if res.OK() || res.StatusCode != -2147483648 {
		t.Errorf("Expected failing status, got %+v", res)
	}

	res, err = w.RunCommand(context.Background(), "say fire and forget", NoResponse())
	if err != nil || res.StatusCode != 0 {
		t.Errorf("Unexpected no response result %+v, %v", res, err)
	}

	eventually(t, "say", func() bool { return slices.Contains(client.Commands(), "say fire and forget") })

	if w.Ping() <= 0 {
		t.Error("Expected latency samples")
	}
}

// TestRunCommandTimeout tests that an unanswered command times out
func TestRunCommandTimeout(t *testing.T) {
	s := New(testConfig())
	client := newFakeClient(t, "Steve", "Steve")
	client.silence("time query")
	w := connect(t, s, client)

	start := time.Now()
	_, err := w.RunCommand(context.Background(), "time query daytime", WithTimeout(50*time.Millisecond))
	if !errors.Is(err, network.ErrRequestTimeout) {
		t.Fatalf("Expected ErrRequestTimeout, got %v", err)
	}
	if time.Since(start) > wait {
		t.Error("Timeout took too long")
	}
	if !w.IsValid() {
		t.Error("Expected world to stay valid after a timeout")
	}
}

// TestDisconnect tests invalidation of a world and its pending commands
func TestDisconnect(t *testing.T) {
	s := New(testConfig())
	client := newFakeClient(t, "Steve", "Steve")
	client.silence("time query")
	w := connect(t, s, client)

	removed := make(chan *World, 1)
	On(s, func(sig *WorldRemove) { removed <- sig.World() })

	errs := make(chan error, 1)
	go func() {
		_, err := w.RunCommand(context.Background(), "time query daytime", WithTimeout(time.Hour))
		errs <- err
	}()
	eventually(t, "pending command", func() bool { return slices.Contains(client.Commands(), "time query daytime") })

	client.peer.Disconnect()

	select {
	case err := <-errs:
		if !errors.Is(err, network.ErrConnectionClosed) {
			t.Errorf("Expected ErrConnectionClosed, got %v", err)
		}
	case <-time.After(wait):
		t.Fatal("Pending command outlived the connection")
	}

	select {
	case got := <-removed:
		if got != w {
			t.Error("Expected WorldRemove for the world")
		}
	case <-time.After(wait):
		t.Fatal("Timed out waiting for WorldRemove")
	}

	if w.State() != StateInvalid {
		t.Errorf("Expected invalid world, got %s", w.State())
	}
	select {
	case <-w.Done():
	default:
		t.Error("Expected Done to be closed")
	}

	start := time.Now()
	if _, err := w.RunCommand(context.Background(), "list"); !errors.Is(err, network.ErrInvalidConnection) {
		t.Errorf("Expected ErrInvalidConnection, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Expected command on an invalid world to fail fast")
	}

	if _, ok := s.World(w.Name()); ok {
		t.Error("Expected world to be removed from the server")
	}
}

// TestPlayerChat tests chat signals and world level cancellation
func TestPlayerChat(t *testing.T) {
	s := New(testConfig())
	client := newFakeClient(t, "Steve", "Steve")

	chats := make(chan *PlayerChat, 4)
	On(s, func(sig *PlayerChat) { chats <- sig })
	titles := make(chan *PlayerTitle, 1)
	On(s, func(sig *PlayerTitle) { titles <- sig })

	w := connect(t, s, client)
	eventually(t, "PlayerMessage subscription", func() bool {
		return slices.Contains(client.Subscriptions(), string(protocol.IDPlayerMessage))
	})
	eventually(t, "first poll", func() bool { return len(w.Players()) == 1 })

	client.event(protocol.IDPlayerMessage, map[string]any{"message": "hello", "sender": "Steve", "receiver": "", "type": "chat"})

	select {
	case sig := <-chats:
		steve, _ := w.Player("Steve")
		if sig.Sender != steve || sig.Message != "hello" || sig.Type != protocol.MessageChat {
			t.Errorf("Unexpected chat %+v", sig)
		}
	case <-time.After(wait):
		t.Fatal("Timed out waiting for PlayerChat")
	}

	client.event(protocol.IDPlayerMessage, map[string]any{"message": "from a block", "sender": "External", "type": "say"})
	select {
	case sig := <-chats:
		if sig.Sender != nil || sig.SenderName != "External" {
			t.Errorf("Expected no sender player, got %+v", sig)
		}
	case <-time.After(wait):
		t.Fatal("Timed out waiting for say")
	}

	client.event(protocol.IDPlayerMessage, map[string]any{"message": "Welcome", "sender": "External", "receiver": "Steve", "type": "title"})
	select {
	case sig := <-titles:
		if sig.Player.Name() != "Steve" || sig.Message != "Welcome" {
			t.Errorf("Unexpected title %+v", sig)
		}
	case <-time.After(wait):
		t.Fatal("Timed out waiting for PlayerTitle")
	}

	On(w, func(sig *PlayerChat) {
		if strings.Contains(sig.Message, "secret") {
			sig.Cancel()
		}
	})
	client.event(protocol.IDPlayerMessage, map[string]any{"message": "a secret", "sender": "Steve", "type": "chat"})
	client.event(protocol.IDPlayerMessage, map[string]any{"message": "public", "sender": "Steve", "type": "chat"})

	select {
	case sig := <-chats:
		if sig.Message != "public" {
			t.Errorf("Expected canceled message to stay on the world, got %q", sig.Message)
		}
	case <-time.After(wait):
		t.Fatal("Timed out waiting for public chat")
	}
}

// TestLateListenerSubscribes tests that a new signal listener subscribes connected worlds
func TestLateListenerSubscribes(t *testing.T) {
	s := New(testConfig())
	client := newFakeClient(t, "Steve", "Steve")
	w := connect(t, s, client)

	if subs := client.Subscriptions(); len(subs) != 0 {
		t.Errorf("Expected no subscriptions, got %v", subs)
	}

	placed := make(chan *BlockPlace, 1)
	On(w, func(sig *BlockPlace) { placed <- sig })

	eventually(t, "BlockPlaced subscription", func() bool {
		return slices.Contains(client.Subscriptions(), string(protocol.IDBlockPlaced))
	})

	client.event(protocol.IDBlockPlaced, map[string]any{
		"block":  map[string]any{"id": "stone", "namespace": "minecraft"},
		"count":  1,
		"player": map[string]any{"name": "Steve", "type": "minecraft:player"},
	})

	select {
	case sig := <-placed:
		if sig.Packet.Block.TypeID() != "minecraft:stone" || sig.Player.Name() != "Steve" {
			t.Errorf("Unexpected BlockPlace %+v", sig)
		}
	case <-time.After(wait):
		t.Fatal("Timed out waiting for BlockPlace")
	}
}

// TestListenerRelease tests that removing the last server listener unsubscribes worlds
func TestListenerRelease(t *testing.T) {
	s := New(testConfig())
	first := newFakeClient(t, "Steve", "Steve")

	off := On(s, func(*PlayerChat) {})
	w1 := connect(t, s, first)
	eventually(t, "PlayerMessage subscription", func() bool {
		return slices.Contains(first.Subscriptions(), string(protocol.IDPlayerMessage))
	})

	offTitle := On(s, func(*PlayerTitle) {})
	off()
	if subs := w1.Subscribed(); !slices.Equal(subs, []protocol.ID{protocol.IDPlayerMessage}) {
		t.Errorf("Expected PlayerMessage to stay subscribed for titles, got %v", subs)
	}

	offTitle()
	offTitle()
	eventually(t, "PlayerMessage unsubscription", func() bool {
		return len(first.Subscriptions()) == 0
	})
	if subs := w1.Subscribed(); len(subs) != 0 {
		t.Errorf("Expected no subscriptions, got %v", subs)
	}

	second := newFakeClient(t, "Alex", "Alex")
	w2 := connect(t, s, second)
	if _, err := w2.RunCommand(context.Background(), "say hi"); err != nil {
		t.Fatalf("Failed to run command: %v", err)
	}
	if subs := second.Subscriptions(); len(subs) != 0 {
		t.Errorf("Expected a new world to subscribe nothing, got %v", subs)
	}
}

// TestWorldListenerScope tests that a world listener only subscribes its own world
func TestWorldListenerScope(t *testing.T) {
	s := New(testConfig())
	first := newFakeClient(t, "Steve", "Steve")
	second := newFakeClient(t, "Alex", "Alex")
	w1 := connect(t, s, first)
	w2 := connect(t, s, second)

	off := On(w1, func(*BlockPlace) {})
	eventually(t, "BlockPlaced subscription", func() bool {
		return slices.Contains(first.Subscriptions(), string(protocol.IDBlockPlaced))
	})

	third := newFakeClient(t, "Alex", "Alex")
	w3 := connect(t, s, third)
	for _, w := range []*World{w2, w3} {
		if _, err := w.RunCommand(context.Background(), "say hi"); err != nil {
			t.Fatalf("Failed to run command: %v", err)
		}
	}
	if subs := second.Subscriptions(); len(subs) != 0 {
		t.Errorf("Expected %s to subscribe nothing, got %v", w2.Name(), subs)
	}
	if subs := third.Subscriptions(); len(subs) != 0 {
		t.Errorf("Expected %s to subscribe nothing, got %v", w3.Name(), subs)
	}

	off()
	eventually(t, "BlockPlaced unsubscription", func() bool {
		return len(first.Subscriptions()) == 0
	})
}

// TestEncryptedWorld tests that worlds negotiate encryption before activating
func TestEncryptedWorld(t *testing.T) {
	cfg := testConfig()
	cfg.Encryption = true
	s := New(cfg)
	client := newFakeClient(t, "Steve", "Steve")

	initialized := make(chan struct{})
	On(s, func(*WorldInitialize) { close(initialized) })

	w := connect(t, s, client)

	select {
	case <-initialized:
	case <-time.After(wait):
		t.Fatal("Timed out waiting for WorldInitialize")
	}

	if !w.Connection().Encrypted() {
		t.Error("Expected encrypted connection")
	}
	if cmds := client.Commands(); len(cmds) == 0 || !strings.HasPrefix(cmds[0], "enableencryption ") {
		t.Errorf("Expected the handshake to be the first command, got %v", cmds)
	}
	if !w.Status().Encrypted {
		t.Error("Expected status to report encryption")
	}
}

// TestQueryData tests data queries
func TestQueryData(t *testing.T) {
	s := New(testConfig())
	client := newFakeClient(t, "Steve", "Steve")
	w := connect(t, s, client)

	res, err := w.QueryData(context.Background(), protocol.PurposeDataBlock)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if res.Kind != protocol.PurposeDataBlock {
		t.Errorf("Expected data:block, got %s", res.Kind)
	}
	if blocks, ok := res.Data["blocks"].([]any); !ok || len(blocks) != 1 {
		t.Errorf("Unexpected data %v", res.Data)
	}

	if _, err := w.QueryData(context.Background(), protocol.PurposeEvent); err == nil {
		t.Error("Expected error for a non data purpose")
	}
}

// TestBroadcast tests commands sent to every world
func TestBroadcast(t *testing.T) {
	s := New(testConfig())
	clients := []*fakeClient{newFakeClient(t, "Steve", "Steve"), newFakeClient(t, "Alex", "Alex")}
	for _, c := range clients {
		connect(t, s, c)
	}

	worlds := s.Worlds()
	if len(worlds) != 2 || worlds[0].Name() != "World #1" || worlds[1].Name() != "World #2" {
		t.Fatalf("Unexpected worlds %v", worlds)
	}
	if w, ok := s.World("World #2"); !ok || w != worlds[1] {
		t.Error("Expected lookup by name")
	}

	if err := s.Broadcast(context.Background(), "say hi"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for i, c := range clients {
		if !slices.Contains(c.Commands(), "say hi") {
			t.Errorf("Expected client %d to receive the broadcast", i)
		}
	}

	if err := worlds[0].SendMessage(context.Background(), `hi "all"`); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !slices.Contains(clients[0].Commands(), `tellraw @a {"rawtext":[{"text":"hi \"all\""}]}`) {
		t.Errorf("Unexpected commands %v", clients[0].Commands())
	}

	if err := s.Close(); err != nil {
		t.Errorf("Unexpected close error: %v", err)
	}
	if err := s.Close(); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Expected ErrServerClosed, got %v", err)
	}
	eventually(t, "worlds to close", func() bool { return len(s.Worlds()) == 0 })
}

// TestConfig tests defaults and validation
func TestConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Port != 8000 || cfg.PollInterval != time.Second || cfg.RequestTimeout != 10*time.Second || cfg.CommandVersion != 1 {
		t.Errorf("Unexpected defaults %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected defaults to be valid, got %v", err)
	}
	if cfg.Addr() != ":8000" {
		t.Errorf("Expected :8000, got %s", cfg.Addr())
	}

	cfg.Encryption = true
	cfg.EncryptionMode = "ctr"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected invalid mode to be rejected")
	}

	cfg = DefaultConfig()
	cfg.PollInterval = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Expected zero poll interval to be rejected")
	}
}
