package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/protocol"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/sblog"
	"github.com/tutinoko2048/SocketBE-sub000/pkg/server"
	websockets "github.com/tutinoko2048/SocketBE-sub000/pkg/transport/websocket"
)

func testServer(t *testing.T) (*server.Server, *httptest.Server) {
	t.Helper()

	cfg := server.DefaultConfig()
	cfg.Path = "/ws"
	cfg.RequestTimeout = time.Second
	cfg.PollInterval = time.Hour

	srv := server.New(cfg)
	ws := websockets.NewTransport()
	ts := httptest.NewServer(newRouter(srv, cfg.Path, ws, sblog.Nop{}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx, ws)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		ws.Close()
		<-done
		ts.Close()
	})
	return srv, ts
}

// dialGame connects a minimal game client that answers list and
// getlocalplayername for a world with one player.
func dialGame(t *testing.T, ts *httptest.Server, player string) *websocket.Conn {
	t.Helper()

	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := protocol.ParseFrame(data)
			if err != nil || f.Header.MessagePurpose != protocol.PurposeCommandRequest {
				continue
			}

			body := map[string]any{"statusCode": 0, "statusMessage": ""}
			switch f.Body["commandLine"] {
			case "list":
				body["players"] = player
				body["maxPlayerCount"] = 5
			case "getlocalplayername":
				body["localplayername"] = player
			default:
				body["statusMessage"] = "done"
			}

			reply, _ := json.Marshal(map[string]any{
				"header": map[string]any{"version": 1, "requestId": f.Header.RequestID, "messagePurpose": "commandResponse"},
				"body":   body,
			})
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
	}()
	return conn
}

func getJSON(t *testing.T, u string, v any) int {
	t.Helper()
	res, err := http.Get(u)
	if err != nil {
		t.Fatalf("GET %s failed: %v", u, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusOK && v != nil {
		if err := json.NewDecoder(res.Body).Decode(v); err != nil {
			t.Fatalf("Invalid JSON from %s: %v", u, err)
		}
	}
	return res.StatusCode
}

// TestWorldsEmpty tests the status API without worlds
func TestWorldsEmpty(t *testing.T) {
	_, ts := testServer(t)

	var worlds []server.WorldStatus
	if code := getJSON(t, ts.URL+"/worlds", &worlds); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if worlds == nil || len(worlds) != 0 {
		t.Errorf("Expected an empty list, got %v", worlds)
	}

	if code := getJSON(t, ts.URL+"/worlds/"+url.PathEscape("World #1"), nil); code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", code)
	}
}

// TestWorldsConnected tests the status API and commands for a connected world
func TestWorldsConnected(t *testing.T) {
	srv, ts := testServer(t)
	dialGame(t, ts, "Steve")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if w, ok := srv.World("World #1"); ok && len(w.Players()) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for the world")
		}
		time.Sleep(5 * time.Millisecond)
	}

	var status server.WorldStatus
	if code := getJSON(t, ts.URL+"/worlds/"+url.PathEscape("World #1"), &status); code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", code)
	}
	if status.State != "active" || len(status.Players) != 1 || status.Players[0] != "Steve" || status.MaxPlayers != 5 {
		t.Errorf("Unexpected status %+v", status)
	}

	res, err := http.Post(ts.URL+"/worlds/"+url.PathEscape("World #1")+"/commands", "application/json", strings.NewReader(`{"commandLine":"say hi"}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer res.Body.Close()

	var out commandResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if res.StatusCode != http.StatusOK || out.StatusMessage != "done" {
		t.Errorf("Unexpected command response %d %+v", res.StatusCode, out)
	}

	bad, err := http.Post(ts.URL+"/worlds/"+url.PathEscape("World #1")+"/commands", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", bad.StatusCode)
	}
}

// TestDebugRequests tests that request traces are served
func TestDebugRequests(t *testing.T) {
	_, ts := testServer(t)

	if code := getJSON(t, ts.URL+"/debug/requests", nil); code != http.StatusOK {
		t.Errorf("Expected 200, got %d", code)
	}
}
