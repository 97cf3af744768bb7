package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cabewaldrop/logfs/internal/flash"
	"github.com/cabewaldrop/logfs/internal/logfs"
	"github.com/cabewaldrop/logfs/internal/logging"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	ts := httptest.NewServer(hub)
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("invalid message %q: %v", data, err)
	}
	return msg
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub(logging.Discard())
	conn := dialHub(t, hub)

	if n, err := hub.Write([]byte("hello\r\n")); n != 7 || err != nil {
		t.Fatalf("Write returned %d, %v", n, err)
	}
	msg := readMessage(t, conn)
	if msg.Type != "line" || msg.Line != "hello\r\n" || msg.Timestamp == "" {
		t.Errorf("unexpected message %+v", msg)
	}

	hub.Event(logfs.EventLogFull)
	msg = readMessage(t, conn)
	if msg.Type != "event" || msg.Event != logfs.EventLogFull.String() {
		t.Errorf("unexpected event message %+v", msg)
	}
}

func TestHubMirrorsLog(t *testing.T) {
	hub := NewHub(logging.Discard())
	conn := dialHub(t, hub)

	store, err := flash.NewMemStore(0, 16384, 1024)
	if err != nil {
		t.Fatalf("NewMemStore failed: %v", err)
	}
	cfg := logfs.DefaultConfig()
	cfg.JournalPages = 1
	cfg.Logger = logging.Discard()
	cfg.Mirror = hub
	cfg.OnEvent = hub.Event
	l, err := logfs.New(store, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	l.SetSerialMirroring(true)
	if err := l.LogString("reading 1\n"); err != nil {
		t.Fatalf("LogString failed: %v", err)
	}

	msg := readMessage(t, conn)
	if msg.Type != "line" || msg.Line != "reading 1\r\n" {
		t.Errorf("unexpected mirrored line %+v", msg)
	}
}
