package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/mschirtzinger/todosync/internal/queue"
	"github.com/mschirtzinger/todosync/internal/syncer"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(&Config{
		Host:   "127.0.0.1",
		Port:   0, // Use random available port
		Logger: log.New(io.Discard, "", 0),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func read(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Host: "127.0.0.1", Port: 0, Logger: log.New(io.Discard, "", 0)})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if addr := server.GetAddr(); addr == "" {
		t.Fatal("Server address is empty")
	}

	resp, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	var health map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

// TestWelcomeState tests that a new client receives the current state.
func TestWelcomeState(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, log.New(io.Discard, "", 0))
	handler.OnConnectivity(true)
	handler.OnQueueStatus(queue.Status{AccountID: "acct", Pending: 2, HasUnsynced: true})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)

	msg := read(t, ctx, conn)
	if msg.Type != MessageTypeState {
		t.Fatalf("Expected welcome message type %s, got %s", MessageTypeState, msg.Type)
	}
	var state StateData
	if err := json.Unmarshal(msg.Data, &state); err != nil {
		t.Fatalf("Failed to unmarshal state: %v", err)
	}
	if !state.Online || state.Queues["acct"].Pending != 2 || !state.Queues["acct"].HasUnsynced {
		t.Errorf("state = %+v", state)
	}
	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}
}

// TestHandlerEvents tests the message sent for each sync event.
func TestHandlerEvents(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)
	read(t, ctx, conn) // welcome

	tests := []struct {
		name  string
		fire  func()
		want  MessageType
		check func(t *testing.T, data json.RawMessage)
	}{
		{
			name: "queue status",
			fire: func() { handler.OnQueueStatus(queue.Status{AccountID: "acct", Pending: 1, HasUnsynced: true}) },
			want: MessageTypeQueueStatus,
			check: func(t *testing.T, data json.RawMessage) {
				var st queue.Status
				_ = json.Unmarshal(data, &st)
				if st.Pending != 1 || !st.HasUnsynced {
					t.Errorf("status = %+v", st)
				}
			},
		},
		{
			name: "connectivity",
			fire: func() { handler.OnConnectivity(false) },
			want: MessageTypeConnectivity,
		},
		{
			name: "refresh complete",
			fire: func() { handler.OnRefresh(&syncer.Report{AccountID: "acct", Upserted: 4}, nil) },
			want: MessageTypeRefreshComplete,
			check: func(t *testing.T, data json.RawMessage) {
				var r syncer.Report
				_ = json.Unmarshal(data, &r)
				if r.Upserted != 4 {
					t.Errorf("report = %+v", r)
				}
			},
		},
		{
			name: "refresh failed",
			fire: func() {
				handler.OnRefresh(nil, &syncer.RefreshError{AccountID: "acct", Attempts: 3, Err: errors.New("HTTP 503")})
			},
			want: MessageTypeRefreshFailed,
			check: func(t *testing.T, data json.RawMessage) {
				var f RefreshFailedData
				_ = json.Unmarshal(data, &f)
				if f.Attempts != 3 || f.AccountID != "acct" {
					t.Errorf("failure = %+v", f)
				}
			},
		},
		{
			name: "drain complete",
			fire: func() { handler.OnDrain(&queue.Result{Processed: 1, Succeeded: 1}) },
			want: MessageTypeDrainComplete,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fire()
			msg := read(t, ctx, conn)
			if msg.Type != tt.want {
				t.Fatalf("Expected message type %s, got %s", tt.want, msg.Type)
			}
			if tt.check != nil {
				tt.check(t, msg.Data)
			}
		})
	}

	state := handler.State()
	if state.Online || state.LastError == "" || state.LastRefresh == nil {
		t.Errorf("state = %+v", state)
	}
}

// TestHandlerRun tests forwarding from watch channels.
func TestHandlerRun(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, log.New(io.Discard, "", 0))

	statuses := make(chan queue.Status, 1)
	online := make(chan bool, 1)
	done := make(chan struct{})
	go func() {
		handler.Run(context.Background(), statuses, online)
		close(done)
	}()

	statuses <- queue.Status{AccountID: "acct", Pending: 3, HasUnsynced: true}
	online <- true
	close(statuses)
	close(online)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after channels closed")
	}
	state := handler.State()
	if !state.Online || state.Queues["acct"].Pending != 3 {
		t.Errorf("state = %+v", state)
	}
}
