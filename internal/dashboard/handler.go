package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"maps"
	"sync"
	"time"

	"github.com/mschirtzinger/todosync/internal/queue"
	"github.com/mschirtzinger/todosync/internal/syncer"
)

// ConnectivityData contains the reachability of the server
type ConnectivityData struct {
	Online bool `json:"online"`
}

// RefreshFailedData describes a refresh that gave up
type RefreshFailedData struct {
	AccountID string `json:"account_id,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	Error     string `json:"error"`
}

// StateData is the full sync state sent to new clients
type StateData struct {
	Online      bool                    `json:"online"`
	Queues      map[string]queue.Status `json:"queues"`
	LastRefresh *syncer.Report          `json:"last_refresh,omitempty"`
	LastError   string                  `json:"last_error,omitempty"`
}

// Handler turns sync events into dashboard messages and keeps the state
// snapshot new clients receive.
type Handler struct {
	server *Server
	logger *log.Logger

	mu    sync.Mutex
	state StateData
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = DefaultConfig().Logger
	}

	h := &Handler{
		server: server,
		logger: logger,
		state:  StateData{Queues: make(map[string]queue.Status)},
	}
	server.SetSnapshot(h.snapshot)
	return h
}

// Run forwards queue status and connectivity changes until ctx is done or
// both channels are closed.
//
// Example:
//
//	go h.Run(ctx, processor.Watch(ctx), monitor.Watch(ctx))
func (h *Handler) Run(ctx context.Context, statuses <-chan queue.Status, online <-chan bool) {
	for statuses != nil || online != nil {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			h.OnQueueStatus(st)
		case up, ok := <-online:
			if !ok {
				online = nil
				continue
			}
			h.OnConnectivity(up)
		}
	}
}

// OnQueueStatus handles a change of an account's pending count
func (h *Handler) OnQueueStatus(st queue.Status) {
	h.mu.Lock()
	h.state.Queues[st.AccountID] = st
	h.mu.Unlock()

	h.send(MessageTypeQueueStatus, st)
}

// OnConnectivity handles a connectivity change
func (h *Handler) OnConnectivity(online bool) {
	h.logger.Printf("Server %s", map[bool]string{true: "reachable", false: "unreachable"}[online])

	h.mu.Lock()
	h.state.Online = online
	h.mu.Unlock()

	h.send(MessageTypeConnectivity, ConnectivityData{Online: online})
}

// OnRefresh handles the outcome of a refresh. A refresh that drained the
// queue first also produces a drain_complete message.
func (h *Handler) OnRefresh(report *syncer.Report, err error) {
	if err != nil {
		data := RefreshFailedData{Error: err.Error()}
		var rerr *syncer.RefreshError
		if errors.As(err, &rerr) {
			data.AccountID = rerr.AccountID
			data.Attempts = rerr.Attempts
		}

		h.mu.Lock()
		h.state.LastError = data.Error
		h.mu.Unlock()

		h.send(MessageTypeRefreshFailed, data)
		return
	}

	h.mu.Lock()
	h.state.LastRefresh = report
	h.state.LastError = ""
	h.mu.Unlock()

	h.OnDrain(report.Drained)
	h.send(MessageTypeRefreshComplete, report)
}

// OnDrain handles the outcome of a queue drain
func (h *Handler) OnDrain(res *queue.Result) {
	if res == nil {
		return
	}
	h.send(MessageTypeDrainComplete, res)
}

// State returns a copy of the current state
func (h *Handler) State() StateData {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.state
	st.Queues = maps.Clone(h.state.Queues)
	return st
}

func (h *Handler) snapshot() Message {
	data, err := json.Marshal(h.State())
	if err != nil {
		h.logger.Printf("Failed to marshal state: %v", err)
	}
	return Message{Type: MessageTypeState, Timestamp: time.Now(), Data: data}
}

func (h *Handler) send(typ MessageType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: data})
}
