package web

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxorio/switchboard/pkg/core"
	"github.com/fluxorio/switchboard/pkg/statemachine"
)

// FeedConfig configures the websocket transition feed.
type FeedConfig struct {
	Addr   string
	Logger core.Logger
}

// TransitionFrame is one feed message: a machine changed state.
type TransitionFrame struct {
	MachineID string    `json:"machineId"`
	OldState  string    `json:"oldState"`
	NewState  string    `json:"newState"`
	Complete  bool      `json:"complete"`
	At        time.Time `json:"at"`
}

// feedClient is one websocket subscriber. machineID narrows the feed to a
// single machine when non-empty.
type feedClient struct {
	conn      *websocket.Conn
	machineID string
	mu        sync.Mutex
}

func (c *feedClient) write(frame TransitionFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(frame)
}

// FeedServer pushes state transitions to websocket subscribers. The gateway
// runs on fasthttp, which cannot hand a connection to the gorilla upgrader,
// so the feed listens on its own address with net/http.
//
// Register it on the registry with AddListener; clients connect to
// GET /v1/feed, optionally with ?machine=<id>.
type FeedServer struct {
	upgrader websocket.Upgrader
	server   *http.Server
	logger   core.Logger
	addr     string

	mu      sync.RWMutex
	clients map[*feedClient]struct{}
}

var _ statemachine.Listener = (*FeedServer)(nil)

// NewFeedServer builds the feed server. Start it with ListenAndServe or
// Serve.
func NewFeedServer(cfg FeedConfig) *FeedServer {
	logger := cfg.Logger
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8081"
	}

	f := &FeedServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger,
		addr:    cfg.Addr,
		clients: make(map[*feedClient]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/feed", f.handleFeed)
	f.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return f
}

// ListenAndServe blocks serving on the configured address.
func (f *FeedServer) ListenAndServe() error {
	f.logger.Infof("transition feed listening on %s", f.addr)
	return f.server.ListenAndServe()
}

// Serve blocks serving on a caller-provided listener.
func (f *FeedServer) Serve(ln net.Listener) error {
	return f.server.Serve(ln)
}

// Shutdown closes all subscriber connections and stops the server.
func (f *FeedServer) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	for c := range f.clients {
		c.conn.Close()
		delete(f.clients, c)
	}
	f.mu.Unlock()
	return f.server.Shutdown(ctx)
}

func (f *FeedServer) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Errorf("feed upgrade failed: %v", err)
		return
	}

	client := &feedClient{
		conn:      conn,
		machineID: r.URL.Query().Get("machine"),
	}
	f.mu.Lock()
	f.clients[client] = struct{}{}
	f.mu.Unlock()

	// Read pump: the feed is one-way, reads only detect the close.
	go func() {
		defer f.removeClient(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// ClientCount reports the number of connected subscribers.
func (f *FeedServer) ClientCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

func (f *FeedServer) removeClient(c *feedClient) {
	f.mu.Lock()
	_, ok := f.clients[c]
	delete(f.clients, c)
	f.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}

func (f *FeedServer) OnRegistryCreate(machineID string)    {}
func (f *FeedServer) OnRegistryRehydrate(machineID string) {}
func (f *FeedServer) OnRegistryRemove(machineID string)    {}

// OnStateMachineEvent broadcasts one transition frame. Dead connections are
// dropped on write failure.
func (f *FeedServer) OnStateMachineEvent(ctx context.Context, machineID, oldState, newState string, persistent statemachine.PersistentContext, volatile interface{}) {
	frame := TransitionFrame{
		MachineID: machineID,
		OldState:  oldState,
		NewState:  newState,
		Complete:  persistent.Complete(),
		At:        persistent.LastStateChange(),
	}

	f.mu.RLock()
	targets := make([]*feedClient, 0, len(f.clients))
	for c := range f.clients {
		if c.machineID == "" || c.machineID == machineID {
			targets = append(targets, c)
		}
	}
	f.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(frame); err != nil {
			f.removeClient(c)
		}
	}
}
