package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/0xbitsave/poolwatch-go/events"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Send pings to the peer with this period
	pingPeriod = 50 * time.Second

	// Per-client outbound buffer; slow clients are disconnected when full
	clientBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Streamer pushes live events to WebSocket clients. Each connection gets
// its own bus subscription filtered by the optional ?type= query
// parameters.
type Streamer struct {
	bus    *events.Bus
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	stopped bool
}

type streamClient struct {
	conn        *websocket.Conn
	send        chan events.Event
	done        chan struct{}
	unsubscribe func()
}

// NewStreamer creates a streamer bound to a bus.
func NewStreamer(bus *events.Bus, logger *zap.Logger) *Streamer {
	return &Streamer{
		bus:     bus,
		logger:  logger,
		clients: make(map[*streamClient]struct{}),
	}
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects.
func (s *Streamer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	var types []events.EventType
	for _, t := range r.URL.Query()["type"] {
		types = append(types, events.EventType(t))
	}
	if len(types) == 0 {
		types = events.AllEventTypes
	}

	client := &streamClient{
		conn: conn,
		send: make(chan events.Event, clientBuffer),
		done: make(chan struct{}),
	}

	client.unsubscribe = s.bus.Subscribe(types, func(e events.Event) {
		select {
		case client.send <- e:
		default:
			// Slow consumer; the write pump notices the closed
			// channel and drops the connection.
			s.disconnect(client)
		}
	})

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		client.unsubscribe()
		conn.Close()
		return
	}
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Info("websocket client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Int("total_clients", total),
	)

	go s.writePump(client)
	go s.readPump(client)
}

// ClientCount returns the number of connected clients.
func (s *Streamer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Stop disconnects all clients.
func (s *Streamer) Stop() {
	s.mu.Lock()
	s.stopped = true
	clients := make([]*streamClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		s.disconnect(c)
	}
}

// disconnect removes a client; safe to call more than once.
func (s *Streamer) disconnect(client *streamClient) {
	s.mu.Lock()
	_, ok := s.clients[client]
	if ok {
		delete(s.clients, client)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	client.unsubscribe()
	close(client.done)
}

// writePump serializes events to the connection and keeps it alive with
// pings.
func (s *Streamer) writePump(client *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case <-client.done:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			client.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case event := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteJSON(event); err != nil {
				s.disconnect(client)
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.disconnect(client)
				return
			}
		}
	}
}

// readPump discards inbound frames; its job is detecting disconnects.
func (s *Streamer) readPump(client *streamClient) {
	defer s.disconnect(client)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}
