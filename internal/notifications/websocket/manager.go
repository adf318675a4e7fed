package websocket

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message types pushed to clients.
const (
	TypeBatchProgress  = "batch.progress"
	TypeBatchCompleted = "batch.completed"
	TypeSubscribed     = "subscribed"
	TypeSubscribe      = "subscribe"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

// Message is the frame exchanged with clients.
type Message struct {
	Type      string      `json:"type"`
	BatchID   string      `json:"batchId,omitempty"`
	BatchIDs  []string    `json:"batchIds,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Connection is one subscribed admin client.
type Connection struct {
	ID          string
	Email       string
	ConnectedAt time.Time
	conn        *websocket.Conn
	send        chan Message

	mu      sync.Mutex
	batches map[string]bool
}

// wants reports whether the connection follows batchID. A connection with
// no subscriptions follows every batch.
func (c *Connection) wants(batchID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches) == 0 || batchID == "" || c.batches[batchID]
}

func (c *Connection) subscribe(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.batches[id] = true
	}
}

// Hub owns the connection set; only its goroutine closes send channels.
type Hub struct {
	connections map[*Connection]bool
	broadcast   chan Message
	register    chan *Connection
	unregister  chan *Connection
	count       chan chan int
	stop        chan struct{}
	done        chan struct{}
	logger      *zap.Logger
}

// Manager upgrades HTTP requests and publishes batch progress.
type Manager struct {
	hub       *Hub
	upgrader  websocket.Upgrader
	logger    *zap.Logger
	closeOnce sync.Once
}

// NewManager starts the hub. allowedOrigins empty means same-origin only;
// "*" allows any origin.
func NewManager(allowedOrigins []string, logger *zap.Logger) *Manager {
	hub := &Hub{
		connections: make(map[*Connection]bool),
		broadcast:   make(chan Message, 256),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		count:       make(chan chan int),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		logger:      logger,
	}
	go hub.run()

	return &Manager{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set["*"] || set[origin] {
			return true
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
}

// HandleConnection upgrades the request for an already authenticated
// caller and starts its pumps.
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request, email string) (*Connection, error) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	c := &Connection{
		ID:          uuid.NewString(),
		Email:       email,
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan Message, sendBuffer),
		batches:     map[string]bool{},
	}
	select {
	case m.hub.register <- c:
	case <-m.hub.done:
		conn.Close()
		return nil, fmt.Errorf("websocket hub is closed")
	}

	go m.readPump(c)
	go m.writePump(c)
	return c, nil
}

// readPump handles subscribe frames until the client goes away.
func (m *Manager) readPump(c *Connection) {
	defer func() {
		select {
		case m.hub.unregister <- c:
		case <-m.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Debug("Websocket read failed", zap.String("connection_id", c.ID), zap.Error(err))
			}
			return
		}
		if msg.Type != TypeSubscribe {
			continue
		}
		ids := msg.BatchIDs
		if msg.BatchID != "" {
			ids = append(ids, msg.BatchID)
		}
		c.subscribe(ids)
		ack := Message{Type: TypeSubscribed, BatchIDs: ids, Timestamp: time.Now()}
		select {
		case c.send <- ack:
		default:
		}
	}
}

func (m *Manager) writePump(c *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.connections[c] = true
			h.logger.Debug("Websocket connection registered", zap.String("connection_id", c.ID), zap.String("email", c.Email))

		case c := <-h.unregister:
			if h.connections[c] {
				delete(h.connections, c)
				close(c.send)
				h.logger.Debug("Websocket connection unregistered", zap.String("connection_id", c.ID))
			}

		case msg := <-h.broadcast:
			for c := range h.connections {
				if !c.wants(msg.BatchID) {
					continue
				}
				select {
				case c.send <- msg:
				default:
					// slow consumer
					delete(h.connections, c)
					close(c.send)
				}
			}

		case reply := <-h.count:
			reply <- len(h.connections)

		case <-h.stop:
			for c := range h.connections {
				delete(h.connections, c)
				close(c.send)
			}
			return
		}
	}
}

// Publish queues msg for every interested connection. It never blocks; a
// full queue drops the message.
func (m *Manager) Publish(msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case m.hub.broadcast <- msg:
		return nil
	case <-m.hub.done:
		return fmt.Errorf("websocket hub is closed")
	default:
		return fmt.Errorf("broadcast channel full")
	}
}

// ConnectionCount returns the number of registered connections.
func (m *Manager) ConnectionCount() int {
	reply := make(chan int, 1)
	select {
	case m.hub.count <- reply:
		return <-reply
	case <-m.hub.done:
		return 0
	}
}

// Close stops the hub and closes every connection.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.hub.stop)
		<-m.hub.done
	})
}
