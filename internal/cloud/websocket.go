package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Outbound
	MsgTypePong MessageType = "pong"

	// Inbound
	MsgTypePing               MessageType = "ping"
	MsgTypeCareUpdated        MessageType = "care.updated"
	MsgTypePropagationUpdated MessageType = "propagation.updated"
)

// Message represents a WebSocket message to/from the store
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// CareUpdatedPayload announces care logged elsewhere for a plant instance
type CareUpdatedPayload struct {
	PlantInstanceID int64 `json:"plant_instance_id"`
}

// Monitor keeps a WebSocket open to the store and reports when it
// becomes reachable or unreachable. An open socket is the signal that
// queued offline care can be reconciled.
type Monitor struct {
	config    Config
	conn      *websocket.Conn
	sendChan  chan *Message
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	mu        sync.Mutex
	connected bool

	// Current retry delay for exponential backoff
	currentRetryDelay time.Duration

	onChange      func(online bool)
	onCareUpdated func(plantInstanceID int64)
}

// NewMonitor creates a WebSocket connectivity monitor
func NewMonitor(config Config) *Monitor {
	return &Monitor{
		config:            config,
		sendChan:          make(chan *Message, 16),
		stopChan:          make(chan struct{}),
		currentRetryDelay: config.InitialRetryDelay,
	}
}

// OnChange sets the callback for connectivity transitions
func (m *Monitor) OnChange(cb func(online bool)) {
	m.mu.Lock()
	m.onChange = cb
	m.mu.Unlock()
}

// OnCareUpdated sets the callback for care logged by other clients
func (m *Monitor) OnCareUpdated(cb func(plantInstanceID int64)) {
	m.mu.Lock()
	m.onCareUpdated = cb
	m.mu.Unlock()
}

// Start begins connecting in the background
func (m *Monitor) Start(ctx context.Context) error {
	m.wg.Add(1)
	go m.connectionLoop(ctx)
	return nil
}

// Stop disconnects and waits for the loops to exit
func (m *Monitor) Stop() error {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
	}
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

// IsConnected returns whether the WebSocket is connected
func (m *Monitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// connectionLoop manages the WebSocket connection with exponential backoff
func (m *Monitor) connectionLoop(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopChan:
			m.disconnect()
			return
		case <-ctx.Done():
			m.disconnect()
			return
		default:
		}

		if err := m.connect(ctx); err != nil {
			log.Printf("Failed to connect to store: %v", err)
			if !m.waitWithBackoff(ctx) {
				return
			}
			continue
		}

		// Reset retry delay on successful connection
		m.currentRetryDelay = m.config.InitialRetryDelay

		m.runMessageLoops(ctx)
		m.disconnect()

		log.Println("Disconnected from store, reconnecting...")
		if !m.waitWithBackoff(ctx) {
			return
		}
	}
}

// waitWithBackoff waits for the current retry delay with jitter. It
// returns false if the monitor was stopped while waiting.
func (m *Monitor) waitWithBackoff(ctx context.Context) bool {
	jitter := m.currentRetryDelay.Seconds() * m.config.JitterPercent * (rand.Float64()*2 - 1)
	delay := m.currentRetryDelay + time.Duration(jitter*float64(time.Second))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-m.stopChan:
		return false
	case <-ctx.Done():
		return false
	}

	m.currentRetryDelay = time.Duration(float64(m.currentRetryDelay) * m.config.BackoffMultiplier)
	if m.currentRetryDelay > m.config.MaxRetryDelay {
		m.currentRetryDelay = m.config.MaxRetryDelay
	}
	return true
}

// connect establishes the WebSocket connection
func (m *Monitor) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	header := http.Header{}
	header.Set("X-API-Key", m.config.APIKey)

	conn, _, err := dialer.DialContext(ctx, m.config.WebSocketURL, header)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	log.Printf("Connected to store WebSocket: %s", m.config.WebSocketURL)
	m.setConnected(true)
	return nil
}

// disconnect closes the WebSocket connection
func (m *Monitor) disconnect() {
	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()
	m.setConnected(false)
}

func (m *Monitor) setConnected(online bool) {
	m.mu.Lock()
	changed := m.connected != online
	m.connected = online
	cb := m.onChange
	m.mu.Unlock()

	if changed && cb != nil {
		cb(online)
	}
}

// runMessageLoops runs the read and write loops until either exits
func (m *Monitor) runMessageLoops(ctx context.Context) {
	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.readLoop(done)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.writeLoop(ctx, done)
	}()

	wg.Wait()
}

// readLoop reads messages from the WebSocket
func (m *Monitor) readLoop(done chan struct{}) {
	defer close(done)

	for {
		m.mu.Lock()
		conn := m.conn
		m.mu.Unlock()

		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(m.config.ReadTimeout))

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Failed to parse message: %v", err)
			continue
		}

		m.handleMessage(&msg)
	}
}

// writeLoop sends queued messages and keepalive pings
func (m *Monitor) writeLoop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			m.closeConn()
			return
		case <-m.stopChan:
			m.closeConn()
			return

		case msg := <-m.sendChan:
			m.mu.Lock()
			conn := m.conn
			m.mu.Unlock()

			if conn == nil {
				continue
			}

			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("Failed to marshal message: %v", err)
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(m.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("WebSocket write error: %v", err)
				m.closeConn()
				return
			}

		case <-ticker.C:
			m.mu.Lock()
			conn := m.conn
			m.mu.Unlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(m.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("Ping failed: %v", err)
				m.closeConn()
				return
			}
		}
	}
}

// closeConn unblocks the read loop
func (m *Monitor) closeConn() {
	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
	}
	m.mu.Unlock()
}

// handleMessage processes an incoming WebSocket message
func (m *Monitor) handleMessage(msg *Message) {
	m.mu.Lock()
	onCareUpdated := m.onCareUpdated
	m.mu.Unlock()

	switch msg.Type {
	case MsgTypeCareUpdated:
		var p CareUpdatedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			log.Printf("Failed to parse %s: %v", msg.Type, err)
			return
		}
		if onCareUpdated != nil {
			onCareUpdated(p.PlantInstanceID)
		}

	case MsgTypePropagationUpdated:
		// Propagations are read through on demand; nothing is cached.

	case MsgTypePing:
		m.sendPong(msg.ID)

	default:
		log.Printf("Unknown message type: %s", msg.Type)
	}
}

// sendPong sends a pong response to a ping
func (m *Monitor) sendPong(pingID string) {
	payload, _ := json.Marshal(map[string]interface{}{
		"ping_id": pingID,
	})

	msg := &Message{
		Type:      MsgTypePong,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}

	select {
	case m.sendChan <- msg:
	default:
		log.Printf("Send queue full, dropping pong")
	}
}
