package connectivity

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WSConfig configures the WebSocket heartbeat monitor.
type WSConfig struct {
	// URL of the sync server's heartbeat endpoint, e.g. wss://host/v1/heartbeat.
	URL string

	// ReconnectMin and ReconnectMax bound the reconnect backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	// Logger for monitor activity.
	Logger *log.Logger
}

// DefaultWSConfig returns sensible defaults for url.
func DefaultWSConfig(url string) *WSConfig {
	return &WSConfig{
		URL:          url,
		ReconnectMin: time.Second,
		ReconnectMax: time.Minute,
		Logger:       log.New(os.Stderr, "[connectivity] ", log.LstdFlags),
	}
}

// WSMonitor maintains a heartbeat WebSocket connection to the sync server.
// While the connection is open the monitor reports online; when it drops,
// offline. Reconnection uses doubling backoff between ReconnectMin and
// ReconnectMax.
type WSMonitor struct {
	config *WSConfig
	state  *Manual

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWSMonitor creates the monitor. It starts offline; call Start to begin
// connecting.
func NewWSMonitor(config *WSConfig) *WSMonitor {
	if config == nil {
		config = DefaultWSConfig("")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	if config.ReconnectMin <= 0 {
		config.ReconnectMin = time.Second
	}
	if config.ReconnectMax < config.ReconnectMin {
		config.ReconnectMax = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WSMonitor{
		config: config,
		state:  NewManual(false),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Online implements Monitor.
func (m *WSMonitor) Online() bool { return m.state.Online() }

// Subscribe implements Monitor.
func (m *WSMonitor) Subscribe(fn func(online bool)) func() {
	return m.state.Subscribe(fn)
}

// Start launches the connection loop.
func (m *WSMonitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop closes the connection and waits for the loop to exit.
func (m *WSMonitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

func (m *WSMonitor) run() {
	defer m.wg.Done()

	backoff := m.config.ReconnectMin
	for {
		if m.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.Dial(m.ctx, m.config.URL, nil)
		if err != nil {
			m.config.Logger.Printf("Heartbeat dial failed: %v (retrying in %v)", err, backoff)
			m.state.SetOnline(false)
			select {
			case <-time.After(backoff):
			case <-m.ctx.Done():
				return
			}
			backoff *= 2
			if backoff > m.config.ReconnectMax {
				backoff = m.config.ReconnectMax
			}
			continue
		}

		m.config.Logger.Printf("Heartbeat connected: %s", m.config.URL)
		m.state.SetOnline(true)
		backoff = m.config.ReconnectMin

		m.readUntilClosed(conn)
		m.state.SetOnline(false)
	}
}

// readUntilClosed consumes heartbeat frames until the connection drops or
// the monitor stops.
func (m *WSMonitor) readUntilClosed(conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "monitor stopping")

	for {
		if _, _, err := conn.Read(m.ctx); err != nil {
			if m.ctx.Err() == nil {
				m.config.Logger.Printf("Heartbeat connection lost: %v", err)
			}
			return
		}
	}
}
