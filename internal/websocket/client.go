// Package websocket is the signaling client: it keeps a websocket open to
// the signaling server and exchanges SDP offers, answers and ICE
// candidates as JSON messages.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bohdanbtw/TalkMe-sub001/internal/logging"
)

var log = logging.L("signal")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
)

// Message types.
const (
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "candidate"
	TypeBye       = "bye"
	TypeError     = "error"
)

var (
	ErrStopped  = errors.New("signal: client is stopped")
	ErrSendFull = errors.New("signal: send channel is full")
)

type Config struct {
	ServerURL string
	HostID    string
	AuthToken string
}

// Message is one signaling exchange. Session ties offers, answers and
// candidates to one viewer.
type Message struct {
	Type      string `json:"type"`
	Session   string `json:"session,omitempty"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Handler processes one inbound message and optionally returns a reply.
// Messages are handled one at a time in arrival order.
type Handler func(msg Message) *Message

// Client manages the signaling connection, reconnecting with jittered
// exponential backoff until stopped.
type Client struct {
	config   Config
	conn     *websocket.Conn
	connMu   sync.RWMutex
	handler  Handler
	done     chan struct{}
	sendChan chan []byte
	inbound  chan Message
	stopOnce sync.Once

	// backoff is the first reconnect delay.
	backoff time.Duration
}

func New(cfg Config, handler Handler) *Client {
	return &Client{
		config:   cfg,
		handler:  handler,
		done:     make(chan struct{}),
		sendChan: make(chan []byte, 64),
		inbound:  make(chan Message, 16),
		backoff:  initialBackoff,
	}
}

// Run connects and serves until ctx is cancelled or Stop is called.
func (c *Client) Run(ctx context.Context) error {
	if _, err := c.buildWSURL(); err != nil {
		return fmt.Errorf("signaling url: %w", err)
	}
	go func() {
		select {
		case <-ctx.Done():
			c.Stop()
		case <-c.done:
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.dispatch()
	}()
	c.reconnectLoop()
	wg.Wait()
	return nil
}

// Stop gracefully closes the connection.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()

		log.Info("client stopped")
	})
}

func (c *Client) connect() (*websocket.Conn, error) {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return nil, fmt.Errorf("failed to build WebSocket URL: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c.connMu.Lock()
	select {
	case <-c.done:
		c.connMu.Unlock()
		conn.Close()
		return nil, ErrStopped
	default:
	}
	c.conn = conn
	c.connMu.Unlock()

	conn.SetReadLimit(maxMessageSize)
	log.Info("connected", "server", c.config.ServerURL)
	return conn, nil
}

func (c *Client) buildWSURL() (string, error) {
	serverURL, err := url.Parse(c.config.ServerURL)
	if err != nil {
		return "", err
	}

	switch serverURL.Scheme {
	case "https":
		serverURL.Scheme = "wss"
	case "http":
		serverURL.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", serverURL.Scheme)
	}

	q := serverURL.Query()
	if c.config.HostID != "" {
		q.Set("host", c.config.HostID)
	}
	if c.config.AuthToken != "" {
		q.Set("token", c.config.AuthToken)
	}
	serverURL.RawQuery = q.Encode()

	return serverURL.String(), nil
}

func (c *Client) reconnectLoop() {
	backoff := c.backoff

	for {
		select {
		case <-c.done:
			return
		default:
		}

		conn, err := c.connect()
		if errors.Is(err, ErrStopped) {
			return
		}
		if err != nil {
			log.Warn("connection failed", logging.Err(err))

			jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
			sleep := backoff + jitter
			if sleep < 0 {
				sleep = backoff
			}

			log.Info("retrying", "delay", sleep)
			select {
			case <-c.done:
				return
			case <-time.After(sleep):
			}

			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = c.backoff

		done := make(chan struct{})
		go c.writePump(conn, done)
		c.readPump(conn)
		close(done)
		conn.Close()

		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
	}
}

func (c *Client) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", logging.Err(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("failed to parse message", logging.Err(err))
			continue
		}
		if msg.Type == "" {
			continue
		}

		select {
		case c.inbound <- msg:
		case <-c.done:
			return
		}
	}
}

// dispatch runs the handler outside the read pump so a slow offer does not
// stall pong processing.
func (c *Client) dispatch() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.inbound:
			reply := c.handle(msg)
			if reply == nil {
				continue
			}
			if reply.Session == "" {
				reply.Session = msg.Session
			}
			if err := c.Send(*reply); err != nil {
				log.Warn("failed to send reply", "type", reply.Type, logging.Err(err))
			}
		}
	}
}

func (c *Client) handle(msg Message) (reply *Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("signaling handler panicked", "type", msg.Type, "panic", fmt.Sprint(r))
			reply = &Message{Type: TypeError, Error: "internal error"}
		}
	}()
	return c.handler(msg)
}

func (c *Client) writePump(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.done:
			return

		case message := <-c.sendChan:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn("write error", logging.Err(err))
				conn.Close()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// Send queues msg without blocking.
func (c *Client) Send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.sendChan <- data:
		return nil
	case <-c.done:
		return ErrStopped
	default:
		return ErrSendFull
	}
}
