package wsnet

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/blukai/bettertogether/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/phuslu/log"
)

type Client struct {
	logger *log.Logger
	dialer websocket.Dialer
	queue  transport.Queue

	mu     sync.Mutex
	conn   *websocket.Conn
	server *Peer
}

var _ transport.Client = (*Client)(nil)

func NewClient(logger *log.Logger) *Client {
	return &Client{
		logger: silencedLogger(logger),
		dialer: websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// wsURL accepts "host:port" as well as a full ws:// or wss:// url.
func wsURL(address string) (string, error) {
	if strings.HasPrefix(address, "ws://") || strings.HasPrefix(address, "wss://") {
		return address, nil
	}
	u := url.URL{Scheme: "ws", Host: address, Path: "/"}
	if u.Host == "" {
		return "", fmt.Errorf("empty address")
	}
	return u.String(), nil
}

// Connect dials the server and sends the connection request. The outcome
// arrives as an event: PeerConnected on accept, PeerDisconnected carrying the
// reason on reject.
func (c *Client) Connect(address string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return fmt.Errorf("already connected")
	}

	u, err := wsURL(address)
	if err != nil {
		return fmt.Errorf("could not build url: %w", err)
	}

	conn, _, err := c.dialer.Dial(u, nil)
	if err != nil {
		return fmt.Errorf("could not dial websocket: %w", err)
	}

	frame := make([]byte, 0, 1+len(data))
	frame = append(frame, frameConnect)
	frame = append(frame, data...)
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		_ = conn.Close()
		return fmt.Errorf("could not set write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		_ = conn.Close()
		return fmt.Errorf("could not write connection request: %w", err)
	}

	c.conn = conn
	go c.runHandshake(conn)
	return nil
}

func (c *Client) runHandshake(conn *websocket.Conn) {
	p := newPeer(conn, conn.RemoteAddr().String(), c.logger)

	messageType, frame, err := conn.ReadMessage()
	if err != nil || messageType != websocket.BinaryMessage || len(frame) != 1 || frame[0] != frameAccept {
		var reason []byte
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			reason = []byte(closeErr.Text)
		}
		_ = conn.Close()

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		c.queue.Push(transport.Event{
			Kind:   transport.EventPeerDisconnected,
			Reason: reason,
		})
		return
	}

	c.mu.Lock()
	c.server = p
	c.mu.Unlock()

	c.queue.Push(transport.Event{
		Kind: transport.EventPeerConnected,
		Peer: p,
	})

	go p.runWriter()
	p.runReader(&c.queue)

	c.mu.Lock()
	if c.server == p {
		c.server = nil
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Client) Server() transport.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server == nil {
		return nil
	}
	return c.server
}

func (c *Client) PollEvents(handle func(transport.Event)) {
	c.queue.Drain(handle, nil)
}

func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	server := c.server
	c.conn = nil
	c.server = nil
	c.mu.Unlock()

	if server != nil {
		server.Disconnect(nil)
		return nil
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}
