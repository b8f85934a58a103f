// Package syncclient keeps a local, non-authoritative mirror of the server's
// state table and exposes the client half of the protocol: state writes,
// rpcs, pings and lifecycle events.
package syncclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blukai/bettertogether/internal/listeners"
	"github.com/blukai/bettertogether/internal/protocol"
	"github.com/blukai/bettertogether/internal/state"
	"github.com/blukai/bettertogether/internal/transport"
	"github.com/phuslu/log"
)

var ErrNotOwner = errors.New("key belongs to another player")

type Config struct {
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"15ms"`
	HandshakeKey string        `envconfig:"HANDSHAKE_KEY" default:"BetterTogether"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Millisecond,
		HandshakeKey: protocol.DefaultKey,
	}
}

type clientEvent uint8

const (
	eventDisconnected clientEvent = iota
	eventKicked
	eventBanned
	eventPlayerConnected
	eventPlayerDisconnected
)

// RPCHandler receives the identity of the caller, or "server".
type RPCHandler func(player string, args []byte)

// StateHandler is called with every SetState packet applied to a key.
type StateHandler func(packet protocol.Packet)

type Client struct {
	transport transport.Client
	config    Config
	logger    *log.Logger

	mu      sync.RWMutex
	id      string
	players []string
	// sent along with the connection request
	initStates *protocol.ConnectionData

	states *state.Store
	// unix nanos of the last pong, 0 when none arrived since the last ping
	lastPong atomic.Int64

	rpcs      *listeners.Registry[string, RPCHandler]
	handlers  *listeners.Registry[string, StateHandler]
	events    *listeners.Registry[clientEvent, func(string)]
	connected *listeners.Registry[struct{}, func(id string, others []string)]
	inits     *listeners.Registry[struct{}, func(states map[string][]byte)]
}

func NewClient(t transport.Client, config Config, logger *log.Logger) *Client {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	if config.PollInterval <= 0 {
		config.PollInterval = 15 * time.Millisecond
	}
	if config.HandshakeKey == "" {
		config.HandshakeKey = protocol.DefaultKey
	}

	return &Client{
		transport: t,
		config:    config,
		logger:    logger,

		initStates: protocol.NewConnectionData(config.HandshakeKey),
		states:     state.NewStore(),

		rpcs:      listeners.New[string, RPCHandler](),
		handlers:  listeners.New[string, StateHandler](),
		events:    listeners.New[clientEvent, func(string)](),
		connected: listeners.New[struct{}, func(id string, others []string)](),
		inits:     listeners.New[struct{}, func(states map[string][]byte)](),
	}
}

// SetInitState queues a global state to be merged by the server during the
// handshake.
func (c *Client) SetInitState(key string, value []byte) *Client {
	c.mu.Lock()
	c.initStates.SetState(key, value)
	c.mu.Unlock()
	return c
}

// SetInitPlayerState queues a state the server files under the identity it
// assigns to this client.
func (c *Client) SetInitPlayerState(key string, value []byte) *Client {
	return c.SetInitState(protocol.PlayerStatePrefix+key, value)
}

func (c *Client) DeleteInitState(key string) *Client {
	c.mu.Lock()
	c.initStates.DeleteState(key)
	c.mu.Unlock()
	return c
}

// Connect sends the connection request. The outcome is reported through
// OnConnected or OnDisconnected once the client polls.
func (c *Client) Connect(address string) error {
	c.mu.RLock()
	data, err := c.initStates.MarshalBinary()
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("could not marshal connection data: %w", err)
	}

	if err := c.transport.Connect(address, data); err != nil {
		return fmt.Errorf("could not connect: %w", err)
	}
	c.logger.Debug().Str("addr", address).Msg("connection requested")
	return nil
}

// Run polls the transport every PollInterval until ctx is done, then
// disconnects.
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.Disconnect()
		case <-ticker.C:
			c.PollOnce()
		}
	}
}

func (c *Client) PollOnce() {
	c.transport.PollEvents(c.handleEvent)
}

// Disconnect closes the connection and forgets the identity, the player
// list and every cached state.
func (c *Client) Disconnect() error {
	c.reset()
	c.states.Clear()
	if err := c.transport.Close(); err != nil {
		return fmt.Errorf("could not close transport: %w", err)
	}
	return nil
}

func (c *Client) reset() {
	c.mu.Lock()
	c.id = ""
	c.players = nil
	c.mu.Unlock()
}

// ID is the identity assigned by the server, empty until connected.
func (c *Client) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Players lists every connected identity including this client's own.
func (c *Client) Players() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.players)
}

// Connected reports whether the server has assigned an identity.
func (c *Client) Connected() bool {
	return c.ID() != ""
}

func (c *Client) send(packet protocol.Packet, method transport.DeliveryMethod) error {
	server := c.transport.Server()
	if server == nil {
		return transport.ErrNotConnected
	}
	data, err := protocol.Pack(packet)
	if err != nil {
		return fmt.Errorf("could not pack: %w", err)
	}
	if err := server.Send(data, method); err != nil {
		return fmt.Errorf("could not send: %w", err)
	}
	return nil
}

func (c *Client) handleEvent(ev transport.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Str("event", ev.Kind.String()).
				Msgf("recovered while handling event: %v", r)
		}
	}()

	switch ev.Kind {
	case transport.EventPeerConnected:
		c.logger.Debug().Str("addr", ev.Peer.RemoteAddr()).Msg("accepted, waiting for identity")
	case transport.EventReceive:
		c.handleReceive(ev.Peer, ev.Data, ev.Method)
	case transport.EventPeerDisconnected:
		c.reset()
		c.logger.Info().Str("reason", string(ev.Reason)).Msg("disconnected")
		c.emit(eventDisconnected, string(ev.Reason))
	}
}

func (c *Client) handleReceive(peer transport.Peer, data []byte, method transport.DeliveryMethod) {
	packet, err := protocol.Unpack(data)
	if err != nil {
		c.logger.Debug().Msgf("dropping undecodable packet: %v", err)
		return
	}

	c.logger.Trace().
		Str("type", packet.Type.String()).
		Str("target", packet.Target).
		Str("key", packet.Key).
		Msg("recv")

	switch packet.Type {
	case protocol.PacketTypePing:
		c.handlePing(peer, packet, method)
	case protocol.PacketTypeSetState:
		c.handleSetState(packet)
	case protocol.PacketTypeDeleteState:
		c.handleDeleteState(packet)
	case protocol.PacketTypeInit:
		states, ok, err := protocol.GetData[map[string][]byte](&packet)
		if err != nil || !ok {
			c.logger.Debug().Msgf("dropping init: %v", err)
			return
		}
		c.states.Replace(states)
		for _, fn := range c.inits.Get(struct{}{}) {
			fn(c.states.Snapshot())
		}
	case protocol.PacketTypeRpc:
		if handler, ok := c.rpcs.First(packet.Key); ok {
			handler(packet.Target, packet.Data)
		}
	case protocol.PacketTypeSelfConnected:
		ids, ok, err := protocol.GetData[[]string](&packet)
		if err != nil || !ok || len(ids) == 0 {
			return
		}
		c.mu.Lock()
		c.id = ids[0]
		c.players = ids
		c.mu.Unlock()
		c.logger.Info().Str("id", ids[0]).Int("players", len(ids)).Msg("connected")
		others := slices.Clone(ids[1:])
		for _, fn := range c.connected.Get(struct{}{}) {
			fn(ids[0], others)
		}
	case protocol.PacketTypePeerConnected:
		id := string(packet.Data)
		c.mu.Lock()
		if !slices.Contains(c.players, id) {
			c.players = append(c.players, id)
		}
		c.mu.Unlock()
		c.emit(eventPlayerConnected, id)
	case protocol.PacketTypePeerDisconnected:
		id := string(packet.Data)
		c.mu.Lock()
		c.players = slices.DeleteFunc(c.players, func(p string) bool { return p == id })
		c.mu.Unlock()
		c.emit(eventPlayerDisconnected, id)
	case protocol.PacketTypeKick:
		c.emit(eventKicked, string(packet.Data))
	case protocol.PacketTypeBan:
		c.emit(eventBanned, string(packet.Data))
	}
}

func (c *Client) emit(ev clientEvent, arg string) {
	for _, fn := range c.events.Get(ev) {
		fn(arg)
	}
}

// OnConnected fires once the server assigned an identity. others excludes
// this client.
func (c *Client) OnConnected(fn func(id string, others []string)) *Client {
	c.connected.Add(struct{}{}, fn)
	return c
}

// OnInit fires after the server's state table replaced the local one. It
// follows OnConnected.
func (c *Client) OnInit(fn func(states map[string][]byte)) *Client {
	c.inits.Add(struct{}{}, fn)
	return c
}

// OnDisconnected fires with the reason the connection ended, which is empty
// when none was given.
func (c *Client) OnDisconnected(fn func(reason string)) *Client {
	c.events.Add(eventDisconnected, fn)
	return c
}

func (c *Client) OnKicked(fn func(reason string)) *Client {
	c.events.Add(eventKicked, fn)
	return c
}

func (c *Client) OnBanned(fn func(reason string)) *Client {
	c.events.Add(eventBanned, fn)
	return c
}

func (c *Client) OnPlayerConnected(fn func(id string)) *Client {
	c.events.Add(eventPlayerConnected, fn)
	return c
}

func (c *Client) OnPlayerDisconnected(fn func(id string)) *Client {
	c.events.Add(eventPlayerDisconnected, fn)
	return c
}
