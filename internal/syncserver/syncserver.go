// Package syncserver is the authority: it owns the state table and the
// player directory and makes every protocol decision on a single poll
// goroutine. Public methods may be called from any goroutine; they only read
// or queue sends.
package syncserver

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/blukai/bettertogether/internal/directory"
	"github.com/blukai/bettertogether/internal/listeners"
	"github.com/blukai/bettertogether/internal/protocol"
	"github.com/blukai/bettertogether/internal/state"
	"github.com/blukai/bettertogether/internal/transport"
	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
	"golang.org/x/time/rate"
)

type addrKey uint64

func makeAddrKey(addr string) addrKey {
	return addrKey(xxhash.Sum64String(addr))
}

type lifecycleEvent uint8

const (
	playerConnected lifecycleEvent = iota
	playerDisconnected
)

// RPCHandler handles a procedure invoked with target "server". peer is nil
// for local invocations through RpcSelf.
type RPCHandler func(peer transport.Peer, args []byte)

// DataFilter sees every decoded inbound packet before dispatch. Returning
// false drops the packet; the returned packet replaces the original.
type DataFilter func(peer transport.Peer, packet protocol.Packet) (protocol.Packet, bool)

type Server struct {
	transport transport.Server
	config    Config
	logger    *log.Logger

	states     *state.Store
	classifier *state.Classifier
	players    *directory.Directory
	banned     *directory.BanList

	rpcs      *listeners.Registry[string, RPCHandler]
	lifecycle *listeners.Registry[lifecycleEvent, func(id string)]
	filter    *listeners.Registry[struct{}, DataFilter]

	mu sync.Mutex
	// player states sent with a connection request, applied once the peer
	// has an identity
	pending map[addrKey]map[string][]byte
	// accepted requests whose peer has not connected yet. they hold a slot.
	admitting map[addrKey]struct{}
	limiters  map[addrKey]*rate.Limiter
}

func NewServer(t transport.Server, config Config, logger *log.Logger) *Server {
	// if logger is nil (which might be true in tests) => use default, but
	// silenced logger
	if logger == nil {
		tmp := log.DefaultLogger
		logger = &tmp
		logger.Writer = &log.IOWriter{Writer: io.Discard}
	}

	config = config.withDefaults()
	players := directory.New()

	return &Server{
		transport: t,
		config:    config,
		logger:    logger,

		states:     state.NewStore(),
		classifier: state.NewClassifier(config.ReservedStates, players.Has),
		players:    players,
		banned:     directory.NewBanList(config.Banned...),

		rpcs:      listeners.New[string, RPCHandler](),
		lifecycle: listeners.New[lifecycleEvent, func(id string)](),
		filter:    listeners.New[struct{}, DataFilter](),

		pending:   make(map[addrKey]map[string][]byte),
		admitting: make(map[addrKey]struct{}),
		limiters:  make(map[addrKey]*rate.Limiter),
	}
}

func (s *Server) Config() Config {
	return s.config
}

// Start binds the transport. On failure everything acquired so far is
// released before the error is returned.
func (s *Server) Start(address string) error {
	if err := s.transport.Start(address); err != nil {
		if closeErr := s.transport.Close(); closeErr != nil {
			err = multierror.Append(err, closeErr)
		}
		return fmt.Errorf("could not start transport: %w", err)
	}
	s.logger.Info().
		Str("addr", s.transport.Addr()).
		Int("max_players", s.config.MaxPlayers).
		Bool("admin_mode", s.config.AdminMode).
		Msg("server started")
	return nil
}

// Addr can be useful to retreive server's address when it was started with
// ":0".
func (s *Server) Addr() string {
	return s.transport.Addr()
}

// Run polls the transport every PollInterval until ctx is done, then stops
// the server. In-flight sends at that point may or may not complete.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.Stop()
		case <-ticker.C:
			s.PollOnce()
		}
	}
}

// PollOnce is a single poll tick: every pending transport event is handled
// before it returns.
func (s *Server) PollOnce() {
	s.transport.PollEvents(s.handleEvent)
}

// Stop forgets every player, admin and state and closes the transport.
func (s *Server) Stop() error {
	s.players.Clear()
	s.states.Clear()

	s.mu.Lock()
	s.pending = make(map[addrKey]map[string][]byte)
	s.admitting = make(map[addrKey]struct{})
	s.limiters = make(map[addrKey]*rate.Limiter)
	s.mu.Unlock()

	if err := s.transport.Close(); err != nil {
		return fmt.Errorf("could not close transport: %w", err)
	}
	s.logger.Info().Msg("server stopped")
	return nil
}

func (s *Server) handleEvent(ev transport.Event) {
	// one misbehaving peer must not take the poll goroutine down with it
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("event", ev.Kind.String()).
				Msgf("recovered while handling event: %v", r)
		}
	}()

	switch ev.Kind {
	case transport.EventConnectionRequest:
		s.handleConnectionRequest(ev.Request)
	case transport.EventPeerConnected:
		s.handlePeerConnected(ev.Peer)
	case transport.EventReceive:
		s.handleReceive(ev.Peer, ev.Data, ev.Method)
	case transport.EventPeerDisconnected:
		s.handlePeerDisconnected(ev.Peer, ev.Reason)
	}
}

// allow applies the optional per-peer inbound rate limit.
func (s *Server) allow(peer transport.Peer) bool {
	if s.config.InboundRate <= 0 {
		return true
	}

	key := makeAddrKey(peer.RemoteAddr())
	s.mu.Lock()
	limiter, ok := s.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.config.InboundRate), s.config.InboundBurst)
		s.limiters[key] = limiter
	}
	s.mu.Unlock()

	return limiter.Allow()
}

func (s *Server) handleReceive(peer transport.Peer, data []byte, method transport.DeliveryMethod) {
	if !s.allow(peer) {
		s.logger.Debug().
			Str("addr", peer.RemoteAddr()).
			Msg("inbound rate exceeded, dropping packet")
		return
	}

	packet, err := protocol.Unpack(data)
	if err != nil {
		s.logger.Debug().
			Str("addr", peer.RemoteAddr()).
			Int("size", len(data)).
			Msgf("dropping undecodable packet: %v", err)
		return
	}

	origin := s.players.IDOf(peer)
	if origin == "" {
		return
	}

	if filter, ok := s.filter.First(struct{}{}); ok {
		filtered, keep := filter(peer, packet)
		if !keep {
			return
		}
		// relays forward raw bytes, so they have to reflect the filter
		if data, err = protocol.Pack(filtered); err != nil {
			s.logger.Error().Msgf("could not pack filtered packet: %v", err)
			return
		}
		packet = filtered
	}

	s.logger.Trace().
		Str("origin", origin).
		Str("type", packet.Type.String()).
		Str("target", packet.Target).
		Str("key", packet.Key).
		Msg("recv")

	switch packet.Type {
	case protocol.PacketTypePing:
		s.handlePing(peer, origin, packet, data, method)
	case protocol.PacketTypeSetState:
		s.handleSetState(peer, origin, packet, data, method)
	case protocol.PacketTypeRpc:
		s.handleRpc(peer, origin, packet, data, method)
	default:
		// peers have no business sending anything else
	}
}

func (s *Server) handlePing(peer transport.Peer, origin string, packet protocol.Packet, data []byte, method transport.DeliveryMethod) {
	if packet.Target == protocol.TargetServer {
		s.sendBytes(peer, data, method)
		return
	}

	target, ok := s.players.ByID(packet.Target)
	if !ok {
		return
	}

	relay := protocol.Packet{Type: protocol.PacketTypePing}
	if packet.Key == protocol.KeyPong {
		// closes the round trip started by packet.Target
		relay.Target = packet.Target
	} else {
		// asks target to answer origin
		relay.Target = origin
	}
	s.send(target.Peer, relay, method)
}

func (s *Server) sendBytes(peer transport.Peer, data []byte, method transport.DeliveryMethod) {
	if err := peer.Send(data, method); err != nil {
		s.logger.Error().
			Str("addr", peer.RemoteAddr()).
			Msgf("could not send: %v", err)
	}
}

func (s *Server) send(peer transport.Peer, packet protocol.Packet, method transport.DeliveryMethod) {
	data, err := protocol.Pack(packet)
	if err != nil {
		s.logger.Error().
			Str("type", packet.Type.String()).
			Msgf("could not pack: %v", err)
		return
	}
	s.sendBytes(peer, data, method)
}

// SendAll sends data to every player except the one behind except, which
// may be nil.
func (s *Server) SendAll(data []byte, method transport.DeliveryMethod, except transport.Peer) error {
	var errs error
	for _, p := range s.players.Players() {
		// don't send to the excluded peer
		if p.Peer == except {
			continue
		}
		if err := p.Peer.Send(data, method); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("could not send to %s: %w", p.ID, err))
		}
	}
	return errs
}

func (s *Server) broadcastBytes(data []byte, method transport.DeliveryMethod, except transport.Peer) {
	if err := s.SendAll(data, method, except); err != nil {
		s.logger.Error().Msgf("could not broadcast: %v", err)
	}
}

func (s *Server) broadcast(packet protocol.Packet, method transport.DeliveryMethod, except transport.Peer) {
	data, err := protocol.Pack(packet)
	if err != nil {
		s.logger.Error().
			Str("type", packet.Type.String()).
			Msgf("could not pack: %v", err)
		return
	}
	s.broadcastBytes(data, method, except)
}

// OnDataReceived installs the inbound packet filter, replacing any previous
// one.
func (s *Server) OnDataReceived(filter DataFilter) *Server {
	s.filter.Set(struct{}{}, filter)
	return s
}

func (s *Server) OnPlayerConnected(fn func(id string)) *Server {
	s.lifecycle.Add(playerConnected, fn)
	return s
}

func (s *Server) OnPlayerDisconnected(fn func(id string)) *Server {
	s.lifecycle.Add(playerDisconnected, fn)
	return s
}

func (s *Server) emit(ev lifecycleEvent, id string) {
	for _, fn := range s.lifecycle.Get(ev) {
		fn(id)
	}
}
