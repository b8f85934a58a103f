package syncserver

import (
	"slices"
	"strings"

	"github.com/blukai/bettertogether/internal/debug"
	"github.com/blukai/bettertogether/internal/directory"
	"github.com/blukai/bettertogether/internal/protocol"
	"github.com/blukai/bettertogether/internal/transport"
)

// Reasons a connection request is rejected with.
const (
	ReasonServerFull = "Server is full"
	ReasonBanned     = "You are banned from this server"
	ReasonInvalidKey = "Invalid key"
)

func (s *Server) handleConnectionRequest(req transport.Request) {
	data := req.Data()
	if len(data) == 0 {
		// leave the request undecided, the transport rejects it after the
		// poll tick
		return
	}
	var cd protocol.ConnectionData
	if err := cd.UnmarshalBinary(data); err != nil {
		s.logger.Debug().
			Str("addr", req.RemoteAddr()).
			Msgf("could not decode connection data: %v", err)
		return
	}

	s.mu.Lock()
	admitting := len(s.admitting)
	s.mu.Unlock()
	if s.players.Len()+admitting >= s.config.MaxPlayers {
		s.reject(req, ReasonServerFull)
		return
	}
	if s.banned.Contains(directory.HostOf(req.RemoteAddr())) {
		s.reject(req, ReasonBanned)
		return
	}
	if cd.Key != s.config.HandshakeKey {
		s.reject(req, ReasonInvalidKey)
		return
	}

	s.mu.Lock()
	s.admitting[makeAddrKey(req.RemoteAddr())] = struct{}{}
	s.mu.Unlock()
	req.Accept()
	s.logger.Debug().
		Str("addr", req.RemoteAddr()).
		Int("init_states", len(cd.InitStates)).
		Msg("accepted connection request")

	// iterate in a stable order so relays are deterministic
	keys := make([]string, 0, len(cd.InitStates))
	for key := range cd.InitStates {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	staged := make(map[string][]byte)
	for _, key := range keys {
		value := cd.InitStates[key]
		if s.classifier.IsReserved(key) {
			continue
		}
		if sub, ok := strings.CutPrefix(key, protocol.PlayerStatePrefix); ok {
			staged[sub] = value
			continue
		}
		// init states never reach into a live player's namespace
		if _, ok := s.classifier.Owner(key); ok {
			continue
		}
		s.states.Set(key, value)
		s.broadcast(protocol.Packet{
			Type: protocol.PacketTypeSetState,
			Key:  key,
			Data: value,
		}, protocol.PacketTypeSetState.DefaultDelivery(), nil)
	}

	if len(staged) > 0 {
		s.mu.Lock()
		s.pending[makeAddrKey(req.RemoteAddr())] = staged
		s.mu.Unlock()
	}
}

func (s *Server) reject(req transport.Request, reason string) {
	s.logger.Info().
		Str("addr", req.RemoteAddr()).
		Str("reason", reason).
		Msg("rejected connection request")
	req.Reject([]byte(reason))
}

func (s *Server) handlePeerConnected(peer transport.Peer) {
	key := makeAddrKey(peer.RemoteAddr())
	s.mu.Lock()
	staged := s.pending[key]
	delete(s.pending, key)
	delete(s.admitting, key)
	s.mu.Unlock()

	id, err := s.players.NewIdentity()
	if err != nil {
		s.logger.Error().Msgf("could not assign identity: %v", err)
		peer.Disconnect([]byte(err.Error()))
		return
	}

	admin := s.config.AdminMode && s.players.Len() == 0

	// existing players learn about the newcomer before it is registered so
	// that the broadcasts below skip it
	others := s.players.IDs()
	s.broadcast(protocol.Packet{
		Type: protocol.PacketTypePeerConnected,
		Key:  "Connected",
		Data: []byte(id),
	}, transport.ReliableOrdered, nil)

	subKeys := make([]string, 0, len(staged))
	for sub := range staged {
		subKeys = append(subKeys, sub)
	}
	slices.Sort(subKeys)
	for _, sub := range subKeys {
		s.states.Set(id+sub, staged[sub])
		s.broadcast(protocol.Packet{
			Type:   protocol.PacketTypeSetState,
			Target: id,
			Key:    id + sub,
			Data:   staged[sub],
		}, protocol.PacketTypeSetState.DefaultDelivery(), nil)
	}

	ok := s.players.Add(&directory.Player{
		ID:         id,
		Peer:       peer,
		Admin:      admin,
		RemoteAddr: peer.RemoteAddr(),
	})
	debug.Assert(ok, "peer %s registered twice", peer.RemoteAddr())

	selfConnected, err := protocol.NewPacket(protocol.PacketTypeSelfConnected, "", "Connected", append([]string{id}, others...))
	if err != nil {
		s.logger.Error().Msgf("could not build self connected packet: %v", err)
		return
	}
	s.send(peer, selfConnected, transport.ReliableOrdered)

	initPacket, err := protocol.NewPacket(protocol.PacketTypeInit, "", "Init", s.states.Snapshot())
	if err != nil {
		s.logger.Error().Msgf("could not build init packet: %v", err)
		return
	}
	s.send(peer, initPacket, transport.ReliableOrdered)

	s.logger.Info().
		Str("id", id).
		Str("addr", peer.RemoteAddr()).
		Bool("admin", admin).
		Int("players", s.players.Len()).
		Msg("player connected")
	s.emit(playerConnected, id)
}

func (s *Server) handlePeerDisconnected(peer transport.Peer, reason []byte) {
	if peer == nil {
		return
	}

	key := makeAddrKey(peer.RemoteAddr())
	s.mu.Lock()
	delete(s.limiters, key)
	delete(s.pending, key)
	delete(s.admitting, key)
	s.mu.Unlock()

	player, ok := s.players.RemoveByPeer(peer)
	if !ok {
		return
	}

	s.broadcast(protocol.Packet{
		Type: protocol.PacketTypePeerDisconnected,
		Key:  "Disconnected",
		Data: []byte(player.ID),
	}, transport.ReliableOrdered, nil)

	s.logger.Info().
		Str("id", player.ID).
		Str("reason", string(reason)).
		Int("players", s.players.Len()).
		Msg("player disconnected")
	s.emit(playerDisconnected, player.ID)
}
