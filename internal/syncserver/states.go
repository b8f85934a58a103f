package syncserver

import (
	"github.com/blukai/bettertogether/internal/protocol"
	"github.com/blukai/bettertogether/internal/state"
	"github.com/blukai/bettertogether/internal/transport"
)

func (s *Server) handleSetState(peer transport.Peer, origin string, packet protocol.Packet, data []byte, method transport.DeliveryMethod) {
	// a write addressed at somebody else's namespace never lands, whatever
	// the key looks like
	if state.IsGUID(packet.Target) && packet.Target != origin {
		s.logger.Debug().
			Str("origin", origin).
			Str("target", packet.Target).
			Msg("dropping write into foreign namespace")
		return
	}

	if owner, ok := s.classifier.Owner(packet.Key); ok {
		if owner != origin {
			s.logger.Debug().
				Str("origin", origin).
				Str("owner", owner).
				Str("key", packet.Key).
				Msg("dropping write to foreign player state")
			return
		}
		s.states.Set(packet.Key, packet.Data)
		s.broadcastBytes(data, method, peer)
		return
	}

	if s.classifier.IsReserved(packet.Key) && !s.players.IsAdmin(origin) {
		// tell the writer what the value really is
		previous, _ := s.states.Get(packet.Key)
		s.send(peer, protocol.Packet{
			Type:   protocol.PacketTypeSetState,
			Target: protocol.TargetForbidden,
			Key:    packet.Key,
			Data:   previous,
		}, transport.ReliableOrdered)
		s.logger.Warn().
			Str("origin", origin).
			Str("key", packet.Key).
			Bool("rejected", s.config.RejectReservedWrites).
			Msg("write to reserved state")
		if s.config.RejectReservedWrites {
			return
		}
	}

	s.states.Set(packet.Key, packet.Data)
	s.broadcastBytes(data, method, peer)
}

// GetState returns the raw value stored under key.
func (s *Server) GetState(key string) ([]byte, bool) {
	return s.states.Get(key)
}

// GetState decodes the value stored under key. ok is false when the key is
// missing or holds an empty value.
func GetState[T any](s *Server, key string) (v T, ok bool, err error) {
	data, exists := s.states.Get(key)
	if !exists {
		return v, false, nil
	}
	return protocol.Decode[T](data)
}

// States returns a copy of the whole table.
func (s *Server) States() map[string][]byte {
	return s.states.Snapshot()
}

// SetState writes a global state with server authority and relays it to
// every player. Reserved keys and live player namespaces are both writable.
func (s *Server) SetState(key string, value []byte) {
	s.setState("", key, value)
}

// SetStateValue encodes v and writes it with SetState.
func SetStateValue[T any](s *Server, key string, v T) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	s.SetState(key, data)
	return nil
}

// SetPlayerState writes key into player's namespace.
func (s *Server) SetPlayerState(player, key string, value []byte) {
	s.setState(player, player+key, value)
}

func (s *Server) setState(target, key string, value []byte) {
	s.states.Set(key, value)
	s.broadcast(protocol.Packet{
		Type:   protocol.PacketTypeSetState,
		Target: target,
		Key:    key,
		Data:   value,
	}, protocol.PacketTypeSetState.DefaultDelivery(), nil)
}

// DeleteState removes a global key and tells every player. The root state of
// a live player is never deleted.
func (s *Server) DeleteState(key string) bool {
	return s.deleteState(protocol.TargetGlobal, key, key)
}

// DeletePlayerState removes player+key.
func (s *Server) DeletePlayerState(player, key string) bool {
	return s.deleteState(player, player+key, key)
}

func (s *Server) deleteState(target, key, wireKey string) bool {
	if len(key) == state.IdentityLen && s.players.Has(key) {
		return false
	}
	if !s.states.Delete(key) {
		return false
	}
	s.broadcast(protocol.Packet{
		Type:   protocol.PacketTypeDeleteState,
		Target: target,
		Key:    wireKey,
	}, protocol.PacketTypeDeleteState.DefaultDelivery(), nil)
	return true
}

// ClearAllGlobalStates removes every global state whose key is not listed in
// except.
func (s *Server) ClearAllGlobalStates(except []string) {
	s.clear(protocol.TargetGlobal, except, state.GlobalClear(except))
}

// ClearAllPlayerStates removes the states of every player whose identity is
// not listed in except.
func (s *Server) ClearAllPlayerStates(except []string) {
	s.clear(protocol.TargetPlayers, except, state.PlayersClear(except))
}

// ClearSpecificPlayerStates removes player's states whose sub-key is not
// listed in except. The root state has the empty sub-key.
func (s *Server) ClearSpecificPlayerStates(player string, except []string) {
	s.clear(player, except, state.PlayerClear(player, except))
}

func (s *Server) clear(target string, except []string, pred func(string) bool) {
	removed := s.states.DeleteFunc(pred)
	if except == nil {
		except = []string{}
	}
	packet, err := protocol.NewPacket(protocol.PacketTypeDeleteState, target, "", except)
	if err != nil {
		s.logger.Error().Msgf("could not build clear packet: %v", err)
		return
	}
	s.broadcast(packet, protocol.PacketTypeDeleteState.DefaultDelivery(), nil)
	s.logger.Debug().
		Str("target", target).
		Int("removed", len(removed)).
		Msg("cleared states")
}
