package syncserver

import (
	"github.com/blukai/bettertogether/internal/directory"
	"github.com/blukai/bettertogether/internal/protocol"
	"github.com/blukai/bettertogether/internal/transport"
)

// Kick tells the player why and closes its connection. It reports whether
// the identity was live.
func (s *Server) Kick(id, reason string) bool {
	player, ok := s.players.ByID(id)
	if !ok {
		return false
	}

	s.send(player.Peer, protocol.Packet{
		Type: protocol.PacketTypeKick,
		Key:  "Kicked",
		Data: []byte(reason),
	}, transport.ReliableOrdered)
	player.Peer.Disconnect([]byte("Kicked: " + reason))

	s.logger.Info().Str("id", id).Str("reason", reason).Msg("player kicked")
	return true
}

// IPBan is Kick that also bans the player's ip address.
func (s *Server) IPBan(id, reason string) bool {
	player, ok := s.players.ByID(id)
	if !ok {
		return false
	}

	s.banned.Add(player.Host())
	s.send(player.Peer, protocol.Packet{
		Type: protocol.PacketTypeBan,
		Key:  "Banned",
		Data: []byte(reason),
	}, transport.ReliableOrdered)
	player.Peer.Disconnect([]byte("Banned: " + reason))

	s.logger.Info().
		Str("id", id).
		Str("ip", player.Host()).
		Str("reason", reason).
		Msg("player banned")
	return true
}

// Unban lifts a ban on ip.
func (s *Server) Unban(ip string) bool {
	return s.banned.Remove(ip)
}

func (s *Server) Banned() []string {
	return s.banned.List()
}

func (s *Server) IsAdmin(id string) bool {
	return s.players.IsAdmin(id)
}

// SetAdmin changes a live player's admin flag.
func (s *Server) SetAdmin(id string, admin bool) bool {
	return s.players.SetAdmin(id, admin)
}

func (s *Server) Admins() []string {
	return s.players.Admins()
}

// Players lists live identities in join order.
func (s *Server) Players() []string {
	return s.players.IDs()
}

// Player returns the directory entry for id.
func (s *Server) Player(id string) (*directory.Player, bool) {
	return s.players.ByID(id)
}

// PlayerID returns the identity behind peer, or "" if it has none.
func (s *Server) PlayerID(peer transport.Peer) string {
	return s.players.IDOf(peer)
}
