package syncserver

import (
	"errors"
	"fmt"

	"github.com/blukai/bettertogether/internal/protocol"
	"github.com/blukai/bettertogether/internal/transport"
)

var ErrUnknownPlayer = errors.New("unknown player")

// RegisterRPC binds handler to method. Registering the same method again
// replaces the previous handler.
func (s *Server) RegisterRPC(method string, handler RPCHandler) *Server {
	s.rpcs.Set(method, handler)
	return s
}

func (s *Server) handleRpc(peer transport.Peer, origin string, packet protocol.Packet, data []byte, method transport.DeliveryMethod) {
	if target, ok := s.players.ByID(packet.Target); ok {
		s.sendBytes(target.Peer, data, method)
		return
	}

	switch packet.Target {
	case protocol.TargetSelf:
		s.sendBytes(peer, data, method)
	case protocol.TargetAll, protocol.TargetOthers:
		var except transport.Peer
		if packet.Target == protocol.TargetOthers {
			except = peer
		}
		packet.Target = origin
		s.broadcast(packet, method, except)
	case protocol.TargetServer:
		s.invokeRPC(peer, packet.Key, packet.Data)
	default:
		s.logger.Debug().
			Str("origin", origin).
			Str("target", packet.Target).
			Msg("dropping rpc with unknown target")
	}
}

func (s *Server) invokeRPC(peer transport.Peer, method string, args []byte) {
	handler, ok := s.rpcs.First(method)
	if !ok {
		return
	}
	handler(peer, args)
}

// RpcSelf invokes a locally registered handler with a nil peer.
func (s *Server) RpcSelf(method string, args []byte) {
	s.invokeRPC(nil, method, args)
}

// RpcPlayer invokes method on a single player. The receiving client sees
// "server" as the caller.
func (s *Server) RpcPlayer(player, method string, args []byte, delivery transport.DeliveryMethod) error {
	target, ok := s.players.ByID(player)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlayer, player)
	}
	data, err := protocol.Pack(s.rpcPacket(method, args))
	if err != nil {
		return fmt.Errorf("could not pack rpc: %w", err)
	}
	return target.Peer.Send(data, delivery)
}

// RpcAll invokes method on every player.
func (s *Server) RpcAll(method string, args []byte, delivery transport.DeliveryMethod) error {
	data, err := protocol.Pack(s.rpcPacket(method, args))
	if err != nil {
		return fmt.Errorf("could not pack rpc: %w", err)
	}
	return s.SendAll(data, delivery, nil)
}

func (s *Server) rpcPacket(method string, args []byte) protocol.Packet {
	return protocol.Packet{
		Type:   protocol.PacketTypeRpc,
		Target: protocol.TargetServer,
		Key:    method,
		Data:   args,
	}
}
