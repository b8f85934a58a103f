package syncclient

import (
	"github.com/blukai/bettertogether/internal/protocol"
	"github.com/blukai/bettertogether/internal/transport"
)

// RegisterRPC binds handler to method, replacing any previous handler.
func (c *Client) RegisterRPC(method string, handler RPCHandler) *Client {
	c.rpcs.Set(method, handler)
	return c
}

// Rpc asks the server to route method to target: a player identity or one
// of "all", "others", "self" and "server".
func (c *Client) Rpc(target, method string, args []byte, delivery transport.DeliveryMethod) error {
	return c.send(protocol.Packet{
		Type:   protocol.PacketTypeRpc,
		Target: target,
		Key:    method,
		Data:   args,
	}, delivery)
}

// RpcAll invokes method on every player, this one included.
func (c *Client) RpcAll(method string, args []byte) error {
	return c.Rpc(protocol.TargetAll, method, args, transport.ReliableOrdered)
}

// RpcOthers invokes method on every player but this one.
func (c *Client) RpcOthers(method string, args []byte) error {
	return c.Rpc(protocol.TargetOthers, method, args, transport.ReliableOrdered)
}

func (c *Client) RpcPlayer(player, method string, args []byte) error {
	return c.Rpc(player, method, args, transport.ReliableOrdered)
}

// RpcSelf bounces method off the server back to this client.
func (c *Client) RpcSelf(method string, args []byte) error {
	return c.Rpc(protocol.TargetSelf, method, args, transport.ReliableOrdered)
}

// RpcServer invokes a handler registered on the server.
func (c *Client) RpcServer(method string, args []byte) error {
	return c.Rpc(protocol.TargetServer, method, args, transport.ReliableOrdered)
}

// RpcValue encodes args before routing method to target.
func RpcValue[T any](c *Client, target, method string, args T) error {
	data, err := protocol.Encode(args)
	if err != nil {
		return err
	}
	return c.Rpc(target, method, data, transport.ReliableOrdered)
}
