package syncclient

import (
	"context"
	"time"

	"github.com/blukai/bettertogether/internal/protocol"
	"github.com/blukai/bettertogether/internal/transport"
)

const DefaultPingTimeout = 2 * time.Second

// NOTE: a single pong timestamp is shared by all pings, only one may be in
// flight at a time. the poll loop has to be running for the pong to be
// observed.

// PingServer measures the round trip to the server. Without an answer it
// returns the time waited, which is timeout.
func (c *Client) PingServer(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	return c.ping(ctx, protocol.TargetServer, timeout)
}

// PingPlayer measures the round trip to another player through the server.
func (c *Client) PingPlayer(ctx context.Context, player string, timeout time.Duration) (time.Duration, error) {
	return c.ping(ctx, player, timeout)
}

func (c *Client) ping(ctx context.Context, target string, timeout time.Duration) (time.Duration, error) {
	c.lastPong.Store(0)
	start := time.Now()
	if err := c.send(protocol.Packet{
		Type:   protocol.PacketTypePing,
		Target: target,
	}, protocol.PacketTypePing.DefaultDelivery()); err != nil {
		return 0, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		if pong := c.lastPong.Swap(0); pong != 0 {
			return time.Unix(0, pong).Sub(start), nil
		}
		select {
		case <-ctx.Done():
			return time.Since(start), ctx.Err()
		case <-timer.C:
			return time.Since(start), nil
		case <-ticker.C:
		}
	}
}

func (c *Client) handlePing(peer transport.Peer, packet protocol.Packet, method transport.DeliveryMethod) {
	if packet.Target == protocol.TargetServer || packet.Target == c.ID() {
		c.lastPong.Store(time.Now().UnixNano())
		return
	}

	// somebody is measuring the way to us
	data, err := protocol.Pack(protocol.Packet{
		Type:   protocol.PacketTypePing,
		Target: packet.Target,
		Key:    protocol.KeyPong,
	})
	if err != nil {
		c.logger.Error().Msgf("could not pack pong: %v", err)
		return
	}
	if err := peer.Send(data, method); err != nil {
		c.logger.Debug().Msgf("could not send pong: %v", err)
	}
}
