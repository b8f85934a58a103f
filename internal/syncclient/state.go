package syncclient

import (
	"fmt"

	"github.com/blukai/bettertogether/internal/protocol"
	"github.com/blukai/bettertogether/internal/state"
	"github.com/blukai/bettertogether/internal/transport"
)

// GetState returns the cached raw value of key.
func (c *Client) GetState(key string) ([]byte, bool) {
	return c.states.Get(key)
}

// States returns a copy of the local cache.
func (c *Client) States() map[string][]byte {
	return c.states.Snapshot()
}

// State decodes the cached value of key. ok is false when the key is absent
// or empty.
func State[T any](c *Client, key string) (v T, ok bool, err error) {
	data, exists := c.states.Get(key)
	if !exists {
		return v, false, nil
	}
	return protocol.Decode[T](data)
}

// PlayerState decodes key from player's namespace.
func PlayerState[T any](c *Client, player, key string) (T, bool, error) {
	return State[T](c, player+key)
}

// SetState writes the cache optimistically and sends the write to the
// server. Keys inside another player's namespace are refused.
func (c *Client) SetState(key string, value []byte) error {
	return c.setState("", key, value)
}

// SetPlayerState writes key into this client's own namespace.
func (c *Client) SetPlayerState(key string, value []byte) error {
	id := c.ID()
	if id == "" {
		return transport.ErrNotConnected
	}
	return c.setState(id, id+key, value)
}

func (c *Client) setState(target, key string, value []byte) error {
	if owner, _, ok := state.SplitPlayerKey(key); ok && owner != c.ID() {
		return fmt.Errorf("could not set %q: %w", key, ErrNotOwner)
	}
	if c.transport.Server() == nil {
		return transport.ErrNotConnected
	}

	c.states.Set(key, value)
	return c.send(protocol.Packet{
		Type:   protocol.PacketTypeSetState,
		Target: target,
		Key:    key,
		Data:   value,
	}, protocol.PacketTypeSetState.DefaultDelivery())
}

// SetStateValue encodes v and writes it with SetState.
func SetStateValue[T any](c *Client, key string, v T) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	return c.SetState(key, data)
}

// SetPlayerStateValue encodes v and writes it with SetPlayerState.
func SetPlayerStateValue[T any](c *Client, key string, v T) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	return c.SetPlayerState(key, data)
}

// On sets the handler for applied writes to key, replacing any previous one.
func (c *Client) On(key string, handler StateHandler) *Client {
	c.handlers.Set(key, handler)
	return c
}

func (c *Client) Off(key string) *Client {
	c.handlers.Remove(key)
	return c
}

func (c *Client) handleSetState(packet protocol.Packet) {
	if packet.Target == protocol.TargetForbidden {
		// the server's value wins, an empty one means there was none
		c.logger.Warn().Str("key", packet.Key).Msg("write to reserved state was refused")
		if len(packet.Data) == 0 {
			c.states.Delete(packet.Key)
		} else {
			c.states.Set(packet.Key, packet.Data)
		}
	} else {
		c.states.Set(packet.Key, packet.Data)
	}

	if handler, ok := c.handlers.First(packet.Key); ok {
		handler(packet)
	}
}

func (c *Client) handleDeleteState(packet protocol.Packet) {
	except, hasExcept, err := protocol.GetData[[]string](&packet)
	if err != nil {
		hasExcept = false
	}

	switch {
	case state.IsGUID(packet.Target):
		if packet.Key != "" {
			c.states.Delete(packet.Target + packet.Key)
		} else if hasExcept {
			c.states.DeleteFunc(state.PlayerClear(packet.Target, except))
		}
	case packet.Target == protocol.TargetPlayers:
		if hasExcept {
			c.states.DeleteFunc(state.PlayersClear(except))
		}
	case packet.Target == protocol.TargetGlobal:
		if packet.Key != "" {
			c.states.Delete(packet.Key)
		} else if hasExcept {
			c.states.DeleteFunc(state.GlobalClear(except))
		}
	}
}
