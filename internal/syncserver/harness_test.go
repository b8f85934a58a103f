package syncserver_test

import (
	"testing"

	"github.com/blukai/bettertogether/internal/protocol"
	"github.com/blukai/bettertogether/internal/syncserver"
	"github.com/blukai/bettertogether/internal/transport"
	"github.com/blukai/bettertogether/internal/transport/memnet"
	"github.com/matryer/is"
)

type harness struct {
	t       *testing.T
	network *memnet.Network
	server  *syncserver.Server
}

func newHarness(t *testing.T, config syncserver.Config) *harness {
	t.Helper()
	is := is.New(t)

	network := memnet.NewNetwork()
	server := syncserver.NewServer(network.NewServer(), config, nil)
	is.NoErr(server.Start(":0"))
	t.Cleanup(func() { _ = server.Stop() })

	return &harness{t: t, network: network, server: server}
}

// rawClient speaks the wire protocol directly and records everything it
// receives.
type rawClient struct {
	t      *testing.T
	client *memnet.Client

	id           string
	connected    bool
	disconnected bool
	reason       string
	packets      []protocol.Packet
	methods      []transport.DeliveryMethod
}

func (h *harness) dial(ip string, data []byte) *rawClient {
	h.t.Helper()
	is := is.New(h.t)

	c := &rawClient{t: h.t, client: h.network.NewClient(ip)}
	is.NoErr(c.client.Connect(h.server.Addr(), data))
	h.server.PollOnce()
	c.poll()
	return c
}

func connectionData(key string, states map[string][]byte) []byte {
	cd := protocol.NewConnectionData(key)
	for k, v := range states {
		cd.SetState(k, v)
	}
	data, err := cd.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return data
}

// join connects with the default key and returns a client that knows its
// identity.
func (h *harness) join(ip string) *rawClient {
	h.t.Helper()
	is := is.New(h.t)

	c := h.dial(ip, connectionData(protocol.DefaultKey, nil))
	is.True(c.connected)
	is.True(c.id != "")
	return c
}

// poll returns the packets that arrived since the previous poll.
func (c *rawClient) poll() []protocol.Packet {
	c.t.Helper()
	is := is.New(c.t)

	var fresh []protocol.Packet
	c.client.PollEvents(func(ev transport.Event) {
		switch ev.Kind {
		case transport.EventPeerConnected:
			c.connected = true
		case transport.EventPeerDisconnected:
			c.disconnected = true
			c.reason = string(ev.Reason)
		case transport.EventReceive:
			packet, err := protocol.Unpack(ev.Data)
			is.NoErr(err)
			if packet.Type == protocol.PacketTypeSelfConnected {
				ids, ok, err := protocol.GetData[[]string](&packet)
				is.NoErr(err)
				is.True(ok)
				c.id = ids[0]
			}
			fresh = append(fresh, packet)
			c.packets = append(c.packets, packet)
			c.methods = append(c.methods, ev.Method)
		}
	})
	return fresh
}

func (c *rawClient) send(packet protocol.Packet, method transport.DeliveryMethod) {
	c.t.Helper()
	is := is.New(c.t)

	data, err := protocol.Pack(packet)
	is.NoErr(err)
	is.NoErr(c.client.Server().Send(data, method))
}

func (c *rawClient) sendRaw(data []byte) {
	c.t.Helper()
	is := is.New(c.t)
	is.NoErr(c.client.Server().Send(data, transport.ReliableOrdered))
}

func ofType(packets []protocol.Packet, typ protocol.PacketType) []protocol.Packet {
	var out []protocol.Packet
	for _, p := range packets {
		if p.Type == typ {
			out = append(out, p)
		}
	}
	return out
}
