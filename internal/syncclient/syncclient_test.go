package syncclient_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/blukai/bettertogether/internal/protocol"
	"github.com/blukai/bettertogether/internal/syncclient"
	"github.com/blukai/bettertogether/internal/syncserver"
	"github.com/blukai/bettertogether/internal/transport"
	"github.com/blukai/bettertogether/internal/transport/memnet"
	"github.com/matryer/is"
)

type world struct {
	t       *testing.T
	network *memnet.Network
	server  *syncserver.Server
	clients []*syncclient.Client
}

func newWorld(t *testing.T, config syncserver.Config) *world {
	t.Helper()
	is := is.New(t)

	network := memnet.NewNetwork()
	server := syncserver.NewServer(network.NewServer(), config, nil)
	is.NoErr(server.Start(":0"))
	t.Cleanup(func() { _ = server.Stop() })

	return &world{t: t, network: network, server: server}
}

func (w *world) newClient(ip string, config syncclient.Config) *syncclient.Client {
	c := syncclient.NewClient(w.network.NewClient(ip), config, nil)
	w.clients = append(w.clients, c)
	return c
}

// settle lets every queued event reach its destination.
func (w *world) settle() {
	for i := 0; i < 3; i++ {
		w.server.PollOnce()
		for _, c := range w.clients {
			c.PollOnce()
		}
	}
}

func (w *world) join(ip string) *syncclient.Client {
	w.t.Helper()
	is := is.New(w.t)

	c := w.newClient(ip, syncclient.DefaultConfig())
	is.NoErr(c.Connect(w.server.Addr()))
	w.settle()
	is.True(c.Connected())
	return c
}

func TestConnect(t *testing.T) {
	is := is.New(t)
	w := newWorld(t, syncserver.DefaultConfig())

	a := w.join("10.0.0.1")

	var (
		gotID     string
		gotOthers []string
	)
	b := w.newClient("10.0.0.2", syncclient.DefaultConfig()).
		SetInitState("map", []byte("dust")).
		SetInitPlayerState("hp", []byte{100}).
		OnConnected(func(id string, others []string) {
			gotID = id
			gotOthers = others
		})
	is.NoErr(b.Connect(w.server.Addr()))
	w.settle()

	is.Equal(gotID, b.ID())
	is.Equal(gotOthers, []string{a.ID()})
	is.Equal(b.Players(), []string{b.ID(), a.ID()})
	is.Equal(a.Players(), []string{a.ID(), b.ID()})

	// init states reach the server, the newcomer and existing players
	want := map[string][]byte{
		"map":         []byte("dust"),
		b.ID() + "hp": {100},
	}
	is.Equal(w.server.States(), want)
	is.Equal(b.States(), want)
	is.Equal(a.States(), want)
}

func TestInitEvent(t *testing.T) {
	is := is.New(t)
	w := newWorld(t, syncserver.DefaultConfig())
	w.server.SetState("map", []byte("dust"))

	var (
		order []string
		got   map[string][]byte
	)
	c := w.newClient("10.0.0.1", syncclient.DefaultConfig()).
		OnConnected(func(string, []string) { order = append(order, "connected") }).
		OnInit(func(states map[string][]byte) {
			order = append(order, "init")
			got = states
		})
	is.NoErr(c.Connect(w.server.Addr()))
	w.settle()

	is.Equal(order, []string{"connected", "init"})
	is.Equal(got, map[string][]byte{"map": []byte("dust")})
	is.Equal(c.States(), got)
}

func TestRejected(t *testing.T) {
	is := is.New(t)
	w := newWorld(t, syncserver.DefaultConfig())

	var reason string
	c := w.newClient("10.0.0.1", syncclient.Config{HandshakeKey: "wrong"}).
		OnDisconnected(func(r string) { reason = r })
	is.NoErr(c.Connect(w.server.Addr()))
	w.settle()

	is.True(!c.Connected())
	is.Equal(reason, syncserver.ReasonInvalidKey)
}

func TestConnectWithoutServer(t *testing.T) {
	is := is.New(t)

	network := memnet.NewNetwork()
	c := syncclient.NewClient(network.NewClient("10.0.0.1"), syncclient.DefaultConfig(), nil)
	err := c.Connect("127.0.0.1:9050")
	is.True(errors.Is(err, memnet.ErrNoListener))
}

func TestStateConvergence(t *testing.T) {
	is := is.New(t)
	w := newWorld(t, syncserver.DefaultConfig())

	a := w.join("10.0.0.1")
	b := w.join("10.0.0.2")

	var seen []protocol.Packet
	b.On("weather", func(p protocol.Packet) { seen = append(seen, p) })

	is.NoErr(syncclient.SetStateValue(a, "weather", "rain"))
	// optimistic
	weather, ok, err := syncclient.State[string](a, "weather")
	is.NoErr(err)
	is.True(ok)
	is.Equal(weather, "rain")

	is.NoErr(syncclient.SetPlayerStateValue(a, "hp", 75))
	w.settle()

	weather, ok, err = syncclient.State[string](b, "weather")
	is.NoErr(err)
	is.True(ok)
	is.Equal(weather, "rain")
	is.Equal(len(seen), 1)

	hp, ok, err := syncclient.PlayerState[int](b, a.ID(), "hp")
	is.NoErr(err)
	is.True(ok)
	is.Equal(hp, 75)

	b.Off("weather")
	is.NoErr(syncclient.SetStateValue(a, "weather", "sun"))
	w.settle()
	is.Equal(len(seen), 1)

	_, ok, err = syncclient.State[int](b, "missing")
	is.NoErr(err)
	is.True(!ok)
}

func TestSetStateRefused(t *testing.T) {
	is := is.New(t)
	w := newWorld(t, syncserver.DefaultConfig())

	offline := w.newClient("10.0.0.9", syncclient.DefaultConfig())
	is.True(errors.Is(offline.SetState("map", nil), transport.ErrNotConnected))
	is.True(errors.Is(offline.SetPlayerState("hp", nil), transport.ErrNotConnected))
	is.True(errors.Is(offline.RpcAll("m", nil), transport.ErrNotConnected))

	a := w.join("10.0.0.1")
	b := w.join("10.0.0.2")

	err := a.SetState(b.ID()+"hp", []byte{0})
	is.True(errors.Is(err, syncclient.ErrNotOwner))
	_, ok := a.GetState(b.ID() + "hp")
	is.True(!ok)

	is.NoErr(a.SetState(a.ID()+"hp", []byte{1}))
}

func TestReservedStateRefused(t *testing.T) {
	is := is.New(t)

	config := syncserver.DefaultConfig()
	config.ReservedStates = []string{"score"}
	config.RejectReservedWrites = true
	w := newWorld(t, config)

	is.NoErr(syncserver.SetStateValue(w.server, "score", 1))
	a := w.join("10.0.0.1")

	is.NoErr(syncclient.SetStateValue(a, "score", 99))
	score, _, _ := syncclient.State[int](a, "score")
	is.Equal(score, 99)

	w.settle()
	score, _, _ = syncclient.State[int](a, "score")
	is.Equal(score, 1)

	// a refused write without a previous value leaves nothing behind
	w.server.DeleteState("score")
	w.settle()
	is.NoErr(a.SetState("score", []byte{1}))
	w.settle()
	_, ok := a.GetState("score")
	is.True(!ok)
}

func TestDeleteMirror(t *testing.T) {
	is := is.New(t)
	w := newWorld(t, syncserver.DefaultConfig())

	a := w.join("10.0.0.1")
	b := w.join("10.0.0.2")

	w.server.SetState("map", []byte{1})
	w.server.SetState("mode", []byte{2})
	w.server.SetPlayerState(a.ID(), "", []byte{3})
	w.server.SetPlayerState(a.ID(), "hp", []byte{4})
	w.server.SetPlayerState(a.ID(), "mp", []byte{5})
	w.server.SetPlayerState(b.ID(), "hp", []byte{6})
	w.settle()
	is.Equal(len(b.States()), 6)

	w.server.DeleteState("map")
	w.server.DeletePlayerState(a.ID(), "mp")
	w.settle()
	_, ok := b.GetState("map")
	is.True(!ok)
	_, ok = b.GetState(a.ID() + "mp")
	is.True(!ok)

	w.server.ClearSpecificPlayerStates(a.ID(), []string{""})
	w.settle()
	_, ok = b.GetState(a.ID() + "hp")
	is.True(!ok)
	_, ok = b.GetState(a.ID())
	is.True(ok)

	w.server.ClearAllPlayerStates(nil)
	w.server.ClearAllGlobalStates(nil)
	w.settle()
	is.Equal(len(b.States()), 0)
	is.Equal(b.States(), w.server.States())
}

func TestRpc(t *testing.T) {
	is := is.New(t)
	w := newWorld(t, syncserver.DefaultConfig())

	var serverCalls []string
	w.server.RegisterRPC("shout", func(peer transport.Peer, args []byte) {
		serverCalls = append(serverCalls, w.server.PlayerID(peer)+":"+string(args))
	})

	a := w.join("10.0.0.1")
	b := w.join("10.0.0.2")
	c := w.join("10.0.0.3")

	calls := map[*syncclient.Client][]string{}
	for _, client := range []*syncclient.Client{a, b, c} {
		client := client
		client.RegisterRPC("shout", func(player string, args []byte) {
			calls[client] = append(calls[client], player+":"+string(args))
		})
	}

	is.NoErr(a.RpcAll("shout", []byte("all")))
	w.settle()
	for _, client := range []*syncclient.Client{a, b, c} {
		is.Equal(calls[client], []string{a.ID() + ":all"})
	}

	is.NoErr(a.RpcOthers("shout", []byte("others")))
	is.NoErr(a.RpcSelf("shout", []byte("self")))
	is.NoErr(a.RpcPlayer(b.ID(), "shout", []byte("direct")))
	is.NoErr(a.RpcServer("shout", []byte("server")))
	is.NoErr(syncclient.RpcValue(a, protocol.TargetOthers, "unknown", 1))
	w.settle()

	is.Equal(calls[a], []string{a.ID() + ":all", "self:self"})
	// direct deliveries keep the target the caller chose
	is.Equal(calls[b], []string{a.ID() + ":all", a.ID() + ":others", b.ID() + ":direct"})
	is.Equal(calls[c], []string{a.ID() + ":all", a.ID() + ":others"})
	is.Equal(serverCalls, []string{a.ID() + ":server"})

	is.NoErr(w.server.RpcAll("shout", []byte("broadcast"), transport.ReliableOrdered))
	w.settle()
	is.Equal(calls[c][len(calls[c])-1], protocol.TargetServer+":broadcast")
}

func TestPlayerEvents(t *testing.T) {
	is := is.New(t)
	w := newWorld(t, syncserver.DefaultConfig())

	var joined, left []string
	a := w.join("10.0.0.1").
		OnPlayerConnected(func(id string) { joined = append(joined, id) }).
		OnPlayerDisconnected(func(id string) { left = append(left, id) })

	b := w.join("10.0.0.2")
	bID := b.ID()
	is.Equal(joined, []string{bID})

	is.NoErr(b.Disconnect())
	w.settle()
	is.Equal(left, []string{bID})
	is.Equal(a.Players(), []string{a.ID()})
}

func TestKickedAndBanned(t *testing.T) {
	is := is.New(t)
	w := newWorld(t, syncserver.DefaultConfig())

	var kicked, banned, reasons []string
	a := w.join("10.0.0.1")
	a.OnKicked(func(r string) { kicked = append(kicked, r) }).
		OnBanned(func(r string) { banned = append(banned, r) }).
		OnDisconnected(func(r string) { reasons = append(reasons, r) })

	is.True(w.server.Kick(a.ID(), "afk"))
	w.settle()
	is.Equal(kicked, []string{"afk"})
	is.Equal(reasons, []string{"Kicked: afk"})
	is.True(!a.Connected())

	is.NoErr(a.Connect(w.server.Addr()))
	w.settle()
	is.True(a.Connected())

	is.True(w.server.IPBan(a.ID(), "cheating"))
	w.settle()
	is.Equal(banned, []string{"cheating"})
	is.Equal(reasons[len(reasons)-1], "Banned: cheating")

	is.NoErr(a.Connect(w.server.Addr()))
	w.settle()
	is.True(!a.Connected())
	is.Equal(reasons[len(reasons)-1], syncserver.ReasonBanned)
}

func TestDisconnectResets(t *testing.T) {
	is := is.New(t)
	w := newWorld(t, syncserver.DefaultConfig())

	a := w.join("10.0.0.1")
	is.NoErr(a.SetState("map", []byte{1}))
	is.NoErr(a.Disconnect())

	is.Equal(a.ID(), "")
	is.Equal(len(a.Players()), 0)
	is.Equal(len(a.States()), 0)
}

func TestPing(t *testing.T) {
	is := is.New(t)

	network := memnet.NewNetwork()
	server := syncserver.NewServer(network.NewServer(), syncserver.Config{PollInterval: time.Millisecond}, nil)
	is.NoErr(server.Start(":0"))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	run := func(fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = fn(ctx)
		}()
	}
	defer func() {
		cancel()
		wg.Wait()
	}()
	run(server.Run)

	config := syncclient.Config{PollInterval: time.Millisecond}
	a := syncclient.NewClient(network.NewClient("10.0.0.1"), config, nil)
	b := syncclient.NewClient(network.NewClient("10.0.0.2"), config, nil)
	for _, c := range []*syncclient.Client{a, b} {
		is.NoErr(c.Connect(server.Addr()))
		run(c.Run)
	}
	deadline := time.Now().Add(time.Second)
	for !(a.Connected() && b.Connected()) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	is.True(a.Connected() && b.Connected())

	timeout := time.Second
	rtt, err := a.PingServer(ctx, timeout)
	is.NoErr(err)
	is.True(rtt < timeout)

	rtt, err = a.PingPlayer(ctx, b.ID(), timeout)
	is.NoErr(err)
	is.True(rtt < timeout)

	// nobody answers: the whole timeout is reported
	timeout = 50 * time.Millisecond
	rtt, err = a.PingPlayer(ctx, "ghost", timeout)
	is.NoErr(err)
	is.True(rtt >= timeout)

	expired, cancelPing := context.WithCancel(ctx)
	cancelPing()
	_, err = a.PingPlayer(expired, "ghost", time.Second)
	is.True(errors.Is(err, context.Canceled))
}
