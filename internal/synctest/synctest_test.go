package synctest_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/blukai/bettertogether/internal/syncclient"
	"github.com/blukai/bettertogether/internal/syncserver"
	"github.com/blukai/bettertogether/internal/transport/memnet"
	"github.com/blukai/bettertogether/internal/transport/wsnet"
	"github.com/matryer/is"
	"github.com/phuslu/log"
)

type position struct {
	X int32 `msgpack:"x"`
	Y int32 `msgpack:"y"`
}

func testLogger() *log.Logger {
	logger := log.DefaultLogger
	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Level = log.WarnLevel
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}
	return &logger
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

type runner struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newRunner(t *testing.T) *runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{ctx: ctx, cancel: cancel}
	t.Cleanup(func() {
		r.cancel()
		r.wg.Wait()
	})
	return r
}

func (r *runner) run(fn func(context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = fn(r.ctx)
	}()
}

func TestTwoPlayersOverWebsocket(t *testing.T) {
	is := is.New(t)
	logger := testLogger()
	r := newRunner(t)

	server := syncserver.NewServer(wsnet.NewServer(logger), syncserver.Config{PollInterval: time.Millisecond}, logger)
	is.NoErr(server.Start("127.0.0.1:0"))
	r.run(server.Run)

	kicked := make(chan string, 1)
	rpcs := make(chan string, 4)

	config := syncclient.Config{PollInterval: time.Millisecond}
	one := syncclient.NewClient(wsnet.NewClient(logger), config, logger).
		SetInitPlayerState("name", []byte("one"))
	two := syncclient.NewClient(wsnet.NewClient(logger), config, logger).
		OnDisconnected(func(reason string) { kicked <- reason }).
		RegisterRPC("wave", func(player string, args []byte) { rpcs <- player + ":" + string(args) })

	t.Log("join one")
	is.NoErr(one.Connect(server.Addr()))
	r.run(one.Run)
	eventually(t, "player one", one.Connected)

	t.Log("join two")
	is.NoErr(two.Connect(server.Addr()))
	r.run(two.Run)
	eventually(t, "player two", two.Connected)

	// the staged name arrives with the snapshot
	eventually(t, "snapshot", func() bool {
		_, ok := two.GetState(one.ID() + "name")
		return ok
	})
	name, _ := two.GetState(one.ID() + "name")
	is.Equal(string(name), "one")

	t.Log("move player one")
	is.NoErr(syncclient.SetPlayerStateValue(one, "pos", position{X: 24, Y: 13}))
	eventually(t, "position", func() bool {
		_, ok := two.GetState(one.ID() + "pos")
		return ok
	})
	pos, ok, err := syncclient.PlayerState[position](two, one.ID(), "pos")
	is.NoErr(err)
	is.True(ok)
	is.Equal(pos, position{X: 24, Y: 13})

	t.Log("rpc")
	is.NoErr(one.RpcOthers("wave", []byte("hi")))
	select {
	case got := <-rpcs:
		is.Equal(got, one.ID()+":hi")
	case <-time.After(5 * time.Second):
		t.Fatal("rpc did not arrive")
	}

	t.Log("ping")
	rtt, err := two.PingPlayer(r.ctx, one.ID(), 2*time.Second)
	is.NoErr(err)
	is.True(rtt < 2*time.Second)

	t.Log("kick player two")
	is.True(server.Kick(two.ID(), "afk"))
	select {
	case reason := <-kicked:
		is.Equal(reason, "Kicked: afk")
	case <-time.After(5 * time.Second):
		t.Fatal("kick did not arrive")
	}
	eventually(t, "player two to leave", func() bool {
		return len(one.Players()) == 1
	})
}

func TestRejectOverWebsocket(t *testing.T) {
	is := is.New(t)
	r := newRunner(t)

	server := syncserver.NewServer(wsnet.NewServer(nil), syncserver.Config{PollInterval: time.Millisecond}, nil)
	is.NoErr(server.Start("127.0.0.1:0"))
	r.run(server.Run)

	reasons := make(chan string, 1)
	c := syncclient.NewClient(wsnet.NewClient(nil), syncclient.Config{PollInterval: time.Millisecond, HandshakeKey: "nope"}, nil).
		OnDisconnected(func(reason string) { reasons <- reason })
	is.NoErr(c.Connect(server.Addr()))
	r.run(c.Run)

	select {
	case reason := <-reasons:
		is.Equal(reason, syncserver.ReasonInvalidKey)
	case <-time.After(5 * time.Second):
		t.Fatal("rejection did not arrive")
	}
	is.True(!c.Connected())
}

// A reserved key is guarded only by an advisory echo: a player may still
// overwrite it and later joiners see the new value.
func TestReservedScoreScenario(t *testing.T) {
	is := is.New(t)

	network := memnet.NewNetwork()
	server := syncserver.NewServer(network.NewServer(), syncserver.Config{
		MaxPlayers:     2,
		ReservedStates: []string{"score"},
	}, nil)
	is.NoErr(server.Start(":0"))
	defer server.Stop()

	var clients []*syncclient.Client
	settle := func() {
		for i := 0; i < 3; i++ {
			server.PollOnce()
			for _, c := range clients {
				c.PollOnce()
			}
		}
	}
	connect := func(c *syncclient.Client) *syncclient.Client {
		clients = append(clients, c)
		is.NoErr(c.Connect(server.Addr()))
		settle()
		return c
	}

	first := connect(syncclient.NewClient(network.NewClient("10.0.0.1"), syncclient.DefaultConfig(), nil).
		SetInitState("score", []byte{0}))
	is.True(first.Connected())

	// reserved init states are dropped at the door
	_, ok := server.GetState("score")
	is.True(!ok)

	is.NoErr(first.SetState("score", []byte{9}))
	settle()

	// the echo carried the empty previous value
	_, ok = first.GetState("score")
	is.True(!ok)
	score, ok := server.GetState("score")
	is.True(ok)
	is.Equal(score, []byte{9})

	second := connect(syncclient.NewClient(network.NewClient("10.0.0.2"), syncclient.DefaultConfig(), nil))
	is.True(second.Connected())
	score, ok = second.GetState("score")
	is.True(ok)
	is.Equal(score, []byte{9})

	var reason string
	third := syncclient.NewClient(network.NewClient("10.0.0.3"), syncclient.DefaultConfig(), nil).
		OnDisconnected(func(r string) { reason = r })
	connect(third)
	is.True(!third.Connected())
	is.Equal(reason, syncserver.ReasonServerFull)

	is.Equal(len(server.Players()), 2)
}
