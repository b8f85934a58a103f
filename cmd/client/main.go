package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/blukai/bettertogether/internal/protocol"
	"github.com/blukai/bettertogether/internal/syncclient"
	"github.com/blukai/bettertogether/internal/transport/wsnet"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
	"github.com/spf13/cobra"
)

type Config struct {
	Addr     string `envconfig:"ADDR" default:"127.0.0.1:9050"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"warn"`

	syncclient.Config
}

var (
	config  = new(Config)
	timeout time.Duration

	rootCmd = &cobra.Command{
		Use:           "client",
		Short:         "Talks to a bettertogether server.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pingCmd = &cobra.Command{
		Use:   "ping [player]",
		Short: "Measures the round trip to the server or to another player.",
		Args:  cobra.MaximumNArgs(1),
		RunE: withSession(func(ctx context.Context, c *syncclient.Client, args []string) error {
			var (
				rtt time.Duration
				err error
			)
			if len(args) == 0 {
				rtt, err = c.PingServer(ctx, timeout)
			} else {
				rtt, err = c.PingPlayer(ctx, args[0], timeout)
			}
			if err != nil {
				return fmt.Errorf("could not ping: %w", err)
			}
			fmt.Println(rtt)
			return nil
		}),
	}

	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Prints one state, or the whole table.",
		Args:  cobra.MaximumNArgs(1),
		RunE: withSession(func(_ context.Context, c *syncclient.Client, args []string) error {
			if len(args) == 0 {
				for key, value := range c.States() {
					fmt.Printf("%s = %s\n", key, format(value))
				}
				return nil
			}
			value, ok := c.GetState(args[0])
			if !ok {
				return fmt.Errorf("no state named %q", args[0])
			}
			fmt.Println(format(value))
			return nil
		}),
	}

	setCmd = &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Writes a state as a msgpack string.",
		Args:  cobra.ExactArgs(2),
		RunE: withSession(func(_ context.Context, c *syncclient.Client, args []string) error {
			if err := syncclient.SetStateValue(c, args[0], args[1]); err != nil {
				return fmt.Errorf("could not set state: %w", err)
			}
			return nil
		}),
	}

	rpcCmd = &cobra.Command{
		Use:   "rpc <target> <method> [arg]",
		Short: "Invokes a procedure on a player, all, others, self or server.",
		Args:  cobra.RangeArgs(2, 3),
		RunE: withSession(func(_ context.Context, c *syncclient.Client, args []string) error {
			var arg string
			if len(args) == 3 {
				arg = args[2]
			}
			if err := syncclient.RpcValue(c, args[0], args[1], arg); err != nil {
				return fmt.Errorf("could not invoke rpc: %w", err)
			}
			return nil
		}),
	}

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Prints player events until interrupted.",
		Args:  cobra.NoArgs,
		RunE:  runWatch,
	}
)

func format(value []byte) string {
	v, ok, err := protocol.Decode[any](value)
	if err != nil || !ok {
		return fmt.Sprintf("%q", value)
	}
	return fmt.Sprintf("%v", v)
}

func configureLogger(level string) *log.Logger {
	logger := log.DefaultLogger

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Level = log.ParseLevel(level)
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

type session struct {
	client *syncclient.Client
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// open connects and waits until the server assigned an identity and sent its
// snapshot.
func open(ctx context.Context, logger *log.Logger) (*session, error) {
	initialized := make(chan struct{}, 1)
	rejected := make(chan string, 1)

	c := syncclient.NewClient(wsnet.NewClient(logger), config.Config, logger).
		OnInit(func(map[string][]byte) {
			select {
			case initialized <- struct{}{}:
			default:
			}
		}).
		OnDisconnected(func(reason string) {
			select {
			case rejected <- reason:
			default:
			}
		})
	if err := c.Connect(config.Addr); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &session{client: c, cancel: cancel}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = c.Run(ctx)
	}()

	select {
	case <-initialized:
		return s, nil
	case reason := <-rejected:
		s.close()
		return nil, fmt.Errorf("rejected: %s", reason)
	case <-time.After(timeout):
		s.close()
		return nil, errors.New("timed out waiting for the server")
	}
}

func (s *session) close() {
	s.cancel()
	s.wg.Wait()
}

func withSession(fn func(ctx context.Context, c *syncclient.Client, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		logger := configureLogger(config.LogLevel)
		s, err := open(cmd.Context(), logger)
		if err != nil {
			return fmt.Errorf("could not open session: %w", err)
		}
		defer s.close()

		if err := fn(cmd.Context(), s.client, args); err != nil {
			return err
		}
		// let queued writes leave before the connection closes
		time.Sleep(2 * config.PollInterval)
		return nil
	}
}

func runWatch(cmd *cobra.Command, _ []string) error {
	logger := configureLogger(config.LogLevel)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	s, err := open(ctx, logger)
	if err != nil {
		return fmt.Errorf("could not open session: %w", err)
	}
	defer s.close()

	fmt.Printf("connected as %s, players: %v\n", s.client.ID(), s.client.Players())
	s.client.
		OnPlayerConnected(func(id string) { fmt.Printf("+ %s\n", id) }).
		OnPlayerDisconnected(func(id string) { fmt.Printf("- %s\n", id) }).
		OnKicked(func(reason string) { fmt.Printf("kicked: %s\n", reason) }).
		OnBanned(func(reason string) { fmt.Printf("banned: %s\n", reason) }).
		OnDisconnected(func(reason string) {
			fmt.Printf("disconnected: %s\n", reason)
			cancel()
		})

	<-ctx.Done()
	return nil
}

func erringMain() error {
	if err := envconfig.Process("BT", config); err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	rootCmd.PersistentFlags().StringVar(&config.Addr, "addr", config.Addr, "server address, host:port or a ws:// url")
	rootCmd.PersistentFlags().StringVar(&config.HandshakeKey, "key", config.HandshakeKey, "handshake key")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", syncclient.DefaultPingTimeout, "how long to wait for the server")
	rootCmd.AddCommand(pingCmd, getCmd, setCmd, rpcCmd, watchCmd)

	return rootCmd.Execute()
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
