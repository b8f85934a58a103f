package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/blukai/bettertogether/internal/syncserver"
	"github.com/blukai/bettertogether/internal/transport/wsnet"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
)

type Config struct {
	Addr     string `envconfig:"ADDR" required:"true" default:"0.0.0.0:9050"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	syncserver.Config
}

func loadConfig() (*Config, error) {
	config := new(Config)
	if err := envconfig.Process("BT", config); err != nil {
		return nil, err
	}
	return config, nil
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

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := configureLogger(config.LogLevel)

	server := syncserver.NewServer(wsnet.NewServer(logger), config.Config, logger)
	if err := server.Start(config.Addr); err != nil {
		return fmt.Errorf("could not start sync server: %w", err)
	}

	wg := new(sync.WaitGroup)
	ctx, cancel := context.WithCancel(context.Background())

	wg.Add(1)
	var serverRunErr error
	go func() {
		defer wg.Done()
		serverRunErr = server.Run(ctx)
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-signalChan
	logger.Info().Msgf("received %+v signal", sig)

	cancel()
	wg.Wait()
	if serverRunErr != nil {
		return fmt.Errorf("sync server run failed: %w", serverRunErr)
	}

	return nil
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
