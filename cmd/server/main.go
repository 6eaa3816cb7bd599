package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"

	"github.com/railsim/railparty/internal/dispatchserver"
	"github.com/railsim/railparty/internal/world"
)

type Config struct {
	ServerAddr string `envconfig:"SERVER_ADDR" default:"0.0.0.0:30000"`
	// WSAddr enables the websocket endpoint when non-empty.
	WSAddr     string `envconfig:"WS_ADDR" default:""`
	ServerName string `envconfig:"SERVER_NAME" default:"dispatcher"`
	Version    int    `envconfig:"PROTOCOL_VERSION" default:"15"`
	UpdateMS   int    `envconfig:"UPDATE_INTERVAL_MS" default:"1000"`
}

func loadConfig() (*Config, error) {
	config := new(Config)
	if err := envconfig.Process("", config); err != nil {
		return nil, err
	}
	return config, nil
}

func configureLogger() *log.Logger {
	logger := log.DefaultLogger

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
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

	logger := configureLogger()

	w := world.New(world.NewTrackDB(nil), nil, logger)
	w.AddPlayer(&world.Player{Name: config.ServerName, Role: world.RoleServer})

	server, err := dispatchserver.NewServer(config.ServerAddr, config.WSAddr, w, dispatchserver.Config{
		Name:           config.ServerName,
		Version:        config.Version,
		UpdateInterval: time.Duration(config.UpdateMS) * time.Millisecond,
	}, logger)
	if err != nil {
		return fmt.Errorf("could not construct dispatch server: %w", err)
	}
	logger.Info().Msgf("started dispatch server on %s", server.Addr())

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
		return fmt.Errorf("dispatch server run failed: %w", serverRunErr)
	}

	return nil
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
