package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"

	"github.com/railsim/railparty/internal/dispatchclient"
	"github.com/railsim/railparty/internal/transport"
	"github.com/railsim/railparty/internal/world"
)

type Config struct {
	// ServerAddr is either host:port for TCP or a ws:// url.
	ServerAddr string `envconfig:"SERVER_ADDR" required:"true"`
	UserName   string `envconfig:"USER_NAME" required:"true"`
	UserCode   string `envconfig:"USER_CODE" default:"1234"`
	Version    int    `envconfig:"PROTOCOL_VERSION" default:"15"`
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

func dial(ctx context.Context, address string) (transport.Conn, error) {
	if strings.HasPrefix(address, "ws://") || strings.HasPrefix(address, "wss://") {
		return transport.DialWS(ctx, address)
	}
	return transport.DialTCP(ctx, address)
}

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := configureLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := dial(ctx, config.ServerAddr)
	if err != nil {
		return fmt.Errorf("could not connect: %w", err)
	}

	w := world.New(world.NewTrackDB(nil), nil, logger)
	w.AddPlayer(&world.Player{
		Name: config.UserName,
		Code: config.UserCode,
		Role: world.RoleClient,
	})

	client := dispatchclient.NewClient(conn, w, config.UserName, config.Version, logger)

	wg := new(sync.WaitGroup)
	wg.Add(1)
	var clientRunErr error
	go func() {
		defer wg.Done()
		clientRunErr = client.Run(ctx)
	}()

	if err := client.Join(ctx); err != nil {
		cancel()
		wg.Wait()
		return fmt.Errorf("could not join session: %w", err)
	}
	logger.Info().Msgf("joined session on %s as %s", config.ServerAddr, config.UserName)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	reportTicker := time.NewTicker(time.Second)
	defer reportTicker.Stop()

loop:
	for {
		select {
		case sig := <-signalChan:
			logger.Info().Msgf("received %+v signal", sig)
			break loop
		case <-client.Done():
			logger.Info().Msgf("session ended: %v", client.Err())
			break loop
		case <-reportTicker.C:
			client.ReportMove()
		}
	}

	cancel()
	wg.Wait()
	if clientRunErr != nil {
		return fmt.Errorf("dispatch client run failed: %w", clientRunErr)
	}

	return nil
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
