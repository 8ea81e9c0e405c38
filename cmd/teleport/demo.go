package main

import (
	"context"
	"fmt"
	"time"

	"github.com/guseggert/teleport/internal/config"
	inet "github.com/guseggert/teleport/internal/net"
	"github.com/guseggert/teleport/rpc"
	"github.com/guseggert/teleport/worker"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// The demo runs a server and a client, each in its own process worker. The supervisor
// waits for the client and then kills the server.

var demoServer = worker.RegisterStoppable("demo-server", func(sc *worker.StopContext, args ...any) error {
	endpoint, level := args[0].(string), args[1].(string)
	logger, err := newLogger(level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(sc)
	defer cancel()
	go func() {
		for sc.Running() {
			time.Sleep(50 * time.Millisecond)
		}
		cancel()
	}()
	cfg := config.Default()
	cfg.Endpoint = endpoint
	return serve(ctx, logger.Named("demo_server"), cfg)
})

var demoClient = worker.Register("demo-client", func(ctx context.Context, args ...any) error {
	endpoint := args[0].(string)
	client, err := rpc.NewClient(endpoint)
	if err != nil {
		return err
	}
	defer client.Close()
	if err := client.Connect(ctx); err != nil {
		return err
	}

	add := client.Method("add")
	result, err := add(map[string]any{"foo": 1, "bar": 1}).Result(ctx)
	if err != nil {
		return err
	}
	fmt.Println(result)

	_, err = client.Method("msg")(map[string]any{"msg": "Hello World"}).Result(ctx)
	return err
})

var demoCommand = &cli.Command{
	Name:  "demo",
	Usage: "start a server and a client in two process workers and have them talk",
	Flags: []cli.Flag{endpointFlag},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer logger.Sync()

		endpoint := cfg.Endpoint
		if !c.IsSet("endpoint") {
			if endpoint, err = inet.EphemeralEndpoint("tcp"); err != nil {
				return err
			}
		}
		return demo(c.Context, logger, endpoint, cfg)
	},
}

func demo(ctx context.Context, logger *zap.Logger, endpoint string, cfg config.Config) error {
	opts := []worker.Option{worker.WithLogger(logger), worker.WithKillPolicy(cfg.Kill)}

	server := worker.NewStoppableProcess(ctx, demoServer, append(opts, worker.WithArgs(endpoint, cfg.LogLevel))...)
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Kill()

	client := worker.NewProcess(ctx, demoClient, append(opts, worker.WithArgs(endpoint))...)
	if err := client.Start(); err != nil {
		return err
	}
	if err := client.Join(ctx); err != nil {
		return err
	}

	server.Kill()
	code, _ := server.ExitCode()
	logger.Sugar().Infow("demo finished", "ServerExitCode", code)
	return client.Check()
}
