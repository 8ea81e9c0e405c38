package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/teleport/capsule"
	"github.com/guseggert/teleport/internal/config"
	"github.com/guseggert/teleport/rpc"
	"github.com/guseggert/teleport/worker"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if worker.Init() {
		return
	}
	app := &cli.App{
		Name:  "teleport",
		Usage: "supervised workers and a small RPC layer",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a TOML config file. Defaults to the nearest teleport.toml at or above the working directory.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error]. Overrides the config file.",
			},
		},
		Commands: []*cli.Command{serveCommand, callCommand, demoCommand},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadConfig merges the config file and command line flags over the defaults.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	path := c.String("config")
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return config.Config{}, err
		}
		if path, err = config.Find(wd); err != nil {
			return config.Config{}, err
		}
	}
	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("endpoint") {
		cfg.Endpoint = c.String("endpoint")
	}
	if c.IsSet("status-addr") {
		cfg.StatusAddr = c.String("status-addr")
	}
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	logCfg := zap.NewDevelopmentConfig()
	logCfg.Level = lvl
	logger, err := logCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

var endpointFlag = &cli.StringFlag{
	Name:  "endpoint",
	Usage: "The endpoint, e.g. tcp://*:2222 or ws://*:8080/rpc.",
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "run an RPC server with the built-in methods",
	Flags: []cli.Flag{
		endpointFlag,
		&cli.StringFlag{
			Name:  "status-addr",
			Usage: "Address for the HTTP heartbeat and metrics server. Disabled when empty.",
		},
	},
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

		ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, logger, cfg)
	},
}

func serve(ctx context.Context, logger *zap.Logger, cfg config.Config) error {
	server, err := rpc.NewServer(cfg.Endpoint, rpc.WithServerLogger(logger))
	if err != nil {
		return err
	}
	bindBuiltins(server, logger.Sugar())
	if err := server.Listen(); err != nil {
		return err
	}
	logger.Sugar().Infow("serving", "Endpoint", server.Addr(), "Methods", server.Methods())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	if cfg.StatusAddr != "" {
		httpServer := &http.Server{Handler: server.StatusHandler()}
		l, err := net.Listen("tcp", cfg.StatusAddr)
		if err != nil {
			server.Close()
			return fmt.Errorf("listening on status address: %w", err)
		}
		g.Go(func() error {
			err := httpServer.Serve(l)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-ctx.Done()
			return httpServer.Close()
		})
	}
	return g.Wait()
}

var callCommand = &cli.Command{
	Name:      "call",
	Usage:     "call a method on a running server and print the result as JSON",
	ArgsUsage: " ",
	Flags: []cli.Flag{
		endpointFlag,
		&cli.StringFlag{
			Name:     "method",
			Usage:    "The method to call.",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "args",
			Usage: "The call arguments as JSON.",
			Value: "null",
		},
	},
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

		args, err := parseJSONArgs(c.String("args"))
		if err != nil {
			return err
		}

		client, err := rpc.NewClient(cfg.Endpoint, rpc.WithClientLogger(logger), rpc.WithConnectTimeout(cfg.ConnectTimeout))
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.Connect(c.Context); err != nil {
			return err
		}

		result, err := client.Call(c.String("method"), args).Result(c.Context)
		if err != nil {
			var fault *capsule.Fault
			if errors.As(err, &fault) {
				fmt.Fprintln(os.Stderr, fault.Trace)
			}
			return err
		}
		out, err := json.MarshalIndent(jsonable(result), "", "  ")
		if err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
		fmt.Println(string(out))
		return nil
	},
}
