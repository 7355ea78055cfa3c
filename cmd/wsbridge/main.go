package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/ianic/wsbridge/aio"
	"github.com/ianic/wsbridge/aio/signal"
	"github.com/ianic/wsbridge/bridge"
)

func main() {
	cfg := bridge.DefaultConfig
	port := 30001
	verbose := 0
	flag.IntVar(&verbose, "v", verbose, "log verbosity: 0 errors, 1 info, 2 debug, 3 trace")
	flag.IntVar(&port, "port", port, "loopback TCP port")
	flag.StringVar(&cfg.InPath, "in", cfg.InPath, "inbound FIFO, requests are read from it")
	flag.StringVar(&cfg.OutPath, "out", cfg.OutPath, "outbound FIFO, replies are written to it")
	flag.DurationVar(&cfg.OutOpenTimeout, "out-timeout", cfg.OutOpenTimeout, "how long to wait for a reader on the outbound FIFO")
	flag.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "upgrade request deadline, 0 disables it")
	flag.IntVar(&cfg.MaxMessageSize, "max-message", cfg.MaxMessageSize, "max message size in bytes")
	flag.StringVar(&cfg.Version, "version", cfg.Version, "version reported to the client")
	flag.Parse()
	cfg.Addr = net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	slog.SetDefault(slog.New(
		slog.NewTextHandler(
			os.Stderr,
			&slog.HandlerOptions{
				Level: logLevel(verbose),
			})))

	if err := run(cfg); err != nil {
		slog.Error("run", "error", err)
		os.Exit(1)
	}
}

func run(cfg bridge.Config) error {
	if cfg.MaxMessageSize <= 0 {
		return fmt.Errorf("invalid max message size %d", cfg.MaxMessageSize)
	}
	srv, err := bridge.New(cfg, slog.Default())
	if err != nil {
		return err
	}
	ctx := signal.InterruptContext()
	return srv.Run(ctx)
}

func logLevel(verbose int) slog.Level {
	switch {
	case verbose <= 0:
		return slog.LevelError
	case verbose == 1:
		return slog.LevelInfo
	case verbose == 2:
		return slog.LevelDebug
	}
	return aio.LevelTrace
}
