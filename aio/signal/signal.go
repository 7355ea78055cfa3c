package signal

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Signals which request graceful shutdown.
var Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}

func WaitForInterupt() os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, Signals...)
	defer signal.Stop(quit)
	return <-quit
}

// InterruptContext returns context which will be closed on application
// interrupt. Cause of the cancellation is the received signal.
func InterruptContext() context.Context {
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		sig := WaitForInterupt()
		cancel(&SignalError{Signal: sig})
	}()
	return ctx
}

type SignalError struct {
	Signal os.Signal
}

func (e *SignalError) Error() string {
	return "received signal " + e.Signal.String()
}
