package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// interruptSignals defines the signals that trigger a shutdown.
var interruptSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// interruptListener listens for OS signals such as SIGINT (Ctrl+C) and
// returns a channel that is closed on the first one.  Further signals are
// logged so the user knows shutdown is in progress.
func interruptListener() <-chan struct{} {
	c := make(chan struct{})
	go func() {
		interruptChannel := make(chan os.Signal, 1)
		signal.Notify(interruptChannel, interruptSignals...)

		sig := <-interruptChannel
		bmndLog.Infof("Received signal (%s).  Shutting down...", sig)
		close(c)

		for sig := range interruptChannel {
			bmndLog.Infof("Received signal (%s).  Already shutting down...", sig)
		}
	}()

	return c
}

// interruptContext returns a context that is cancelled on the first
// interrupt signal or when the returned function is called.
func interruptContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	interrupt := interruptListener()
	go func() {
		select {
		case <-interrupt:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
