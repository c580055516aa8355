package main

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/Carcophan/Jabit/peer"
	"github.com/Carcophan/Jabit/wire"
	"github.com/davecgh/go-spew/spew"
	"golang.org/x/sync/errgroup"
)

type startCommand struct{}

var startCmd startCommand

// Execute runs the node until it is interrupted.
func (x *startCommand) Execute(args []string) error {
	return runNode()
}

type syncCommand struct {
	Args struct {
		Addresses []string `positional-arg-name:"address" required:"1"`
	} `positional-args:"yes"`
}

var syncCmd syncCommand

// syncReporter counts and logs the objects exchanged during a sync.
type syncReporter struct {
	received uint64
	sent     uint64
}

func (r *syncReporter) OnObjectReceived(p *peer.Peer, msg *wire.MsgObject) {
	atomic.AddUint64(&r.received, 1)
	bmndLog.Debugf("Received %v object %v from %s", msg.ObjectType,
		msg.InvVect(), p)
}

func (r *syncReporter) OnObjectSent(p *peer.Peer, msg *wire.MsgObject) {
	atomic.AddUint64(&r.sent, 1)
	bmndLog.Debugf("Sent %v object %v to %s", msg.ObjectType,
		msg.InvVect(), p)
}

// Execute synchronizes with every given node at once.
func (x *syncCommand) Execute(args []string) error {
	type target struct {
		addr string
		host string
		port uint16
	}
	targets := make([]target, 0, len(x.Args.Addresses))
	for _, addr := range x.Args.Addresses {
		host, port, err := parseAddress(addr)
		if err != nil {
			return err
		}
		targets = append(targets, target{addr: addr, host: host, port: port})
	}

	server, closeDB, err := newServer(cfg)
	if err != nil {
		return err
	}
	defer closeDB()
	if err := server.Start(); err != nil {
		return err
	}
	defer server.Stop()

	ctx, cancel := interruptContext()
	defer cancel()

	reporter := &syncReporter{}
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			task, err := server.Synchronize(t.host, t.port, reporter,
				cfg.SyncTimeout)
			if err != nil {
				return err
			}
			if err := task.Wait(ctx); err != nil {
				task.Cancel()
				return fmt.Errorf("%s: %w", t.addr, err)
			}
			bmndLog.Infof("Synchronized with %s", t.addr)
			return nil
		})
	}
	err = g.Wait()

	bmndLog.Infof("Received %d objects, sent %d objects",
		atomic.LoadUint64(&reporter.received), atomic.LoadUint64(&reporter.sent))
	return err
}

type sendCommand struct {
	Args struct {
		Address string `positional-arg-name:"address" required:"yes"`
		Command string `positional-arg-name:"command" required:"yes"`
		Data    string `positional-arg-name:"data"`
	} `positional-args:"yes"`
}

var sendCmd sendCommand

// Execute sends a custom command and dumps the response.
func (x *sendCommand) Execute(args []string) error {
	host, port, err := parseAddress(x.Args.Address)
	if err != nil {
		return err
	}

	// No objects are exchanged, so the node needs no database.
	server, err := newSendServer(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := interruptContext()
	defer cancel()

	resp, err := server.Send(ctx, host, port,
		wire.NewMsgCustom(x.Args.Command, []byte(x.Args.Data)))
	if err != nil {
		return err
	}
	spew.Fdump(os.Stdout, resp)
	return nil
}
