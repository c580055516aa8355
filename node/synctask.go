package node

import (
	"context"
	"sync"
	"time"

	"github.com/Carcophan/Jabit/netsync"
	"github.com/Carcophan/Jabit/peer"
	"github.com/Carcophan/Jabit/wire"
)

// minSyncRounds is the number of rounds a sync task runs at least after the
// handshake, giving both sides time to advertise their inventory.
const minSyncRounds = 2

// SyncTask is a running synchronization with one peer.  It completes once a
// full round passed without inventory traffic in either direction and
// nothing is left to fetch, or when its timeout elapses.
type SyncTask struct {
	addr   string
	cancel context.CancelFunc
	done   chan struct{}

	mtx sync.Mutex
	err error
}

// Done returns a channel that is closed when the task completed.
func (t *SyncTask) Done() <-chan struct{} {
	return t.done
}

// Err returns why the task failed once it completed.  It is nil while the
// task is running and after a successful synchronization.
func (t *SyncTask) Err() error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.err
}

// Wait blocks until the task completed or ctx is done and returns the
// result of the task.
func (t *SyncTask) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops the task and closes its connection.  It has no effect on a
// completed task.
func (t *SyncTask) Cancel() {
	t.cancel()
}

func (t *SyncTask) finish(err error) {
	t.mtx.Lock()
	t.err = err
	t.mtx.Unlock()
	close(t.done)
}

// syncListener forwards to an optional listener.
type syncListener struct {
	listener netsync.ObjectListener
}

func (l syncListener) OnObjectReceived(p *peer.Peer, msg *wire.MsgObject) {
	if l.listener != nil {
		l.listener.OnObjectReceived(p, msg)
	}
}

func (l syncListener) OnObjectSent(p *peer.Peer, msg *wire.MsgObject) {
	if l.listener != nil {
		l.listener.OnObjectSent(p, msg)
	}
}

// Synchronize connects to the node at address and port and exchanges objects
// until neither side has anything new for the other.  listener, which may be
// nil, is told about every object received from or sent to the node.  The
// task fails with a *NodeError wrapping context.DeadlineExceeded when it does
// not complete within timeout.
//
// The connection to the node is closed when the task completes.
func (s *Server) Synchronize(address string, port uint16,
	listener netsync.ObjectListener, timeout time.Duration) (*SyncTask, error) {

	addr := joinHostPort(address, port)
	if !s.IsRunning() {
		return nil, &NodeError{Op: "synchronize", Addr: addr, Err: ErrNotRunning}
	}

	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	sp, err := s.dialPeer(ctx, addr, true, syncListener{listener})
	if err != nil {
		cancel()
		return nil, &NodeError{Op: "synchronize", Addr: addr, Err: err}
	}

	task := &SyncTask{
		addr:   addr,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		err := s.runSync(ctx, sp)
		sp.Disconnect()
		if err != nil {
			log.Debugf("Synchronization with %s failed: %v", addr, err)
			err = &NodeError{Op: "synchronize", Addr: addr, Err: err}
		} else {
			log.Infof("Synchronization with %s complete", addr)
		}
		task.finish(err)
	}()

	return task, nil
}

// runSync waits for the handshake with sp and then watches the traffic
// round by round until a round passes without any.
func (s *Server) runSync(ctx context.Context, sp *serverPeer) error {
	disconnected := make(chan struct{})
	go func() {
		sp.WaitForDisconnect()
		close(disconnected)
	}()

	select {
	case <-sp.verAck:
	case <-disconnected:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	ticker := time.NewTicker(s.cfg.SyncRoundInterval)
	defer ticker.Stop()

	rounds := 0
	lastActivity := sp.Activity()
	for {
		select {
		case <-ticker.C:
		case <-disconnected:
			return ErrConnectionClosed
		case <-ctx.Done():
			return ctx.Err()
		}

		rounds++
		activity := sp.Activity()
		quiet := activity == lastActivity
		lastActivity = activity

		if !quiet || rounds < minSyncRounds {
			continue
		}
		if s.syncManager.PendingRequests(sp.Peer) > 0 || !sp.SendQueueEmpty() {
			continue
		}
		return nil
	}
}
