package node

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/Carcophan/Jabit/wire"
)

// Send connects to the node at address and port, sends msg instead of a
// handshake and waits for the custom response.  If none arrives within the
// custom response timeout, or the remote closes the connection without
// answering, a *NodeError wrapping ErrNoResponse is returned.
func (s *Server) Send(ctx context.Context, address string, port uint16,
	msg *wire.MsgCustom) (*wire.MsgCustom, error) {

	addr := joinHostPort(address, port)
	fail := func(err error) (*wire.MsgCustom, error) {
		return nil, &NodeError{Op: "send", Addr: addr, Err: err}
	}

	dialer := net.Dialer{Timeout: s.cfg.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fail(err)
	}
	defer conn.Close()

	deadline := time.Now().Add(s.cfg.CustomResponseTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fail(err)
	}

	// Unblock the read when ctx is done before the deadline.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Now())
		case <-stop:
		}
	}()

	if err := wire.WriteMessage(conn, msg, s.cfg.Net); err != nil {
		return fail(err)
	}
	log.Debugf("Sent custom command %q to %s", msg.CustomCommand, addr)

	r := bufio.NewReader(conn)
	for {
		resp, _, err := wire.ReadMessage(r, s.cfg.Net)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return fail(ctx.Err())
		case errors.Is(err, os.ErrDeadlineExceeded),
			errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return fail(ErrNoResponse)
		default:
			return fail(err)
		}

		if custom, ok := resp.(*wire.MsgCustom); ok {
			return custom, nil
		}
		log.Debugf("Ignoring %s message from %s while waiting for a "+
			"custom response", resp.Command(), addr)
	}
}
