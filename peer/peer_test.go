package peer

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Carcophan/Jabit/wire"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// listen starts a loopback listener and returns a channel with the next
// accepted connection.
func listen(t *testing.T) (net.Listener, <-chan net.Conn) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	conns := make(chan net.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		conns <- conn
	}()
	return l, conns
}

func accept(t *testing.T, conns <-chan net.Conn) net.Conn {
	t.Helper()

	select {
	case conn := <-conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(testTimeout):
		t.Fatal("no inbound connection")
	}
	return nil
}

func testConfig(nonce uint64, streams ...uint64) *Config {
	return &Config{
		Net:              wire.SimNet,
		Nonce:            nonce,
		Streams:          streams,
		Services:         wire.SFNodeNetwork,
		HandshakeTimeout: time.Second,
		TrickleInterval:  20 * time.Millisecond,
	}
}

// connectPeers connects an outbound peer to an inbound one over loopback.
func connectPeers(t *testing.T, outCfg, inCfg *Config) (*Peer, *Peer) {
	t.Helper()

	l, conns := listen(t)

	outConn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { outConn.Close() })

	out, err := NewOutboundPeer(outCfg, l.Addr().String())
	require.NoError(t, err)
	in := NewInboundPeer(inCfg)

	in.AssociateConnection(accept(t, conns))
	out.AssociateConnection(outConn)

	t.Cleanup(func() {
		out.Disconnect()
		in.Disconnect()
	})
	return out, in
}

func waitDisconnect(t *testing.T, p *Peer) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		p.WaitForDisconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatalf("peer %s still connected", p)
	}
}

func TestPeerHandshake(t *testing.T) {
	verAcks := make(chan *Peer, 2)
	onVerAck := func(p *Peer, _ *wire.MsgVerAck) { verAcks <- p }

	outCfg := testConfig(1, 1, 2)
	outCfg.UserAgent = "/out:1.0/"
	outCfg.Listeners.OnVerAck = onVerAck
	inCfg := testConfig(2, 2, 1, 5)
	inCfg.UserAgent = "/in:1.0/"
	inCfg.Listeners.OnVerAck = onVerAck

	out, in := connectPeers(t, outCfg, inCfg)

	for i := 0; i < 2; i++ {
		select {
		case <-verAcks:
		case <-time.After(testTimeout):
			t.Fatal("handshake did not complete")
		}
	}

	for _, p := range []*Peer{out, in} {
		require.Equal(t, StateActive, p.State(), p.String())
		require.True(t, p.VersionKnown())
		require.True(t, p.VerAckReceived())
		require.Equal(t, []uint64{1, 2}, p.Streams())
		require.Equal(t, wire.ProtocolVersion, p.ProtocolVersion())
		require.Equal(t, wire.SFNodeNetwork, p.Services())
	}
	require.Equal(t, "/in:1.0/", out.UserAgent())
	require.Equal(t, "/out:1.0/", in.UserAgent())
	require.False(t, out.Inbound())
	require.True(t, in.Inbound())
	require.NotZero(t, out.BytesSent())
	require.Equal(t, out.BytesSent(), in.BytesReceived())
}

func TestPeerNoSharedStream(t *testing.T) {
	out, in := connectPeers(t, testConfig(1, 1), testConfig(2, 2))

	waitDisconnect(t, out)
	waitDisconnect(t, in)
	require.False(t, out.VerAckReceived())
}

func TestPeerSelfConnection(t *testing.T) {
	out, in := connectPeers(t, testConfig(7, 1), testConfig(7, 1))

	waitDisconnect(t, out)
	waitDisconnect(t, in)
}

func TestPeerHandshakeTimeout(t *testing.T) {
	l, conns := listen(t)
	client, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	cfg := testConfig(1, 1)
	cfg.HandshakeTimeout = 100 * time.Millisecond
	in := NewInboundPeer(cfg)
	in.AssociateConnection(accept(t, conns))

	waitDisconnect(t, in)
	require.Eventually(t, func() bool {
		return in.State() == StateClosed
	}, testTimeout, 10*time.Millisecond)
}

func TestPeerCustomRequest(t *testing.T) {
	l, conns := listen(t)
	client, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	cfg := testConfig(1, 1)
	cfg.OnCustomRequest = func(_ *Peer, msg *wire.MsgCustom) *wire.MsgCustom {
		return wire.NewMsgCustom("pong", append([]byte("re: "), msg.Data...))
	}
	in := NewInboundPeer(cfg)
	in.AssociateConnection(accept(t, conns))

	err = wire.WriteMessage(client, wire.NewMsgCustom("ping", []byte("hello")), wire.SimNet)
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(testTimeout))
	r := bufio.NewReader(client)
	msg, _, err := wire.ReadMessage(r, wire.SimNet)
	require.NoError(t, err)
	resp, ok := msg.(*wire.MsgCustom)
	require.True(t, ok, "got %T", msg)
	require.Equal(t, "pong", resp.CustomCommand)
	require.Equal(t, []byte("re: hello"), resp.Data)

	// The connection is closed after the answer.
	_, _, err = wire.ReadMessage(r, wire.SimNet)
	require.True(t, errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF), err)
	waitDisconnect(t, in)
}

func TestPeerCustomRequestWithoutResponse(t *testing.T) {
	l, conns := listen(t)
	client, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	cfg := testConfig(1, 1)
	cfg.OnCustomRequest = func(*Peer, *wire.MsgCustom) *wire.MsgCustom { return nil }
	in := NewInboundPeer(cfg)
	in.AssociateConnection(accept(t, conns))

	err = wire.WriteMessage(client, wire.NewMsgCustom("ping", nil), wire.SimNet)
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(testTimeout))
	_, _, err = wire.ReadMessage(client, wire.SimNet)
	require.Error(t, err)
	waitDisconnect(t, in)
}

// rawHandshake completes the handshake with an inbound peer by hand and
// returns a reader for the rest of the conversation.
func rawHandshake(t *testing.T, conn net.Conn) *bufio.Reader {
	t.Helper()

	conn.SetDeadline(time.Now().Add(testTimeout))
	me := &wire.NetAddress{}
	version := wire.NewMsgVersion(me, me, 99, []uint64{1})
	require.NoError(t, wire.WriteMessage(conn, version, wire.SimNet))

	r := bufio.NewReader(conn)
	msg, _, err := wire.ReadMessage(r, wire.SimNet)
	require.NoError(t, err)
	require.IsType(t, &wire.MsgVersion{}, msg)
	msg, _, err = wire.ReadMessage(r, wire.SimNet)
	require.NoError(t, err)
	require.IsType(t, &wire.MsgVerAck{}, msg)

	require.NoError(t, wire.WriteMessage(conn, wire.NewMsgVerAck(), wire.SimNet))
	return r
}

func TestPeerMessagesInOrder(t *testing.T) {
	l, conns := listen(t)
	client, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	received := make(chan wire.Message, 10)
	cfg := testConfig(1, 1)
	cfg.Listeners.OnInv = func(_ *Peer, msg *wire.MsgInv) { received <- msg }
	cfg.Listeners.OnGetData = func(_ *Peer, msg *wire.MsgGetData) { received <- msg }
	cfg.Listeners.OnAddr = func(_ *Peer, msg *wire.MsgAddr) { received <- msg }
	in := NewInboundPeer(cfg)
	in.AssociateConnection(accept(t, conns))
	rawHandshake(t, client)

	var iv wire.InvVect
	iv[0] = 1
	inv := wire.NewMsgInv()
	require.NoError(t, inv.AddInvVect(iv))
	getData := wire.NewMsgGetData()
	require.NoError(t, getData.AddInvVect(iv))
	addr := wire.NewMsgAddr()

	for _, msg := range []wire.Message{inv, getData, addr} {
		require.NoError(t, wire.WriteMessage(client, msg, wire.SimNet))
	}

	for _, want := range []string{wire.CmdInv, wire.CmdGetData, wire.CmdAddr} {
		select {
		case msg := <-received:
			require.Equal(t, want, msg.Command())
		case <-time.After(testTimeout):
			t.Fatalf("no %s message", want)
		}
	}
	require.True(t, in.HasKnownInventory(iv))
	require.Equal(t, uint64(2), in.Activity())
}

func TestPeerUnknownCommandKeepsConnection(t *testing.T) {
	l, conns := listen(t)
	client, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	received := make(chan *wire.MsgInv, 1)
	cfg := testConfig(1, 1)
	cfg.Listeners.OnInv = func(_ *Peer, msg *wire.MsgInv) { received <- msg }
	in := NewInboundPeer(cfg)
	in.AssociateConnection(accept(t, conns))
	rawHandshake(t, client)

	unknown := &wire.MsgUnknown{Cmd: "ping", Payload: []byte{1, 2, 3}}
	require.NoError(t, wire.WriteMessage(client, unknown, wire.SimNet))
	require.NoError(t, wire.WriteMessage(client, wire.NewMsgInv(), wire.SimNet))

	select {
	case <-received:
	case <-time.After(testTimeout):
		t.Fatal("connection did not survive an unknown command")
	}
	require.True(t, in.Connected())
}

func TestPeerChecksumErrorDisconnects(t *testing.T) {
	l, conns := listen(t)
	client, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	in := NewInboundPeer(testConfig(1, 1))
	in.AssociateConnection(accept(t, conns))
	rawHandshake(t, client)

	var iv wire.InvVect
	inv := wire.NewMsgInv()
	require.NoError(t, inv.AddInvVect(iv))

	var frame bytesWriter
	require.NoError(t, wire.WriteMessage(&frame, inv, wire.SimNet))
	frame[len(frame)-1] ^= 0x01
	_, err = client.Write(frame)
	require.NoError(t, err)

	waitDisconnect(t, in)
}

func TestPeerDuplicateVersionDisconnects(t *testing.T) {
	l, conns := listen(t)
	client, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	in := NewInboundPeer(testConfig(1, 1))
	in.AssociateConnection(accept(t, conns))
	rawHandshake(t, client)

	me := &wire.NetAddress{}
	version := wire.NewMsgVersion(me, me, 99, []uint64{1})
	require.NoError(t, wire.WriteMessage(client, version, wire.SimNet))

	waitDisconnect(t, in)
}

func TestPeerQueueInventory(t *testing.T) {
	invs := make(chan *wire.MsgInv, 10)
	inCfg := testConfig(2, 1)
	inCfg.Listeners.OnInv = func(_ *Peer, msg *wire.MsgInv) { invs <- msg }

	ready := make(chan struct{}, 1)
	outCfg := testConfig(1, 1)
	outCfg.Listeners.OnVerAck = func(*Peer, *wire.MsgVerAck) { ready <- struct{}{} }

	out, _ := connectPeers(t, outCfg, inCfg)
	select {
	case <-ready:
	case <-time.After(testTimeout):
		t.Fatal("handshake did not complete")
	}

	var known, fresh wire.InvVect
	known[0] = 1
	fresh[0] = 2
	out.AddKnownInventory(known)

	out.QueueInventory(known)
	out.QueueInventory(fresh)
	out.QueueInventory(fresh)

	select {
	case msg := <-invs:
		require.Equal(t, []wire.InvVect{fresh}, msg.InvList)
	case <-time.After(testTimeout):
		t.Fatal("inventory was not trickled")
	}
	require.Eventually(t, out.SendQueueEmpty, testTimeout, 10*time.Millisecond)
	require.True(t, out.HasKnownInventory(fresh))
	require.Equal(t, uint64(1), out.Activity())
}

func TestPeerQueueMessageDone(t *testing.T) {
	var objects int32
	got := make(chan struct{}, 1)
	inCfg := testConfig(2, 1)
	inCfg.Listeners.OnObject = func(*Peer, *wire.MsgObject) {
		atomic.AddInt32(&objects, 1)
		got <- struct{}{}
	}

	ready := make(chan struct{}, 1)
	outCfg := testConfig(1, 1)
	outCfg.Listeners.OnVerAck = func(*Peer, *wire.MsgVerAck) { ready <- struct{}{} }

	out, in := connectPeers(t, outCfg, inCfg)
	select {
	case <-ready:
	case <-time.After(testTimeout):
		t.Fatal("handshake did not complete")
	}

	payload := wire.NewGenericPayload(wire.ObjectTypeMsg, 1, 1, []byte("data"))
	obj := wire.NewMsgObject(42, wire.NewObject(time.Now().Add(time.Hour), payload))

	done := make(chan struct{}, 1)
	out.QueueMessage(obj, done)
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("message was not sent")
	}
	select {
	case <-got:
	case <-time.After(testTimeout):
		t.Fatal("object was not received")
	}
	require.True(t, in.HasKnownInventory(obj.InvVect()))
	require.Equal(t, int32(1), atomic.LoadInt32(&objects))
}

func TestPeerDisconnectIdempotent(t *testing.T) {
	out, in := connectPeers(t, testConfig(1, 1), testConfig(2, 1))

	out.Disconnect()
	out.Disconnect()
	waitDisconnect(t, out)
	waitDisconnect(t, in)
	require.False(t, out.Connected())

	// Queuing on a closed peer never blocks.
	done := make(chan struct{}, 1)
	out.QueueMessage(wire.NewMsgVerAck(), done)
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("done channel not signalled")
	}
	out.QueueInventory(wire.InvVect{1})
}

func TestStateString(t *testing.T) {
	require.Equal(t, "active", StateActive.String())
	require.Equal(t, "Unknown State (42)", State(42).String())
}

type bytesWriter []byte

func (b *bytesWriter) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}
