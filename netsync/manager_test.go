package netsync

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Carcophan/Jabit/peer"
	"github.com/Carcophan/Jabit/pow"
	"github.com/Carcophan/Jabit/wire"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

var testParams = pow.Params{NonceTrialsPerByte: 1}

// testInventory is a minimal map backed Inventory.
type testInventory struct {
	mtx     sync.Mutex
	objects map[wire.InvVect]*wire.MsgObject
}

func newTestInventory(objs ...*wire.MsgObject) *testInventory {
	inv := &testInventory{objects: make(map[wire.InvVect]*wire.MsgObject)}
	for _, obj := range objs {
		inv.objects[obj.InvVect()] = obj
	}
	return inv
}

func (i *testInventory) Contains(iv wire.InvVect) bool {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	_, ok := i.objects[iv]
	return ok
}

func (i *testInventory) Get(iv wire.InvVect) (*wire.MsgObject, error) {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	obj, ok := i.objects[iv]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return obj, nil
}

func (i *testInventory) Vectors(streams ...uint64) ([]wire.InvVect, error) {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	var ivs []wire.InvVect
	for iv, obj := range i.objects {
		for _, stream := range streams {
			if obj.Stream() == stream {
				ivs = append(ivs, iv)
			}
		}
	}
	return ivs, nil
}

func (i *testInventory) Store(obj *wire.MsgObject) (bool, error) {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	iv := obj.InvVect()
	if _, ok := i.objects[iv]; ok {
		return false, nil
	}
	i.objects[iv] = obj
	return true, nil
}

func (i *testInventory) Len() int {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return len(i.objects)
}

// testNotifier records relayed inventory.
type testNotifier struct {
	mtx     sync.Mutex
	relayed []wire.InvVect
}

func (n *testNotifier) RelayInventory(iv wire.InvVect, _ uint64, _ *peer.Peer) {
	n.mtx.Lock()
	n.relayed = append(n.relayed, iv)
	n.mtx.Unlock()
}

func (n *testNotifier) Relayed() []wire.InvVect {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return append([]wire.InvVect(nil), n.relayed...)
}

// testListener records the objects it is told about.
type testListener struct {
	mtx      sync.Mutex
	received []wire.InvVect
	sent     []wire.InvVect
}

func (l *testListener) OnObjectReceived(_ *peer.Peer, msg *wire.MsgObject) {
	l.mtx.Lock()
	l.received = append(l.received, msg.InvVect())
	l.mtx.Unlock()
}

func (l *testListener) OnObjectSent(_ *peer.Peer, msg *wire.MsgObject) {
	l.mtx.Lock()
	l.sent = append(l.sent, msg.InvVect())
	l.mtx.Unlock()
}

func (l *testListener) Sent() []wire.InvVect {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return append([]wire.InvVect(nil), l.sent...)
}

func mineObject(t *testing.T, stream uint64, data string, expires time.Time) *wire.MsgObject {
	t.Helper()

	payload := wire.NewGenericPayload(wire.ObjectTypeMsg, 1, stream, []byte(data))
	msg, err := pow.Mine(context.Background(), wire.NewObject(expires, payload),
		time.Now(), testParams)
	require.NoError(t, err)
	return msg
}

// connectRemote returns a local peer connected to a remote peer whose
// received messages show up on the returned channel.
func connectRemote(t *testing.T, streams ...uint64) (*peer.Peer, <-chan wire.Message) {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	received := make(chan wire.Message, 100)
	ready := make(chan struct{}, 2)
	remoteCfg := &peer.Config{
		Net:     wire.SimNet,
		Nonce:   1,
		Streams: streams,
		Listeners: peer.MessageListeners{
			OnVerAck:  func(*peer.Peer, *wire.MsgVerAck) { ready <- struct{}{} },
			OnInv:     func(_ *peer.Peer, msg *wire.MsgInv) { received <- msg },
			OnGetData: func(_ *peer.Peer, msg *wire.MsgGetData) { received <- msg },
			OnObject:  func(_ *peer.Peer, msg *wire.MsgObject) { received <- msg },
		},
	}
	localCfg := &peer.Config{
		Net:     wire.SimNet,
		Nonce:   2,
		Streams: []uint64{1},
		Listeners: peer.MessageListeners{
			OnVerAck: func(*peer.Peer, *wire.MsgVerAck) { ready <- struct{}{} },
		},
	}

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	local, err := peer.NewOutboundPeer(localCfg, l.Addr().String())
	require.NoError(t, err)
	remote := peer.NewInboundPeer(remoteCfg)

	select {
	case c := <-accepted:
		remote.AssociateConnection(c)
	case <-time.After(testTimeout):
		t.Fatal("no inbound connection")
	}
	local.AssociateConnection(conn)
	t.Cleanup(func() {
		local.Disconnect()
		remote.Disconnect()
	})

	for i := 0; i < 2; i++ {
		select {
		case <-ready:
		case <-time.After(testTimeout):
			t.Fatal("handshake did not complete")
		}
	}
	return local, received
}

func newTestManager(t *testing.T, cfg Config) *SyncManager {
	t.Helper()

	if cfg.PowParams.NonceTrialsPerByte == 0 {
		cfg.PowParams = testParams
	}
	sm, err := New(&cfg)
	require.NoError(t, err)
	sm.Start()
	t.Cleanup(func() { sm.Stop() })
	return sm
}

func expectMessage(t *testing.T, received <-chan wire.Message) wire.Message {
	t.Helper()

	select {
	case msg := <-received:
		return msg
	case <-time.After(testTimeout):
		t.Fatal("no message received")
	}
	return nil
}

func TestNewPeerAdvertisesSharedStreams(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	a := mineObject(t, 1, "a", expires)
	b := mineObject(t, 1, "b", expires)
	other := mineObject(t, 2, "other stream", expires)

	sm := newTestManager(t, Config{
		Inventory:    newTestInventory(a, b, other),
		PeerNotifier: &testNotifier{},
		Streams:      []uint64{1, 2},
	})
	p, received := connectRemote(t, 1)

	sm.NewPeer(p)
	msg := expectMessage(t, received)
	inv, ok := msg.(*wire.MsgInv)
	require.True(t, ok, "got %T", msg)
	require.ElementsMatch(t, []wire.InvVect{a.InvVect(), b.InvVect()}, inv.InvList)
}

func TestInvRequestsUnknownObjects(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	known := mineObject(t, 1, "known", expires)
	unknown := mineObject(t, 1, "unknown", expires)

	inventory := newTestInventory(known)
	notifier := &testNotifier{}
	listener := &testListener{}
	sm := newTestManager(t, Config{
		Inventory:    inventory,
		PeerNotifier: notifier,
		Listener:     listener,
	})
	p, received := connectRemote(t, 1)
	sm.NewPeer(p)
	require.IsType(t, &wire.MsgInv{}, expectMessage(t, received))

	inv := wire.NewMsgInv()
	require.NoError(t, inv.AddInvVect(known.InvVect()))
	require.NoError(t, inv.AddInvVect(unknown.InvVect()))
	sm.QueueInv(inv, p)

	msg := expectMessage(t, received)
	getData, ok := msg.(*wire.MsgGetData)
	require.True(t, ok, "got %T", msg)
	require.Equal(t, []wire.InvVect{unknown.InvVect()}, getData.InvList)
	require.Equal(t, 1, sm.PendingRequests(p))

	// A second advertisement does not request the object again.
	sm.QueueInv(inv, p)
	require.Equal(t, 1, sm.PendingRequests(p))

	require.NoError(t, sm.QueueObject(unknown, p))
	require.True(t, inventory.Contains(unknown.InvVect()))
	require.Equal(t, 0, sm.PendingRequests(p))
	require.Equal(t, []wire.InvVect{unknown.InvVect()}, notifier.Relayed())
	require.Equal(t, []wire.InvVect{unknown.InvVect()}, listener.received)
}

func TestMaxRequestsInFlight(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	objs := []*wire.MsgObject{
		mineObject(t, 1, "one", expires),
		mineObject(t, 1, "two", expires),
		mineObject(t, 1, "three", expires),
	}

	sm := newTestManager(t, Config{
		Inventory:           newTestInventory(),
		PeerNotifier:        &testNotifier{},
		MaxRequestsInFlight: 2,
	})
	p, received := connectRemote(t, 1)
	sm.NewPeer(p)

	inv := wire.NewMsgInv()
	for _, obj := range objs {
		require.NoError(t, inv.AddInvVect(obj.InvVect()))
	}
	sm.QueueInv(inv, p)

	getData := expectMessage(t, received).(*wire.MsgGetData)
	require.Equal(t, []wire.InvVect{objs[0].InvVect(), objs[1].InvVect()},
		getData.InvList)
	require.Equal(t, 3, sm.PendingRequests(p))

	require.NoError(t, sm.QueueObject(objs[0], p))
	getData = expectMessage(t, received).(*wire.MsgGetData)
	require.Equal(t, []wire.InvVect{objs[2].InvVect()}, getData.InvList)
	require.Equal(t, 2, sm.PendingRequests(p))
}

func TestQueueObjectRejectsInsufficientWork(t *testing.T) {
	inventory := newTestInventory()
	notifier := &testNotifier{}
	sm := newTestManager(t, Config{
		Inventory:    inventory,
		PeerNotifier: notifier,
		PowParams:    pow.NetworkParams,
	})
	p, _ := connectRemote(t, 1)
	sm.NewPeer(p)

	payload := wire.NewGenericPayload(wire.ObjectTypeMsg, 1, 1, []byte("lazy"))
	obj := wire.NewMsgObject(0, wire.NewObject(time.Now().Add(24*time.Hour), payload))

	err := sm.QueueObject(obj, p)
	require.ErrorIs(t, err, pow.ErrInsufficientProofOfWork)
	require.Zero(t, inventory.Len())
	require.Empty(t, notifier.Relayed())

	// The rejection is remembered.
	require.ErrorIs(t, sm.QueueObject(obj, p), pow.ErrInsufficientProofOfWork)
	require.True(t, p.Connected())
}

func TestQueueObjectChecks(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		obj  *wire.MsgObject
		err  error
	}{
		{"expired", mineObject(t, 1, "old", now.Add(-4*time.Hour)), errExpired},
		{"too far ahead", mineObject(t, 1, "new", now.Add(30*24*time.Hour)), errTooFarAhead},
		{"foreign stream", mineObject(t, 9, "foreign", now.Add(time.Hour)), errWrongStream},
	}

	inventory := newTestInventory()
	sm := newTestManager(t, Config{
		Inventory:    inventory,
		PeerNotifier: &testNotifier{},
	})
	p, _ := connectRemote(t, 1)
	sm.NewPeer(p)

	for _, test := range tests {
		err := sm.QueueObject(test.obj, p)
		require.ErrorIs(t, err, test.err, test.name)
	}
	require.Zero(t, inventory.Len())

	// Recently expired objects are still accepted.
	require.NoError(t, sm.QueueObject(mineObject(t, 1, "grace", now.Add(-time.Hour)), p))
	require.Equal(t, 1, inventory.Len())
}

func TestQueueObjectIdempotent(t *testing.T) {
	obj := mineObject(t, 1, "twice", time.Now().Add(time.Hour))

	inventory := newTestInventory()
	notifier := &testNotifier{}
	sm := newTestManager(t, Config{
		Inventory:    inventory,
		PeerNotifier: notifier,
	})
	p1, _ := connectRemote(t, 1)
	p2, _ := connectRemote(t, 1)
	sm.NewPeer(p1)
	sm.NewPeer(p2)

	require.NoError(t, sm.QueueObject(obj, p1))
	require.NoError(t, sm.QueueObject(obj, p2))
	require.NoError(t, sm.QueueObject(obj, p1))

	require.Equal(t, 1, inventory.Len())
	require.Len(t, notifier.Relayed(), 1)
}

func TestHandleGetData(t *testing.T) {
	held := mineObject(t, 1, "held", time.Now().Add(time.Hour))
	gone := mineObject(t, 1, "gone", time.Now().Add(time.Hour))

	listener := &testListener{}
	sm := newTestManager(t, Config{
		Inventory:    newTestInventory(held),
		PeerNotifier: &testNotifier{},
		Listener:     listener,
	})
	p, received := connectRemote(t, 1)

	getData := wire.NewMsgGetData()
	require.NoError(t, getData.AddInvVect(gone.InvVect()))
	require.NoError(t, getData.AddInvVect(held.InvVect()))
	sm.HandleGetData(getData, p)

	msg := expectMessage(t, received)
	obj, ok := msg.(*wire.MsgObject)
	require.True(t, ok, "got %T", msg)
	require.Equal(t, held.Bytes(), obj.Bytes())
	require.Equal(t, []wire.InvVect{held.InvVect()}, listener.Sent())

	select {
	case msg := <-received:
		t.Fatalf("unexpected %s message", msg.Command())
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnansweredRequestsExpire(t *testing.T) {
	obj := mineObject(t, 1, "slow", time.Now().Add(time.Hour))

	sm := newTestManager(t, Config{
		Inventory:      newTestInventory(),
		PeerNotifier:   &testNotifier{},
		RequestTimeout: 50 * time.Millisecond,
	})
	p, received := connectRemote(t, 1)
	sm.NewPeer(p)

	inv := wire.NewMsgInv()
	require.NoError(t, inv.AddInvVect(obj.InvVect()))
	sm.QueueInv(inv, p)
	require.IsType(t, &wire.MsgGetData{}, expectMessage(t, received))

	require.Eventually(t, func() bool {
		return sm.PendingRequests(p) == 0
	}, testTimeout, 10*time.Millisecond)

	// The object can be requested again.
	sm.QueueInv(inv, p)
	require.IsType(t, &wire.MsgGetData{}, expectMessage(t, received))
}

func TestDonePeerReleasesRequests(t *testing.T) {
	obj := mineObject(t, 1, "orphan", time.Now().Add(time.Hour))

	inventory := newTestInventory()
	sm := newTestManager(t, Config{
		Inventory:    inventory,
		PeerNotifier: &testNotifier{},
	})
	p1, received1 := connectRemote(t, 1)
	p2, received2 := connectRemote(t, 1)
	sm.NewPeer(p1)
	sm.NewPeer(p2)

	inv := wire.NewMsgInv()
	require.NoError(t, inv.AddInvVect(obj.InvVect()))
	sm.QueueInv(inv, p1)
	require.IsType(t, &wire.MsgGetData{}, expectMessage(t, received1))

	// Still requested from the first peer, but awaited by the second.
	sm.QueueInv(inv, p2)
	require.Equal(t, 1, sm.PendingRequests(p2))
	select {
	case msg := <-received2:
		t.Fatalf("unexpected %s message", msg.Command())
	case <-time.After(100 * time.Millisecond):
	}

	// Losing the first peer requests the object from the second one
	// without a new advertisement.
	sm.DonePeer(p1)
	getData, ok := expectMessage(t, received2).(*wire.MsgGetData)
	require.True(t, ok)
	require.Equal(t, []wire.InvVect{obj.InvVect()}, getData.InvList)
	require.Equal(t, 1, sm.PendingRequests(p2))

	require.NoError(t, sm.QueueObject(obj, p2))
	require.True(t, inventory.Contains(obj.InvVect()))
	require.Equal(t, 0, sm.PendingRequests(p2))
}

func TestStalledRequestMovesToOtherPeer(t *testing.T) {
	obj := mineObject(t, 1, "stalled", time.Now().Add(time.Hour))

	sm := newTestManager(t, Config{
		Inventory:      newTestInventory(),
		PeerNotifier:   &testNotifier{},
		RequestTimeout: 50 * time.Millisecond,
	})
	p1, received1 := connectRemote(t, 1)
	p2, received2 := connectRemote(t, 1)
	sm.NewPeer(p1)
	sm.NewPeer(p2)

	inv := wire.NewMsgInv()
	require.NoError(t, inv.AddInvVect(obj.InvVect()))
	sm.QueueInv(inv, p1)
	require.IsType(t, &wire.MsgGetData{}, expectMessage(t, received1))
	sm.QueueInv(inv, p2)

	// The first peer never answers, so the second one is asked.
	getData, ok := expectMessage(t, received2).(*wire.MsgGetData)
	require.True(t, ok)
	require.Equal(t, []wire.InvVect{obj.InvVect()}, getData.InvList)
	require.Equal(t, 0, sm.PendingRequests(p1))

	require.NoError(t, sm.QueueObject(obj, p2))
	require.Equal(t, 0, sm.PendingRequests(p2))
}

func TestRejectedObjectIsNotPending(t *testing.T) {
	payload := wire.NewGenericPayload(wire.ObjectTypeMsg, 1, 1, []byte("lazy"))
	obj := wire.NewMsgObject(0, wire.NewObject(time.Now().Add(24*time.Hour), payload))

	sm := newTestManager(t, Config{
		Inventory:    newTestInventory(),
		PeerNotifier: &testNotifier{},
		PowParams:    pow.NetworkParams,
	})
	p1, received1 := connectRemote(t, 1)
	p2, _ := connectRemote(t, 1)
	sm.NewPeer(p1)
	sm.NewPeer(p2)

	inv := wire.NewMsgInv()
	require.NoError(t, inv.AddInvVect(obj.InvVect()))
	sm.QueueInv(inv, p1)
	sm.QueueInv(inv, p2)
	require.IsType(t, &wire.MsgGetData{}, expectMessage(t, received1))
	require.Equal(t, 1, sm.PendingRequests(p2))

	require.ErrorIs(t, sm.QueueObject(obj, p1), pow.ErrInsufficientProofOfWork)
	require.Equal(t, 0, sm.PendingRequests(p1))
	require.Equal(t, 0, sm.PendingRequests(p2))
}

func TestStopIdempotent(t *testing.T) {
	sm, err := New(&Config{
		Inventory:    newTestInventory(),
		PeerNotifier: &testNotifier{},
	})
	require.NoError(t, err)
	sm.Start()
	require.NoError(t, sm.Stop())
	require.NoError(t, sm.Stop())

	// Calls after shutdown return instead of blocking.
	require.Equal(t, 0, sm.PendingRequests(nil))
	require.Error(t, sm.QueueObject(&wire.MsgObject{}, nil))
}

func TestNewRequiresPorts(t *testing.T) {
	_, err := New(&Config{PeerNotifier: &testNotifier{}})
	require.Error(t, err)
	_, err = New(&Config{Inventory: newTestInventory()})
	require.Error(t, err)
}
