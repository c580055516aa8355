package node

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Carcophan/Jabit/bmcrypto"
	"github.com/Carcophan/Jabit/netsync"
	"github.com/Carcophan/Jabit/peer"
	"github.com/Carcophan/Jabit/wire"
)

// serverPeer extends the peer to maintain state shared by the server and
// the sync manager.
type serverPeer struct {
	*peer.Peer

	server     *Server
	persistent bool

	// verAck is closed once the peer completed the handshake and was
	// accepted by the server.
	verAck chan struct{}

	// listener is told about objects exchanged with this peer.  It is set
	// before the connection is associated and never changes.
	listener netsync.ObjectListener
}

// newServerPeer returns a new serverPeer instance.  The peer needs to be set
// by the caller.
func newServerPeer(s *Server, persistent bool) *serverPeer {
	return &serverPeer{
		server:     s,
		persistent: persistent,
		verAck:     make(chan struct{}),
	}
}

// OnVerAck is invoked when a peer completes the handshake.  The peer is
// registered with the server and the sync manager before any other message
// of the peer is processed.
func (sp *serverPeer) OnVerAck(_ *peer.Peer, _ *wire.MsgVerAck) {
	if !sp.server.addPeer(sp) {
		sp.Disconnect()
		return
	}
	sp.server.syncManager.NewPeer(sp.Peer)
	close(sp.verAck)

	// Tell the peer about the nodes we know.
	if sp.server.cfg.NodeRegistry != nil {
		sp.pushAddrMsg()
	}
}

// pushAddrMsg sends the addresses known for the streams the peer serves.
func (sp *serverPeer) pushAddrMsg() {
	msg := wire.NewMsgAddr()
	for _, stream := range sp.Streams() {
		for _, na := range sp.server.cfg.NodeRegistry.KnownAddresses(stream) {
			if msg.AddAddress(na) != nil {
				break
			}
		}
	}
	if len(msg.AddrList) > 0 {
		sp.QueueMessage(msg, nil)
	}
}

// OnAddr is invoked when a peer receives an addr message.  Addresses of
// streams the node serves are offered to the node registry.
func (sp *serverPeer) OnAddr(_ *peer.Peer, msg *wire.MsgAddr) {
	registry := sp.server.cfg.NodeRegistry
	if registry == nil {
		return
	}

	addrs := make([]*wire.NetAddress, 0, len(msg.AddrList))
	for _, na := range msg.AddrList {
		if sp.server.servesStream(uint64(na.Stream)) {
			addrs = append(addrs, na)
		}
	}
	if len(addrs) > 0 {
		registry.Offer(addrs...)
	}
}

// OnInv is invoked when a peer receives an inv message.  Vectors are handed
// to the sync manager which decides what to request.
func (sp *serverPeer) OnInv(_ *peer.Peer, msg *wire.MsgInv) {
	sp.server.syncManager.QueueInv(msg, sp.Peer)
}

// OnGetData is invoked when a peer receives a getdata message.
func (sp *serverPeer) OnGetData(_ *peer.Peer, msg *wire.MsgGetData) {
	sp.server.syncManager.HandleGetData(msg, sp.Peer)
}

// OnObject is invoked when a peer receives an object message.  It blocks
// until the sync manager handled the object so the messages of one peer are
// processed in order.
func (sp *serverPeer) OnObject(_ *peer.Peer, msg *wire.MsgObject) {
	// Rejections are logged by the sync manager.  A bad object is no
	// reason to drop the peer.
	_ = sp.server.syncManager.QueueObject(msg, sp.Peer)
}

// OnCustom is invoked when a peer sends a custom message after the
// handshake.  A response is queued like any other message.
func (sp *serverPeer) OnCustom(_ *peer.Peer, msg *wire.MsgCustom) {
	if resp := sp.server.handleCustom(msg); resp != nil {
		sp.QueueMessage(resp, nil)
	}
}

// OnCustomRequest answers a custom message sent instead of a handshake.
func (sp *serverPeer) OnCustomRequest(_ *peer.Peer, msg *wire.MsgCustom) *wire.MsgCustom {
	return sp.server.handleCustom(msg)
}

// newPeerConfig returns the configuration for the given serverPeer.
func newPeerConfig(sp *serverPeer) *peer.Config {
	s := sp.server
	return &peer.Config{
		Net:              s.cfg.Net,
		Nonce:            s.nonce,
		Streams:          s.cfg.Streams,
		Services:         s.cfg.Services,
		UserAgent:        s.cfg.UserAgent,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		TrickleInterval:  s.cfg.TrickleInterval,
		OnCustomRequest:  sp.OnCustomRequest,
		Listeners: peer.MessageListeners{
			OnVerAck:  sp.OnVerAck,
			OnAddr:    sp.OnAddr,
			OnInv:     sp.OnInv,
			OnGetData: sp.OnGetData,
			OnObject:  sp.OnObject,
			OnCustom:  sp.OnCustom,
		},
	}
}

// peerState maintains state of inbound and outbound peers.
type peerState struct {
	inboundPeers  map[int32]*serverPeer
	outboundPeers map[int32]*serverPeer
	pendingDials  map[string]struct{}
}

// Count returns the count of all known peers.
func (ps *peerState) Count() int {
	return len(ps.inboundPeers) + len(ps.outboundPeers)
}

// forAllPeers is a helper function that runs closure on all peers known to
// peerState.
func (ps *peerState) forAllPeers(closure func(sp *serverPeer)) {
	for _, e := range ps.inboundPeers {
		closure(e)
	}
	for _, e := range ps.outboundPeers {
		closure(e)
	}
}

// connectedTo reports whether a peer with address addr is known or being
// dialed.
func (ps *peerState) connectedTo(addr string) bool {
	if _, ok := ps.pendingDials[addr]; ok {
		return true
	}
	found := false
	ps.forAllPeers(func(sp *serverPeer) {
		if sp.Addr() == addr {
			found = true
		}
	})
	return found
}

// addPeerMsg asks the peer handler to accept a peer.
type addPeerMsg struct {
	sp    *serverPeer
	reply chan bool
}

// relayMsg packages an inventory vector along with the stream it belongs to
// and the peer it came from.
type relayMsg struct {
	iv     wire.InvVect
	stream uint64
	from   *peer.Peer
}

// dialDoneMsg signals that a dial to addr finished.
type dialDoneMsg struct {
	addr string
}

type getConnCountMsg struct {
	reply chan int
}

type getStatusMsg struct {
	reply chan []StreamStatus
}

// StreamStatus holds the number of connections of a stream.  A peer serving
// several streams counts for each of them.
type StreamStatus struct {
	Stream   uint64
	Inbound  int
	Outbound int
}

// status returns the connection counts of every stream the node serves, in
// the configured order.
func (ps *peerState) status(streams []uint64) []StreamStatus {
	status := make([]StreamStatus, len(streams))
	index := make(map[uint64]int, len(streams))
	for i, stream := range streams {
		status[i].Stream = stream
		index[stream] = i
	}
	ps.forAllPeers(func(sp *serverPeer) {
		for _, stream := range sp.Streams() {
			i, ok := index[stream]
			if !ok {
				continue
			}
			if sp.Inbound() {
				status[i].Inbound++
			} else {
				status[i].Outbound++
			}
		}
	})
	return status
}

// objectListener dispatches object notifications from the sync manager to
// the server and to the listener of the peer involved.
type objectListener struct {
	server *Server
}

// OnObjectReceived stores the pubkeys of contacts and notifies the listener
// of the peer the object came from.
func (l objectListener) OnObjectReceived(p *peer.Peer, msg *wire.MsgObject) {
	l.server.handlePubkey(msg)
	if listener, ok := l.server.objectListeners.Load(p); ok {
		listener.(netsync.ObjectListener).OnObjectReceived(p, msg)
	}
}

// OnObjectSent notifies the listener of the peer an object was sent to.
func (l objectListener) OnObjectSent(p *peer.Peer, msg *wire.MsgObject) {
	if listener, ok := l.server.objectListeners.Load(p); ok {
		listener.(netsync.ObjectListener).OnObjectSent(p, msg)
	}
}

// Server provides a bitmessage node for exchanging objects with other
// nodes.
type Server struct {
	started  int32
	shutdown int32
	running  int32

	cfg         Config
	nonce       uint64
	listener    net.Listener
	syncManager *netsync.SyncManager

	// objectListeners maps *peer.Peer to the netsync.ObjectListener of a
	// sync task.
	objectListeners sync.Map

	// connPeers holds every peer with a connection, including those still
	// in the handshake.
	connMtx   sync.Mutex
	connPeers map[*serverPeer]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	addPeers chan addPeerMsg
	relayInv chan relayMsg
	query    chan interface{}
	quit     chan struct{}
	wg       sync.WaitGroup
}

// servesStream reports whether the node serves stream.
func (s *Server) servesStream(stream uint64) bool {
	for _, st := range s.cfg.Streams {
		if st == stream {
			return true
		}
	}
	return false
}

// handleCustom passes a custom message to the configured handler.
func (s *Server) handleCustom(msg *wire.MsgCustom) *wire.MsgCustom {
	if s.cfg.CustomCommandHandler == nil {
		log.Debugf("No handler for custom command %q", msg.CustomCommand)
		return nil
	}
	return s.cfg.CustomCommandHandler.HandleCustom(msg.CustomCommand, msg.Data)
}

// verifyPubkey checks that the keys of a decrypted pubkey hash to the
// address its tag was derived from and that the owner of the signing key
// signed it along with the header of obj.
func verifyPubkey(obj wire.Object, pubkey *wire.V4Pubkey) error {
	sk, err := pubkey.SigningKey()
	if err != nil {
		return err
	}
	ek, err := pubkey.EncryptionKey()
	if err != nil {
		return err
	}
	tag, _ := bmcrypto.AddressKeys(pubkey.Version(), pubkey.Stream(),
		bmcrypto.Ripe(sk, ek))
	if !bytes.Equal(tag, pubkey.Tag()) {
		return errTagMismatch
	}

	obj.Payload = pubkey
	data, err := obj.BytesToSign()
	if err != nil {
		return err
	}
	if !bmcrypto.VerifySignature(sk, data, pubkey.Decrypted().Signature()) {
		return errBadSignature
	}
	return nil
}

// handlePubkey decrypts v4 pubkeys of contacts and stores them in the
// address repository once their keys and signature check out.
func (s *Server) handlePubkey(msg *wire.MsgObject) {
	repo := s.cfg.AddressRepository
	if repo == nil {
		return
	}
	pubkey, ok := msg.Payload.(*wire.V4Pubkey)
	if !ok {
		return
	}
	decrypter, found := repo.FindContact(pubkey.Tag())
	if !found {
		return
	}

	decrypted, err := pubkey.Decrypt(decrypter)
	if err != nil {
		log.Warnf("Cannot decrypt pubkey %x: %v", pubkey.Tag(), err)
		return
	}
	if err := verifyPubkey(msg.Object, decrypted); err != nil {
		log.Warnf("SECURITY: dropping pubkey %x: %v", pubkey.Tag(), err)
		return
	}
	if err := repo.StorePubkey(decrypted); err != nil {
		log.Errorf("Cannot store pubkey %x: %v", pubkey.Tag(), err)
	}
}

// handleAddPeerMsg deals with adding new peers.  It is invoked from the
// peerHandler goroutine.
func (s *Server) handleAddPeerMsg(state *peerState, sp *serverPeer) bool {
	if sp == nil || !sp.Connected() {
		return false
	}

	// Ignore new peers if we're shutting down.
	if atomic.LoadInt32(&s.shutdown) != 0 {
		log.Infof("New peer %s ignored - server is shutting down", sp)
		sp.Disconnect()
		return false
	}

	// Limit max number of total peers.
	if state.Count() >= s.cfg.MaxPeers {
		log.Infof("Max peers reached [%d] - disconnecting peer %s",
			s.cfg.MaxPeers, sp)
		sp.Disconnect()
		return false
	}

	log.Debugf("New peer %s", sp)
	if sp.Inbound() {
		state.inboundPeers[sp.ID()] = sp
	} else {
		state.outboundPeers[sp.ID()] = sp

		// Only addresses we connected to are known to accept
		// connections.
		if s.cfg.NodeRegistry != nil && !sp.persistent {
			na := *sp.NA()
			na.Timestamp = time.Unix(time.Now().Unix(), 0)
			s.cfg.NodeRegistry.Offer(&na)
		}
	}
	return true
}

// handleDonePeerMsg deals with peers that have signalled they are done.  It
// is invoked from the peerHandler goroutine.
func (s *Server) handleDonePeerMsg(state *peerState, sp *serverPeer) {
	var list map[int32]*serverPeer
	if sp.Inbound() {
		list = state.inboundPeers
	} else {
		list = state.outboundPeers
	}
	if _, ok := list[sp.ID()]; ok {
		delete(list, sp.ID())
		log.Debugf("Removed peer %s", sp)
	}
}

// handleRelayInvMsg deals with relaying inventory to peers that are not
// already known to have it.  It is invoked from the peerHandler goroutine.
func (s *Server) handleRelayInvMsg(state *peerState, msg relayMsg) {
	state.forAllPeers(func(sp *serverPeer) {
		if sp.Peer == msg.from || !sp.Connected() {
			return
		}
		for _, stream := range sp.Streams() {
			if stream == msg.stream {
				sp.QueueInventory(msg.iv)
				return
			}
		}
	})
}

// handleQuery is the central handler for all queries and commands from
// other goroutines related to peer state.
func (s *Server) handleQuery(state *peerState, querymsg interface{}) {
	switch msg := querymsg.(type) {
	case getConnCountMsg:
		msg.reply <- state.Count()

	case getStatusMsg:
		msg.reply <- state.status(s.cfg.Streams)

	case dialDoneMsg:
		delete(state.pendingDials, msg.addr)

	case donePeerMsg:
		s.handleDonePeerMsg(state, msg.sp)
	}
}

// connectOutbound tops up the outbound connections from the addresses in the
// node registry.  It is invoked from the peerHandler goroutine.
func (s *Server) connectOutbound(state *peerState) {
	if s.cfg.NodeRegistry == nil {
		return
	}
	missing := s.cfg.TargetOutbound - len(state.outboundPeers) - len(state.pendingDials)
	if missing <= 0 || state.Count() >= s.cfg.MaxPeers {
		return
	}

	self := s.listener.Addr().String()
	for _, stream := range s.cfg.Streams {
		for _, na := range s.cfg.NodeRegistry.KnownAddresses(stream) {
			if missing == 0 {
				return
			}
			addr := na.String()
			if addr == self || state.connectedTo(addr) {
				continue
			}

			state.pendingDials[addr] = struct{}{}
			missing--

			s.wg.Add(1)
			go func(addr string) {
				defer s.wg.Done()
				if _, err := s.dialPeer(s.ctx, addr, false, nil); err != nil {
					log.Debugf("Cannot connect to %s: %v", addr, err)
				}
				select {
				case s.query <- dialDoneMsg{addr: addr}:
				case <-s.quit:
				}
			}(addr)
		}
	}
}

// peerHandler is used to handle peer operations such as adding and removing
// peers to and from the server and relaying inventory to peers.  It must be
// run in a goroutine.
func (s *Server) peerHandler() {
	state := &peerState{
		inboundPeers:  make(map[int32]*serverPeer),
		outboundPeers: make(map[int32]*serverPeer),
		pendingDials:  make(map[string]struct{}),
	}

	connectTicker := time.NewTicker(s.cfg.ConnectInterval)
	defer connectTicker.Stop()
	s.connectOutbound(state)

out:
	for {
		select {
		// New peers connected to the server.
		case msg := <-s.addPeers:
			msg.reply <- s.handleAddPeerMsg(state, msg.sp)

		// New inventory to potentially be relayed to other peers.
		case msg := <-s.relayInv:
			s.handleRelayInvMsg(state, msg)

		case qmsg := <-s.query:
			s.handleQuery(state, qmsg)

		case <-connectTicker.C:
			s.connectOutbound(state)

		case <-s.quit:
			// Disconnect all peers on server shutdown.
			state.forAllPeers(func(sp *serverPeer) {
				log.Tracef("Shutdown peer %s", sp)
				sp.Disconnect()
			})
			break out
		}
	}

	s.wg.Done()
	log.Tracef("Peer handler done")
}

// cleanupHandler periodically drops expired objects from inventories that
// support it.  It must be run in a goroutine.
func (s *Server) cleanupHandler(cleaner inventoryCleaner) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

out:
	for {
		select {
		case <-ticker.C:
			n, err := cleaner.Cleanup(time.Now())
			if err != nil {
				log.Errorf("Cannot clean up inventory: %v", err)
				continue
			}
			if n > 0 {
				log.Debugf("Removed %d expired objects", n)
			}

		case <-s.quit:
			break out
		}
	}

	s.wg.Done()
	log.Tracef("Cleanup handler done")
}

// addPeer hands sp to the peer handler and reports whether it was
// accepted.
func (s *Server) addPeer(sp *serverPeer) bool {
	reply := make(chan bool, 1)
	select {
	case s.addPeers <- addPeerMsg{sp: sp, reply: reply}:
	case <-s.quit:
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-s.quit:
		return false
	}
}

// RelayInventory relays the passed inventory vector to all connected peers
// serving stream except from.
//
// This function is safe for concurrent access.
func (s *Server) RelayInventory(iv wire.InvVect, stream uint64, from *peer.Peer) {
	select {
	case s.relayInv <- relayMsg{iv: iv, stream: stream, from: from}:
	case <-s.quit:
	}
}

// ConnectedCount returns the number of currently connected peers.
func (s *Server) ConnectedCount() int {
	if !s.IsRunning() {
		return 0
	}
	replyChan := make(chan int, 1)
	select {
	case s.query <- getConnCountMsg{reply: replyChan}:
	case <-s.quit:
		return 0
	}
	select {
	case n := <-replyChan:
		return n
	case <-s.quit:
		return 0
	}
}

// trackPeer remembers a peer whose connection was just associated so Stop
// can close it whatever its state.  Peers connecting during shutdown are
// disconnected right away.
func (s *Server) trackPeer(sp *serverPeer) {
	s.connMtx.Lock()
	defer s.connMtx.Unlock()

	if atomic.LoadInt32(&s.shutdown) != 0 {
		log.Debugf("Connection to %s ignored - server is shutting down", sp)
		sp.Disconnect()
		return
	}
	s.connPeers[sp] = struct{}{}
}

// disconnectAll closes the connection of every tracked peer.
func (s *Server) disconnectAll() {
	s.connMtx.Lock()
	defer s.connMtx.Unlock()

	for sp := range s.connPeers {
		log.Tracef("Shutdown peer %s", sp)
		sp.Disconnect()
	}
}

// Status returns the number of inbound and outbound connections of every
// stream the node serves.  It returns nil when the node is not running.
func (s *Server) Status() []StreamStatus {
	if !s.IsRunning() {
		return nil
	}
	replyChan := make(chan []StreamStatus, 1)
	select {
	case s.query <- getStatusMsg{reply: replyChan}:
	case <-s.quit:
		return nil
	}
	select {
	case status := <-replyChan:
		return status
	case <-s.quit:
		return nil
	}
}

// peerDoneHandler handles peer disconnects by notifying the server that it's
// done along with other performing other desirable cleanup.
func (s *Server) peerDoneHandler(sp *serverPeer) {
	sp.WaitForDisconnect()

	s.connMtx.Lock()
	delete(s.connPeers, sp)
	s.connMtx.Unlock()

	// Only tell sync manager we are gone if we ever told it we existed.
	select {
	case <-sp.verAck:
		s.syncManager.DonePeer(sp.Peer)
	default:
	}
	s.objectListeners.Delete(sp.Peer)

	select {
	case s.query <- donePeerMsg{sp: sp}:
	case <-s.quit:
	}
	log.Debugf("Peer %s disconnected", sp)
}

// donePeerMsg signals that a peer disconnected.
type donePeerMsg struct {
	sp *serverPeer
}

// inboundPeerConnected is invoked by the listener when a new inbound
// connection is established.  It initializes a new inbound server peer
// instance, associates it with the connection, and starts a goroutine to wait
// for disconnection.
func (s *Server) inboundPeerConnected(conn net.Conn) {
	sp := newServerPeer(s, false)
	sp.Peer = peer.NewInboundPeer(newPeerConfig(sp))
	sp.AssociateConnection(conn)
	s.trackPeer(sp)
	go s.peerDoneHandler(sp)
}

// dialPeer connects to addr and starts an outbound peer on the connection.
// listener, if not nil, is told about the objects exchanged with the peer.
func (s *Server) dialPeer(ctx context.Context, addr string, persistent bool,
	listener netsync.ObjectListener) (*serverPeer, error) {

	dialer := net.Dialer{Timeout: s.cfg.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	sp := newServerPeer(s, persistent)
	p, err := peer.NewOutboundPeer(newPeerConfig(sp), addr)
	if err != nil {
		conn.Close()
		return nil, err
	}
	sp.Peer = p
	sp.listener = listener
	if listener != nil {
		s.objectListeners.Store(p, listener)
	}

	sp.AssociateConnection(conn)
	s.trackPeer(sp)
	go s.peerDoneHandler(sp)
	return sp, nil
}

// acceptLoop accepts inbound connections until the listener is closed.  It
// must be run in a goroutine.
func (s *Server) acceptLoop() {
	for atomic.LoadInt32(&s.shutdown) == 0 {
		conn, err := s.listener.Accept()
		if err != nil {
			// Only log the error if not forcibly shutting down.
			if atomic.LoadInt32(&s.shutdown) == 0 {
				log.Errorf("Can't accept connection: %v", err)
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			break
		}
		s.inboundPeerConnected(conn)
	}

	s.wg.Done()
	log.Tracef("Listener handler done for %s", s.listener.Addr())
}

// Start begins accepting connections from peers.
func (s *Server) Start() error {
	// Already started?
	if atomic.AddInt32(&s.started, 1) != 1 {
		return nil
	}

	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		atomic.StoreInt32(&s.started, 0)
		return &NodeError{Op: "listen", Addr: s.cfg.ListenAddr, Err: err}
	}
	s.listener = listener

	log.Infof("Server listening on %s", listener.Addr())

	s.syncManager.Start()

	s.wg.Add(2)
	go s.peerHandler()
	go s.acceptLoop()

	if cleaner, ok := s.cfg.Inventory.(inventoryCleaner); ok {
		s.wg.Add(1)
		go s.cleanupHandler(cleaner)
	}

	atomic.StoreInt32(&s.running, 1)
	return nil
}

// Stop gracefully shuts down the server by stopping and disconnecting all
// peers and the main listener.  It returns once everything has shut down.
// Calling Stop more than once has no effect.
func (s *Server) Stop() error {
	// Make sure this only happens once.
	if atomic.AddInt32(&s.shutdown, 1) != 1 {
		log.Infof("Server is already in the process of shutting down")
		return nil
	}

	log.Warnf("Server shutting down")

	s.cancel()
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}
	s.disconnectAll()
	s.wg.Wait()
	if err := s.syncManager.Stop(); err != nil {
		log.Errorf("Cannot stop sync manager: %v", err)
	}

	atomic.StoreInt32(&s.running, 0)
	log.Infof("Server shutdown complete")
	return nil
}

// WaitForShutdown blocks until the main listener and peer handlers are
// stopped.
func (s *Server) WaitForShutdown() {
	<-s.quit
	s.wg.Wait()
}

// IsRunning reports whether the server was started and not stopped yet.
//
// This function is safe for concurrent access.
func (s *Server) IsRunning() bool {
	return atomic.LoadInt32(&s.running) != 0
}

// Addr returns the address the server listens on, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// joinHostPort formats an address and port for dialing.
func joinHostPort(address string, port uint16) string {
	return net.JoinHostPort(address, strconv.Itoa(int(port)))
}

// New returns a new server configured by cfg.  Use Start to begin
// accepting connections from peers.
func New(cfg *Config) (*Server, error) {
	c := cfg.withDefaults()
	if err := validate.Struct(c); err != nil {
		return nil, fmt.Errorf("invalid node configuration: %w", err)
	}

	nonce, err := bmcrypto.RandomUint64()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := Server{
		cfg:      c,
		nonce:    nonce,
		ctx:      ctx,
		cancel:   cancel,
		addPeers: make(chan addPeerMsg, c.MaxPeers),
		relayInv: make(chan relayMsg, c.MaxPeers),
		query:    make(chan interface{}),
		quit:     make(chan struct{}),

		connPeers: make(map[*serverPeer]struct{}),
	}

	s.syncManager, err = netsync.New(&netsync.Config{
		PeerNotifier:        &s,
		Inventory:           c.Inventory,
		Listener:            objectListener{server: &s},
		Streams:             c.Streams,
		PowParams:           c.PowParams,
		MaxPeers:            c.MaxPeers,
		MaxRequestsInFlight: c.MaxRequestsInFlight,
		RequestTimeout:      c.RequestTimeout,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	return &s, nil
}
