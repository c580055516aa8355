package netsync

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	peerpkg "github.com/Carcophan/Jabit/peer"
	"github.com/Carcophan/Jabit/pow"
	"github.com/Carcophan/Jabit/wire"
	"github.com/cevaris/ordered_map"
	"github.com/decred/dcrd/lru"
)

const (
	// DefaultMaxRequestsInFlight is the default number of objects requested
	// from one peer at a time.
	DefaultMaxRequestsInFlight = 500

	// DefaultMaxInvAdvertised is the default number of vectors advertised to
	// a new peer.
	DefaultMaxInvAdvertised = 50000

	// DefaultRequestTimeout is the default time after which an unanswered
	// request is forgotten.
	DefaultRequestTimeout = time.Minute

	// maxRejectedObjects is the maximum number of rejected objects to
	// remember.
	maxRejectedObjects = 1000

	// MaxExpiredAge is how long after its expiry an object is still
	// accepted.
	MaxExpiredAge = 3 * time.Hour

	// MaxTTL is the longest time to live an object may announce.
	MaxTTL = 28*24*time.Hour + 3*time.Hour
)

var (
	// errExpired is the reason objects past their expiry are rejected for.
	errExpired = errors.New("object expired")

	// errTooFarAhead is the reason objects expiring too far in the future
	// are rejected for.
	errTooFarAhead = errors.New("object expires too far in the future")

	// errWrongStream is the reason objects of foreign streams are rejected
	// for.
	errWrongStream = errors.New("object of a stream not served")
)

// SyncManager is used to exchange objects with peers.  The SyncManager is
// started by executing Start().  Once started, it advertises the local
// inventory to new peers, requests objects they advertise and relays the
// objects it accepts.
//
// All request bookkeeping is owned by the single objectHandler goroutine so
// no locking is needed.
type SyncManager struct {
	started  int32
	shutdown int32
	cfg      Config
	streams  map[uint64]struct{}
	msgChan  chan interface{}
	wg       sync.WaitGroup
	quit     chan struct{}

	// These fields should only be accessed from the objectHandler thread.
	rejectedObjects  lru.KVCache
	requestedObjects *ordered_map.OrderedMap
	peerStates       map[*peerpkg.Peer]*peerSyncState
}

// peerSyncState stores additional information that the SyncManager tracks
// about a peer.
type peerSyncState struct {
	requestQueue     []wire.InvVect
	requestedObjects map[wire.InvVect]struct{}

	// announced holds the objects the peer advertised that are not
	// known locally yet, whether queued, requested from this peer or
	// awaited from another one.
	announced map[wire.InvVect]struct{}
}

// request records who an object was requested from and when.
type request struct {
	peer *peerpkg.Peer
	sent time.Time
}

// newPeerMsg signifies a newly connected peer to the object handler.
type newPeerMsg struct {
	peer *peerpkg.Peer
}

// donePeerMsg signifies a newly disconnected peer to the object handler.
type donePeerMsg struct {
	peer *peerpkg.Peer
}

// invMsg packages an inv message and the peer it came from together
// so the object handler has access to that information.
type invMsg struct {
	inv  *wire.MsgInv
	peer *peerpkg.Peer
}

// objectMsg packages an object message and the peer it came from together
// so the object handler has access to that information.
type objectMsg struct {
	object *wire.MsgObject
	peer   *peerpkg.Peer
	reply  chan error
}

// pendingRequestsMsg is a message type to be sent across the message channel
// for requesting the number of objects still expected from a peer.
type pendingRequestsMsg struct {
	peer  *peerpkg.Peer
	reply chan int
}

// now returns the current time of the configured time source.
func (sm *SyncManager) now() time.Time {
	return sm.cfg.TimeSource()
}

// haveInventory returns whether or not the object identified by iv is known
// locally or was rejected before.
func (sm *SyncManager) haveInventory(iv wire.InvVect) bool {
	if sm.rejectedObjects.Contains(iv) {
		return true
	}
	return sm.cfg.Inventory.Contains(iv)
}

// handleNewPeerMsg deals with new peers that have completed the handshake.
// It advertises the local inventory of the shared streams to the peer.  It is
// invoked from the objectHandler goroutine.
func (sm *SyncManager) handleNewPeerMsg(peer *peerpkg.Peer) {
	// Ignore if in the process of shutting down.
	if atomic.LoadInt32(&sm.shutdown) != 0 {
		return
	}

	log.Infof("New valid peer %s (%s)", peer, peer.UserAgent())

	sm.peerStates[peer] = &peerSyncState{
		requestedObjects: make(map[wire.InvVect]struct{}),
		announced:        make(map[wire.InvVect]struct{}),
	}

	vectors, err := sm.cfg.Inventory.Vectors(peer.Streams()...)
	if err != nil {
		log.Errorf("Cannot list inventory for %s: %v", peer, err)
		return
	}
	if len(vectors) > sm.cfg.MaxInvAdvertised {
		vectors = vectors[:sm.cfg.MaxInvAdvertised]
	}

	invMsg := wire.NewMsgInvSizeHint(uint(len(vectors)))
	for _, iv := range vectors {
		peer.AddKnownInventory(iv)
		_ = invMsg.AddInvVect(iv)
		if len(invMsg.InvList) == wire.MaxInvPerMsg {
			peer.QueueMessage(invMsg, nil)
			invMsg = wire.NewMsgInvSizeHint(uint(len(vectors)))
		}
	}
	if len(invMsg.InvList) > 0 {
		peer.QueueMessage(invMsg, nil)
	}
	log.Debugf("Advertised %d objects to %s", len(vectors), peer)
}

// handleDonePeerMsg deals with peers that have signalled they are done.  It
// removes the peer as a candidate for requesting objects and forgets what was
// requested from it so it can be fetched from elsewhere.  It is invoked from
// the objectHandler goroutine.
func (sm *SyncManager) handleDonePeerMsg(peer *peerpkg.Peer) {
	state, exists := sm.peerStates[peer]
	if !exists {
		log.Warnf("Received done peer message for unknown peer %s", peer)
		return
	}

	// Remove the peer from the list of candidate peers.
	delete(sm.peerStates, peer)

	log.Infof("Lost peer %s", peer)

	sm.clearRequestedState(peer, state)
}

// clearRequestedState wipes all expected objects from the sync manager's
// requested map that were requested from a peer and hands them to the other
// peers that announced them.
func (sm *SyncManager) clearRequestedState(peer *peerpkg.Peer, state *peerSyncState) {
	var released []wire.InvVect
	for iv := range state.requestedObjects {
		if req, ok := sm.requestedObjects.Get(iv); ok && req.(*request).peer == peer {
			sm.requestedObjects.Delete(iv)
			released = append(released, iv)
		}
	}
	state.requestedObjects = make(map[wire.InvVect]struct{})
	state.announced = make(map[wire.InvVect]struct{})
	state.requestQueue = nil

	sm.requeue(released)
}

// requeue queues the released objects for download from every remaining
// peer that announced them and sends the resulting requests.
func (sm *SyncManager) requeue(released []wire.InvVect) {
	if len(released) == 0 {
		return
	}

	for peer, state := range sm.peerStates {
		queued := false
		for _, iv := range released {
			if _, ok := state.announced[iv]; !ok {
				continue
			}
			state.requestQueue = append(state.requestQueue, iv)
			queued = true
		}
		if queued {
			sm.sendRequests(peer, state)
		}
	}
}

// forgetAnnounced drops iv from the announcements of every peer once the
// object was stored or rejected.
func (sm *SyncManager) forgetAnnounced(iv wire.InvVect) {
	for _, state := range sm.peerStates {
		delete(state.announced, iv)
	}
}

// handleInvMsg handles inv messages from all peers.  Unknown objects are
// queued for download from the advertising peer.
func (sm *SyncManager) handleInvMsg(imsg *invMsg) {
	peer := imsg.peer
	state, exists := sm.peerStates[peer]
	if !exists {
		log.Warnf("Received inv message from unknown peer %s", peer)
		return
	}

	for _, iv := range imsg.inv.InvList {
		if sm.haveInventory(iv) {
			continue
		}
		if _, ok := state.announced[iv]; ok {
			continue
		}
		state.announced[iv] = struct{}{}
		state.requestQueue = append(state.requestQueue, iv)
	}

	sm.sendRequests(peer, state)
}

// sendRequests moves queued vectors into a getdata message as long as the
// peer has room for more requests in flight.
func (sm *SyncManager) sendRequests(peer *peerpkg.Peer, state *peerSyncState) {
	gdmsg := wire.NewMsgGetData()
	now := sm.now()

	for len(state.requestQueue) > 0 &&
		len(state.requestedObjects) < sm.cfg.MaxRequestsInFlight {

		iv := state.requestQueue[0]
		state.requestQueue[0] = wire.InvVect{}
		state.requestQueue = state.requestQueue[1:]

		if _, ok := state.announced[iv]; !ok {
			continue
		}
		if sm.haveInventory(iv) {
			delete(state.announced, iv)
			continue
		}

		// Request the object if there is not already a pending
		// request.  Otherwise it stays announced and is queued again
		// should that request be released.
		if _, exists := sm.requestedObjects.Get(iv); exists {
			continue
		}

		sm.requestedObjects.Set(iv, &request{peer: peer, sent: now})
		state.requestedObjects[iv] = struct{}{}
		_ = gdmsg.AddInvVect(iv)
	}
	if len(state.requestQueue) == 0 {
		state.requestQueue = nil
	}

	if len(gdmsg.InvList) > 0 {
		peer.QueueMessage(gdmsg, nil)
	}
}

// checkObject verifies that an object may be stored and relayed.
func (sm *SyncManager) checkObject(obj *wire.MsgObject) error {
	if _, ok := sm.streams[obj.Stream()]; !ok {
		return fmt.Errorf("%w: %d", errWrongStream, obj.Stream())
	}

	now := sm.now()
	if obj.ExpiresTime.Before(now.Add(-MaxExpiredAge)) {
		return fmt.Errorf("%w at %v", errExpired, obj.ExpiresTime)
	}
	if obj.ExpiresTime.After(now.Add(MaxTTL)) {
		return fmt.Errorf("%w: %v", errTooFarAhead, obj.ExpiresTime)
	}

	return pow.Check(obj, now, sm.cfg.PowParams)
}

// handleObjectMsg handles object messages from all peers.  Objects passing
// the checks are stored and relayed to the other peers.
func (sm *SyncManager) handleObjectMsg(omsg *objectMsg) error {
	peer := omsg.peer
	obj := omsg.object
	iv := obj.InvVect()

	state, exists := sm.peerStates[peer]
	if exists {
		delete(state.requestedObjects, iv)
	}
	if req, ok := sm.requestedObjects.Get(iv); ok && req.(*request).peer == peer {
		sm.requestedObjects.Delete(iv)
	}
	if exists {
		defer sm.sendRequests(peer, state)
	}

	if reason, rejected := sm.rejectedObjects.Lookup(iv); rejected {
		log.Debugf("Ignoring rejected object %v from %s: %v", iv,
			peer, reason)
		sm.forgetAnnounced(iv)
		return reason.(error)
	}

	if err := sm.checkObject(obj); err != nil {
		if errors.Is(err, pow.ErrInsufficientProofOfWork) {
			log.Warnf("SECURITY: rejected object %v from %s: %v",
				iv, peer, err)
		} else {
			log.Debugf("Rejected object %v from %s: %v", iv, peer, err)
		}
		sm.rejectedObjects.Add(iv, err)
		sm.forgetAnnounced(iv)
		return err
	}

	stored, err := sm.cfg.Inventory.Store(obj)
	if err != nil {
		log.Errorf("Cannot store object %v: %v", iv, err)
		if exists {
			delete(state.announced, iv)
		}
		sm.requeue([]wire.InvVect{iv})
		return err
	}
	sm.forgetAnnounced(iv)
	if !stored {
		log.Debugf("Already have object %v from %s", iv, peer)
		return nil
	}

	log.Debugf("Accepted %v object %v from %s", obj.ObjectType, iv, peer)

	if sm.cfg.Listener != nil {
		sm.cfg.Listener.OnObjectReceived(peer, obj)
	}
	sm.cfg.PeerNotifier.RelayInventory(iv, obj.Stream(), peer)
	return nil
}

// handleRequestSample forgets requests that went unanswered for longer than
// the request timeout and gives the other peers that announced them a chance
// to serve them.  The stalling peer is not asked again.
func (sm *SyncManager) handleRequestSample() {
	if atomic.LoadInt32(&sm.shutdown) != 0 {
		return
	}

	deadline := sm.now().Add(-sm.cfg.RequestTimeout)
	var expired []wire.InvVect
	iter := sm.requestedObjects.IterFunc()
	for kv, ok := iter(); ok; kv, ok = iter() {
		req := kv.Value.(*request)
		if req.sent.After(deadline) {
			break
		}
		iv := kv.Key.(wire.InvVect)
		expired = append(expired, iv)
		if state, exists := sm.peerStates[req.peer]; exists {
			delete(state.requestedObjects, iv)
			delete(state.announced, iv)
		}
	}
	if len(expired) == 0 {
		return
	}

	for _, iv := range expired {
		sm.requestedObjects.Delete(iv)
	}
	log.Debugf("Forgot %d unanswered object requests", len(expired))

	sm.requeue(expired)
	for peer, state := range sm.peerStates {
		sm.sendRequests(peer, state)
	}
}

// pendingRequests returns the number of objects a peer announced that are
// still missing, no matter which peer they are requested from.
func (sm *SyncManager) pendingRequests(peer *peerpkg.Peer) int {
	state, exists := sm.peerStates[peer]
	if !exists {
		return 0
	}
	return len(state.announced)
}

// objectHandler is the main handler for the sync manager.  It must be run as
// a goroutine.  It processes inv and object messages in a separate goroutine
// from the peer handlers so the request bookkeeping is handled by a single
// thread without needing to lock memory data structures.
func (sm *SyncManager) objectHandler() {
	requestTicker := time.NewTicker(sm.cfg.RequestTimeout / 2)
	defer requestTicker.Stop()

out:
	for {
		select {
		case m := <-sm.msgChan:
			switch msg := m.(type) {
			case *newPeerMsg:
				sm.handleNewPeerMsg(msg.peer)

			case *invMsg:
				sm.handleInvMsg(msg)

			case *objectMsg:
				err := sm.handleObjectMsg(msg)
				if msg.reply != nil {
					msg.reply <- err
				}

			case *donePeerMsg:
				sm.handleDonePeerMsg(msg.peer)

			case *pendingRequestsMsg:
				msg.reply <- sm.pendingRequests(msg.peer)

			default:
				log.Warnf("Invalid message type in object "+
					"handler: %T", msg)
			}

		case <-requestTicker.C:
			sm.handleRequestSample()

		case <-sm.quit:
			break out
		}
	}

	sm.wg.Done()
	log.Trace("Object handler done")
}

// send hands m to the object handler unless the manager is shutting down.
func (sm *SyncManager) send(m interface{}) bool {
	if atomic.LoadInt32(&sm.shutdown) != 0 {
		return false
	}
	select {
	case sm.msgChan <- m:
		return true
	case <-sm.quit:
		return false
	}
}

// NewPeer informs the sync manager of a newly active peer.
func (sm *SyncManager) NewPeer(peer *peerpkg.Peer) {
	sm.send(&newPeerMsg{peer: peer})
}

// QueueInv adds the passed inv message and peer to the object handling
// queue.
func (sm *SyncManager) QueueInv(inv *wire.MsgInv, peer *peerpkg.Peer) {
	sm.send(&invMsg{inv: inv, peer: peer})
}

// QueueObject adds the passed object message and peer to the object handling
// queue and waits until it was handled.  The returned error tells why an
// object was rejected.  Objects that are already known are not an error.
func (sm *SyncManager) QueueObject(obj *wire.MsgObject, peer *peerpkg.Peer) error {
	reply := make(chan error, 1)
	if !sm.send(&objectMsg{object: obj, peer: peer, reply: reply}) {
		return errors.New("sync manager is shutting down")
	}
	select {
	case err := <-reply:
		return err
	case <-sm.quit:
		return errors.New("sync manager is shutting down")
	}
}

// HandleGetData answers a getdata message from peer with the requested
// objects.  Objects no longer held are skipped.  It returns once all objects
// were written or the peer disconnected.
//
// This function is safe for concurrent access.
func (sm *SyncManager) HandleGetData(msg *wire.MsgGetData, peer *peerpkg.Peer) {
	var waitChan chan struct{}
	var waitObj *wire.MsgObject
	sent := func() {
		if waitChan == nil {
			return
		}
		<-waitChan
		if sm.cfg.Listener != nil && peer.Connected() {
			sm.cfg.Listener.OnObjectSent(peer, waitObj)
		}
	}

	for _, iv := range msg.InvList {
		obj, err := sm.cfg.Inventory.Get(iv)
		if err != nil {
			if !errors.Is(err, ErrObjectNotFound) {
				log.Errorf("Cannot load object %v: %v", iv, err)
			} else {
				log.Tracef("Unable to fetch object %v for %s",
					iv, peer)
			}
			continue
		}

		c := make(chan struct{}, 1)
		peer.QueueMessage(obj, c)

		// Wait for the previous object before queueing more so a
		// large request cannot pile up in memory.
		sent()
		waitChan, waitObj = c, obj
	}
	sent()
}

// DonePeer informs the sync manager that a peer has disconnected.
func (sm *SyncManager) DonePeer(peer *peerpkg.Peer) {
	sm.send(&donePeerMsg{peer: peer})
}

// PendingRequests returns the number of objects peer announced that were
// neither received nor rejected yet.
func (sm *SyncManager) PendingRequests(peer *peerpkg.Peer) int {
	reply := make(chan int, 1)
	if !sm.send(&pendingRequestsMsg{peer: peer, reply: reply}) {
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-sm.quit:
		return 0
	}
}

// Start begins the core object handler which processes inv and object
// messages.
func (sm *SyncManager) Start() {
	// Already started?
	if atomic.AddInt32(&sm.started, 1) != 1 {
		return
	}

	log.Trace("Starting sync manager")
	sm.wg.Add(1)
	go sm.objectHandler()
}

// Stop gracefully shuts down the sync manager by stopping all asynchronous
// handlers and waiting for them to finish.
func (sm *SyncManager) Stop() error {
	if atomic.AddInt32(&sm.shutdown, 1) != 1 {
		log.Warnf("Sync manager is already in the process of " +
			"shutting down")
		return nil
	}

	log.Infof("Sync manager shutting down")
	close(sm.quit)
	sm.wg.Wait()
	return nil
}

// New constructs a new SyncManager.  Use Start to begin processing
// asynchronous inv and object updates.
func New(config *Config) (*SyncManager, error) {
	if config.Inventory == nil {
		return nil, errors.New("sync manager needs an inventory")
	}
	if config.PeerNotifier == nil {
		return nil, errors.New("sync manager needs a peer notifier")
	}

	cfg := *config
	if cfg.MaxRequestsInFlight <= 0 {
		cfg.MaxRequestsInFlight = DefaultMaxRequestsInFlight
	}
	if cfg.MaxInvAdvertised <= 0 {
		cfg.MaxInvAdvertised = DefaultMaxInvAdvertised
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.TimeSource == nil {
		cfg.TimeSource = time.Now
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 1
	}
	if len(cfg.Streams) == 0 {
		cfg.Streams = []uint64{wire.DefaultStream}
	}

	streams := make(map[uint64]struct{}, len(cfg.Streams))
	for _, stream := range cfg.Streams {
		streams[stream] = struct{}{}
	}

	sm := SyncManager{
		cfg:              cfg,
		streams:          streams,
		rejectedObjects:  lru.NewKVCache(maxRejectedObjects),
		requestedObjects: ordered_map.NewOrderedMap(),
		peerStates:       make(map[*peerpkg.Peer]*peerSyncState),
		msgChan:          make(chan interface{}, cfg.MaxPeers*3),
		quit:             make(chan struct{}),
	}

	return &sm, nil
}
