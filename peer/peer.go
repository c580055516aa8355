package peer

import (
	"bufio"
	"container/list"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Carcophan/Jabit/wire"
	"github.com/davecgh/go-spew/spew"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/decred/dcrd/lru"
)

const (
	// MaxProtocolVersion is the max protocol version the peer supports.
	MaxProtocolVersion = wire.ProtocolVersion

	// outputBufferSize is the number of elements the output channels use.
	outputBufferSize = 50

	// maxInvTrickleSize is the maximum amount of inventory to send in a
	// single message when trickling inventory to remote peers.
	maxInvTrickleSize = 1000

	// maxKnownInventory is the maximum number of items to keep in the known
	// inventory cache.
	maxKnownInventory = 20000

	// DefaultTrickleInterval is the min time between attempts to send an
	// inv message to a peer.
	DefaultTrickleInterval = 2 * time.Second

	// DefaultHandshakeTimeout is the duration of inactivity before we
	// timeout a peer that hasn't completed the initial version negotiation.
	DefaultHandshakeTimeout = 30 * time.Second
)

var (
	// nodeCount is the total number of peer connections made since startup
	// and is used to assign an id to a peer.
	nodeCount int32

	// ErrCustomRequest is returned when an inbound connection was used for
	// a single custom request instead of a handshake.  The connection is
	// closed once the request was answered.
	ErrCustomRequest = errors.New("connection used for a custom request")
)

// State is the lifecycle state of a peer connection.
type State int32

// States a peer moves through.  A peer never goes back to an earlier state.
const (
	StateConnecting State = iota
	StateHandshaking
	StateActive
	StateClosing
	StateClosed
)

var stateStrings = map[State]string{
	StateConnecting:  "connecting",
	StateHandshaking: "handshaking",
	StateActive:      "active",
	StateClosing:     "closing",
	StateClosed:      "closed",
}

// String returns the State in human-readable form.
func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("Unknown State (%d)", int32(s))
}

// MessageListeners defines callback function pointers to invoke with message
// listeners for a peer.  Any listener which is not set to a concrete callback
// during peer initialization is ignored.  Execution of multiple message
// listeners occurs serially, so one callback blocks the execution of the next.
//
// NOTE: Unless otherwise documented, these listeners must NOT directly call
// any blocking calls (such as WaitForDisconnect) on the peer instance since
// the input handler goroutine blocks until the callback has completed.  Doing
// so will result in a deadlock.
type MessageListeners struct {
	// OnVersion is invoked when a peer receives a version message.
	OnVersion func(p *Peer, msg *wire.MsgVersion)

	// OnVerAck is invoked once the version handshake is complete.
	OnVerAck func(p *Peer, msg *wire.MsgVerAck)

	// OnAddr is invoked when a peer receives an addr message.
	OnAddr func(p *Peer, msg *wire.MsgAddr)

	// OnInv is invoked when a peer receives an inv message.
	OnInv func(p *Peer, msg *wire.MsgInv)

	// OnGetData is invoked when a peer receives a getdata message.
	OnGetData func(p *Peer, msg *wire.MsgGetData)

	// OnObject is invoked when a peer receives an object message.
	OnObject func(p *Peer, msg *wire.MsgObject)

	// OnCustom is invoked when a peer receives a custom message after the
	// handshake.
	OnCustom func(p *Peer, msg *wire.MsgCustom)

	// OnRead is invoked when a peer receives a message.  It consists of the
	// number of bytes read, the message, and whether or not an error in the
	// read occurred.  Typically, callers will opt to use the callbacks for
	// the specific message types, however this can be useful for
	// circumstances such as keeping track of server-wide byte counts.
	OnRead func(p *Peer, bytesRead int, msg wire.Message, err error)

	// OnWrite is invoked when we write a message to a peer.  It consists of
	// the number of bytes written, the message, and whether or not an error
	// in the write occurred.  This can be useful for circumstances such as
	// keeping track of server-wide byte counts.
	OnWrite func(p *Peer, bytesWritten int, msg wire.Message, err error)
}

// Config is the struct to hold configuration options useful to Peer.
type Config struct {
	// Net identifies the network the peer is associated with.
	Net wire.BitmessageNet

	// Nonce is sent in the version message.  A version message carrying the
	// same nonce means we connected to ourselves.
	Nonce uint64

	// Streams are the streams the local node serves.
	Streams []uint64

	// Services specifies which services to advertise as supported by the
	// local peer.
	Services wire.ServiceFlag

	// UserAgent is sent in the version message.  Defaults to
	// wire.DefaultUserAgent.
	UserAgent string

	// HandshakeTimeout bounds the version negotiation.  Defaults to
	// DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// TrickleInterval is the duration of the ticker which trickles down the
	// inventory to a peer.  Defaults to DefaultTrickleInterval.
	TrickleInterval time.Duration

	// OnCustomRequest answers a custom message that arrives on an inbound
	// connection instead of a version message.  A nil response sends
	// nothing.  The connection is closed afterwards either way.
	OnCustomRequest func(p *Peer, msg *wire.MsgCustom) *wire.MsgCustom

	// Listeners houses callback functions to be invoked on receiving peer
	// messages.
	Listeners MessageListeners
}

// outMsg is used to house a message to be sent along with a channel to
// signal when the message has been sent (or won't be sent due to things such
// as shutdown)
type outMsg struct {
	msg      wire.Message
	doneChan chan<- struct{}
}

// Peer provides a basic concurrent safe bitmessage peer for handling
// bitmessage communications via the peer-to-peer protocol.  It provides full
// duplex reading and writing, automatic handling of the initial handshake
// process, querying of usage statistics and other information about the
// remote peer such as its address, user agent, and protocol version, output
// message queuing, inventory trickling, and the ability to register callbacks
// for handling bitmessage protocol messages.
//
// Outbound messages are typically queued via QueueMessage or QueueInventory.
// QueueMessage is intended for all messages, including responses to getdata.
// QueueInventory, on the other hand, is only intended for relaying inventory
// as it employs a trickling mechanism to batch the inventory together.
type Peer struct {
	// The following variables must only be used atomically.
	bytesReceived uint64
	bytesSent     uint64
	activity      uint64
	pending       int64
	lastRecv      int64
	lastSend      int64
	connected     int32
	disconnect    int32
	state         int32

	conn   net.Conn
	reader *bufio.Reader

	// These fields are set at creation time and never modified, so they
	// are safe to read from concurrently without a mutex.
	addr    string
	cfg     Config
	inbound bool

	flagsMtx        sync.Mutex // protects the peer flags below
	na              *wire.NetAddress
	id              int32
	userAgent       string
	services        wire.ServiceFlag
	versionKnown    bool
	verAckReceived  bool
	protocolVersion uint32 // negotiated protocol version
	streams         []uint64

	knownInventory lru.Cache

	// These fields keep track of statistics for the peer and are protected
	// by the statsMtx mutex.
	statsMtx      sync.RWMutex
	timeOffset    int64
	timeConnected time.Time

	outputQueue   chan outMsg
	sendQueue     chan outMsg
	sendDoneQueue chan struct{}
	outputInvChan chan wire.InvVect
	inQuit        chan struct{}
	queueQuit     chan struct{}
	outQuit       chan struct{}
	quit          chan struct{}
}

// String returns the peer's address and directionality as a human-readable
// string.
//
// This function is safe for concurrent access.
func (p *Peer) String() string {
	return fmt.Sprintf("%s (%s)", p.addr, directionString(p.inbound))
}

// directionString is a helper function that returns a string that represents
// the direction of a connection (inbound or outbound).
func directionString(inbound bool) string {
	if inbound {
		return "inbound"
	}
	return "outbound"
}

// AddKnownInventory adds the passed inventory to the cache of known inventory
// for the peer.
//
// This function is safe for concurrent access.
func (p *Peer) AddKnownInventory(iv wire.InvVect) {
	p.knownInventory.Add(iv)
}

// HasKnownInventory reports whether the peer is known to have iv.
//
// This function is safe for concurrent access.
func (p *Peer) HasKnownInventory(iv wire.InvVect) bool {
	return p.knownInventory.Contains(iv)
}

// ID returns the peer id.
//
// This function is safe for concurrent access.
func (p *Peer) ID() int32 {
	p.flagsMtx.Lock()
	id := p.id
	p.flagsMtx.Unlock()

	return id
}

// NA returns the peer network address.
//
// This function is safe for concurrent access.
func (p *Peer) NA() *wire.NetAddress {
	p.flagsMtx.Lock()
	na := p.na
	p.flagsMtx.Unlock()

	return na
}

// Addr returns the peer address.
//
// This function is safe for concurrent access.
func (p *Peer) Addr() string {
	// The address doesn't change after initialization, therefore it is not
	// protected by a mutex.
	return p.addr
}

// Inbound returns whether the peer is inbound.
//
// This function is safe for concurrent access.
func (p *Peer) Inbound() bool {
	return p.inbound
}

// Services returns the services flag of the remote peer.
//
// This function is safe for concurrent access.
func (p *Peer) Services() wire.ServiceFlag {
	p.flagsMtx.Lock()
	services := p.services
	p.flagsMtx.Unlock()

	return services
}

// UserAgent returns the user agent of the remote peer.
//
// This function is safe for concurrent access.
func (p *Peer) UserAgent() string {
	p.flagsMtx.Lock()
	userAgent := p.userAgent
	p.flagsMtx.Unlock()

	return userAgent
}

// ProtocolVersion returns the negotiated peer protocol version.
//
// This function is safe for concurrent access.
func (p *Peer) ProtocolVersion() uint32 {
	p.flagsMtx.Lock()
	protocolVersion := p.protocolVersion
	p.flagsMtx.Unlock()

	return protocolVersion
}

// Streams returns the streams both sides serve, in ascending order.
//
// This function is safe for concurrent access.
func (p *Peer) Streams() []uint64 {
	p.flagsMtx.Lock()
	streams := p.streams
	p.flagsMtx.Unlock()

	return streams
}

// VersionKnown returns the whether or not the version of a peer is known
// locally.
//
// This function is safe for concurrent access.
func (p *Peer) VersionKnown() bool {
	p.flagsMtx.Lock()
	versionKnown := p.versionKnown
	p.flagsMtx.Unlock()

	return versionKnown
}

// VerAckReceived returns whether or not a verack message was received by the
// peer.
//
// This function is safe for concurrent access.
func (p *Peer) VerAckReceived() bool {
	p.flagsMtx.Lock()
	verAckReceived := p.verAckReceived
	p.flagsMtx.Unlock()

	return verAckReceived
}

// State returns the lifecycle state of the peer.
//
// This function is safe for concurrent access.
func (p *Peer) State() State {
	return State(atomic.LoadInt32(&p.state))
}

func (p *Peer) setState(s State) {
	for {
		old := atomic.LoadInt32(&p.state)
		if State(old) >= s {
			return
		}
		if atomic.CompareAndSwapInt32(&p.state, old, int32(s)) {
			return
		}
	}
}

// BytesSent returns the total number of bytes sent by the peer.
//
// This function is safe for concurrent access.
func (p *Peer) BytesSent() uint64 {
	return atomic.LoadUint64(&p.bytesSent)
}

// BytesReceived returns the total number of bytes received by the peer.
//
// This function is safe for concurrent access.
func (p *Peer) BytesReceived() uint64 {
	return atomic.LoadUint64(&p.bytesReceived)
}

// LastSend returns the last send time of the peer.
//
// This function is safe for concurrent access.
func (p *Peer) LastSend() time.Time {
	return time.Unix(atomic.LoadInt64(&p.lastSend), 0)
}

// LastRecv returns the last recv time of the peer.
//
// This function is safe for concurrent access.
func (p *Peer) LastRecv() time.Time {
	return time.Unix(atomic.LoadInt64(&p.lastRecv), 0)
}

// TimeConnected returns the time at which the peer connected.
//
// This function is safe for concurrent access.
func (p *Peer) TimeConnected() time.Time {
	p.statsMtx.RLock()
	timeConnected := p.timeConnected
	p.statsMtx.RUnlock()

	return timeConnected
}

// TimeOffset returns the number of seconds the local time was offset from the
// time the peer reported during the initial negotiation phase.  Negative
// values indicate the remote peer's time is before the local time.
//
// This function is safe for concurrent access.
func (p *Peer) TimeOffset() int64 {
	p.statsMtx.RLock()
	timeOffset := p.timeOffset
	p.statsMtx.RUnlock()

	return timeOffset
}

// Activity returns a counter that grows with every inv, getdata and object
// message exchanged with the peer in either direction.
//
// This function is safe for concurrent access.
func (p *Peer) Activity() uint64 {
	return atomic.LoadUint64(&p.activity)
}

// SendQueueEmpty reports whether every queued message and inventory vector
// has been written to the connection.
//
// This function is safe for concurrent access.
func (p *Peer) SendQueueEmpty() bool {
	return atomic.LoadInt64(&p.pending) == 0
}

// localVersionMsg creates a version message that can be used to send to the
// remote peer.
func (p *Peer) localVersionMsg() *wire.MsgVersion {
	theirNA := p.NA()
	ourNA := &wire.NetAddress{Services: p.cfg.Services}
	if tcp, ok := p.conn.LocalAddr().(*net.TCPAddr); ok {
		ourNA = wire.NewNetAddress(tcp, 0, p.cfg.Services)
	}

	msg := wire.NewMsgVersion(lightAddr(ourNA), lightAddr(theirNA),
		p.cfg.Nonce, p.cfg.Streams)
	msg.Services = p.cfg.Services
	msg.UserAgent = p.cfg.UserAgent
	return msg
}

// lightAddr strips the fields the version message does not carry.
func lightAddr(na *wire.NetAddress) *wire.NetAddress {
	return &wire.NetAddress{Services: na.Services, IP: na.IP, Port: na.Port}
}

// handleVersion validates the remote version message and records what it
// announced.
func (p *Peer) handleVersion(msg *wire.MsgVersion) error {
	// Detect self connections.
	if msg.Nonce == p.cfg.Nonce {
		return errors.New("disconnecting peer connected to self")
	}

	if msg.ProtocolVersion < int32(wire.MinProtocolVersion) {
		return fmt.Errorf("protocol version must be %d or greater, "+
			"got %d", wire.MinProtocolVersion, msg.ProtocolVersion)
	}

	ours := mapset.NewThreadUnsafeSet(p.cfg.Streams...)
	theirs := mapset.NewThreadUnsafeSet(msg.Streams...)
	shared := ours.Intersect(theirs).ToSlice()
	if len(shared) == 0 {
		return fmt.Errorf("no shared streams, peer serves %v", msg.Streams)
	}
	sort.Slice(shared, func(i, j int) bool { return shared[i] < shared[j] })

	p.flagsMtx.Lock()
	p.versionKnown = true
	p.protocolVersion = minUint32(uint32(msg.ProtocolVersion), MaxProtocolVersion)
	p.services = msg.Services
	p.userAgent = msg.UserAgent
	p.streams = shared
	if p.na != nil {
		p.na.Services = msg.Services
		p.na.Stream = uint32(shared[0])
	}
	p.flagsMtx.Unlock()

	p.statsMtx.Lock()
	p.timeOffset = msg.Timestamp.Unix() - time.Now().Unix()
	p.statsMtx.Unlock()

	log.Debugf("Negotiated protocol version %d for peer %s",
		p.ProtocolVersion(), p)

	if p.cfg.Listeners.OnVersion != nil {
		p.cfg.Listeners.OnVersion(p, msg)
	}
	return nil
}

// negotiate runs the version handshake.  Outbound peers send their version
// first, inbound peers answer the remote version with their own.  Every side
// acknowledges the version it received, and the handshake completes once a
// version and a verack have been received.
func (p *Peer) negotiate() (*wire.MsgVerAck, error) {
	if !p.inbound {
		if err := p.writeMessage(p.localVersionMsg()); err != nil {
			return nil, err
		}
	}

	var verAck *wire.MsgVerAck
	for !p.VersionKnown() || verAck == nil {
		msg, _, err := p.readMessage()
		if err != nil {
			return nil, err
		}

		switch m := msg.(type) {
		case *wire.MsgVersion:
			if p.VersionKnown() {
				return nil, errors.New("duplicate version message")
			}
			if err := p.handleVersion(m); err != nil {
				return nil, err
			}
			if p.inbound {
				if err := p.writeMessage(p.localVersionMsg()); err != nil {
					return nil, err
				}
			}
			if err := p.writeMessage(wire.NewMsgVerAck()); err != nil {
				return nil, err
			}

		case *wire.MsgVerAck:
			verAck = m
			p.flagsMtx.Lock()
			p.verAckReceived = true
			p.flagsMtx.Unlock()

		case *wire.MsgCustom:
			if !p.inbound || p.VersionKnown() {
				return nil, errors.New("custom message during handshake")
			}
			p.answerCustomRequest(m)
			return nil, ErrCustomRequest

		default:
			return nil, fmt.Errorf("received %s message before the "+
				"handshake was complete", msg.Command())
		}
	}
	return verAck, nil
}

// answerCustomRequest answers a one-shot custom request.
func (p *Peer) answerCustomRequest(msg *wire.MsgCustom) {
	if p.cfg.OnCustomRequest == nil {
		log.Debugf("Ignoring custom request %s from %s",
			sanitizeString(msg.CustomCommand, maxRejectReasonLen), p)
		return
	}

	resp := p.cfg.OnCustomRequest(p, msg)
	if resp == nil {
		log.Debugf("No response to custom request %s from %s",
			sanitizeString(msg.CustomCommand, maxRejectReasonLen), p)
		return
	}
	if err := p.writeMessage(resp); err != nil {
		log.Debugf("Cannot answer custom request from %s: %v", p, err)
	}
}

// readMessage reads the next bitmessage message from the peer with logging.
func (p *Peer) readMessage() (wire.Message, []byte, error) {
	n, msg, buf, err := wire.ReadMessageN(p.reader, p.cfg.Net)
	atomic.AddUint64(&p.bytesReceived, uint64(n))
	if p.cfg.Listeners.OnRead != nil {
		p.cfg.Listeners.OnRead(p, n, msg, err)
	}
	if err != nil {
		return nil, nil, err
	}

	// Use closures to log expensive operations so they are only run when
	// the logging level requires it.
	log.Debugf("%v", newLogClosure(func() string {
		// Debug summary of message.
		summary := messageSummary(msg)
		if len(summary) > 0 {
			summary = " (" + summary + ")"
		}
		return fmt.Sprintf("Received %v%s from %s",
			msg.Command(), summary, p)
	}))
	log.Tracef("%v", newLogClosure(func() string {
		return spew.Sdump(msg)
	}))

	return msg, buf, nil
}

// writeMessage sends a bitmessage message to the peer with logging.
func (p *Peer) writeMessage(msg wire.Message) error {
	// Don't do anything if we're disconnecting.
	if atomic.LoadInt32(&p.disconnect) != 0 {
		return nil
	}

	// Use closures to log expensive operations so they are only run when
	// the logging level requires it.
	log.Debugf("%v", newLogClosure(func() string {
		// Debug summary of message.
		summary := messageSummary(msg)
		if len(summary) > 0 {
			summary = " (" + summary + ")"
		}
		return fmt.Sprintf("Sending %v%s to %s", msg.Command(),
			summary, p)
	}))
	log.Tracef("%v", newLogClosure(func() string {
		return spew.Sdump(msg)
	}))

	// Write the message to the peer.
	n, err := wire.WriteMessageN(p.conn, msg, p.cfg.Net)
	atomic.AddUint64(&p.bytesSent, uint64(n))
	if p.cfg.Listeners.OnWrite != nil {
		p.cfg.Listeners.OnWrite(p, n, msg, err)
	}
	return err
}

// isInventoryMessage reports whether msg takes part in object sync.
func isInventoryMessage(msg wire.Message) bool {
	switch msg.(type) {
	case *wire.MsgInv, *wire.MsgGetData, *wire.MsgObject:
		return true
	}
	return false
}

// logReadError logs why the input handler stops.  Checksum failures are
// security relevant and logged apart from ordinary disconnects.
func (p *Peer) logReadError(err error) {
	switch {
	case atomic.LoadInt32(&p.disconnect) != 0:
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		log.Debugf("Peer %s closed the connection", p)
	case errors.Is(err, wire.ErrChecksum):
		log.Warnf("SECURITY: corrupted message from %s: %v", p, err)
	default:
		log.Infof("Cannot read message from %s: %v", p, err)
	}
}

// inHandler handles all incoming messages for the peer.  It must be run as a
// goroutine.
func (p *Peer) inHandler() {
out:
	for atomic.LoadInt32(&p.disconnect) == 0 {
		rmsg, _, err := p.readMessage()
		if err != nil {
			p.logReadError(err)
			break out
		}
		atomic.StoreInt64(&p.lastRecv, time.Now().Unix())
		if isInventoryMessage(rmsg) {
			atomic.AddUint64(&p.activity, 1)
		}

		// Handle each supported message type.
		switch msg := rmsg.(type) {
		case *wire.MsgVersion, *wire.MsgVerAck:
			log.Infof("Already received %s from %s, disconnecting",
				msg.Command(), p)
			break out

		case *wire.MsgAddr:
			if p.cfg.Listeners.OnAddr != nil {
				p.cfg.Listeners.OnAddr(p, msg)
			}

		case *wire.MsgInv:
			for _, iv := range msg.InvList {
				p.AddKnownInventory(iv)
			}
			if p.cfg.Listeners.OnInv != nil {
				p.cfg.Listeners.OnInv(p, msg)
			}

		case *wire.MsgGetData:
			if p.cfg.Listeners.OnGetData != nil {
				p.cfg.Listeners.OnGetData(p, msg)
			}

		case *wire.MsgObject:
			p.AddKnownInventory(msg.InvVect())
			if p.cfg.Listeners.OnObject != nil {
				p.cfg.Listeners.OnObject(p, msg)
			}

		case *wire.MsgCustom:
			if p.cfg.Listeners.OnCustom != nil {
				p.cfg.Listeners.OnCustom(p, msg)
			}

		default:
			log.Debugf("Received unhandled message of type %v "+
				"from %v", rmsg.Command(), p)
		}
	}

	// Ensure connection is closed.
	p.Disconnect()

	close(p.inQuit)
	log.Tracef("Peer input handler done for %s", p)
}

// queueHandler handles the queuing of outgoing data for the peer. This runs as
// a muxer for various sources of input so we can ensure that server and peer
// handlers will not block on us sending a message.  That data is then passed on
// to outHandler to be actually written.
func (p *Peer) queueHandler() {
	pendingMsgs := list.New()
	invSendQueue := list.New()
	trickleTicker := time.NewTicker(p.cfg.TrickleInterval)
	defer trickleTicker.Stop()

	// We keep the waiting flag so that we know if we have a message queued
	// to the outHandler or not.  We could use the presence of a head of
	// the list for this but then we have rather racy concerns about whether
	// it has gotten it at cleanup time - and thus who sends on the
	// message's done channel.  To avoid such confusion we keep a different
	// flag and pendingMsgs only contains messages that we have not yet
	// passed to outHandler.
	waiting := false

	// To avoid duplication below.
	queuePacket := func(msg outMsg, list *list.List, waiting bool) bool {
		if !waiting {
			p.sendQueue <- msg
		} else {
			list.PushBack(msg)
		}
		// we are always waiting now.
		return true
	}
out:
	for {
		select {
		case msg := <-p.outputQueue:
			waiting = queuePacket(msg, pendingMsgs, waiting)

		// This channel is notified when a message has been sent across
		// the network socket.
		case <-p.sendDoneQueue:
			// No longer waiting if there are no more messages
			// in the pending messages queue.
			next := pendingMsgs.Front()
			if next == nil {
				waiting = false
				continue
			}

			// Notify the outHandler about the next item to
			// asynchronously send.
			val := pendingMsgs.Remove(next)
			p.sendQueue <- val.(outMsg)

		case iv := <-p.outputInvChan:
			invSendQueue.PushBack(iv)

		case <-trickleTicker.C:
			// Don't send anything if we're disconnecting or there
			// is no queued inventory.
			if atomic.LoadInt32(&p.disconnect) != 0 ||
				invSendQueue.Len() == 0 {
				continue
			}

			// Create and send as many inv messages as needed to
			// drain the inventory send queue.
			invMsg := wire.NewMsgInvSizeHint(uint(invSendQueue.Len()))
			for e := invSendQueue.Front(); e != nil; e = invSendQueue.Front() {
				iv := invSendQueue.Remove(e).(wire.InvVect)
				atomic.AddInt64(&p.pending, -1)

				// Don't send inventory that became known after
				// the initial check.
				if p.knownInventory.Contains(iv) {
					continue
				}

				_ = invMsg.AddInvVect(iv)
				if len(invMsg.InvList) >= maxInvTrickleSize {
					atomic.AddInt64(&p.pending, 1)
					waiting = queuePacket(
						outMsg{msg: invMsg},
						pendingMsgs, waiting)
					invMsg = wire.NewMsgInvSizeHint(uint(invSendQueue.Len()))
				}

				// Add the inventory that is being relayed to
				// the known inventory for the peer.
				p.AddKnownInventory(iv)
			}
			if len(invMsg.InvList) > 0 {
				atomic.AddInt64(&p.pending, 1)
				waiting = queuePacket(outMsg{msg: invMsg},
					pendingMsgs, waiting)
			}

		case <-p.quit:
			break out
		}
	}

	// Drain any wait channels before we go away so we don't leave something
	// waiting for us.
	for e := pendingMsgs.Front(); e != nil; e = pendingMsgs.Front() {
		val := pendingMsgs.Remove(e)
		msg := val.(outMsg)
		if msg.doneChan != nil {
			msg.doneChan <- struct{}{}
		}
	}
cleanup:
	for {
		select {
		case msg := <-p.outputQueue:
			if msg.doneChan != nil {
				msg.doneChan <- struct{}{}
			}
		case <-p.outputInvChan:
			// Just drain channel
		// sendDoneQueue is buffered so doesn't need draining.
		default:
			break cleanup
		}
	}
	close(p.queueQuit)
	log.Tracef("Peer queue handler done for %s", p)
}

// outHandler handles all outgoing messages for the peer.  It must be run as a
// goroutine.  It uses a buffered channel to serialize output messages while
// allowing the sender to continue running asynchronously.
func (p *Peer) outHandler() {
out:
	for {
		select {
		case msg := <-p.sendQueue:
			err := p.writeMessage(msg.msg)
			atomic.AddInt64(&p.pending, -1)
			if err != nil {
				p.Disconnect()
				log.Debugf("Cannot write message to %s: %v", p, err)
				if msg.doneChan != nil {
					msg.doneChan <- struct{}{}
				}
				continue
			}

			atomic.StoreInt64(&p.lastSend, time.Now().Unix())
			if isInventoryMessage(msg.msg) {
				atomic.AddUint64(&p.activity, 1)
			}

			if msg.doneChan != nil {
				msg.doneChan <- struct{}{}
			}
			p.sendDoneQueue <- struct{}{}

		case <-p.quit:
			break out
		}
	}

	<-p.queueQuit

	// Drain any wait channels before we go away so we don't leave something
	// waiting for us. We have waited on queueQuit and thus we can be sure
	// that we will not miss anything sent on sendQueue.
cleanup:
	for {
		select {
		case msg := <-p.sendQueue:
			if msg.doneChan != nil {
				msg.doneChan <- struct{}{}
			}
			// no need to send on sendDoneQueue since queueHandler
			// has been waited on and already exited.
		default:
			break cleanup
		}
	}
	close(p.outQuit)
	log.Tracef("Peer output handler done for %s", p)
}

// QueueMessage adds the passed bitmessage message to the peer send queue.
//
// This function is safe for concurrent access.
func (p *Peer) QueueMessage(msg wire.Message, doneChan chan<- struct{}) {
	// Avoid risk of deadlock if goroutine already exited.  The goroutine
	// we will be sending to hangs around until it knows for a fact that
	// it is marked as disconnected and *then* it drains the channels.
	if !p.Connected() {
		if doneChan != nil {
			go func() {
				doneChan <- struct{}{}
			}()
		}
		return
	}

	atomic.AddInt64(&p.pending, 1)
	select {
	case p.outputQueue <- outMsg{msg: msg, doneChan: doneChan}:
	case <-p.quit:
		atomic.AddInt64(&p.pending, -1)
		if doneChan != nil {
			go func() {
				doneChan <- struct{}{}
			}()
		}
	}
}

// QueueInventory adds the passed inventory to the inventory send queue which
// might not be sent right away, rather it is trickled to the peer in batches.
// Inventory that the peer is already known to have is ignored.
//
// This function is safe for concurrent access.
func (p *Peer) QueueInventory(iv wire.InvVect) {
	// Don't add the inventory to the send queue if the peer is already
	// known to have it.
	if p.knownInventory.Contains(iv) {
		return
	}

	// Avoid risk of deadlock if goroutine already exited.  The goroutine
	// we will be sending to hangs around until it knows for a fact that
	// it is marked as disconnected and *then* it drains the channels.
	if !p.Connected() {
		return
	}

	atomic.AddInt64(&p.pending, 1)
	select {
	case p.outputInvChan <- iv:
	case <-p.quit:
		atomic.AddInt64(&p.pending, -1)
	}
}

// Connected returns whether or not the peer is currently connected.
//
// This function is safe for concurrent access.
func (p *Peer) Connected() bool {
	return atomic.LoadInt32(&p.connected) != 0 &&
		atomic.LoadInt32(&p.disconnect) == 0
}

// Disconnect disconnects the peer by closing the connection.  Calling this
// function when the peer is already disconnected or in the process of
// disconnecting will have no effect.
func (p *Peer) Disconnect() {
	if atomic.AddInt32(&p.disconnect, 1) != 1 {
		return
	}

	log.Tracef("Disconnecting %s", p)
	p.setState(StateClosing)
	if atomic.LoadInt32(&p.connected) != 0 {
		p.conn.Close()
	}
	close(p.quit)
}

// start begins processing input and output messages.
func (p *Peer) start() error {
	log.Tracef("Starting peer %s", p)
	p.setState(StateHandshaking)

	type result struct {
		verAck *wire.MsgVerAck
		err    error
	}
	negotiateErr := make(chan result, 1)
	go func() {
		verAck, err := p.negotiate()
		negotiateErr <- result{verAck, err}
	}()

	// Negotiate the protocol within the specified negotiateTimeout.
	var verAck *wire.MsgVerAck
	timer := time.NewTimer(p.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case res := <-negotiateErr:
		if res.err != nil {
			p.Disconnect()
			return res.err
		}
		verAck = res.verAck
	case <-timer.C:
		p.Disconnect()
		return errors.New("protocol negotiation timeout")
	case <-p.quit:
		return errors.New("disconnected during negotiation")
	}
	log.Debugf("Connected to %s", p.Addr())

	p.setState(StateActive)
	if p.cfg.Listeners.OnVerAck != nil {
		p.cfg.Listeners.OnVerAck(p, verAck)
	}

	// The protocol has been negotiated successfully so start processing
	// input and output messages.
	go p.queueHandler()
	go p.outHandler()
	go p.inHandler()

	go func() {
		<-p.inQuit
		<-p.outQuit
		p.setState(StateClosed)
	}()
	return nil
}

// AssociateConnection associates the given conn to the peer.   Calling this
// function when the peer is already connected will have no effect.
func (p *Peer) AssociateConnection(conn net.Conn) {
	if p.Connected() || atomic.LoadInt32(&p.disconnect) != 0 {
		return
	}

	p.conn = conn
	p.reader = bufio.NewReader(conn)
	p.statsMtx.Lock()
	p.timeConnected = time.Now()
	p.statsMtx.Unlock()
	atomic.StoreInt32(&p.connected, 1)

	if p.inbound {
		p.addr = p.conn.RemoteAddr().String()

		// Set up a NetAddress for the peer to be used with addr
		// gossip and the like.
		na, err := newNetAddress(p.conn.RemoteAddr().String(), p.cfg.Services)
		if err != nil {
			log.Errorf("Cannot create remote net address: %v", err)
			p.Disconnect()
			p.setState(StateClosed)
			return
		}
		p.flagsMtx.Lock()
		p.na = na
		p.flagsMtx.Unlock()
	}

	go func() {
		if err := p.start(); err != nil {
			if !errors.Is(err, ErrCustomRequest) {
				log.Debugf("Cannot start peer %v: %v", p, err)
			}
			p.Disconnect()
			p.setState(StateClosed)
		}
	}()
}

// WaitForDisconnect waits until the peer has completely disconnected and all
// resources are cleaned up.  This will happen if either the local or remote
// side has been disconnected or the peer is forcibly disconnected via
// Disconnect.
func (p *Peer) WaitForDisconnect() {
	<-p.quit
}

// newPeerBase returns a new base bitmessage peer based on the inbound flag.
// This is used by the NewInboundPeer and NewOutboundPeer functions to perform
// base setup needed by both types of peers.
func newPeerBase(origCfg *Config, inbound bool) *Peer {
	cfg := *origCfg // Copy to avoid mutating caller.
	if cfg.TrickleInterval <= 0 {
		cfg.TrickleInterval = DefaultTrickleInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = wire.DefaultUserAgent
	}
	if len(cfg.Streams) == 0 {
		cfg.Streams = []uint64{wire.DefaultStream}
	}

	p := Peer{
		inbound:        inbound,
		knownInventory: lru.NewCache(maxKnownInventory),
		outputQueue:    make(chan outMsg, outputBufferSize),
		sendQueue:      make(chan outMsg, 1),   // nonblocking sync
		sendDoneQueue:  make(chan struct{}, 1), // nonblocking sync
		outputInvChan:  make(chan wire.InvVect, outputBufferSize),
		inQuit:         make(chan struct{}),
		queueQuit:      make(chan struct{}),
		outQuit:        make(chan struct{}),
		quit:           make(chan struct{}),
		cfg:            cfg, // Copy so caller can't mutate.
		id:             atomic.AddInt32(&nodeCount, 1),
	}
	return &p
}

// NewInboundPeer returns a new inbound bitmessage peer. Use Start to begin
// processing incoming and outgoing messages.
func NewInboundPeer(cfg *Config) *Peer {
	return newPeerBase(cfg, true)
}

// NewOutboundPeer returns a new outbound bitmessage peer.
func NewOutboundPeer(cfg *Config, addr string) (*Peer, error) {
	p := newPeerBase(cfg, false)
	p.addr = addr

	na, err := newNetAddress(addr, cfg.Services)
	if err != nil {
		return nil, err
	}
	p.na = na

	return p, nil
}

// newNetAddress parses a host:port string into a NetAddress.
func newNetAddress(addr string, services wire.ServiceFlag) (*wire.NetAddress, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("no addresses found for %s", host)
		}
		ip = ips[0]
	}
	return wire.NewNetAddressIPPort(ip, uint16(port), uint32(wire.DefaultStream),
		services), nil
}

func minUint32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
