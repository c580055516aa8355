package db

import (
	"sort"
	"sync"
	"time"

	"github.com/Carcophan/Jabit/netsync"
	"github.com/Carcophan/Jabit/wire"
)

// MemInventory is an Inventory held in memory.
type MemInventory struct {
	mtx     sync.RWMutex
	objects map[wire.InvVect]*wire.MsgObject
}

// NewMemInventory returns an inventory holding objs.
func NewMemInventory(objs ...*wire.MsgObject) *MemInventory {
	inv := &MemInventory{objects: make(map[wire.InvVect]*wire.MsgObject, len(objs))}
	for _, obj := range objs {
		inv.objects[obj.InvVect()] = obj
	}
	return inv
}

// Contains reports whether the object identified by iv is held.
//
// This function is safe for concurrent access.
func (m *MemInventory) Contains(iv wire.InvVect) bool {
	m.mtx.RLock()
	_, ok := m.objects[iv]
	m.mtx.RUnlock()
	return ok
}

// Get returns the object identified by iv.
//
// This function is safe for concurrent access.
func (m *MemInventory) Get(iv wire.InvVect) (*wire.MsgObject, error) {
	m.mtx.RLock()
	obj, ok := m.objects[iv]
	m.mtx.RUnlock()
	if !ok {
		return nil, netsync.ErrObjectNotFound
	}
	return obj, nil
}

// Vectors returns the vectors of all objects of the given streams in
// ascending order.
//
// This function is safe for concurrent access.
func (m *MemInventory) Vectors(streams ...uint64) ([]wire.InvVect, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	var ivs []wire.InvVect
	for iv, obj := range m.objects {
		for _, stream := range streams {
			if obj.Stream() == stream {
				ivs = append(ivs, iv)
				break
			}
		}
	}
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].Compare(ivs[j]) < 0 })
	return ivs, nil
}

// Store adds obj.  It returns false if the object was already held.
//
// This function is safe for concurrent access.
func (m *MemInventory) Store(obj *wire.MsgObject) (bool, error) {
	iv := obj.InvVect()

	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.objects[iv]; ok {
		return false, nil
	}
	m.objects[iv] = obj
	return true, nil
}

// Cleanup drops objects that expired longer ago than other nodes still
// accept them.  It returns the number of dropped objects.
//
// This function is safe for concurrent access.
func (m *MemInventory) Cleanup(now time.Time) (int, error) {
	cutoff := now.Add(-netsync.MaxExpiredAge)

	m.mtx.Lock()
	defer m.mtx.Unlock()
	n := 0
	for iv, obj := range m.objects {
		if obj.ExpiresTime.Before(cutoff) {
			delete(m.objects, iv)
			n++
		}
	}
	return n, nil
}

// Len returns the number of objects held.
func (m *MemInventory) Len() int {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return len(m.objects)
}

// MemNodeRegistry is a NodeRegistry held in memory.
type MemNodeRegistry struct {
	mtx   sync.Mutex
	nodes map[string]*wire.NetAddress
}

// NewMemNodeRegistry returns a registry that knows seeds.
func NewMemNodeRegistry(seeds ...*wire.NetAddress) *MemNodeRegistry {
	r := &MemNodeRegistry{nodes: make(map[string]*wire.NetAddress)}
	r.Offer(seeds...)
	return r
}

// KnownAddresses returns up to wire.MaxAddrPerMsg addresses of nodes serving
// stream, most recently seen first.
//
// This function is safe for concurrent access.
func (r *MemNodeRegistry) KnownAddresses(stream uint64) []*wire.NetAddress {
	r.mtx.Lock()
	addrs := make([]*wire.NetAddress, 0, len(r.nodes))
	for _, na := range r.nodes {
		if uint64(na.Stream) == stream {
			c := *na
			addrs = append(addrs, &c)
		}
	}
	r.mtx.Unlock()

	return newestAddresses(addrs)
}

// Offer adds addrs to the registry.  Known addresses only have their
// timestamp and services refreshed.
//
// This function is safe for concurrent access.
func (r *MemNodeRegistry) Offer(addrs ...*wire.NetAddress) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for _, na := range addrs {
		key := addrKey(na)
		if known, ok := r.nodes[key]; ok && !na.Timestamp.After(known.Timestamp) {
			continue
		}
		c := *na
		r.nodes[key] = &c
	}
}

// addrKey identifies an address within the registry.
func addrKey(na *wire.NetAddress) string {
	return na.String()
}

// newestAddresses sorts addrs by timestamp, newest first, and caps them at
// wire.MaxAddrPerMsg.
func newestAddresses(addrs []*wire.NetAddress) []*wire.NetAddress {
	sort.SliceStable(addrs, func(i, j int) bool {
		return addrs[i].Timestamp.After(addrs[j].Timestamp)
	})
	if len(addrs) > wire.MaxAddrPerMsg {
		addrs = addrs[:wire.MaxAddrPerMsg]
	}
	return addrs
}
