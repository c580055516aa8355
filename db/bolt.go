package db

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/Carcophan/Jabit/netsync"
	"github.com/Carcophan/Jabit/wire"
	"github.com/boltdb/bolt"
)

var (
	// objectsBucket holds one nested bucket per stream, mapping inventory
	// vectors to the expiry time followed by the encoded object.
	objectsBucket = []byte("objects")

	// indexBucket maps inventory vectors to their stream.
	indexBucket = []byte("index")

	// nodesBucket maps host:port to encoded addresses.
	nodesBucket = []byte("nodes")
)

// openBolt opens the database at path and creates the named top level
// buckets.
func openBolt(path string, buckets ...[]byte) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func streamKey(stream uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], stream)
	return b[:]
}

// BoltInventory is an Inventory stored in a bolt database.
type BoltInventory struct {
	db *bolt.DB
}

// OpenBoltInventory opens or creates the inventory database at path.
func OpenBoltInventory(path string) (*BoltInventory, error) {
	db, err := openBolt(path, objectsBucket, indexBucket)
	if err != nil {
		return nil, fmt.Errorf("open inventory %s: %w", path, err)
	}
	log.Infof("Opened inventory %s", path)
	return &BoltInventory{db: db}, nil
}

// Close closes the database.
func (b *BoltInventory) Close() error {
	return b.db.Close()
}

// Contains reports whether the object identified by iv is held.
//
// This function is safe for concurrent access.
func (b *BoltInventory) Contains(iv wire.InvVect) bool {
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(indexBucket).Get(iv[:]) != nil
		return nil
	})
	if err != nil {
		log.Errorf("Cannot look up object %v: %v", iv, err)
	}
	return found
}

// Get returns the object identified by iv.
//
// This function is safe for concurrent access.
func (b *BoltInventory) Get(iv wire.InvVect) (*wire.MsgObject, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		stream := tx.Bucket(indexBucket).Get(iv[:])
		if stream == nil {
			return netsync.ErrObjectNotFound
		}
		bucket := tx.Bucket(objectsBucket).Bucket(stream)
		if bucket == nil {
			return netsync.ErrObjectNotFound
		}
		value := bucket.Get(iv[:])
		if len(value) < 8 {
			return netsync.ErrObjectNotFound
		}

		// Values are only valid inside the transaction.
		data = append([]byte(nil), value[8:]...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wire.DecodeMsgObject(data)
}

// Vectors returns the vectors of all objects of the given streams.
//
// This function is safe for concurrent access.
func (b *BoltInventory) Vectors(streams ...uint64) ([]wire.InvVect, error) {
	var ivs []wire.InvVect
	err := b.db.View(func(tx *bolt.Tx) error {
		objects := tx.Bucket(objectsBucket)
		for _, stream := range streams {
			bucket := objects.Bucket(streamKey(stream))
			if bucket == nil {
				continue
			}
			err := bucket.ForEach(func(k, _ []byte) error {
				iv, err := wire.InvVectFromBytes(k)
				if err != nil {
					return err
				}
				ivs = append(ivs, iv)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return ivs, err
}

// Store adds obj.  It returns false if the object was already held.
//
// This function is safe for concurrent access.
func (b *BoltInventory) Store(obj *wire.MsgObject) (bool, error) {
	iv := obj.InvVect()
	stream := streamKey(obj.Stream())

	var value bytes.Buffer
	var expires [8]byte
	binary.BigEndian.PutUint64(expires[:], uint64(obj.ExpiresTime.Unix()))
	value.Write(expires[:])
	if err := obj.Encode(&value); err != nil {
		return false, err
	}

	stored := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(indexBucket)
		if index.Get(iv[:]) != nil {
			return nil
		}
		bucket, err := tx.Bucket(objectsBucket).CreateBucketIfNotExists(stream)
		if err != nil {
			return err
		}
		if err := bucket.Put(iv[:], value.Bytes()); err != nil {
			return err
		}
		stored = true
		return index.Put(iv[:], stream)
	})
	return stored, err
}

// Cleanup drops objects that expired longer ago than other nodes still
// accept them.  It returns the number of dropped objects.
//
// This function is safe for concurrent access.
func (b *BoltInventory) Cleanup(now time.Time) (int, error) {
	cutoff := now.Add(-netsync.MaxExpiredAge).Unix()

	n := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(indexBucket)
		objects := tx.Bucket(objectsBucket)

		// Buckets must not be modified while iterating them with
		// ForEach, so collect first.
		var streams [][]byte
		err := objects.ForEach(func(stream, _ []byte) error {
			streams = append(streams, append([]byte(nil), stream...))
			return nil
		})
		if err != nil {
			return err
		}

		for _, stream := range streams {
			bucket := objects.Bucket(stream)
			if bucket == nil {
				continue
			}

			var expired [][]byte
			err := bucket.ForEach(func(k, v []byte) error {
				if len(v) >= 8 && int64(binary.BigEndian.Uint64(v)) < cutoff {
					expired = append(expired, append([]byte(nil), k...))
				}
				return nil
			})
			if err != nil {
				return err
			}

			for _, k := range expired {
				if err := bucket.Delete(k); err != nil {
					return err
				}
				if err := index.Delete(k); err != nil {
					return err
				}
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// BoltNodeRegistry is a NodeRegistry stored in a bolt database.
type BoltNodeRegistry struct {
	db *bolt.DB
}

// OpenBoltNodeRegistry opens or creates the node database at path and adds
// seeds to it.
func OpenBoltNodeRegistry(path string, seeds ...*wire.NetAddress) (*BoltNodeRegistry, error) {
	db, err := openBolt(path, nodesBucket)
	if err != nil {
		return nil, fmt.Errorf("open node registry %s: %w", path, err)
	}
	r := &BoltNodeRegistry{db: db}
	r.Offer(seeds...)
	return r, nil
}

// Close closes the database.
func (r *BoltNodeRegistry) Close() error {
	return r.db.Close()
}

// KnownAddresses returns up to wire.MaxAddrPerMsg addresses of nodes serving
// stream, most recently seen first.
//
// This function is safe for concurrent access.
func (r *BoltNodeRegistry) KnownAddresses(stream uint64) []*wire.NetAddress {
	var addrs []*wire.NetAddress
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(nodesBucket).ForEach(func(_, v []byte) error {
			var na wire.NetAddress
			if err := wire.ReadNetAddress(bytes.NewReader(v), &na); err != nil {
				return err
			}
			if uint64(na.Stream) == stream {
				addrs = append(addrs, &na)
			}
			return nil
		})
	})
	if err != nil {
		log.Errorf("Cannot read known addresses: %v", err)
		return nil
	}
	return newestAddresses(addrs)
}

// Offer adds addrs to the registry.  Known addresses only have their
// timestamp and services refreshed.
//
// This function is safe for concurrent access.
func (r *BoltNodeRegistry) Offer(addrs ...*wire.NetAddress) {
	if len(addrs) == 0 {
		return
	}
	err := r.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(nodesBucket)
		for _, na := range addrs {
			key := []byte(addrKey(na))
			if v := bucket.Get(key); v != nil {
				var known wire.NetAddress
				err := wire.ReadNetAddress(bytes.NewReader(v), &known)
				if err == nil && !na.Timestamp.After(known.Timestamp) {
					continue
				}
			}

			var buf bytes.Buffer
			if err := wire.WriteNetAddress(&buf, na); err != nil {
				return err
			}
			if err := bucket.Put(key, buf.Bytes()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Errorf("Cannot store addresses: %v", err)
	}
}
