package pow

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/Carcophan/Jabit/bmcrypto"
	"github.com/Carcophan/Jabit/wire"
	"golang.org/x/sync/errgroup"
)

// pollInterval is the number of trials a worker does between looking at
// its context.
const pollInterval = 1024

// errSolved stops the other workers once a nonce has been found.
var errSolved = errors.New("nonce found")

// Miner searches nonces for objects.  The zero value uses one worker per
// CPU.
type Miner struct {
	// Workers is the number of goroutines searching in parallel.
	Workers int
}

func (m *Miner) workers() int {
	if m == nil || m.Workers <= 0 {
		return runtime.NumCPU()
	}
	return m.Workers
}

// Mine searches a nonce that satisfies the target of obj at now and returns
// the mined object.  obj is not modified.  The search starts at nonce 0 and
// runs until it succeeds or ctx is done, in which case the context error is
// returned.
func (m *Miner) Mine(ctx context.Context, obj *wire.Object, now time.Time, p Params) (*wire.MsgObject, error) {
	payload := obj.Bytes()
	target, err := objectTarget(obj, payload, now, p)
	if err != nil {
		return nil, err
	}
	initialHash := bmcrypto.Sha512(payload)

	workers := m.workers()
	step := uint64(workers)
	start := time.Now()

	var solved int32
	var nonce uint64
	var trials uint64

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		first := uint64(i)
		g.Go(func() error {
			var n uint64
			defer func() { atomic.AddUint64(&trials, n) }()

			for candidate := first; ; candidate += step {
				n++
				if n%pollInterval == 0 {
					select {
					case <-gctx.Done():
						return gctx.Err()
					default:
					}
				}

				if TrialValue(candidate, initialHash) <= target {
					if atomic.CompareAndSwapInt32(&solved, 0, 1) {
						nonce = candidate
					}
					return errSolved
				}
			}
		})
	}

	err = g.Wait()
	if atomic.LoadInt32(&solved) == 1 {
		log.Debugf("Found nonce %d for %v object after %d trials in %v",
			nonce, obj.ObjectType, atomic.LoadUint64(&trials),
			time.Since(start))
		return wire.NewMsgObject(nonce, obj), nil
	}
	return nil, err
}

// Mine is a convenience wrapper around a default Miner.
func Mine(ctx context.Context, obj *wire.Object, now time.Time, p Params) (*wire.MsgObject, error) {
	var m Miner
	return m.Mine(ctx, obj, now, p)
}
