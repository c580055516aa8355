package pow

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/Carcophan/Jabit/wire"
	"github.com/stretchr/testify/require"
)

var testNow = time.Unix(1700000000, 0)

func testObject(ttl time.Duration) *wire.Object {
	payload := wire.NewGenericPayload(wire.ObjectTypeMsg, 1, 1,
		[]byte("an object that needs some work before it may be sent"))
	return wire.NewObject(testNow.Add(ttl), payload)
}

func TestTarget(t *testing.T) {
	// 2^64 / (1 * (100 + 100*65536/65536))
	target, err := Target(100, 65536, Params{NonceTrialsPerByte: 1})
	require.NoError(t, err)
	want := new(big.Int).Lsh(big.NewInt(1), 64)
	want.Quo(want, big.NewInt(200))
	require.Equal(t, want, target)

	// Extra bytes count as payload.
	withExtra, err := Target(50, 65536, Params{NonceTrialsPerByte: 1, ExtraBytes: 50})
	require.NoError(t, err)
	require.Equal(t, target, withExtra)
}

func TestTargetMonotonic(t *testing.T) {
	prev, err := Target(1000, 3600, Params{NonceTrialsPerByte: 1})
	require.NoError(t, err)
	for ntpb := uint64(2); ntpb < 2000; ntpb += 97 {
		target, err := Target(1000, 3600, Params{NonceTrialsPerByte: ntpb})
		require.NoError(t, err)
		require.True(t, target.Cmp(prev) < 0, "nonce trials %d", ntpb)
		prev = target
	}

	prev, err = Target(1000, 300, NetworkParams)
	require.NoError(t, err)
	for ttl := int64(300 + 3600); ttl < 30*24*3600; ttl += 3600 {
		target, err := Target(1000, ttl, NetworkParams)
		require.NoError(t, err)
		require.True(t, target.Cmp(prev) < 0, "ttl %d", ttl)
		prev = target
	}
}

func TestTargetExtremeTTL(t *testing.T) {
	// Short and negative time to live is used as is, the division
	// truncating toward zero.
	tests := []struct {
		payloadLen int
		ttl        int64
		p          Params
		want       *big.Int
	}{
		// 2^64 / (1018 - 55)
		{18, -3600, Params{NonceTrialsPerByte: 1, ExtraBytes: 1000},
			big.NewInt(19155497480487592)},
		// 2^64 / (1000 + 0)
		{1000, 60, Params{NonceTrialsPerByte: 1}, big.NewInt(18446744073709551)},
		// 2^64 / (1000 + 4)
		{1000, 299, Params{NonceTrialsPerByte: 1}, big.NewInt(18373251069431824)},
		// 2^64 / (1000 - 0)
		{1000, -1, Params{NonceTrialsPerByte: 1}, big.NewInt(18446744073709551)},
		// 2^64 / (2 * (1000 - 999))
		{1000, -65535, Params{NonceTrialsPerByte: 2}, new(big.Int).Lsh(big.NewInt(1), 63)},
	}
	for _, test := range tests {
		target, err := Target(test.payloadLen, test.ttl, test.p)
		require.NoError(t, err, "ttl %d", test.ttl)
		require.Equal(t, test.want, target, "ttl %d", test.ttl)
	}

	// Below 300 seconds the target keeps growing as the ttl shrinks.
	prev, err := Target(1000, 300, NetworkParams)
	require.NoError(t, err)
	for _, ttl := range []int64{299, 0, -3600, -60000} {
		target, err := Target(1000, ttl, NetworkParams)
		require.NoError(t, err, "ttl %d", ttl)
		require.True(t, target.Cmp(prev) > 0, "ttl %d", ttl)
		prev = target
	}

	// A ttl of -2^16 or less leaves nothing to divide by.
	for _, ttl := range []int64{-65536, -1 << 40} {
		_, err := Target(1000, ttl, NetworkParams)
		require.ErrorIs(t, err, ErrZeroDenominator, "ttl %d", ttl)
	}

	target, err := Target(1<<20, 1<<40, NetworkParams)
	require.NoError(t, err)
	require.True(t, target.Sign() >= 0)
}

func TestCheckExpiredObject(t *testing.T) {
	// An object that expired an hour ago is charged for a negative ttl.
	payload := wire.NewGenericPayload(wire.ObjectTypeMsg, 1, 1, nil)
	obj := wire.NewObject(testNow.Add(-time.Hour), payload)
	p := Params{NonceTrialsPerByte: 1, ExtraBytes: 1000}

	target, err := objectTarget(obj, obj.Bytes(), testNow, p)
	require.NoError(t, err)
	want, err := Target(len(obj.Bytes()), -3600, p)
	require.NoError(t, err)
	require.Equal(t, want.Uint64(), target)

	msg, err := (&Miner{Workers: 1}).Mine(context.Background(), obj, testNow, p)
	require.NoError(t, err)
	require.NoError(t, Check(msg, testNow, p))
	require.LessOrEqual(t, TrialValue(msg.Nonce, InitialHash(obj)), want.Uint64())
}

func TestTargetZeroDenominator(t *testing.T) {
	_, err := Target(100, 3600, Params{})
	require.ErrorIs(t, err, ErrZeroDenominator)

	_, err = Target(0, 3600, Params{NonceTrialsPerByte: 1})
	require.ErrorIs(t, err, ErrZeroDenominator)
}

func TestMineAndCheck(t *testing.T) {
	obj := testObject(4 * time.Hour)
	p := Params{NonceTrialsPerByte: 1000}

	m := &Miner{Workers: 4}
	msg, err := m.Mine(context.Background(), obj, testNow, p)
	require.NoError(t, err)
	require.NoError(t, Check(msg, testNow, p))
	require.Equal(t, obj.Bytes(), msg.Object.Bytes())

	// Flipping any bit of the nonce should almost always break the work.
	failures := 0
	for bit := uint(0); bit < 64; bit++ {
		mutated := wire.NewMsgObject(msg.Nonce^(1<<bit), obj)
		err := Check(mutated, testNow, p)
		if err != nil {
			require.ErrorIs(t, err, ErrInsufficientProofOfWork)
			failures++
		}
	}
	require.GreaterOrEqual(t, failures, 60)

	// Checked later the object has less time to live left, which only
	// makes the target easier.
	require.NoError(t, Check(msg, testNow.Add(time.Hour), p))
}

func TestCheckRejectsUnminedObject(t *testing.T) {
	obj := testObject(4 * 24 * time.Hour)
	var rejected int
	for nonce := uint64(0); nonce < 8; nonce++ {
		if Check(wire.NewMsgObject(nonce, obj), testNow, NetworkParams) != nil {
			rejected++
		}
	}
	require.Equal(t, 8, rejected)
}

func TestMineSingleWorkerStartsAtZero(t *testing.T) {
	obj := testObject(time.Hour)
	p := Params{NonceTrialsPerByte: 1}

	m := &Miner{Workers: 1}
	msg, err := m.Mine(context.Background(), obj, testNow, p)
	require.NoError(t, err)

	// With a single worker the result is the lowest nonce meeting the
	// target.
	target, err := objectTarget(obj, obj.Bytes(), testNow, p)
	require.NoError(t, err)
	initial := InitialHash(obj)
	for nonce := uint64(0); nonce < msg.Nonce; nonce++ {
		require.Greater(t, TrialValue(nonce, initial), target)
	}
	require.LessOrEqual(t, TrialValue(msg.Nonce, initial), target)
}

func TestMineCancel(t *testing.T) {
	obj := testObject(28 * 24 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		// Network difficulty on a long lived object takes far longer than
		// this test is willing to wait.
		_, err := Mine(ctx, obj, testNow, Params{NonceTrialsPerByte: 1 << 40})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("miner did not stop after cancel")
	}
}
