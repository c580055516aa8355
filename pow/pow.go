package pow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/Carcophan/Jabit/bmcrypto"
	"github.com/Carcophan/Jabit/wire"
)

const (
	// DefaultNonceTrialsPerByte is the difficulty the network demands for
	// every object.
	DefaultNonceTrialsPerByte = 1000

	// DefaultExtraBytes is added to the length of every object when
	// computing its target, so small objects are not too cheap.
	DefaultExtraBytes = 1000
)

var (
	// ErrInsufficientProofOfWork is returned when the nonce of an object does
	// not meet its target.
	ErrInsufficientProofOfWork = errors.New("insufficient proof of work")

	// ErrZeroDenominator is returned when the parameters yield a target
	// that cannot be computed.
	ErrZeroDenominator = errors.New("proof of work denominator is not positive")
)

// Params are the proof of work parameters an object is checked against.
type Params struct {
	NonceTrialsPerByte uint64 `yaml:"nonceTrialsPerByte" validate:"min=1"`
	ExtraBytes         uint64 `yaml:"extraBytes"`
}

// NetworkParams are the parameters every node on the network enforces.
var NetworkParams = Params{
	NonceTrialsPerByte: DefaultNonceTrialsPerByte,
	ExtraBytes:         DefaultExtraBytes,
}

var (
	// twoTo64 is 2^64, the numerator of every target.
	twoTo64 = new(big.Int).Lsh(big.NewInt(1), 64)

	// ttlDivisor scales the time to live into the length.
	ttlDivisor = big.NewInt(1 << 16)
)

// Target returns the highest trial value accepted for an object of
// payloadLen bytes, nonce not included, living for ttl seconds:
//
//	length = payloadLen + extraBytes
//	target = 2^64 / (nonceTrialsPerByte * (length + length*ttl/2^16))
//
// The time to live is used as is, so expired objects are cheaper.  Divisions
// truncate toward zero and a denominator that is not positive is an error.
func Target(payloadLen int, ttl int64, p Params) (*big.Int, error) {
	length := new(big.Int).SetUint64(p.ExtraBytes)
	length.Add(length, big.NewInt(int64(payloadLen)))

	denominator := new(big.Int).Mul(length, big.NewInt(ttl))
	denominator.Quo(denominator, ttlDivisor)
	denominator.Add(denominator, length)
	denominator.Mul(denominator, new(big.Int).SetUint64(p.NonceTrialsPerByte))
	if denominator.Sign() <= 0 {
		return nil, fmt.Errorf("%w: length %v, ttl %d, nonce trials per "+
			"byte %d", ErrZeroDenominator, length, ttl, p.NonceTrialsPerByte)
	}

	return denominator.Quo(twoTo64, denominator), nil
}

// targetValue converts a target into the trial value domain.  Targets of
// 2^64 and above accept every trial value.
func targetValue(target *big.Int) uint64 {
	if target.IsUint64() {
		return target.Uint64()
	}
	return math.MaxUint64
}

// InitialHash returns the SHA-512 of the object without its nonce.
func InitialHash(obj *wire.Object) []byte {
	return bmcrypto.Sha512(obj.Bytes())
}

// TrialValue returns the first eight bytes of the double SHA-512 of nonce
// and initialHash, read as a big-endian integer.
func TrialValue(nonce uint64, initialHash []byte) uint64 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], nonce)
	return binary.BigEndian.Uint64(bmcrypto.DoubleSha512(b[:], initialHash)[:8])
}

// TTL returns the time to live of obj at now in seconds.
func TTL(obj *wire.Object, now time.Time) int64 {
	return obj.ExpiresTime.Unix() - now.Unix()
}

// objectTarget computes the target of obj at now.
func objectTarget(obj *wire.Object, payload []byte, now time.Time, p Params) (uint64, error) {
	target, err := Target(len(payload), TTL(obj, now), p)
	if err != nil {
		return 0, err
	}
	return targetValue(target), nil
}

// Check verifies the proof of work of msg at now.  It returns
// ErrInsufficientProofOfWork if the nonce does not meet the target.
func Check(msg *wire.MsgObject, now time.Time, p Params) error {
	payload := msg.Object.Bytes()
	target, err := objectTarget(&msg.Object, payload, now, p)
	if err != nil {
		return err
	}

	trial := TrialValue(msg.Nonce, bmcrypto.Sha512(payload))
	if trial > target {
		return fmt.Errorf("%w: trial value %d above target %d",
			ErrInsufficientProofOfWork, trial, target)
	}
	return nil
}
