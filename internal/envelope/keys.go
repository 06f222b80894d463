package envelope

import (
	"fmt"

	cerrors "github.com/cerberus-iot/cerberus/internal/errors"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32

	// SimulatedKeyOffset is where the simulated KEM blob carries the key.
	SimulatedKeyOffset = 5
)

// KeyRecoverer turns the key-encapsulation blob of a packet into the AES key.
type KeyRecoverer interface {
	RecoverKey(blob []byte) ([]byte, error)
}

// SimulatedKEM stands in for a post-quantum KEM: the key is the 32 bytes
// at offset 5 of the blob.
type SimulatedKEM struct{}

// RecoverKey slices the key out of the blob.
func (SimulatedKEM) RecoverKey(blob []byte) ([]byte, error) {
	end := SimulatedKeyOffset + KeySize
	if len(blob) < end {
		return nil, cerrors.NewDecodeError(
			fmt.Sprintf("key blob is %d bytes, need at least %d", len(blob), end), nil)
	}
	key := make([]byte, KeySize)
	copy(key, blob[SimulatedKeyOffset:end])
	return key, nil
}

// Decapsulator recovers a shared secret from a KEM ciphertext.
// *mlkem.DecapsulationKey768 and *mlkem.DecapsulationKey1024 satisfy it.
type Decapsulator interface {
	Decapsulate(ciphertext []byte) ([]byte, error)
}

// RealKEM treats the blob as a KEM ciphertext and decapsulates it.
type RealKEM struct {
	Decapsulator Decapsulator
}

// RecoverKey decapsulates the blob. The shared secret must be 32 bytes.
func (k RealKEM) RecoverKey(blob []byte) ([]byte, error) {
	if k.Decapsulator == nil {
		return nil, cerrors.NewInternalError("no KEM decapsulation key configured", nil)
	}
	key, err := k.Decapsulator.Decapsulate(blob)
	if err != nil {
		return nil, cerrors.NewDecodeError("key blob is not a valid KEM ciphertext", err)
	}
	if len(key) != KeySize {
		return nil, cerrors.NewInternalError(
			fmt.Sprintf("KEM shared secret is %d bytes, want %d", len(key), KeySize), nil)
	}
	return key, nil
}

// StaticKey ignores the blob and always returns the same pre-shared key.
type StaticKey []byte

// RecoverKey returns a copy of the pre-shared key.
func (k StaticKey) RecoverKey([]byte) ([]byte, error) {
	if len(k) != KeySize {
		return nil, cerrors.NewInternalError(
			fmt.Sprintf("static key is %d bytes, want %d", len(k), KeySize), nil)
	}
	key := make([]byte, KeySize)
	copy(key, k)
	return key, nil
}

// RecovererFor maps the legacy simulate flag onto a strategy. When simulate
// is false the supplied real strategy is used as is; without one, every
// packet fails key recovery rather than silently falling back to simulation.
func RecovererFor(simulate bool, real KeyRecoverer) KeyRecoverer {
	if simulate {
		return SimulatedKEM{}
	}
	if real == nil {
		return RealKEM{}
	}
	return real
}
