package app

import (
	"bytes"
	"crypto/mlkem"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/cerberus-iot/cerberus/internal/config"
	"github.com/cerberus-iot/cerberus/internal/envelope"
)

// KeyRecoverer builds the key recovery strategy selected by cfg: the
// simulated KEM, an ML-KEM-768 key from a seed file, or a static key.
func KeyRecoverer(cfg config.IngestConfig) (envelope.KeyRecoverer, error) {
	if cfg.SimulateKEM {
		return envelope.SimulatedKEM{}, nil
	}

	if cfg.KEMSeedFile != "" {
		seed, err := readSeed(cfg.KEMSeedFile)
		if err != nil {
			return nil, err
		}
		dk, err := mlkem.NewDecapsulationKey768(seed)
		if err != nil {
			return nil, fmt.Errorf("invalid ML-KEM seed in %s: %w", cfg.KEMSeedFile, err)
		}
		return envelope.RealKEM{Decapsulator: dk}, nil
	}

	if cfg.StaticKey != "" {
		key, err := cfg.DecodeStaticKey()
		if err != nil {
			return nil, err
		}
		return envelope.StaticKey(key), nil
	}

	return envelope.RecovererFor(false, nil), nil
}

// readSeed reads a seed file holding either the raw seed or its hex or
// base64 text form.
func readSeed(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read KEM seed: %w", err)
	}
	if len(data) == mlkem.SeedSize {
		return data, nil
	}

	text := string(bytes.TrimSpace(data))
	if seed, err := hex.DecodeString(text); err == nil && len(seed) == mlkem.SeedSize {
		return seed, nil
	}
	if seed, err := base64.StdEncoding.DecodeString(text); err == nil && len(seed) == mlkem.SeedSize {
		return seed, nil
	}
	return nil, fmt.Errorf("KEM seed in %s must be %d bytes (raw, hex or base64)", path, mlkem.SeedSize)
}
