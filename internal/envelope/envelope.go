// Package envelope opens the hybrid-encrypted packets devices send.
//
// A packet carries a key-encapsulation blob, a 96-bit nonce, a detached
// 128-bit GCM tag and the AES-256-GCM ciphertext of a JSON report. The key is
// recovered from the blob by a pluggable KeyRecoverer.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	cerrors "github.com/cerberus-iot/cerberus/internal/errors"
	"github.com/cerberus-iot/cerberus/pkg/types"
)

const (
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12

	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16
)

// Decryptor recovers plaintext reports from packets. It holds no mutable
// state and is safe for concurrent use.
type Decryptor struct {
	keys KeyRecoverer
}

// NewDecryptor creates a decryptor using the given key recovery strategy.
func NewDecryptor(keys KeyRecoverer) *Decryptor {
	if keys == nil {
		keys = SimulatedKEM{}
	}
	return &Decryptor{keys: keys}
}

// Decrypt authenticates and decrypts the packet and returns the plaintext.
// Errors are DecodeError or AuthenticationError from internal/errors.
func (d *Decryptor) Decrypt(packet types.EncryptedPacket) ([]byte, error) {
	blob, err := decodeField("kyber_key_blob", packet.KyberKeyBlob)
	if err != nil {
		return nil, err
	}
	nonce, err := decodeField("iv", packet.IV)
	if err != nil {
		return nil, err
	}
	tag, err := decodeField("tag", packet.Tag)
	if err != nil {
		return nil, err
	}
	ciphertext, err := decodeField("encrypted_data", packet.EncryptedData)
	if err != nil {
		return nil, err
	}

	if len(nonce) != NonceSize {
		return nil, cerrors.NewDecodeError(fmt.Sprintf("iv is %d bytes, want %d", len(nonce), NonceSize), nil)
	}
	if len(tag) != TagSize {
		return nil, cerrors.NewDecodeError(fmt.Sprintf("tag is %d bytes, want %d", len(tag), TagSize), nil)
	}
	if len(ciphertext) == 0 {
		return nil, cerrors.NewDecodeError("encrypted_data is empty", nil)
	}

	key, err := d.keys.RecoverKey(blob)
	if err != nil {
		return nil, err
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	// crypto/cipher expects the tag appended to the ciphertext.
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, cerrors.NewAuthenticationError(err)
	}
	return plaintext, nil
}

// Open decrypts the packet and parses the plaintext as a JSON object.
// Numbers are kept as json.Number.
func (d *Decryptor) Open(packet types.EncryptedPacket) (map[string]any, error) {
	plaintext, err := d.Decrypt(packet)
	if err != nil {
		return nil, err
	}
	return ParseReport(plaintext)
}

// ParseReport parses a decrypted report. Anything other than exactly one
// JSON object is a PlaintextParseError.
func ParseReport(plaintext []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(plaintext))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, cerrors.NewPlaintextParseError(err)
	}
	if doc == nil {
		return nil, cerrors.NewPlaintextParseError(errors.New("report is null"))
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, cerrors.NewPlaintextParseError(errors.New("trailing data after report"))
	}
	return doc, nil
}

// Seal encrypts plaintext under key with a fresh random nonce. It is the
// device side of Decrypt and is used by tooling and tests.
func Seal(key, plaintext, kemBlob []byte) (types.EncryptedPacket, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return types.EncryptedPacket{}, fmt.Errorf("envelope: failed to generate nonce: %w", err)
	}
	return SealWithNonce(key, nonce, plaintext, kemBlob)
}

// SealWithNonce is Seal with a caller-chosen nonce. Never reuse a nonce with the same key.
func SealWithNonce(key, nonce, plaintext, kemBlob []byte) (types.EncryptedPacket, error) {
	if len(nonce) != NonceSize {
		return types.EncryptedPacket{}, fmt.Errorf("envelope: nonce is %d bytes, want %d", len(nonce), NonceSize)
	}
	aead, err := newGCM(key)
	if err != nil {
		return types.EncryptedPacket{}, err
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - TagSize

	return types.EncryptedPacket{
		KyberKeyBlob:  base64.StdEncoding.EncodeToString(kemBlob),
		IV:            base64.StdEncoding.EncodeToString(nonce),
		Tag:           base64.StdEncoding.EncodeToString(sealed[split:]),
		EncryptedData: base64.StdEncoding.EncodeToString(sealed[:split]),
	}, nil
}

// SimulatedBlob builds a key blob that SimulatedKEM understands: five random
// bytes, the key, and eight more random bytes of padding.
func SimulatedBlob(key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("envelope: key is %d bytes, want %d", len(key), KeySize)
	}
	blob := make([]byte, SimulatedKeyOffset+KeySize+8)
	if _, err := rand.Read(blob); err != nil {
		return nil, fmt.Errorf("envelope: failed to generate blob padding: %w", err)
	}
	copy(blob[SimulatedKeyOffset:], key)
	return blob, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, cerrors.NewDecodeError(fmt.Sprintf("key is %d bytes, want %d", len(key), KeySize), nil)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, cerrors.NewInternalError("failed to create AES cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, cerrors.NewInternalError("failed to create GCM", err)
	}
	return aead, nil
}

// decodeField accepts padded and unpadded standard base64.
func decodeField(name, value string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(value)
	if err == nil {
		return b, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(value); rawErr == nil {
		return raw, nil
	}
	return nil, cerrors.NewDecodeError(name+" is not valid base64", err)
}
