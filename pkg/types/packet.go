// Package types provides the core data types shared by the Cerberus ingest pipeline.
package types

// EncryptedPacket is the wire envelope a device posts for every report.
// All fields are base64 encoded; the packet is discarded once decrypted.
type EncryptedPacket struct {
	// KyberKeyBlob carries the key-encapsulation material.
	KyberKeyBlob string `json:"kyber_key_blob"`

	// IV is the 96-bit AES-GCM nonce.
	IV string `json:"iv"`

	// Tag is the 128-bit GCM authentication tag.
	Tag string `json:"tag"`

	// EncryptedData is the ciphertext of the JSON report.
	EncryptedData string `json:"encrypted_data"`
}
