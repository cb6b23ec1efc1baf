// Package persist declares the storage and encryption boundary the core
// cache consumes but never implements: spec §6's PersistenceProvider and
// EncryptionProvider. No concrete KV, SQL, or crypto backend ships here —
// wiring one in is the host application's job.
package persist

import "context"

// Provider persists opaque cache payloads under a string key. A host
// application backs this with whatever store it already operates (disk,
// Redis, S3, a SQL table) — the cache only calls through the interface.
type Provider interface {
	Persist(ctx context.Context, key string, data []byte) error
	Retrieve(ctx context.Context, key string) ([]byte, bool, error)
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Exists(ctx context.Context, key string) (bool, error)
	GetAllKeys(ctx context.Context) ([]string, error)

	PersistBatch(ctx context.Context, items map[string][]byte) error
	RetrieveBatch(ctx context.Context, keys []string) (map[string][]byte, error)

	// UpdateEncryptionKey re-encrypts every persisted entry under newKey via
	// enc, reporting progress through onProgress (nil is fine). The
	// rotation must be atomic: if any entry fails to re-encrypt, the
	// Provider restores oldKey for everything already rotated rather than
	// leaving a mix of old- and new-keyed entries.
	UpdateEncryptionKey(ctx context.Context, oldKey, newKey []byte, enc EncryptionProvider, onProgress func(done, total int)) error
}

// EncryptionProvider encrypts and decrypts the bytes a Provider persists.
// The core does not prescribe an algorithm: any implementation must satisfy
// decrypt(encrypt(x, k), k) == x for every valid k, and must not produce the
// same ciphertext for the same plaintext twice under the same key (a
// non-deterministic IV/nonce).
type EncryptionProvider interface {
	Encrypt(plaintext, key []byte) ([]byte, error)
	Decrypt(ciphertext, key []byte) ([]byte, error)
	GenerateKey() ([]byte, error)
	IsValidKey(key []byte) bool
}
