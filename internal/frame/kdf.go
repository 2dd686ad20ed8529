package frame

import (
	"crypto/rand"

	"golang.org/x/crypto/argon2"
)

// argon2id tuning parameters. Grounded on the OWASP-recommended defaults
// used elsewhere in the corpus (MKhiriev-GoPassKeeper's KeyChainService).
// The cost is paid once per repository, not per file or per scan:
// app.Build derives the key at startup and the engine reuses it.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024 // 64 MiB
	kdfThreads = 4
	kdfKeyLen  = 32
)

// DeriveKey derives a 32-byte secretbox key from a repository passphrase
// and its per-repository salt (spec §4.4 "Key derivation").
func DeriveKey(passphrase string, salt []byte) *Key {
	raw := argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemory, kdfThreads, kdfKeyLen)
	var key Key
	copy(key[:], raw)
	return &key
}

// NewSalt generates a fresh random per-repository salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if err := randRead(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

func randRead(b []byte) error {
	_, err := rand.Read(b)
	return err
}
