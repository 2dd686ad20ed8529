// Package frame implements the payload wire format of spec §6:
//
//	magic(4) || version(1) || flags(1: compression, cipher) || nonce(N) ||
//	plaintext-length(8, big-endian) || ciphertext || mac(M)
//
// The 24-byte nonce is written only when the cipher flag is set. The MAC
// is secretbox's 16-byte tag, which secretbox places in front of the
// ciphertext rather than after it.
//
// Authenticated encryption is mandatory whenever a repository passphrase
// is configured; the digest recorded in the placeholder is always the
// *plaintext* hash, computed before framing, so two clients with
// different compression settings still compare equal (spec §4.4).
package frame

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/escale/escale/internal/errs"
)

var magic = [4]byte{'E', 'S', 'C', '1'}

const formatVersion = 1

const (
	flagCompressed byte = 1 << 0
	flagEncrypted  byte = 1 << 1
)

const nonceSize = 24 // secretbox nonce size

// Key is a 32-byte secretbox key, derived by the caller (see
// internal/frame/kdf.go) from a repository passphrase.
type Key = [32]byte

// Digest returns the hex-encoded SHA-256 of plaintext, the value stored
// verbatim in a placeholder's digest field (spec I5).
func Digest(plaintext []byte) string {
	sum := sha256.Sum256(plaintext)
	return hex.EncodeToString(sum[:])
}

// Encode frames plaintext for storage on the relay. If key is nil, the
// cipher flag is "none" and the ciphertext is the plaintext verbatim (§4.4
// "payloads are still framed... when no passphrase is configured"). If
// compress is true, plaintext is compressed before encryption.
func Encode(plaintext []byte, key *Key, compress bool) ([]byte, error) {
	body := plaintext
	var flags byte

	if compress {
		compressed, err := zstdCompress(plaintext)
		if err != nil {
			return nil, fmt.Errorf("frame: compress: %w", err)
		}
		body = compressed
		flags |= flagCompressed
	}

	var nonce [nonceSize]byte
	if key != nil {
		if err := randRead(nonce[:]); err != nil {
			return nil, fmt.Errorf("frame: nonce: %w", err)
		}
		body = secretbox.Seal(nil, body, &nonce, key)
		flags |= flagEncrypted
	}

	var buf bytes.Buffer
	buf.Write(magic[:])
	buf.WriteByte(formatVersion)
	buf.WriteByte(flags)
	if flags&flagEncrypted != 0 {
		buf.Write(nonce[:])
	}
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(plaintext)))
	buf.Write(lenBuf[:])
	buf.Write(body)

	return buf.Bytes(), nil
}

// Decode reverses Encode, verifying the MAC (when encrypted) before
// returning plaintext. Returns errs.ErrIntegrity if the MAC fails, the
// magic/version is unrecognized, or the decompressed/decrypted length
// disagrees with the stored plaintext length.
func Decode(framed []byte, key *Key) ([]byte, error) {
	r := bytes.NewReader(framed)

	var gotMagic [4]byte
	if _, err := io.ReadFull(r, gotMagic[:]); err != nil || gotMagic != magic {
		return nil, fmt.Errorf("%w: bad magic", errs.ErrIntegrity)
	}

	var version byte
	if err := readByte(r, &version); err != nil || version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported frame version", errs.ErrIntegrity)
	}

	var flags byte
	if err := readByte(r, &flags); err != nil {
		return nil, fmt.Errorf("%w: truncated header", errs.ErrIntegrity)
	}

	var nonce [nonceSize]byte
	if flags&flagEncrypted != 0 {
		if key == nil {
			return nil, fmt.Errorf("%w: encrypted payload without a key", errs.ErrIntegrity)
		}
		if _, err := io.ReadFull(r, nonce[:]); err != nil {
			return nil, fmt.Errorf("%w: truncated nonce", errs.ErrIntegrity)
		}
	}

	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: truncated length", errs.ErrIntegrity)
	}
	plainLen := binary.BigEndian.Uint64(lenBuf[:])

	rest, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrIntegrity, err)
	}

	body := rest
	if flags&flagEncrypted != 0 {
		opened, ok := secretbox.Open(nil, rest, &nonce, key)
		if !ok {
			return nil, fmt.Errorf("%w: mac verification failed", errs.ErrIntegrity)
		}
		body = opened
	}

	if flags&flagCompressed != 0 {
		decompressed, err := zstdDecompress(body)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %v", errs.ErrIntegrity, err)
		}
		body = decompressed
	}

	if uint64(len(body)) != plainLen {
		return nil, fmt.Errorf("%w: plaintext length mismatch", errs.ErrIntegrity)
	}

	return body, nil
}

func readByte(r io.Reader, b *byte) error {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	*b = buf[0]
	return nil
}

func zstdCompress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func zstdDecompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}
