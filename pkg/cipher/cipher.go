// Package cipher decodes the encrypted payloads sent by sensor devices.
//
// Devices encrypt a JSON document with AES-256 in ECB mode, pad it
// PKCS7-style and base64 encode the result. ECB leaks equality of
// plaintext blocks and carries no integrity check; it is kept because
// deployed firmware speaks it.
package cipher

import (
	"bytes"
	"crypto/aes"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

var (
	// ErrDecode is returned when the payload is not standard base64.
	ErrDecode = errors.New("invalid base64 payload")

	// ErrDecrypt is returned when the ciphertext cannot be decrypted
	// into a non-empty plaintext.
	ErrDecrypt = errors.New("payload decryption failed")

	// ErrUnknownKey is returned by Keyring.Lookup for an unregistered key id.
	ErrUnknownKey = errors.New("unknown key id")
)

var base64Alphabet = regexp.MustCompile(`^[A-Za-z0-9+/]*={0,2}$`)

// IsBase64 reports whether s uses only the standard base64 alphabet with at
// most two trailing '=' characters.
func IsBase64(s string) bool {
	return base64Alphabet.MatchString(s)
}

// Codec decrypts and encrypts payloads with a single AES-256 key.
// It is safe for concurrent use.
type Codec struct {
	key []byte
}

// NewCodec returns a Codec for a 32-byte key.
func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("aes-256 key must be %d bytes, got %d", KeySize, len(key))
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Codec{key: k}, nil
}

// ParseKey accepts either 64 hex characters or a 32 character raw key.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	switch len(s) {
	case 2 * KeySize:
		key, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode hex key: %w", err)
		}
		return key, nil
	case KeySize:
		return []byte(s), nil
	default:
		return nil, fmt.Errorf("key must be %d hex characters or %d raw characters, got %d", 2*KeySize, KeySize, len(s))
	}
}

// Decrypt turns a base64 ciphertext into the trimmed plaintext.
//
// Padding removal is lenient: if the last byte p is in 1..16, exactly p
// bytes are dropped, otherwise the buffer is left as is.
func (c *Codec) Decrypt(ciphertextBase64 string) (string, error) {
	if !IsBase64(ciphertextBase64) {
		return "", fmt.Errorf("%w: characters outside base64 alphabet", ErrDecode)
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertextBase64)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext length %d is not a positive multiple of %d", ErrDecrypt, len(raw), aes.BlockSize)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	plain := make([]byte, len(raw))
	for off := 0; off < len(raw); off += aes.BlockSize {
		block.Decrypt(plain[off:off+aes.BlockSize], raw[off:off+aes.BlockSize])
	}

	plain = stripPadding(plain)

	text := strings.TrimSpace(string(plain))
	text = strings.TrimSpace(strings.ReplaceAll(text, "\x00", ""))
	if text == "" {
		return "", fmt.Errorf("%w: decrypted payload empty", ErrDecrypt)
	}
	return text, nil
}

// Encrypt pads plaintext with PKCS7 and encrypts it the way a device does.
func (c *Codec) Encrypt(plaintext string) string {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		// NewCodec guarantees a valid key length.
		panic(err)
	}

	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	buf := append([]byte(plaintext), bytes.Repeat([]byte{byte(pad)}, pad)...)

	out := make([]byte, len(buf))
	for off := 0; off < len(buf); off += aes.BlockSize {
		block.Encrypt(out[off:off+aes.BlockSize], buf[off:off+aes.BlockSize])
	}
	return base64.StdEncoding.EncodeToString(out)
}

func stripPadding(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	p := int(b[len(b)-1])
	if p >= 1 && p <= aes.BlockSize && p <= len(b) {
		return b[:len(b)-p]
	}
	return b
}
