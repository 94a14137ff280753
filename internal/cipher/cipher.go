// Package cipher encrypts and decrypts stored secret keys.
//
// Ciphertexts use the OpenSSL passphrase envelope (also produced by
// CryptoJS.AES.encrypt with a string key): base64("Salted__" | salt | data),
// where data is AES-256-CBC with PKCS#7 padding and the key/IV come from
// EVP_BytesToKey(MD5, passphrase, salt).
package cipher

import (
	"bytes"
	"crypto/aes"
	stdcipher "crypto/cipher"
	"crypto/md5" //nolint:gosec // EVP_BytesToKey is defined over MD5
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// KeyLength is the required passphrase length.
const KeyLength = 32

const (
	saltHeader = "Salted__"
	saltLen    = 8
	keyLen     = 32
	ivLen      = aes.BlockSize
)

var (
	ErrKeyLength   = fmt.Errorf("cipher: key must be exactly %d characters", KeyLength)
	ErrMalformed   = errors.New("cipher: malformed ciphertext")
	ErrWrongKey    = errors.New("cipher: bad padding (wrong key or corrupted data)")
	ErrEmptyPlain  = errors.New("cipher: plaintext is required")
	ErrEmptyCipher = errors.New("cipher: ciphertext is required")
)

// Cipher holds the process-wide passphrase.
type Cipher struct {
	passphrase []byte
	rand       io.Reader
}

// New returns a Cipher for the given 32-character passphrase.
func New(passphrase string) (*Cipher, error) {
	if len(passphrase) != KeyLength {
		return nil, ErrKeyLength
	}
	return &Cipher{passphrase: []byte(passphrase), rand: rand.Reader}, nil
}

// Encrypt returns the base64 envelope for plaintext.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPlain
	}
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(c.rand, salt); err != nil {
		return "", fmt.Errorf("cipher: salt: %w", err)
	}
	key, iv := deriveKeyIV(c.passphrase, salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("cipher: %w", err)
	}
	data := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	stdcipher.NewCBCEncrypter(block, iv).CryptBlocks(data, data)

	out := make([]byte, 0, len(saltHeader)+saltLen+len(data))
	out = append(out, saltHeader...)
	out = append(out, salt...)
	out = append(out, data...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt recovers the plaintext from a base64 envelope.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", ErrEmptyCipher
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < len(saltHeader)+saltLen+aes.BlockSize || !bytes.HasPrefix(raw, []byte(saltHeader)) {
		return "", ErrMalformed
	}
	salt := raw[len(saltHeader) : len(saltHeader)+saltLen]
	data := raw[len(saltHeader)+saltLen:]
	if len(data)%aes.BlockSize != 0 {
		return "", ErrMalformed
	}

	key, iv := deriveKeyIV(c.passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("cipher: %w", err)
	}
	plain := make([]byte, len(data))
	stdcipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)

	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// deriveKeyIV implements OpenSSL's EVP_BytesToKey with MD5 and a single iteration.
func deriveKeyIV(passphrase, salt []byte) (key, iv []byte) {
	var (
		derived []byte
		prev    []byte
	)
	for len(derived) < keyLen+ivLen {
		h := md5.New() //nolint:gosec
		h.Write(prev)
		h.Write(passphrase)
		h.Write(salt)
		prev = h.Sum(nil)
		derived = append(derived, prev...)
	}
	return derived[:keyLen], derived[keyLen : keyLen+ivLen]
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append([]byte{}, b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, ErrWrongKey
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, ErrWrongKey
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, ErrWrongKey
		}
	}
	return b[:len(b)-n], nil
}
