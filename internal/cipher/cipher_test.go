package cipher

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

const (
	testKey = "0123456789abcdef0123456789abcdef"
	// produced by: openssl enc -aes-256-cbc -md md5 -pass pass:<testKey> with salt 0102030405060708
	opensslVector = "U2FsdGVkX18BAgMEBQYHCDQTpzzzHFBjpBZmWZS0Q9hBJ/Sa34buSQ34nYRGSQM5yRy3FRmzYyVABllypoZ+bw=="
	vectorPlain   = "k9#Secret-Value_36chars!!abcdefghijk"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{name: "32 characters", key: testKey},
		{name: "empty", key: "", wantErr: true},
		{name: "too short", key: "abc", wantErr: true},
		{name: "too long", key: testKey + "0", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.key)
			if tt.wantErr {
				if !errors.Is(err, ErrKeyLength) {
					t.Errorf("New() error = %v, want ErrKeyLength", err)
				}
				return
			}
			if err != nil || c == nil {
				t.Fatalf("New() = %v, %v", c, err)
			}
		})
	}
}

func TestDecrypt_OpenSSLVector(t *testing.T) {
	c, _ := New(testKey)

	got, err := c.Decrypt(opensslVector)
	if err != nil {
		t.Fatalf("Decrypt() unexpected error: %v", err)
	}
	if got != vectorPlain {
		t.Errorf("Decrypt() = %q, want %q", got, vectorPlain)
	}
}

func TestEncrypt_DeterministicSalt(t *testing.T) {
	c, _ := New(testKey)
	c.rand = bytes.NewReader([]byte{1, 2, 3, 4, 5, 6, 7, 8})

	got, err := c.Encrypt(vectorPlain)
	if err != nil {
		t.Fatalf("Encrypt() unexpected error: %v", err)
	}
	if got != opensslVector {
		t.Errorf("Encrypt() = %q, want %q", got, opensslVector)
	}
}

func TestRoundTrip(t *testing.T) {
	c, _ := New(testKey)

	inputs := []string{
		"a",
		"exactly-16-bytes",
		strings.Repeat("x", 100),
		"!@#$%^&*ABCdef123",
		"多字节密钥",
	}
	for _, in := range inputs {
		enc, err := c.Encrypt(in)
		if err != nil {
			t.Fatalf("Encrypt(%q) error: %v", in, err)
		}
		if !strings.HasPrefix(enc, "U2FsdGVkX1") {
			t.Errorf("Encrypt(%q) = %q, missing Salted__ header", in, enc)
		}
		out, err := c.Decrypt(enc)
		if err != nil {
			t.Fatalf("Decrypt() error: %v", err)
		}
		if out != in {
			t.Errorf("round trip = %q, want %q", out, in)
		}
	}
}

func TestEncrypt_RandomSalt(t *testing.T) {
	c, _ := New(testKey)
	a, _ := c.Encrypt("same")
	b, _ := c.Encrypt("same")
	if a == b {
		t.Error("Encrypt() produced identical ciphertexts for repeated plaintext")
	}
}

func TestDecrypt_Errors(t *testing.T) {
	c, _ := New(testKey)
	// "some secret value" under passphrase "zzzz...z" with salt 0102030405060708
	wrongKeyCipher := "U2FsdGVkX18BAgMEBQYHCPdFviSfaJNl0Rz51n24AQjdkzhlspUQa+YkV6FUBFKl"

	tests := []struct {
		name  string
		input string
		want  error
	}{
		{name: "empty", input: "", want: ErrEmptyCipher},
		{name: "not base64", input: "%%%", want: ErrMalformed},
		{name: "missing header", input: "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", want: ErrMalformed},
		{name: "truncated", input: opensslVector[:20], want: ErrMalformed},
		{name: "wrong key", input: wrongKeyCipher, want: ErrWrongKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decrypt(tt.input)
			if !errors.Is(err, tt.want) {
				t.Errorf("Decrypt() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEncrypt_Empty(t *testing.T) {
	c, _ := New(testKey)
	if _, err := c.Encrypt(""); !errors.Is(err, ErrEmptyPlain) {
		t.Errorf("Encrypt(\"\") error = %v, want ErrEmptyPlain", err)
	}
}
