// Package password hashes and verifies user secrets with argon2id.
//
// Hashes are stored in the PHC string format so the parameters used at
// creation time travel with the hash:
//
//	$argon2id$v=19$m=65536,t=3,p=2$<salt>$<key>
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrInvalidHash is returned by Decode for blobs that are not argon2id PHC strings.
var ErrInvalidHash = errors.New("password: invalid encoded hash")

// Params are the argon2id cost parameters.
type Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultParams targets a few hundred milliseconds per hash on commodity hardware.
func DefaultParams() Params {
	return Params{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// Validate rejects parameters argon2 cannot run with or that are too weak to be useful.
func (p Params) Validate() error {
	switch {
	case p.Memory < 8*uint32(p.Parallelism) || p.Memory < 1024:
		return fmt.Errorf("hash memory must be at least 1024 KiB and 8 KiB per lane, got %d", p.Memory)
	case p.Iterations < 1:
		return fmt.Errorf("hash iterations must be positive")
	case p.Parallelism < 1:
		return fmt.Errorf("hash parallelism must be positive")
	case p.SaltLength < 8:
		return fmt.Errorf("salt length must be at least 8 bytes, got %d", p.SaltLength)
	case p.KeyLength < 16:
		return fmt.Errorf("key length must be at least 16 bytes, got %d", p.KeyLength)
	}
	return nil
}

// Hasher produces and checks argon2id hashes with a fixed parameter set.
type Hasher struct {
	params Params
	dummy  string
}

// NewHasher returns a Hasher for params. A dummy hash is computed up front so
// Verify can spend the same work on malformed or missing hashes.
func NewHasher(params Params) (*Hasher, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	h := &Hasher{params: params}
	dummy, err := h.Hash([]byte("dummy-password-for-timing"))
	if err != nil {
		return nil, err
	}
	h.dummy = dummy
	return h, nil
}

// Params returns the parameters new hashes are created with.
func (h *Hasher) Params() Params {
	return h.params
}

// Hash derives a randomly salted argon2id key for secret and encodes it.
func (h *Hasher) Hash(secret []byte) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey(secret, salt, h.params.Iterations, h.params.Memory, h.params.Parallelism, h.params.KeyLength)
	defer wipe(key)

	return encode(h.params, salt, key), nil
}

// Verify reports whether secret matches encoded. Any decoding problem is
// treated as a mismatch, after doing the same amount of work as a real check.
func (h *Hasher) Verify(secret []byte, encoded string) bool {
	params, salt, key, err := Decode(encoded)
	if err != nil {
		_, salt, key, _ = Decode(h.dummy)
		params = h.params
		candidate := argon2.IDKey(secret, salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLength)
		subtle.ConstantTimeCompare(candidate, key)
		wipe(candidate)
		return false
	}

	candidate := argon2.IDKey(secret, salt, params.Iterations, params.Memory, params.Parallelism, uint32(len(key)))
	defer wipe(candidate)

	return subtle.ConstantTimeCompare(candidate, key) == 1
}

// VerifyDummy burns one verification worth of CPU. Login uses it when no
// record exists for a username.
func (h *Hasher) VerifyDummy(secret []byte) {
	h.Verify(secret, h.dummy)
}

// NeedsRehash reports whether encoded was produced with parameters other than
// the current ones.
func (h *Hasher) NeedsRehash(encoded string) bool {
	params, salt, key, err := Decode(encoded)
	if err != nil {
		return true
	}
	return params.Memory != h.params.Memory ||
		params.Iterations != h.params.Iterations ||
		params.Parallelism != h.params.Parallelism ||
		uint32(len(salt)) != h.params.SaltLength ||
		uint32(len(key)) != h.params.KeyLength
}

func encode(p Params, salt, key []byte) string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Iterations, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)
}

// Decode parses a PHC argon2id string into its parameters, salt and key.
func Decode(encoded string) (Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return Params{}, nil, nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return Params{}, nil, nil, ErrInvalidHash
	}

	var p Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return Params{}, nil, nil, ErrInvalidHash
	}
	if p.Memory == 0 || p.Iterations == 0 || p.Parallelism == 0 {
		return Params{}, nil, nil, ErrInvalidHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return Params{}, nil, nil, ErrInvalidHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return Params{}, nil, nil, ErrInvalidHash
	}

	p.SaltLength = uint32(len(salt))
	p.KeyLength = uint32(len(key))
	return p, salt, key, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
