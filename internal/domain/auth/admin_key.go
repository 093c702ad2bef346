// Package auth guards the consent admin API with Argon2id-hashed keys.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// ErrInvalidKey is returned when an admin key does not match any
// configured hash.
var ErrInvalidKey = errors.New("invalid admin key")

// argon2idParams defines OWASP minimum parameters for Argon2id.
// Memory: 47 MiB, Iterations: 1, Parallelism: 1.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashKey returns an Argon2id hash of the raw key in PHC format:
// $argon2id$v=19$m=48128,t=1,p=1$<salt>$<hash>
func HashKey(rawKey string) (string, error) {
	return argon2id.CreateHash(rawKey, argon2idParams)
}

// Verifier checks presented admin keys against configured Argon2id
// hashes. Raw keys are never stored.
type Verifier struct {
	hashes []string
}

// NewVerifier builds a Verifier from PHC-format hashes. An empty list is
// valid and produces a verifier that rejects everything; use Enabled to
// distinguish "no admin API" from "locked out".
func NewVerifier(hashes []string) (*Verifier, error) {
	for i, h := range hashes {
		if !strings.HasPrefix(h, "$argon2id$") {
			return nil, fmt.Errorf("admin key hash %d is not in argon2id PHC format", i)
		}
	}
	return &Verifier{hashes: hashes}, nil
}

// Enabled reports whether any admin keys are configured.
func (v *Verifier) Enabled() bool { return len(v.hashes) > 0 }

// Verify checks a raw key against every configured hash. Returns
// ErrInvalidKey when none match; malformed stored hashes count as
// non-matches rather than panicking.
func (v *Verifier) Verify(rawKey string) error {
	if rawKey == "" {
		return ErrInvalidKey
	}
	for _, h := range v.hashes {
		match, err := safeCompare(rawKey, h)
		if err != nil {
			continue
		}
		if match {
			return nil
		}
	}
	return ErrInvalidKey
}

// safeCompare wraps argon2id.ComparePasswordAndHash with panic recovery.
// The underlying argon2 library panics on hashes with invalid parameters
// (e.g. t=0 rounds); those become errors here.
func safeCompare(rawKey, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawKey, storedHash)
}
