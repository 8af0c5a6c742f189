package crypto

import "crypto/rand"

// SecureBuffer holds sensitive byte material -- the pickle passphrase and
// any decrypted key -- outside of ordinary garbage-collected strings so it
// can be explicitly zeroed. Go's GC and stack copies mean this is best
// effort, not a hard guarantee, but it keeps the sensitive window short and
// makes the intent explicit at the type level per SPEC_FULL.md §9.
type SecureBuffer struct {
	b []byte
}

// NewSecureBuffer copies data into a SecureBuffer. The caller remains
// responsible for zeroing its own copy of data if it owns one.
func NewSecureBuffer(data []byte) *SecureBuffer {
	b := make([]byte, len(data))
	copy(b, data)
	return &SecureBuffer{b: b}
}

// NewRandomPickleKey generates a 64-byte random passphrase, matching
// SPEC_FULL.md §4.2's "64 random bytes" for a fresh account's pickle key.
func NewRandomPickleKey() (*SecureBuffer, error) {
	buf := make([]byte, 64)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return &SecureBuffer{b: buf}, nil
}

// Bytes returns the underlying slice. Callers must not retain it past the
// buffer's lifetime.
func (s *SecureBuffer) Bytes() []byte {
	if s == nil {
		return nil
	}
	return s.b
}

// Zero overwrites the buffer with zeroes. Safe to call multiple times.
func (s *SecureBuffer) Zero() {
	if s == nil {
		return
	}
	for i := range s.b {
		s.b[i] = 0
	}
}
