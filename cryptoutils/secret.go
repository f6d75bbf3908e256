package cryptoutils

import (
	"crypto/subtle"
	"runtime"
	"sync"
)

// ZeroBytes overwrites b with zeros. The constant-time copy keeps the
// compiler from eliding the write.
func ZeroBytes(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
	runtime.KeepAlive(b)
}

// SecretBuffer owns a byte slice holding key material. The slice is zeroed
// by Destroy, which is safe to call multiple times and on a nil buffer, so
// owners release it with a plain `defer buf.Destroy()`.
//
// Bytes must not be retained past Destroy.
type SecretBuffer struct {
	mu   sync.Mutex
	data []byte
}

// NewSecretBuffer takes ownership of b. The caller must not use b afterwards
// except through the returned buffer.
func NewSecretBuffer(b []byte) *SecretBuffer {
	return &SecretBuffer{data: b}
}

// CopySecret copies b into a new buffer. The caller remains responsible for b.
func CopySecret(b []byte) *SecretBuffer {
	data := make([]byte, len(b))
	copy(data, b)
	return &SecretBuffer{data: data}
}

// Bytes returns the underlying slice, or nil once destroyed.
func (s *SecretBuffer) Bytes() []byte {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Destroyed reports whether Destroy has been called.
func (s *SecretBuffer) Destroyed() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data == nil
}

// Destroy zeroes and releases the secret.
func (s *SecretBuffer) Destroy() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ZeroBytes(s.data)
	s.data = nil
}

// DestroyAll destroys every buffer in bufs.
func DestroyAll(bufs ...*SecretBuffer) {
	for _, b := range bufs {
		b.Destroy()
	}
}
