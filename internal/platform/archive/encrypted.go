package archive

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// KeySize is the AES-256 key length.
const KeySize = 32

// Sealed objects start with "v<version>:" followed by nonce and ciphertext.
const versionPrefix = "v"

type sealer struct {
	aead cipher.AEAD
}

func newSealer(key []byte) (*sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("archive key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &sealer{aead: aead}, nil
}

func (s *sealer) seal(data []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, data, nil), nil
}

func (s *sealer) open(data []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(data) < n {
		return nil, fmt.Errorf("ciphertext too short")
	}
	return s.aead.Open(nil, data[:n], data[n:], nil)
}

// EncryptedStore seals payloads with AES-256-GCM before handing them to the
// underlying Store. Objects written under a previous key version stay
// readable as long as that key is registered.
type EncryptedStore struct {
	next     Store
	current  *sealer
	version  int
	previous map[int]*sealer
}

// NewEncryptedStore wraps next, sealing new objects with key under version.
func NewEncryptedStore(next Store, key []byte, version int) (*EncryptedStore, error) {
	if version < 1 {
		return nil, fmt.Errorf("archive key version must be positive, got %d", version)
	}
	s, err := newSealer(key)
	if err != nil {
		return nil, err
	}
	return &EncryptedStore{next: next, current: s, version: version, previous: map[int]*sealer{}}, nil
}

// AddPreviousKey registers a retired key so older objects can still be read.
func (e *EncryptedStore) AddPreviousKey(key []byte, version int) error {
	if version == e.version {
		return fmt.Errorf("key version %d is the current version", version)
	}
	s, err := newSealer(key)
	if err != nil {
		return fmt.Errorf("key v%d: %w", version, err)
	}
	e.previous[version] = s
	return nil
}

func (e *EncryptedStore) Put(ctx context.Context, key string, data []byte) error {
	sealed, err := e.current.seal(data)
	if err != nil {
		return fmt.Errorf("seal %s: %w", key, err)
	}
	header := versionPrefix + strconv.Itoa(e.version) + ":"
	return e.next.Put(ctx, key, append([]byte(header), sealed...))
}

func (e *EncryptedStore) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := e.next.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	version, body, err := splitVersion(raw)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	s := e.current
	if version != e.version {
		var ok bool
		if s, ok = e.previous[version]; !ok {
			return nil, fmt.Errorf("open %s: no key for version %d", key, version)
		}
	}
	plain, err := s.open(body)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return plain, nil
}

func (e *EncryptedStore) Delete(ctx context.Context, key string) error {
	return e.next.Delete(ctx, key)
}

// NeedsRewrap reports whether the object at key was sealed with a retired key.
func (e *EncryptedStore) NeedsRewrap(ctx context.Context, key string) (bool, error) {
	raw, err := e.next.Get(ctx, key)
	if err != nil {
		return false, err
	}
	version, _, err := splitVersion(raw)
	if err != nil {
		return false, err
	}
	return version != e.version, nil
}

// Rewrap re-seals the object at key under the current key.
func (e *EncryptedStore) Rewrap(ctx context.Context, key string) error {
	plain, err := e.Get(ctx, key)
	if err != nil {
		return err
	}
	return e.Put(ctx, key, plain)
}

func splitVersion(raw []byte) (int, []byte, error) {
	if !bytes.HasPrefix(raw, []byte(versionPrefix)) {
		return 0, nil, fmt.Errorf("missing key version")
	}
	idx := bytes.IndexByte(raw, ':')
	if idx < 0 {
		return 0, nil, fmt.Errorf("missing key version separator")
	}
	version, err := strconv.Atoi(string(raw[len(versionPrefix):idx]))
	if err != nil {
		return 0, nil, fmt.Errorf("invalid key version: %w", err)
	}
	return version, raw[idx+1:], nil
}

// ParseKey decodes a base64 AES-256 key.
func ParseKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode archive key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("archive key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// ParseVersionedKey decodes "<version>:<base64 key>".
func ParseVersionedKey(s string) (int, []byte, error) {
	v, k, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, nil, fmt.Errorf("expected <version>:<key>")
	}
	version, err := strconv.Atoi(v)
	if err != nil || version < 1 {
		return 0, nil, fmt.Errorf("invalid key version %q", v)
	}
	key, err := ParseKey(k)
	if err != nil {
		return 0, nil, err
	}
	return version, key, nil
}
