package tokenstore

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfo = "therapyclient token store v1"

// File store keeps tokens in a single JSON file so the session survives restarts.
// If secret is set the file is sealed with XChaCha20-Poly1305.
// The file is read on every Get, so writes of another process are visible
type File struct {
	path string
	aead cipher.AEAD

	mu sync.Mutex
}

func NewFile(path string, secret string) (*File, error) {
	if path == "" {
		return nil, errors.New("file store: path must not be empty")
	}

	f := &File{path: path}

	if secret != "" {
		key := make([]byte, chacha20poly1305.KeySize)
		kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
		if _, err := io.ReadFull(kdf, key); err != nil {
			return nil, fmt.Errorf("file store: derive key: %w", err)
		}

		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("file store: init cipher: %w", err)
		}
		f.aead = aead
	}

	return f, nil
}

func (f *File) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return "", false, err
	}

	v, ok := values[key]
	return v, ok, nil
}

func (f *File) Set(_ context.Context, key string, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return err
	}

	values[key] = value
	return f.save(values)
}

func (f *File) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}

	delete(values, key)
	return f.save(values)
}

func (f *File) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	err := os.Remove(f.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("file store: %w", err)
	}
	return nil
}

func (f *File) load() (map[string]string, error) {
	values := make(map[string]string)

	data, err := os.ReadFile(f.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return values, nil
	case err != nil:
		return nil, fmt.Errorf("file store: %w", err)
	}

	if f.aead != nil {
		if len(data) < f.aead.NonceSize() {
			return nil, errors.New("file store: sealed data too short")
		}
		nonce, sealed := data[:f.aead.NonceSize()], data[f.aead.NonceSize():]
		data, err = f.aead.Open(nil, nonce, sealed, nil)
		if err != nil {
			return nil, fmt.Errorf("file store: open sealed data: %w", err)
		}
	}

	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("file store: decode: %w", err)
	}
	return values, nil
}

// save replaces the file atomically: write temp file nearby, then rename
func (f *File) save(values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("file store: encode: %w", err)
	}

	if f.aead != nil {
		nonce := make([]byte, f.aead.NonceSize(), f.aead.NonceSize()+len(data)+f.aead.Overhead())
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("file store: nonce: %w", err)
		}
		data = f.aead.Seal(nonce, nonce, data, nil)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("file store: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tokens-*")
	if err != nil {
		return fmt.Errorf("file store: %w", err)
	}
	defer os.Remove(tmp.Name()) // nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("file store: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("file store: write: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("file store: %w", err)
	}
	return nil
}
