// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"

	"github.com/playbookd/playbookd/pkg/playbook"
)

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32

	// Argon2id parameters for key derivation.
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// FileBackend stores credentials in a single AES-256-GCM encrypted
// JSON file. The encryption key is derived from a master key with
// Argon2id; the salt is stored in the file header.
type FileBackend struct {
	path      string
	masterKey string

	mu sync.Mutex
}

// fileRecord is the on-disk representation of one credential.
type fileRecord struct {
	Username   string            `json:"username"`
	Password   string            `json:"password"`
	GatewayURL string            `json:"gateway_url"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// NewFileBackend creates a file-based credential backend at path.
// The master key must be non-empty; an empty key makes the backend
// unavailable rather than silently storing plaintext.
func NewFileBackend(path string, masterKey string) (*FileBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("credential file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create credential dir: %w", err)
	}
	return &FileBackend{path: path, masterKey: masterKey}, nil
}

// Name returns the backend identifier.
func (f *FileBackend) Name() string { return "file" }

// Available reports whether the backend can decrypt its store.
func (f *FileBackend) Available() bool { return f.masterKey != "" }

// Priority places the file backend between env and keyring.
func (f *FileBackend) Priority() int { return 50 }

// Get retrieves a credential from the encrypted store.
func (f *FileBackend) Get(ctx context.Context, name string) (*playbook.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.load()
	if err != nil {
		return nil, err
	}

	rec, ok := records[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCredentialNotFound, name)
	}

	return &playbook.Credential{
		Name:       name,
		Username:   rec.Username,
		Password:   rec.Password,
		GatewayURL: rec.GatewayURL,
		Extra:      rec.Extra,
	}, nil
}

// Set stores a credential in the encrypted store.
func (f *FileBackend) Set(ctx context.Context, cred *playbook.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.load()
	if err != nil {
		return err
	}

	records[cred.Name] = fileRecord{
		Username:   cred.Username,
		Password:   cred.Password,
		GatewayURL: cred.GatewayURL,
		Extra:      cred.Extra,
	}
	return f.save(records)
}

// Delete removes a credential from the encrypted store.
func (f *FileBackend) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := records[name]; !ok {
		return fmt.Errorf("%w: %q", ErrCredentialNotFound, name)
	}
	delete(records, name)
	return f.save(records)
}

// List returns the names of stored credentials.
func (f *FileBackend) List(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(records))
	for name := range records {
		names = append(names, name)
	}
	return names, nil
}

// load decrypts and parses the store. A missing file is an empty store.
func (f *FileBackend) load() (map[string]fileRecord, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]fileRecord), nil
		}
		return nil, fmt.Errorf("read credential file: %w", err)
	}

	if len(data) < saltSize+nonceSize {
		return nil, fmt.Errorf("credential file is corrupt")
	}

	salt := data[:saltSize]
	nonce := data[saltSize : saltSize+nonceSize]
	ciphertext := data[saltSize+nonceSize:]

	gcm, err := f.aead(salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential file: %w", err)
	}

	var records map[string]fileRecord
	if err := json.Unmarshal(plaintext, &records); err != nil {
		return nil, fmt.Errorf("parse credential file: %w", err)
	}
	return records, nil
}

// save encrypts the store and writes it atomically.
func (f *FileBackend) save(records map[string]fileRecord) error {
	plaintext, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := f.aead(salt)
	if err != nil {
		return err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+nonceSize+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	return os.Rename(tmp, f.path)
}

// aead derives the AES-GCM cipher for a given salt.
func (f *FileBackend) aead(salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(f.masterKey), salt, argonTime, argonMemory, argonThreads, keySize)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
