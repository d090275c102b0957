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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"

	"github.com/playbookd/playbookd/pkg/playbook"
)

// keyringService is the service name used in the OS keychain.
const keyringService = "playbookd"

// keyringIndexKey holds the list of credential names, since the OS
// keychain API has no enumeration.
const keyringIndexKey = "__index__"

// KeyringBackend stores credentials in the OS keychain via go-keyring.
type KeyringBackend struct{}

// NewKeyringBackend creates an OS-keychain credential backend.
func NewKeyringBackend() *KeyringBackend {
	return &KeyringBackend{}
}

// Name returns the backend identifier.
func (k *KeyringBackend) Name() string { return "keyring" }

// Available probes the keychain; headless hosts often lack one.
func (k *KeyringBackend) Available() bool {
	_, err := keyring.Get(keyringService, keyringIndexKey)
	return err == nil || errors.Is(err, keyring.ErrNotFound)
}

// Priority places keyring below env and file.
func (k *KeyringBackend) Priority() int { return 10 }

// Get retrieves a credential from the keychain.
func (k *KeyringBackend) Get(ctx context.Context, name string) (*playbook.Credential, error) {
	raw, err := keyring.Get(keyringService, name)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q", ErrCredentialNotFound, name)
		}
		return nil, fmt.Errorf("keyring get: %w", err)
	}

	var rec fileRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("credential %q: corrupt keyring entry: %w", name, err)
	}

	return &playbook.Credential{
		Name:       name,
		Username:   rec.Username,
		Password:   rec.Password,
		GatewayURL: rec.GatewayURL,
		Extra:      rec.Extra,
	}, nil
}

// Set stores a credential in the keychain and updates the index.
func (k *KeyringBackend) Set(ctx context.Context, cred *playbook.Credential) error {
	raw, err := json.Marshal(fileRecord{
		Username:   cred.Username,
		Password:   cred.Password,
		GatewayURL: cred.GatewayURL,
		Extra:      cred.Extra,
	})
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	if err := keyring.Set(keyringService, cred.Name, string(raw)); err != nil {
		return fmt.Errorf("keyring set: %w", err)
	}
	return k.updateIndex(func(names map[string]bool) {
		names[cred.Name] = true
	})
}

// Delete removes a credential from the keychain and the index.
func (k *KeyringBackend) Delete(ctx context.Context, name string) error {
	if err := keyring.Delete(keyringService, name); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("%w: %q", ErrCredentialNotFound, name)
		}
		return fmt.Errorf("keyring delete: %w", err)
	}
	return k.updateIndex(func(names map[string]bool) {
		delete(names, name)
	})
}

// List returns the names recorded in the index entry.
func (k *KeyringBackend) List(ctx context.Context) ([]string, error) {
	names, err := k.readIndex()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	return out, nil
}

func (k *KeyringBackend) readIndex() (map[string]bool, error) {
	raw, err := keyring.Get(keyringService, keyringIndexKey)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return make(map[string]bool), nil
		}
		return nil, fmt.Errorf("keyring index: %w", err)
	}
	var names map[string]bool
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, fmt.Errorf("keyring index corrupt: %w", err)
	}
	return names, nil
}

func (k *KeyringBackend) updateIndex(mutate func(map[string]bool)) error {
	names, err := k.readIndex()
	if err != nil {
		return err
	}
	mutate(names)
	raw, err := json.Marshal(names)
	if err != nil {
		return err
	}
	return keyring.Set(keyringService, keyringIndexKey, string(raw))
}
