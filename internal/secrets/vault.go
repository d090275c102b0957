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
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/playbookd/playbookd/pkg/playbook"
)

// Vault resolves credentials by querying backends in priority order,
// fronted by a copy-on-write cache. Reads after the first hit are
// lock-free; mutations replace the cache map under a write lock and
// never block readers.
type Vault struct {
	backends []Backend

	// cache holds a map[string]*playbook.Credential replaced wholesale
	// on every mutation.
	cache atomic.Value

	mu sync.Mutex // serializes mutations
}

// NewVault creates a vault over the given backends. Unavailable
// backends are filtered out; the rest are sorted by priority
// (highest first).
func NewVault(backends ...Backend) *Vault {
	available := make([]Backend, 0, len(backends))
	for _, b := range backends {
		if b.Available() {
			available = append(available, b)
		}
	}
	sort.Slice(available, func(i, j int) bool {
		return available[i].Priority() > available[j].Priority()
	})

	v := &Vault{backends: available}
	v.cache.Store(make(map[string]*playbook.Credential))
	return v
}

// Get retrieves a credential, consulting the cache first and then
// each backend in priority order.
func (v *Vault) Get(ctx context.Context, name string) (*playbook.Credential, error) {
	cached := v.cache.Load().(map[string]*playbook.Credential)
	if cred, ok := cached[name]; ok {
		return cred, nil
	}

	if len(v.backends) == 0 {
		return nil, ErrBackendUnavailable
	}

	var lastErr error
	for _, backend := range v.backends {
		cred, err := backend.Get(ctx, name)
		if err == nil {
			v.storeCached(name, cred)
			return cred, nil
		}
		if !errors.Is(err, ErrCredentialNotFound) {
			lastErr = err
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("get credential %q: %w", name, lastErr)
	}
	return nil, fmt.Errorf("%w: %q", ErrCredentialNotFound, name)
}

// Set stores a credential in the first writable backend and refreshes
// the cache.
func (v *Vault) Set(ctx context.Context, cred *playbook.Credential) error {
	if len(v.backends) == 0 {
		return ErrBackendUnavailable
	}

	for _, backend := range v.backends {
		err := backend.Set(ctx, cred)
		if err == nil {
			v.storeCached(cred.Name, cred)
			return nil
		}
		if !errors.Is(err, ErrReadOnly) {
			return fmt.Errorf("set credential in %s: %w", backend.Name(), err)
		}
	}
	return fmt.Errorf("no writable credential backend")
}

// Delete removes a credential from every writable backend and evicts
// the cache entry.
func (v *Vault) Delete(ctx context.Context, name string) error {
	deleted := false
	for _, backend := range v.backends {
		err := backend.Delete(ctx, name)
		if err == nil {
			deleted = true
			continue
		}
		if errors.Is(err, ErrReadOnly) || errors.Is(err, ErrCredentialNotFound) {
			continue
		}
		return fmt.Errorf("delete credential from %s: %w", backend.Name(), err)
	}
	if !deleted {
		return fmt.Errorf("%w: %q", ErrCredentialNotFound, name)
	}
	v.evictCached(name)
	return nil
}

// List unions credential names across all backends.
func (v *Vault) List(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	for _, backend := range v.backends {
		names, err := backend.List(ctx)
		if err != nil {
			continue
		}
		for _, name := range names {
			seen[name] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// storeCached replaces the cache map with one including the entry.
func (v *Vault) storeCached(name string, cred *playbook.Credential) {
	v.mu.Lock()
	defer v.mu.Unlock()

	old := v.cache.Load().(map[string]*playbook.Credential)
	next := make(map[string]*playbook.Credential, len(old)+1)
	for k, val := range old {
		next[k] = val
	}
	next[name] = cred
	v.cache.Store(next)
}

// evictCached replaces the cache map with one excluding the entry.
func (v *Vault) evictCached(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	old := v.cache.Load().(map[string]*playbook.Credential)
	next := make(map[string]*playbook.Credential, len(old))
	for k, val := range old {
		if k != name {
			next[k] = val
		}
	}
	v.cache.Store(next)
}
