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

// Package secrets implements the credential vault: a chain of
// credential backends (environment, encrypted file, OS keyring)
// fronted by a copy-on-write read-through cache.
package secrets

import (
	"context"
	"errors"

	"github.com/playbookd/playbookd/pkg/playbook"
)

var (
	// ErrCredentialNotFound is returned when no backend holds the credential.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrBackendUnavailable is returned when no backend is usable.
	ErrBackendUnavailable = errors.New("no credential backend available")

	// ErrReadOnly is returned by backends that cannot store credentials.
	ErrReadOnly = errors.New("credential backend is read-only")
)

// Backend stores and retrieves named credential records.
type Backend interface {
	// Name returns the backend identifier (env, file, keyring).
	Name() string

	// Get retrieves a credential by name.
	// Returns ErrCredentialNotFound when the backend does not hold it.
	Get(ctx context.Context, name string) (*playbook.Credential, error)

	// Set stores a credential. Read-only backends return ErrReadOnly.
	Set(ctx context.Context, cred *playbook.Credential) error

	// Delete removes a credential. Read-only backends return ErrReadOnly.
	Delete(ctx context.Context, name string) error

	// List returns the names of stored credentials.
	List(ctx context.Context) ([]string, error)

	// Available reports whether the backend is usable in this process.
	Available() bool

	// Priority orders backends; higher values are consulted first.
	Priority() int
}
