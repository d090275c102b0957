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
	"fmt"
	"os"
	"strings"

	"github.com/playbookd/playbookd/pkg/playbook"
)

// envPrefix is the prefix for credential environment variables.
// A credential named "plc_main" is read from PLAYBOOKD_CREDENTIAL_PLC_MAIN,
// whose value is a JSON object {"username": ..., "password": ..., "gateway_url": ...}.
const envPrefix = "PLAYBOOKD_CREDENTIAL_"

// EnvBackend reads credentials from environment variables. It is
// read-only and has the highest priority so operators can override
// stored credentials per process.
type EnvBackend struct{}

// NewEnvBackend creates an environment-variable credential backend.
func NewEnvBackend() *EnvBackend {
	return &EnvBackend{}
}

// Name returns the backend identifier.
func (e *EnvBackend) Name() string { return "env" }

// Available always reports true; the environment is always readable.
func (e *EnvBackend) Available() bool { return true }

// Priority places env above file and keyring backends.
func (e *EnvBackend) Priority() int { return 100 }

// Get retrieves a credential from the environment.
func (e *EnvBackend) Get(ctx context.Context, name string) (*playbook.Credential, error) {
	raw, ok := os.LookupEnv(envPrefix + envKey(name))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCredentialNotFound, name)
	}

	var rec struct {
		Username   string            `json:"username"`
		Password   string            `json:"password"`
		GatewayURL string            `json:"gateway_url"`
		Extra      map[string]string `json:"extra"`
	}
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("credential %q: invalid JSON in environment: %w", name, err)
	}

	return &playbook.Credential{
		Name:       name,
		Username:   rec.Username,
		Password:   rec.Password,
		GatewayURL: rec.GatewayURL,
		Extra:      rec.Extra,
	}, nil
}

// Set is unsupported; the environment backend is read-only.
func (e *EnvBackend) Set(ctx context.Context, cred *playbook.Credential) error {
	return ErrReadOnly
}

// Delete is unsupported; the environment backend is read-only.
func (e *EnvBackend) Delete(ctx context.Context, name string) error {
	return ErrReadOnly
}

// List returns credential names present in the environment.
func (e *EnvBackend) List(ctx context.Context) ([]string, error) {
	var names []string
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, envPrefix) {
			continue
		}
		key := kv[len(envPrefix):]
		if i := strings.IndexByte(key, '='); i >= 0 {
			names = append(names, strings.ToLower(key[:i]))
		}
	}
	return names, nil
}

// envKey maps a credential name to its environment-variable suffix.
func envKey(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}
