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

package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// BrowserDriver is the capability a headless-browser implementation
// must provide. All operations must abort on ctx cancellation.
type BrowserDriver interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	Text(ctx context.Context, selector string) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)

	// SetFrameCallback registers a sink for driver-pushed frames. The
	// callback must be non-blocking; the driver may invoke it from its
	// own goroutines.
	SetFrameCallback(fn func(jpeg []byte))

	Close(ctx context.Context) error
}

// DesktopDriver is the capability a desktop-automation implementation
// must provide.
type DesktopDriver interface {
	OpenApplication(ctx context.Context, name string) error
	Click(ctx context.Context, locator string) error
	TypeText(ctx context.Context, locator, text string) error
	ReadText(ctx context.Context, locator string) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}

// AIProvider is the capability an AI backend must provide.
type AIProvider interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Factories for lazily-created shared resources.
type (
	BrowserFactory func(ctx context.Context) (BrowserDriver, error)
	DesktopFactory func(ctx context.Context) (DesktopDriver, error)
	GatewayFactory func(ctx context.Context, baseURL string) (*GatewayClient, error)
)

// Resources holds the shared per-run resources handlers may need. At
// most one instance of each exists per run; creation happens on first
// use under a per-resource mutex, and Teardown releases everything on
// every engine exit path.
type Resources struct {
	browserFactory BrowserFactory
	desktopFactory DesktopFactory
	gatewayFactory GatewayFactory

	// onBrowser runs once after browser creation; the engine uses it
	// to wire the screenshot callback.
	onBrowser func(BrowserDriver)

	browserMu sync.Mutex
	browser   BrowserDriver

	desktopMu sync.Mutex
	desktop   DesktopDriver

	gatewayMu sync.Mutex
	gateway   *GatewayClient
}

// ResourcesConfig assembles a Resources set.
type ResourcesConfig struct {
	Browser   BrowserFactory
	Desktop   DesktopFactory
	Gateway   GatewayFactory
	OnBrowser func(BrowserDriver)
}

// NewResources builds an empty resource set; nothing is created until
// a handler asks for it.
func NewResources(cfg ResourcesConfig) *Resources {
	return &Resources{
		browserFactory: cfg.Browser,
		desktopFactory: cfg.Desktop,
		gatewayFactory: cfg.Gateway,
		onBrowser:      cfg.OnBrowser,
	}
}

// Browser returns the run's browser driver, creating it on first use.
func (r *Resources) Browser(ctx context.Context) (BrowserDriver, error) {
	r.browserMu.Lock()
	defer r.browserMu.Unlock()

	if r.browser != nil {
		return r.browser, nil
	}
	if r.browserFactory == nil {
		return nil, fmt.Errorf("browser driver is not configured")
	}
	driver, err := r.browserFactory(ctx)
	if err != nil {
		return nil, fmt.Errorf("start browser driver: %w", err)
	}
	if r.onBrowser != nil {
		r.onBrowser(driver)
	}
	r.browser = driver
	return driver, nil
}

// Desktop returns the run's desktop driver, creating it on first use.
func (r *Resources) Desktop(ctx context.Context) (DesktopDriver, error) {
	r.desktopMu.Lock()
	defer r.desktopMu.Unlock()

	if r.desktop != nil {
		return r.desktop, nil
	}
	if r.desktopFactory == nil {
		return nil, fmt.Errorf("desktop driver is not configured")
	}
	driver, err := r.desktopFactory(ctx)
	if err != nil {
		return nil, fmt.Errorf("start desktop driver: %w", err)
	}
	r.desktop = driver
	return driver, nil
}

// Gateway returns the run's gateway session, creating one against
// baseURL on first use. Subsequent calls ignore baseURL and return
// the existing session.
func (r *Resources) Gateway(ctx context.Context, baseURL string) (*GatewayClient, error) {
	r.gatewayMu.Lock()
	defer r.gatewayMu.Unlock()

	if r.gateway != nil {
		return r.gateway, nil
	}
	if baseURL == "" {
		return nil, fmt.Errorf("gateway session not established; run a gateway.login step first")
	}
	if r.gatewayFactory == nil {
		client, err := NewGatewayClient(baseURL)
		if err != nil {
			return nil, err
		}
		r.gateway = client
		return client, nil
	}
	client, err := r.gatewayFactory(ctx, baseURL)
	if err != nil {
		return nil, fmt.Errorf("create gateway session: %w", err)
	}
	r.gateway = client
	return client, nil
}

// ActiveGateway returns the existing gateway session without creating
// one.
func (r *Resources) ActiveGateway() (*GatewayClient, bool) {
	r.gatewayMu.Lock()
	defer r.gatewayMu.Unlock()
	return r.gateway, r.gateway != nil
}

// Teardown releases all acquired resources. It is safe to call on a
// partially-initialized or empty set, and safe to call more than once.
func (r *Resources) Teardown(ctx context.Context) error {
	var errs []error

	r.browserMu.Lock()
	if r.browser != nil {
		if err := r.browser.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
		r.browser = nil
	}
	r.browserMu.Unlock()

	r.desktopMu.Lock()
	if r.desktop != nil {
		if err := r.desktop.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close desktop: %w", err))
		}
		r.desktop = nil
	}
	r.desktopMu.Unlock()

	r.gatewayMu.Lock()
	if r.gateway != nil {
		if err := r.gateway.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gateway session: %w", err))
		}
		r.gateway = nil
	}
	r.gatewayMu.Unlock()

	return errors.Join(errs...)
}
