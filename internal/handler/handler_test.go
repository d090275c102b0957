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
	"sync"
	"time"
)

// fakeBrowser records calls and serves canned text/frames.
type fakeBrowser struct {
	mu      sync.Mutex
	calls   []string
	text    string
	frame   []byte
	failOn  string
	failErr error
	closed  bool
	frameCb func([]byte)
}

func (f *fakeBrowser) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	if f.failOn == op {
		return f.failErr
	}
	return nil
}

func (f *fakeBrowser) Navigate(ctx context.Context, url string) error { return f.record("navigate") }
func (f *fakeBrowser) Click(ctx context.Context, sel string) error    { return f.record("click") }
func (f *fakeBrowser) Fill(ctx context.Context, sel, v string) error  { return f.record("fill") }
func (f *fakeBrowser) WaitFor(ctx context.Context, sel string, d time.Duration) error {
	return f.record("wait_for")
}

func (f *fakeBrowser) Text(ctx context.Context, sel string) (string, error) {
	if err := f.record("text"); err != nil {
		return "", err
	}
	return f.text, nil
}

func (f *fakeBrowser) Screenshot(ctx context.Context) ([]byte, error) {
	if err := f.record("screenshot"); err != nil {
		return nil, err
	}
	return f.frame, nil
}

func (f *fakeBrowser) SetFrameCallback(fn func([]byte)) {
	f.mu.Lock()
	f.frameCb = fn
	f.mu.Unlock()
}

func (f *fakeBrowser) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// fakeDesktop records calls.
type fakeDesktop struct {
	mu     sync.Mutex
	calls  []string
	text   string
	closed bool
}

func (f *fakeDesktop) record(op string) {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	f.mu.Unlock()
}

func (f *fakeDesktop) OpenApplication(ctx context.Context, name string) error {
	f.record("open")
	return nil
}
func (f *fakeDesktop) Click(ctx context.Context, loc string) error { f.record("click"); return nil }
func (f *fakeDesktop) TypeText(ctx context.Context, loc, text string) error {
	f.record("type")
	return nil
}

func (f *fakeDesktop) ReadText(ctx context.Context, loc string) (string, error) {
	f.record("read")
	return f.text, nil
}

func (f *fakeDesktop) Screenshot(ctx context.Context) ([]byte, error) {
	f.record("screenshot")
	return nil, nil
}

func (f *fakeDesktop) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// fakeProvider returns a canned completion.
type fakeProvider struct {
	response string
	err      error
	prompts  []string
}

func (f *fakeProvider) Complete(ctx context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

// testEnv bundles a RunContext with the mutable state behind it.
type testEnv struct {
	rc        *RunContext
	vars      map[string]interface{}
	varsMu    sync.Mutex
	resources *Resources
	saved     [][]byte
}

func newTestEnv(browser *fakeBrowser, desktop *fakeDesktop) *testEnv {
	env := &testEnv{vars: make(map[string]interface{})}

	cfg := ResourcesConfig{}
	if browser != nil {
		cfg.Browser = func(ctx context.Context) (BrowserDriver, error) { return browser, nil }
	}
	if desktop != nil {
		cfg.Desktop = func(ctx context.Context) (DesktopDriver, error) { return desktop, nil }
	}
	env.resources = NewResources(cfg)

	env.rc = NewRunContext(RunContextConfig{
		ExecutionID:  "exec-test",
		PlaybookName: "test",
		StepID:       "s1",
		Resources:    env.resources,
		GetVariables: func() map[string]interface{} {
			env.varsMu.Lock()
			defer env.varsMu.Unlock()
			out := make(map[string]interface{}, len(env.vars))
			for k, v := range env.vars {
				out[k] = v
			}
			return out
		},
		SetVariable: func(name string, value interface{}) {
			env.varsMu.Lock()
			env.vars[name] = value
			env.varsMu.Unlock()
		},
		SaveScreenshot: func(jpeg []byte) (string, error) {
			env.saved = append(env.saved, jpeg)
			return "/tmp/screenshots/exec-test/s1-1.jpg", nil
		},
	})
	return env
}
