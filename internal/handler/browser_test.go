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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pberrors "github.com/playbookd/playbookd/pkg/errors"
)

func TestBrowserNavigateStartsDriverLazily(t *testing.T) {
	browser := &fakeBrowser{}
	env := newTestEnv(browser, nil)

	out, err := BrowserNavigate{}.Execute(context.Background(), map[string]interface{}{
		"url": "https://plant.example/hmi",
	}, env.rc)
	require.NoError(t, err)
	assert.Equal(t, "https://plant.example/hmi", out["url"])
	assert.Equal(t, []string{"navigate"}, browser.calls)
}

func TestBrowserDriverIsSharedAcrossSteps(t *testing.T) {
	browser := &fakeBrowser{text: "Running"}
	env := newTestEnv(browser, nil)

	_, err := BrowserNavigate{}.Execute(context.Background(), map[string]interface{}{
		"url": "https://plant.example",
	}, env.rc)
	require.NoError(t, err)

	out, err := BrowserExtract{}.Execute(context.Background(), map[string]interface{}{
		"selector": "#status",
	}, env.rc)
	require.NoError(t, err)
	assert.Equal(t, "Running", out["text"])
	assert.Equal(t, []string{"navigate", "text"}, browser.calls)
}

func TestBrowserClickPropagatesDriverError(t *testing.T) {
	browser := &fakeBrowser{failOn: "click", failErr: errors.New("selector not found")}
	env := newTestEnv(browser, nil)

	_, err := BrowserClick{}.Execute(context.Background(), map[string]interface{}{
		"selector": "#missing",
	}, env.rc)
	require.Error(t, err)

	var herr *pberrors.HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "browser.click", herr.StepType)
}

func TestBrowserScreenshotSavesFrame(t *testing.T) {
	browser := &fakeBrowser{frame: []byte{0xFF, 0xD8, 0xFF}}
	env := newTestEnv(browser, nil)

	out, err := BrowserScreenshot{}.Execute(context.Background(), map[string]interface{}{}, env.rc)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/screenshots/exec-test/s1-1.jpg", out["screenshot_path"])
	require.Len(t, env.saved, 1)
	assert.Equal(t, browser.frame, env.saved[0])
}

func TestBrowserUnconfiguredDriver(t *testing.T) {
	env := newTestEnv(nil, nil)

	_, err := BrowserNavigate{}.Execute(context.Background(), map[string]interface{}{
		"url": "https://plant.example",
	}, env.rc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestDesktopHandlers(t *testing.T) {
	desktop := &fakeDesktop{text: "OK"}
	env := newTestEnv(nil, desktop)
	ctx := context.Background()

	_, err := DesktopOpen{}.Execute(ctx, map[string]interface{}{"application": "scada"}, env.rc)
	require.NoError(t, err)

	_, err = DesktopType{}.Execute(ctx, map[string]interface{}{"locator": "input#id", "text": "42"}, env.rc)
	require.NoError(t, err)

	out, err := DesktopRead{}.Execute(ctx, map[string]interface{}{"locator": "label#status"}, env.rc)
	require.NoError(t, err)
	assert.Equal(t, "OK", out["text"])

	assert.Equal(t, []string{"open", "type", "read"}, desktop.calls)
}

func TestResourcesTeardownClosesDrivers(t *testing.T) {
	browser := &fakeBrowser{}
	desktop := &fakeDesktop{}
	env := newTestEnv(browser, desktop)
	ctx := context.Background()

	_, err := env.resources.Browser(ctx)
	require.NoError(t, err)
	_, err = env.resources.Desktop(ctx)
	require.NoError(t, err)

	require.NoError(t, env.resources.Teardown(ctx))
	assert.True(t, browser.closed)
	assert.True(t, desktop.closed)

	// Second teardown is a no-op.
	require.NoError(t, env.resources.Teardown(ctx))
}

func TestAIComplete(t *testing.T) {
	provider := &fakeProvider{response: "the valve is open"}
	env := newTestEnv(nil, nil)

	out, err := AIComplete{Provider: provider}.Execute(context.Background(), map[string]interface{}{
		"prompt": "describe the valve state",
	}, env.rc)
	require.NoError(t, err)
	assert.Equal(t, "the valve is open", out["response"])
	require.Len(t, provider.prompts, 1)
}

func TestAIExtractParsesJSON(t *testing.T) {
	provider := &fakeProvider{response: "```json\n{\"serial\": \"A-100\"}\n```"}
	env := newTestEnv(nil, nil)

	out, err := AIExtract{Provider: provider}.Execute(context.Background(), map[string]interface{}{
		"input":  "Unit serial A-100 passed inspection",
		"fields": "serial",
	}, env.rc)
	require.NoError(t, err)
	extracted := out["extracted"].(map[string]interface{})
	assert.Equal(t, "A-100", extracted["serial"])
}

func TestAIExtractRejectsNonJSON(t *testing.T) {
	provider := &fakeProvider{response: "I could not find it"}
	env := newTestEnv(nil, nil)

	_, err := AIExtract{Provider: provider}.Execute(context.Background(), map[string]interface{}{
		"input":  "text",
		"fields": "serial",
	}, env.rc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-JSON")
}
