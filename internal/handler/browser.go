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
	"time"
)

// BrowserNavigate loads a URL in the run's browser, starting the
// driver on first use.
type BrowserNavigate struct{}

// Type implements Handler.
func (BrowserNavigate) Type() string { return "browser.navigate" }

// Execute implements Handler.
func (BrowserNavigate) Execute(ctx context.Context, params map[string]interface{}, rc *RunContext) (Output, error) {
	url, err := stringParam(params, "url")
	if err != nil {
		return nil, err
	}
	driver, err := rc.Resources().Browser(ctx)
	if err != nil {
		return nil, handlerErr("browser.navigate", "browser", err)
	}
	if err := driver.Navigate(ctx, url); err != nil {
		return nil, handlerErr("browser.navigate", "navigate to "+url, err)
	}
	return Output{"url": url}, nil
}

// BrowserClick clicks the element matching a selector.
type BrowserClick struct{}

// Type implements Handler.
func (BrowserClick) Type() string { return "browser.click" }

// Execute implements Handler.
func (BrowserClick) Execute(ctx context.Context, params map[string]interface{}, rc *RunContext) (Output, error) {
	selector, err := stringParam(params, "selector")
	if err != nil {
		return nil, err
	}
	driver, err := rc.Resources().Browser(ctx)
	if err != nil {
		return nil, handlerErr("browser.click", "browser", err)
	}
	if err := driver.Click(ctx, selector); err != nil {
		return nil, handlerErr("browser.click", "click "+selector, err)
	}
	return Output{"selector": selector}, nil
}

// BrowserFill types a value into the element matching a selector.
type BrowserFill struct{}

// Type implements Handler.
func (BrowserFill) Type() string { return "browser.fill" }

// Execute implements Handler.
func (BrowserFill) Execute(ctx context.Context, params map[string]interface{}, rc *RunContext) (Output, error) {
	selector, err := stringParam(params, "selector")
	if err != nil {
		return nil, err
	}
	value, err := stringParam(params, "value")
	if err != nil {
		return nil, err
	}
	driver, err := rc.Resources().Browser(ctx)
	if err != nil {
		return nil, handlerErr("browser.fill", "browser", err)
	}
	if err := driver.Fill(ctx, selector, value); err != nil {
		return nil, handlerErr("browser.fill", "fill "+selector, err)
	}
	return Output{"selector": selector}, nil
}

// BrowserWaitFor blocks until a selector matches or the wait times
// out.
type BrowserWaitFor struct{}

// Type implements Handler.
func (BrowserWaitFor) Type() string { return "browser.wait_for" }

// Execute implements Handler.
func (BrowserWaitFor) Execute(ctx context.Context, params map[string]interface{}, rc *RunContext) (Output, error) {
	selector, err := stringParam(params, "selector")
	if err != nil {
		return nil, err
	}
	wait, err := durationParam(params, "wait_seconds", 10*time.Second)
	if err != nil {
		return nil, err
	}
	driver, err := rc.Resources().Browser(ctx)
	if err != nil {
		return nil, handlerErr("browser.wait_for", "browser", err)
	}
	if err := driver.WaitFor(ctx, selector, wait); err != nil {
		return nil, handlerErr("browser.wait_for", "wait for "+selector, err)
	}
	return Output{"selector": selector}, nil
}

// BrowserExtract reads the text content of the element matching a
// selector.
type BrowserExtract struct{}

// Type implements Handler.
func (BrowserExtract) Type() string { return "browser.extract" }

// Execute implements Handler.
func (BrowserExtract) Execute(ctx context.Context, params map[string]interface{}, rc *RunContext) (Output, error) {
	selector, err := stringParam(params, "selector")
	if err != nil {
		return nil, err
	}
	driver, err := rc.Resources().Browser(ctx)
	if err != nil {
		return nil, handlerErr("browser.extract", "browser", err)
	}
	text, err := driver.Text(ctx, selector)
	if err != nil {
		return nil, handlerErr("browser.extract", "extract "+selector, err)
	}
	return Output{"selector": selector, "text": text}, nil
}

// BrowserScreenshot captures the current page, persists the frame,
// and records the path on the step result.
type BrowserScreenshot struct{}

// Type implements Handler.
func (BrowserScreenshot) Type() string { return "browser.screenshot" }

// Execute implements Handler.
func (BrowserScreenshot) Execute(ctx context.Context, params map[string]interface{}, rc *RunContext) (Output, error) {
	driver, err := rc.Resources().Browser(ctx)
	if err != nil {
		return nil, handlerErr("browser.screenshot", "browser", err)
	}
	frame, err := driver.Screenshot(ctx)
	if err != nil {
		return nil, handlerErr("browser.screenshot", "capture", err)
	}
	path, err := rc.SaveScreenshot(frame)
	if err != nil {
		return nil, handlerErr("browser.screenshot", "save frame", err)
	}
	return Output{"screenshot_path": path, "bytes": len(frame)}, nil
}
