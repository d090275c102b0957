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

import "context"

// DesktopOpen launches or focuses a desktop application.
type DesktopOpen struct{}

// Type implements Handler.
func (DesktopOpen) Type() string { return "desktop.open" }

// Execute implements Handler.
func (DesktopOpen) Execute(ctx context.Context, params map[string]interface{}, rc *RunContext) (Output, error) {
	app, err := stringParam(params, "application")
	if err != nil {
		return nil, err
	}
	driver, err := rc.Resources().Desktop(ctx)
	if err != nil {
		return nil, handlerErr("desktop.open", "desktop", err)
	}
	if err := driver.OpenApplication(ctx, app); err != nil {
		return nil, handlerErr("desktop.open", "open "+app, err)
	}
	return Output{"application": app}, nil
}

// DesktopClick clicks a UI element by locator.
type DesktopClick struct{}

// Type implements Handler.
func (DesktopClick) Type() string { return "desktop.click" }

// Execute implements Handler.
func (DesktopClick) Execute(ctx context.Context, params map[string]interface{}, rc *RunContext) (Output, error) {
	locator, err := stringParam(params, "locator")
	if err != nil {
		return nil, err
	}
	driver, err := rc.Resources().Desktop(ctx)
	if err != nil {
		return nil, handlerErr("desktop.click", "desktop", err)
	}
	if err := driver.Click(ctx, locator); err != nil {
		return nil, handlerErr("desktop.click", "click "+locator, err)
	}
	return Output{"locator": locator}, nil
}

// DesktopType types text into a UI element by locator.
type DesktopType struct{}

// Type implements Handler.
func (DesktopType) Type() string { return "desktop.type" }

// Execute implements Handler.
func (DesktopType) Execute(ctx context.Context, params map[string]interface{}, rc *RunContext) (Output, error) {
	locator, err := stringParam(params, "locator")
	if err != nil {
		return nil, err
	}
	text, err := stringParam(params, "text")
	if err != nil {
		return nil, err
	}
	driver, err := rc.Resources().Desktop(ctx)
	if err != nil {
		return nil, handlerErr("desktop.type", "desktop", err)
	}
	if err := driver.TypeText(ctx, locator, text); err != nil {
		return nil, handlerErr("desktop.type", "type into "+locator, err)
	}
	return Output{"locator": locator}, nil
}

// DesktopRead reads the text of a UI element by locator.
type DesktopRead struct{}

// Type implements Handler.
func (DesktopRead) Type() string { return "desktop.read" }

// Execute implements Handler.
func (DesktopRead) Execute(ctx context.Context, params map[string]interface{}, rc *RunContext) (Output, error) {
	locator, err := stringParam(params, "locator")
	if err != nil {
		return nil, err
	}
	driver, err := rc.Resources().Desktop(ctx)
	if err != nil {
		return nil, handlerErr("desktop.read", "desktop", err)
	}
	text, err := driver.ReadText(ctx, locator)
	if err != nil {
		return nil, handlerErr("desktop.read", "read "+locator, err)
	}
	return Output{"locator": locator, "text": text}, nil
}
