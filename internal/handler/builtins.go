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

// RegisterBuiltins registers the built-in handler suites. The AI
// handlers are only registered when a provider is supplied.
func RegisterBuiltins(reg *Registry, ai AIProvider) {
	reg.MustRegister(UtilityLog{})
	reg.MustRegister(UtilitySetVariable{})
	reg.MustRegister(UtilityWait{})
	reg.MustRegister(UtilityJQ{})
	reg.MustRegister(UtilityHTTP{})

	reg.MustRegister(GatewayLogin{})
	reg.MustRegister(GatewayReadTag{})
	reg.MustRegister(GatewayWriteTag{})
	reg.MustRegister(GatewayCall{})

	reg.MustRegister(BrowserNavigate{})
	reg.MustRegister(BrowserClick{})
	reg.MustRegister(BrowserFill{})
	reg.MustRegister(BrowserWaitFor{})
	reg.MustRegister(BrowserExtract{})
	reg.MustRegister(BrowserScreenshot{})

	reg.MustRegister(DesktopOpen{})
	reg.MustRegister(DesktopClick{})
	reg.MustRegister(DesktopType{})
	reg.MustRegister(DesktopRead{})

	reg.MustRegister(PlaybookRun{})

	if ai != nil {
		reg.MustRegister(AIComplete{Provider: ai})
		reg.MustRegister(AIExtract{Provider: ai})
	}
}
