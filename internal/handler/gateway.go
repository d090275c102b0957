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
	"net/http"
	"strings"
)

// GatewayLogin establishes the run's gateway session from a
// credential. Later gateway.* steps reuse the session.
type GatewayLogin struct{}

// Type implements Handler.
func (GatewayLogin) Type() string { return "gateway.login" }

// Execute implements Handler.
func (GatewayLogin) Execute(ctx context.Context, params map[string]interface{}, rc *RunContext) (Output, error) {
	cred, err := credentialParam(params, "credential")
	if err != nil {
		return nil, err
	}
	if cred.GatewayURL == "" {
		return nil, handlerErr("gateway.login", "credential has no gateway_url", nil)
	}

	client, err := rc.Resources().Gateway(ctx, cred.GatewayURL)
	if err != nil {
		return nil, handlerErr("gateway.login", "gateway session", err)
	}
	if err := client.Login(ctx, cred.Username, cred.Password); err != nil {
		return nil, handlerErr("gateway.login", "authenticate", err)
	}

	rc.Logger().Info("gateway session established", "gateway_url", cred.GatewayURL, "username", cred.Username)
	return Output{
		"authenticated": true,
		"gateway_url":   cred.GatewayURL,
	}, nil
}

// GatewayReadTag reads one tag value from the gateway session.
type GatewayReadTag struct{}

// Type implements Handler.
func (GatewayReadTag) Type() string { return "gateway.read_tag" }

// Execute implements Handler.
func (GatewayReadTag) Execute(ctx context.Context, params map[string]interface{}, rc *RunContext) (Output, error) {
	tag, err := stringParam(params, "tag")
	if err != nil {
		return nil, err
	}
	client, ok := rc.Resources().ActiveGateway()
	if !ok {
		return nil, handlerErr("gateway.read_tag", "gateway session not established; run gateway.login first", nil)
	}

	value, err := client.ReadTag(ctx, tag)
	if err != nil {
		return nil, handlerErr("gateway.read_tag", "read tag "+tag, err)
	}
	return Output{"tag": tag, "value": value}, nil
}

// GatewayWriteTag writes one tag value through the gateway session.
type GatewayWriteTag struct{}

// Type implements Handler.
func (GatewayWriteTag) Type() string { return "gateway.write_tag" }

// Execute implements Handler.
func (GatewayWriteTag) Execute(ctx context.Context, params map[string]interface{}, rc *RunContext) (Output, error) {
	tag, err := stringParam(params, "tag")
	if err != nil {
		return nil, err
	}
	value, ok := params["value"]
	if !ok {
		return nil, handlerErr("gateway.write_tag", "parameter \"value\" is required", nil)
	}
	client, active := rc.Resources().ActiveGateway()
	if !active {
		return nil, handlerErr("gateway.write_tag", "gateway session not established; run gateway.login first", nil)
	}

	if err := client.WriteTag(ctx, tag, value); err != nil {
		return nil, handlerErr("gateway.write_tag", "write tag "+tag, err)
	}
	return Output{"tag": tag, "written": true}, nil
}

// GatewayCall issues an arbitrary REST request through the gateway
// session, for endpoints the tag helpers do not cover.
type GatewayCall struct{}

// Type implements Handler.
func (GatewayCall) Type() string { return "gateway.call" }

// Execute implements Handler.
func (GatewayCall) Execute(ctx context.Context, params map[string]interface{}, rc *RunContext) (Output, error) {
	path, err := stringParam(params, "path")
	if err != nil {
		return nil, err
	}
	method := strings.ToUpper(optionalString(params, "method", http.MethodGet))
	body, err := mapParam(params, "body")
	if err != nil {
		return nil, err
	}
	client, active := rc.Resources().ActiveGateway()
	if !active {
		return nil, handlerErr("gateway.call", "gateway session not established; run gateway.login first", nil)
	}

	var payload interface{}
	if body != nil {
		payload = body
	}
	resp, err := client.Call(ctx, method, path, payload)
	if err != nil {
		return nil, handlerErr("gateway.call", method+" "+path, err)
	}
	return Output{"body": resp}, nil
}
