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

package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOfClassifiesEveryType(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{&ValidationError{Message: "bad"}, KindValidation},
		{&ReferenceError{Reference: "step.a.b"}, KindReference},
		{&TimeoutError{Operation: "step x", Duration: time.Second}, KindTimeout},
		{&HandlerError{StepType: "browser.click", Message: "no such element"}, KindHandler},
		{&CancellationError{}, KindCancellation},
		{&VerificationError{Playbook: "child.yaml"}, KindVerification},
		{&NestingDepthError{Depth: 4, Max: 3}, KindNestingDepth},
		{&CircularDependencyError{Playbook: "a.yaml"}, KindCircularDependency},
		{&NotFoundError{Resource: "execution", ID: "x"}, KindNotFound},
		{&InternalError{Message: "boom"}, KindInternal},
		{context.Canceled, KindCancellation},
		{context.DeadlineExceeded, KindTimeout},
		{stderrors.New("anything else"), KindInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, KindOf(tc.err), "%v", tc.err)
	}
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestKindOfSeesThroughWrapping(t *testing.T) {
	err := fmt.Errorf("step login: %w", &ReferenceError{Reference: "credential.scada"})
	assert.Equal(t, KindReference, KindOf(err))

	err = &HandlerError{StepType: "utility.wait", Cause: context.Canceled}
	// a typed handler error wins over the wrapped ctx error
	assert.Equal(t, KindHandler, KindOf(err))
}

func TestCancellationAndTimeoutHelpers(t *testing.T) {
	assert.True(t, IsCancellation(context.Canceled))
	assert.True(t, IsCancellation(&CancellationError{Reason: "user"}))
	assert.False(t, IsCancellation(&TimeoutError{}))

	assert.True(t, IsTimeout(context.DeadlineExceeded))
	assert.True(t, IsTimeout(&TimeoutError{Operation: "step"}))
	assert.False(t, IsTimeout(&HandlerError{}))
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "validation failed on steps.a.type: unknown step type",
		(&ValidationError{Field: "steps.a.type", Message: "unknown step type"}).Error())
	assert.Equal(t, "undefined reference: step.login.token",
		(&ReferenceError{Reference: "step.login.token"}).Error())
	assert.Equal(t, "step gateway.login timed out after 30s",
		(&TimeoutError{Operation: "step gateway.login", Duration: 30 * time.Second}).Error())
	assert.Equal(t, "cancelled", (&CancellationError{}).Error())
	assert.Equal(t, "cancelled: execution timeout", (&CancellationError{Reason: "execution timeout"}).Error())
	assert.Equal(t, "playbook child.yaml is not verified for nested execution",
		(&VerificationError{Playbook: "child.yaml"}).Error())
	assert.Equal(t, "execution not found: abc",
		(&NotFoundError{Resource: "execution", ID: "abc"}).Error())
}

func TestUnwrapChains(t *testing.T) {
	cause := stderrors.New("socket closed")
	assert.True(t, stderrors.Is(&TimeoutError{Cause: cause}, cause))
	assert.True(t, stderrors.Is(&HandlerError{Cause: cause}, cause))
	assert.True(t, stderrors.Is(&InternalError{Cause: cause}, cause))
}
