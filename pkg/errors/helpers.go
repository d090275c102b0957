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
	"errors"
)

// KindOf classifies an error into its taxonomy kind. Unrecognized
// errors are classified as InternalError; context cancellation maps
// to CancellationError and deadline expiry to TimeoutError so that
// handler errors wrapped around ctx errors classify correctly.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var (
		validation *ValidationError
		reference  *ReferenceError
		timeout    *TimeoutError
		handler    *HandlerError
		cancel     *CancellationError
		verify     *VerificationError
		depth      *NestingDepthError
		circular   *CircularDependencyError
		notFound   *NotFoundError
		internal   *InternalError
	)

	switch {
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &reference):
		return KindReference
	case errors.As(err, &timeout):
		return KindTimeout
	case errors.As(err, &cancel):
		return KindCancellation
	case errors.As(err, &verify):
		return KindVerification
	case errors.As(err, &depth):
		return KindNestingDepth
	case errors.As(err, &circular):
		return KindCircularDependency
	case errors.As(err, &notFound):
		return KindNotFound
	case errors.As(err, &handler):
		return KindHandler
	case errors.As(err, &internal):
		return KindInternal
	case errors.Is(err, context.Canceled):
		return KindCancellation
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindInternal
	}
}

// IsCancellation reports whether the error represents cooperative
// cancellation rather than a fault.
func IsCancellation(err error) bool {
	return KindOf(err) == KindCancellation
}

// IsTimeout reports whether the error represents a timeout.
func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout
}
