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

package engine

import (
	"encoding/base64"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/playbookd/playbookd/internal/broadcast"
)

// screenshotRate caps driver-pushed frames at 2 Hz per run.
const screenshotRate = 2

// screenshotPublisher forwards browser frames to the broadcaster,
// rate-limited and non-blocking. After close, frames are dropped so
// no screenshot ever follows the run's terminal event.
type screenshotPublisher struct {
	executionID string
	broadcaster *broadcast.Broadcaster
	limiter     *rate.Limiter

	mu     sync.Mutex
	closed bool
}

func newScreenshotPublisher(executionID string, b *broadcast.Broadcaster) *screenshotPublisher {
	return &screenshotPublisher{
		executionID: executionID,
		broadcaster: b,
		limiter:     rate.NewLimiter(rate.Limit(screenshotRate), 1),
	}
}

// publish forwards one frame, dropping it when over the rate limit or
// after close. Safe to call from driver goroutines.
func (p *screenshotPublisher) publish(jpeg []byte) {
	if len(jpeg) == 0 || p.broadcaster == nil {
		return
	}

	// The lock is held across Publish (which never blocks) so that once
	// close returns, no frame can still be in flight behind the
	// terminal event.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !p.limiter.Allow() {
		return
	}

	p.broadcaster.Publish(&broadcast.ScreenshotFrame{
		Type:       broadcast.EventScreenshotFrame,
		ID:         p.executionID,
		JPEGBase64: base64.StdEncoding.EncodeToString(jpeg),
		Timestamp:  time.Now().UTC(),
	})
}

// close stops all future publication. Called before the terminal
// ExecutionUpdate is emitted.
func (p *screenshotPublisher) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
}
