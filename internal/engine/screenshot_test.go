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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playbookd/playbookd/internal/broadcast"
)

func TestScreenshotPublisherDropsAfterClose(t *testing.T) {
	bus := broadcast.New(nil)
	defer bus.Close()
	sub := bus.Subscribe()

	p := newScreenshotPublisher("exec-shots", bus)
	p.publish([]byte{0x01})
	p.close()
	p.publish([]byte{0x02})

	frames := 0
	for {
		select {
		case ev := <-sub.C():
			if _, ok := ev.(*broadcast.ScreenshotFrame); ok {
				frames++
			}
		default:
			assert.Equal(t, 1, frames, "the post-close frame must be dropped")
			return
		}
	}
}

func TestScreenshotPublisherCloseIsAFrameBarrier(t *testing.T) {
	bus := broadcast.New(nil)
	defer bus.Close()
	sub := bus.Subscribe()

	p := newScreenshotPublisher("exec-shots", bus)

	// Driver goroutines hammer frames while the run finalizes.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					p.publish([]byte{0x01})
				}
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	p.close()
	// Once close has returned no frame may still be in flight, so the
	// terminal event published here is strictly after the last frame.
	bus.Publish(&broadcast.ExecutionUpdate{
		Type:   broadcast.EventExecutionUpdate,
		ID:     "exec-shots",
		Status: string(StatusCompleted),
	})
	close(stop)
	wg.Wait()

	terminalSeen := false
	for {
		select {
		case ev := <-sub.C():
			switch ev.(type) {
			case *broadcast.ExecutionUpdate:
				terminalSeen = true
			case *broadcast.ScreenshotFrame:
				assert.False(t, terminalSeen, "screenshot delivered after the terminal event")
			}
		default:
			require.True(t, terminalSeen)
			return
		}
	}
}
