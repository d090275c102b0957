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

package rpc

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/playbookd/playbookd/internal/engine"
	"github.com/playbookd/playbookd/internal/metrics"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsPongTimeout  = 90 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Subscribers carry no credentials and receive state only; the
	// listener binds loopback by default.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and streams events. An
// optional execution_id query parameter narrows the stream to one run.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	filter := r.URL.Query().Get("execution_id")
	sub := s.broadcaster.Subscribe()
	metrics.SetStreamSubscribers(s.broadcaster.SubscriberCount())
	defer func() {
		s.broadcaster.Unsubscribe(sub)
		metrics.SetStreamSubscribers(s.broadcaster.SubscriberCount())
		conn.Close()
	}()

	s.logger.Info("stream subscriber connected",
		"subscriber_id", sub.ID(),
		"execution_id", filter)

	// Late joiners get a snapshot of every matching live run before
	// incremental updates, so the first frame is never mid-stream.
	if err := s.sendLateJoinSnapshots(conn, filter); err != nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		sub.Touch()
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})

	// Reader goroutine: consumes pongs and detects peer close.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				// evicted by the liveness sweep
				return
			}
			if filter != "" && ev.ExecutionID() != "" && ev.ExecutionID() != filter {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("stream write failed",
					"subscriber_id", sub.ID(), "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readerDone:
			return
		}
	}
}

func (s *Server) sendLateJoinSnapshots(conn *websocket.Conn, filter string) error {
	ctx := context.Background()
	var snaps []engine.Snapshot
	if filter != "" {
		snap, err := s.manager.Get(ctx, filter)
		if err != nil {
			return nil
		}
		snaps = []engine.Snapshot{*snap}
	} else {
		var err error
		snaps, err = s.manager.List(ctx, 0)
		if err != nil {
			return nil
		}
	}

	for _, snap := range snaps {
		if filter == "" && snap.Status.Terminal() {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(snap.Update()); err != nil {
			return err
		}
	}
	return nil
}
