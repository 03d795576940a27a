/*
Copyright 2026 Mydia Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package adminfeed implements the admin observability surface: a
// websocket broadcast of instance online/offline transitions, purely
// observational and carrying no control authority.
package adminfeed

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dwongdev/mydia-relay/internal/relaylog"
)

var log = relaylog.For("adminfeed")

// EventType distinguishes the two transitions this feed ever reports.
type EventType string

const (
	EventInstanceOnline  EventType = "instance_online"
	EventInstanceOffline EventType = "instance_offline"
)

// Event is one transition notification.
type Event struct {
	Type       EventType `json:"type"`
	InstanceID string    `json:"instance_id"`
	At         time.Time `json:"at"`
}

const subscriberBuffer = 32

// Hub fans out Events to every currently connected websocket subscriber.
// A slow or absent subscriber never blocks a publisher: Publish drops
// the event for any subscriber whose buffer is full rather than waiting.
type Hub struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[chan Event]struct{})}
}

// Publish fans e out to every current subscriber. Safe for concurrent
// use; a nil *Hub is valid and simply discards the event, so callers
// that wire a Hub optionally don't need to nil-check.
func (h *Hub) Publish(e Event) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- e:
		default:
			log.Warn("admin feed subscriber buffer full, dropping event", "type", e.Type, "instance_id", e.InstanceID)
		}
	}
}

func (h *Hub) subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	delete(h.subscribers, ch)
	h.mu.Unlock()
	close(ch)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades r to a websocket and streams every subsequent Event
// as JSON until the client disconnects or the request context ends.
// Callers must authenticate the request with a separate admin bearer
// token before calling ServeWS — this handler carries no authority of
// its own.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("admin feed upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	// Drain (and discard) anything the client sends; this is a
	// broadcast-only feed, but we must read to notice the client
	// closing the connection.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
