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

// Package relaylog sets up the component-keyed slog loggers used across
// the relay: every subsystem gets its own logger carrying a "component"
// attribute so log lines can be filtered per subsystem without grepping
// message text.
package relaylog

import (
	"context"
	"log/slog"
	"os"
	"sync"
)

const componentKey = "component"

var (
	mu     sync.Mutex
	level  = new(slog.LevelVar)
	base   *slog.Logger
	inited bool
)

// Init installs the process-wide base logger. Safe to call once at
// startup; subsequent calls are no-ops so tests and library code can call
// it defensively without clobbering a caller's configuration.
func Init(w *os.File, debug bool) {
	mu.Lock()
	defer mu.Unlock()
	if inited {
		return
	}
	if debug {
		level.Set(slog.LevelDebug)
	}
	base = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	inited = true
}

// InitForTests installs a debug-level logger for use from TestMain.
func InitForTests() {
	mu.Lock()
	inited = false
	mu.Unlock()
	level.Set(slog.LevelDebug)
	Init(os.Stderr, true)
}

// For returns a logger tagged with the given component name, e.g.
// "connregistry", "relaytunnel", "claimstore".
func For(component string) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if !inited {
		base = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		inited = true
	}
	return base.With(componentKey, component)
}

// WithContext attaches request-scoped attributes (request_id, instance_id)
// to a component logger for the lifetime of a single operation.
func WithContext(_ context.Context, log *slog.Logger, attrs ...any) *slog.Logger {
	return log.With(attrs...)
}
