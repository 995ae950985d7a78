// Copyright 2025 UMH Systems GmbH
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

package offlinequeue

import "sync"

// Monitor reports connectivity to the backend.
type Monitor interface {
	Online() bool
	// Subscribe registers fn for connectivity transitions and returns a function
	// that removes it.
	Subscribe(fn func(online bool)) func()
}

// AlwaysOnline is the Monitor for backends that are never considered offline.
type AlwaysOnline struct{}

func (AlwaysOnline) Online() bool { return true }

func (AlwaysOnline) Subscribe(func(bool)) func() { return func() {} }

// Manual is a Monitor driven by SetOnline, for hosts that learn about
// connectivity from the platform and for tests.
type Manual struct {
	listeners map[int]func(bool)
	mu        sync.Mutex
	next      int
	online    bool
}

func NewManual(online bool) *Manual {
	return &Manual{online: online, listeners: make(map[int]func(bool))}
}

func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.online
}

// SetOnline records the state and notifies listeners when it changed.
// Listeners run synchronously on the caller's goroutine.
func (m *Manual) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()

		return
	}

	m.online = online

	listeners := make([]func(bool), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(online)
	}
}

func (m *Manual) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.next
	m.next++
	m.listeners[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		delete(m.listeners, id)
	}
}
