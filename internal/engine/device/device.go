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

// Package device provides scoped, bounded access to scarce execution
// resources (typically accelerators). A worker reserves a device for the
// duration of one session and releases it on every exit path.
package device

import "sync"

// Token represents ownership of one device for one session's lifetime.
// Release is idempotent.
type Token struct {
	pool *Pool
	name string
	once sync.Once
}

// Name returns the reserved device's identifier.
func (t *Token) Name() string { return t.name }

// Release returns the device to the pool.
func (t *Token) Release() {
	t.once.Do(func() {
		t.pool.slots <- t.name
	})
}

// Pool hands out exclusive device tokens. Reserve blocks while all devices
// are held elsewhere; the wait is not cancelable.
type Pool struct {
	slots chan string
}

// NewPool creates a pool over the named devices. An empty list defaults to a
// single device.
func NewPool(names ...string) *Pool {
	if len(names) == 0 {
		names = []string{"device-0"}
	}
	slots := make(chan string, len(names))
	for _, name := range names {
		slots <- name
	}
	return &Pool{slots: slots}
}

// Size returns the pool's total capacity.
func (p *Pool) Size() int { return cap(p.slots) }

// Reserve blocks until a device is available and returns its token.
func (p *Pool) Reserve() *Token {
	name := <-p.slots
	return &Token{pool: p, name: name}
}
