// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import "sync"

// serial runs tasks one at a time in submission order. The goroutine
// that submits into an idle serial runs the queue until it is empty;
// submissions made while the queue is being run (from another
// goroutine, or re-entrantly from inside a task) are appended and
// picked up by that goroutine. A task therefore never runs nested
// inside another, which is what lets two coordinators be wired
// back-to-back with synchronous Send functions.
//
// do never blocks on another goroutine's task. Tasks must not panic.
type serial struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (s *serial) do(task func()) {
	s.mu.Lock()
	s.queue = append(s.queue, task)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true

	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()
		next()
		s.mu.Lock()
	}

	s.running = false
	s.mu.Unlock()
}
