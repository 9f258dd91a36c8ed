// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package connpool

import (
	"sync"

	"github.com/multigres/sqlclient/go/tools/list"
)

// handoff is what a waiter receives: a connection, or the reason it will
// never get one.
type handoff[C Connection] struct {
	conn *Pooled[C]
	err  error
}

type waiter[C Connection] struct {
	// result receives exactly one handoff once the waiter has been removed
	// from the list by somebody other than itself. It is buffered so the
	// sender never blocks while holding the pool's mutex.
	result chan handoff[C]
}

// waitlist is the FIFO queue of Get calls waiting for a connection.
//
// The list itself is guarded by Pool.mu. Whoever removes a waiter from the
// list owns it and must send it exactly one handoff; a waiter that manages
// to remove itself (timeout, cancellation) receives nothing.
type waitlist[C Connection] struct {
	nodes sync.Pool
	list  list.List[waiter[C]]
}

func (wl *waitlist[C]) init() {
	wl.nodes.New = func() any {
		return &list.Element[waiter[C]]{
			Value: waiter[C]{result: make(chan handoff[C], 1)},
		}
	}
	wl.list.Init()
}

// enqueue adds a new waiter at the back of the list. Must be called with
// Pool.mu held.
func (wl *waitlist[C]) enqueue() *list.Element[waiter[C]] {
	elem := wl.nodes.Get().(*list.Element[waiter[C]])
	wl.list.PushBackValue(elem)
	return elem
}

// release returns a waiter's element for reuse. Its channel must be empty.
func (wl *waitlist[C]) release(elem *list.Element[waiter[C]]) {
	wl.nodes.Put(elem)
}

// remove takes elem out of the list if it is still queued and reports
// whether it did. Must be called with Pool.mu held.
func (wl *waitlist[C]) remove(elem *list.Element[waiter[C]]) bool {
	if !elem.InList(&wl.list) {
		return false
	}
	wl.list.Remove(elem)
	return true
}

// dequeue removes and returns the longest-waiting waiter, or nil.
// Must be called with Pool.mu held.
func (wl *waitlist[C]) dequeue() *waiter[C] {
	front := wl.list.Front()
	if front == nil {
		return nil
	}
	wl.list.Remove(front)
	return &front.Value
}

// drain removes every waiter. Must be called with Pool.mu held.
func (wl *waitlist[C]) drain() []*waiter[C] {
	var all []*waiter[C]
	for w := wl.dequeue(); w != nil; w = wl.dequeue() {
		all = append(all, w)
	}
	return all
}

func (wl *waitlist[C]) waiting() int {
	return wl.list.Len()
}
