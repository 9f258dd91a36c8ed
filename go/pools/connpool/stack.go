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

// connStack is the LIFO stack of idle connections. The most recently
// returned connection is reused first, which lets the idle reaper retire
// the ones at the bottom.
//
// connStack is not synchronized; it is only accessed with Pool.mu held.
type connStack[C Connection] struct {
	top   *Pooled[C]
	count int
}

func (s *connStack[C]) Push(conn *Pooled[C]) {
	conn.next = s.top
	s.top = conn
	s.count++
}

func (s *connStack[C]) Pop() (*Pooled[C], bool) {
	if s.top == nil {
		return nil, false
	}
	conn := s.top
	s.top = conn.next
	s.count--
	conn.next = nil
	return conn, true
}

func (s *connStack[C]) Len() int {
	return s.count
}

// Filter removes every connection for which keep returns false and returns
// the removed connections. The relative order of the kept ones is preserved.
func (s *connStack[C]) Filter(keep func(*Pooled[C]) bool) []*Pooled[C] {
	var removed []*Pooled[C]
	var kept []*Pooled[C]
	for conn := s.top; conn != nil; conn = conn.next {
		if keep(conn) {
			kept = append(kept, conn)
		} else {
			removed = append(removed, conn)
		}
	}
	if len(removed) == 0 {
		return nil
	}

	s.top = nil
	s.count = 0
	for i := len(kept) - 1; i >= 0; i-- {
		s.Push(kept[i])
	}
	for _, conn := range removed {
		conn.next = nil
	}
	return removed
}

// Drain empties the stack and returns everything it held.
func (s *connStack[C]) Drain() []*Pooled[C] {
	all := make([]*Pooled[C], 0, s.count)
	for {
		conn, ok := s.Pop()
		if !ok {
			return all
		}
		all = append(all, conn)
	}
}
