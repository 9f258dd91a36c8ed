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

// Package list implements a generic doubly linked list.
//
// Unlike container/list, elements can be allocated by the caller and pushed
// with PushFrontValue/PushBackValue, which lets hot paths such as the pool
// waitlist recycle elements through a sync.Pool.
package list

// Element is an element of a linked list.
type Element[T any] struct {
	next, prev *Element[T]

	// list is the list this element belongs to, nil when detached.
	list *List[T]

	// Value is the value stored with this element.
	Value T
}

// Next returns the next list element or nil.
func (e *Element[T]) Next() *Element[T] {
	if p := e.next; e.list != nil && p != &e.list.root {
		return p
	}
	return nil
}

// Prev returns the previous list element or nil.
func (e *Element[T]) Prev() *Element[T] {
	if p := e.prev; e.list != nil && p != &e.list.root {
		return p
	}
	return nil
}

// InList reports whether e is currently an element of l.
func (e *Element[T]) InList(l *List[T]) bool {
	return e.list == l
}

// List is a doubly linked list. The zero value must be initialized with Init
// before use; New returns an initialized list.
type List[T any] struct {
	root Element[T] // sentinel; only next and prev are used
	len  int
}

// Init initializes or clears list l.
func (l *List[T]) Init() *List[T] {
	l.root.next = &l.root
	l.root.prev = &l.root
	l.len = 0
	return l
}

// New returns an initialized list.
func New[T any]() *List[T] { return new(List[T]).Init() }

// Len returns the number of elements of list l.
func (l *List[T]) Len() int { return l.len }

// Front returns the first element of list l or nil if the list is empty.
func (l *List[T]) Front() *Element[T] {
	if l.len == 0 {
		return nil
	}
	return l.root.next
}

// Back returns the last element of list l or nil if the list is empty.
func (l *List[T]) Back() *Element[T] {
	if l.len == 0 {
		return nil
	}
	return l.root.prev
}

// insert inserts e after at and increments l.len.
func (l *List[T]) insert(e, at *Element[T]) *Element[T] {
	e.prev = at
	e.next = at.next
	e.prev.next = e
	e.next.prev = e
	e.list = l
	l.len++
	return e
}

// Remove removes e from l. It panics if e is not an element of l.
func (l *List[T]) Remove(e *Element[T]) {
	if e.list != l {
		panic("list: element does not belong to this list")
	}
	e.prev.next = e.next
	e.next.prev = e.prev
	e.next = nil
	e.prev = nil
	e.list = nil
	l.len--
}

// PushFront inserts a new element with value v at the front of list l.
func (l *List[T]) PushFront(v T) *Element[T] {
	return l.insert(&Element[T]{Value: v}, &l.root)
}

// PushFrontValue inserts the caller-allocated element e at the front of list l.
func (l *List[T]) PushFrontValue(e *Element[T]) *Element[T] {
	return l.insert(e, &l.root)
}

// PushBack inserts a new element with value v at the back of list l.
func (l *List[T]) PushBack(v T) *Element[T] {
	return l.insert(&Element[T]{Value: v}, l.root.prev)
}

// PushBackValue inserts the caller-allocated element e at the back of list l.
func (l *List[T]) PushBackValue(e *Element[T]) *Element[T] {
	return l.insert(e, l.root.prev)
}
