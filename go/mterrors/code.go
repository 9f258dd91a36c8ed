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

// Package mterrors defines the coded errors surfaced by sqlclient and its pools.
//
// Every error carries a Kind, which callers match with errors.Is against the
// Err* sentinels, and a stable ID that is part of the message.
// Errors returned by the database driver itself are never wrapped in an
// *Error; they reach the caller unmodified.
package mterrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error.
type Kind int

const (
	// KindUnknown is the zero Kind.
	KindUnknown Kind = iota
	// KindConfig is a malformed data source configuration.
	KindConfig
	// KindConnectionOpen is a failure of the driver to establish a physical connection.
	KindConnectionOpen
	// KindPoolExhausted is an acquire that timed out waiting for a free connection.
	KindPoolExhausted
	// KindAlreadyClosed is an operation on a closed client or connection.
	KindAlreadyClosed
)

var kindNames = map[Kind]string{
	KindUnknown:        "Unknown",
	KindConfig:         "ConfigError",
	KindConnectionOpen: "ConnectionOpenError",
	KindPoolExhausted:  "PoolExhaustedError",
	KindAlreadyClosed:  "AlreadyClosedError",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Errors added to the list of variables below must be added to the Errors slice a little below in this same file.

var (
	// MT14001 Invalid data source configuration
	MT14001 = errorWithKind("MT14001", KindConfig, "invalid data source configuration: %s", "The data source configuration could not be decoded or failed validation. Check the url, pool size and timeout settings.")

	// MT14002 Connection open failure
	MT14002 = errorWithKind("MT14002", KindConnectionOpen, "failed to open connection for data source %s: %w", "The database driver could not establish a physical connection. The underlying driver error is wrapped.")

	// MT14003 Pool exhausted
	MT14003 = errorWithKind("MT14003", KindPoolExhausted, "timed out after %v waiting for a connection from pool %s", "Every connection of the pool stayed leased for longer than the acquire timeout. Release connections sooner or raise maxPoolSize / acquireTimeoutMillis.")

	// MT14004 Already closed
	MT14004 = errorWithKind("MT14004", KindAlreadyClosed, "%s is already closed", "The client or connection was closed before this operation.")

	// Errors is a list of errors that must match all the variables
	// defined above.
	Errors = []func(args ...any) *Error{
		MT14001,
		MT14002,
		MT14003,
		MT14004,
	}
)

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrConfig         = &Error{Kind: KindConfig, Err: errors.New("configuration error")}
	ErrConnectionOpen = &Error{Kind: KindConnectionOpen, Err: errors.New("connection open error")}
	ErrPoolExhausted  = &Error{Kind: KindPoolExhausted, Err: errors.New("pool exhausted")}
	ErrAlreadyClosed  = &Error{Kind: KindAlreadyClosed, Err: errors.New("already closed")}
)

// Error is a coded error.
type Error struct {
	Err         error
	Description string
	ID          string
	Kind        Kind
}

func (o *Error) Error() string {
	return o.Err.Error()
}

// Cause returns the wrapped error.
func (o *Error) Cause() error {
	return o.Err
}

// Unwrap returns the wrapped error so errors.Is/As reach driver errors.
func (o *Error) Unwrap() error {
	return o.Err
}

// Is reports whether target is a sentinel of the same Kind, or an *Error
// with the same ID.
func (o *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.ID == "" {
		return t.Kind == o.Kind
	}
	return t.ID == o.ID
}

var _ error = (*Error)(nil)

// errorWithKind returns a constructor for errors with a static ID and Kind.
// The short format may use %w to wrap a cause.
func errorWithKind(id string, kind Kind, short, long string) func(args ...any) *Error {
	return func(args ...any) *Error {
		var err error
		if len(args) != 0 {
			err = fmt.Errorf(id+": "+short, args...)
		} else {
			err = errors.New(id + ": " + short)
		}

		return &Error{
			Err:         err,
			Description: long,
			ID:          id,
			Kind:        kind,
		}
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsError reports whether err's message carries the given error ID.
func IsError(err error, code string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), code)
}
