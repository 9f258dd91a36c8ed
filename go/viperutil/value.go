// Copyright 2023 The Vitess Authors.
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
//
// Modifications Copyright 2025 Supabase, Inc.

package viperutil

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Registerable is a config value that can be bound to a flag.
type Registerable interface {
	Key() string
	FlagName() string
	bind(fs *pflag.FlagSet) error
}

// Value is a typed config value resolved by viper from, in order of
// precedence, an explicit Set, a bound flag, an environment variable, the
// config file, and the default.
type Value[T any] interface {
	Registerable
	Get() T
	Set(v T)
	Default() T
}

// Options configures a Value.
type Options[T any] struct {
	// Aliases are additional keys that resolve to this value.
	Aliases []string
	// FlagName is the pflag bound by BindFlags. Empty means no flag.
	FlagName string
	// EnvVars are bound in order; the first one set wins.
	EnvVars []string
	// Default is returned when no other source provides the value.
	Default T
	// GetFunc overrides how the value is read from viper.
	GetFunc func(v *viper.Viper) func(key string) T
}

// Configure registers key on reg and returns a Value that reads it.
func Configure[T any](reg *Registry, key string, opts Options[T]) Value[T] {
	v := reg.static
	v.SetDefault(key, opts.Default)

	for _, alias := range opts.Aliases {
		v.RegisterAlias(alias, key)
	}

	if len(opts.EnvVars) > 0 {
		vars := append([]string{key}, opts.EnvVars...)
		if err := v.BindEnv(vars...); err != nil {
			// BindEnv only fails when no names are given.
			panic(fmt.Sprintf("viperutil: binding env for %s: %v", key, err))
		}
	}

	getFunc := opts.GetFunc
	if getFunc == nil {
		getFunc = getFuncForType[T]
	}

	return &static[T]{
		key:        key,
		flagName:   opts.FlagName,
		defaultVal: opts.Default,
		v:          v,
		get:        getFunc(v),
	}
}

// BindFlags binds each value's FlagName in fs to its key. Values without a
// flag name are skipped. Flags must already be defined on fs.
func BindFlags(fs *pflag.FlagSet, values ...Registerable) {
	for _, val := range values {
		if err := val.bind(fs); err != nil {
			slog.Error("failed to bind flag", "key", val.Key(), "flag", val.FlagName(), "error", err)
		}
	}
}

type static[T any] struct {
	key        string
	flagName   string
	defaultVal T
	v          *viper.Viper
	get        func(key string) T
}

func (s *static[T]) Key() string      { return s.key }
func (s *static[T]) FlagName() string { return s.flagName }
func (s *static[T]) Default() T       { return s.defaultVal }
func (s *static[T]) Get() T           { return s.get(s.key) }
func (s *static[T]) Set(v T)          { s.v.Set(s.key, v) }

func (s *static[T]) bind(fs *pflag.FlagSet) error {
	if s.flagName == "" {
		return nil
	}
	f := fs.Lookup(s.flagName)
	if f == nil {
		return fmt.Errorf("flag %s is not defined", s.flagName)
	}
	return s.v.BindPFlag(s.key, f)
}

// getFuncForType picks the viper getter matching T. Types viper has no
// getter for are decoded with UnmarshalKey.
func getFuncForType[T any](v *viper.Viper) func(key string) T {
	var zero T
	var f any
	switch any(zero).(type) {
	case string:
		f = v.GetString
	case bool:
		f = v.GetBool
	case int:
		f = v.GetInt
	case int64:
		f = v.GetInt64
	case float64:
		f = v.GetFloat64
	case time.Duration:
		f = v.GetDuration
	case []string:
		f = v.GetStringSlice
	case map[string]string:
		f = v.GetStringMapString
	default:
		return func(key string) T {
			var out T
			if err := v.UnmarshalKey(key, &out); err != nil {
				slog.Warn("failed to decode config value", "key", key, "error", err)
			}
			return out
		}
	}
	return f.(func(string) T)
}
