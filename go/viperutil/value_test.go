// Copyright 2025 Supabase, Inc.
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

package viperutil

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureDefaults(t *testing.T) {
	reg := NewRegistry()
	s := Configure(reg, "s", Options[string]{Default: "x"})
	i := Configure(reg, "i", Options[int]{Default: 3})
	d := Configure(reg, "d", Options[time.Duration]{Default: time.Second})
	ss := Configure(reg, "ss", Options[[]string]{Default: []string{"a", "b"}})

	assert.Equal(t, "x", s.Get())
	assert.Equal(t, 3, i.Get())
	assert.Equal(t, time.Second, d.Get())
	assert.Equal(t, []string{"a", "b"}, ss.Get())
	assert.Equal(t, "x", s.Default())
	assert.Equal(t, "s", s.Key())
}

func TestConfigureFlagOverridesEnv(t *testing.T) {
	t.Setenv("TEST_POOL_SIZE", "7")

	reg := NewRegistry()
	size := Configure(reg, "pool.size", Options[int]{
		Default:  15,
		FlagName: "pool-size",
		EnvVars:  []string{"TEST_POOL_SIZE"},
	})
	assert.Equal(t, 7, size.Get(), "env var should override the default")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("pool-size", size.Default(), "")
	BindFlags(fs, size)

	// Unset flags do not shadow the environment.
	assert.Equal(t, 7, size.Get())

	require.NoError(t, fs.Parse([]string{"--pool-size=2"}))
	assert.Equal(t, 2, size.Get())

	size.Set(9)
	assert.Equal(t, 9, size.Get())
}

func TestConfigureAliases(t *testing.T) {
	reg := NewRegistry()
	user := Configure(reg, "username", Options[string]{Aliases: []string{"user"}})

	reg.static.Set("user", "alice")
	assert.Equal(t, "alice", user.Get())
}

func TestBindFlagsSkipsMissingFlag(t *testing.T) {
	reg := NewRegistry()
	v := Configure(reg, "k", Options[string]{FlagName: "undefined-flag", Default: "d"})
	noFlag := Configure(reg, "n", Options[string]{})

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	assert.NotPanics(t, func() { BindFlags(fs, v, noFlag) })
	assert.Equal(t, "d", v.Get())
}

type point struct {
	X int `mapstructure:"x"`
	Y int `mapstructure:"y"`
}

func TestConfigureStructFallsBackToUnmarshal(t *testing.T) {
	reg := NewRegistry()
	p := Configure(reg, "p", Options[point]{})
	reg.static.Set("p", map[string]any{"x": 1, "y": 2})
	assert.Equal(t, point{X: 1, Y: 2}, p.Get())
}
