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

package servenv

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/multigres/sqlclient/go/viperutil"
)

func restoreDefaultLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
}

func TestLoggerDefaults(t *testing.T) {
	lg := NewLogger(viperutil.NewRegistry())

	assert.Equal(t, "info", lg.GetLogLevel())
	assert.Equal(t, "json", lg.GetLogFormat())
	assert.Equal(t, "stderr", lg.GetLogOutput())
	assert.Same(t, slog.Default(), lg.GetLogger())
}

func TestSetupLoggingToFile(t *testing.T) {
	restoreDefaultLogger(t)

	path := filepath.Join(t.TempDir(), "client.log")
	lg := NewLogger(viperutil.NewRegistry())
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	lg.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--log-level=debug", "--log-output=" + path}))

	var hooked *slog.Logger
	lg.OnLoggingSetup(func(l *slog.Logger) { hooked = l })

	logger := lg.SetupLogging()
	assert.Same(t, logger, hooked)
	assert.Same(t, logger, slog.Default())
	assert.Same(t, logger, lg.SetupLogging(), "setup runs once")

	logger.Debug("pool opened", "pool", "orders")
	require.NoError(t, lg.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &entry))
	assert.Equal(t, "DEBUG", entry["level"])
	assert.Equal(t, "pool opened", entry["msg"])
	assert.Equal(t, "orders", entry["pool"])
}

func TestSetupLoggingTextFormat(t *testing.T) {
	restoreDefaultLogger(t)

	path := filepath.Join(t.TempDir(), "client.log")
	t.Setenv("SQLCLIENT_LOG_FORMAT", "text")
	t.Setenv("SQLCLIENT_LOG_OUTPUT", path)
	lg := NewLogger(viperutil.NewRegistry())

	lg.SetupLogging().Info("hello")
	lg.SetupLogging().Debug("hidden at info level")
	require.NoError(t, lg.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "level=INFO msg=hello")
	assert.NotContains(t, string(data), "hidden")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

type taggingHandler struct {
	slog.Handler
}

func (h taggingHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(slog.Bool("wrapped", true))
	return h.Handler.Handle(ctx, r)
}

func TestSetupLoggingHandlerWrapper(t *testing.T) {
	restoreDefaultLogger(t)

	path := filepath.Join(t.TempDir(), "client.log")
	lg := NewLogger(viperutil.NewRegistry())
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	lg.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--log-output=" + path}))
	lg.SetHandlerWrapper(func(h slog.Handler) slog.Handler { return taggingHandler{h} })

	lg.SetupLogging().Info("ready")
	require.NoError(t, lg.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, true, entry["wrapped"])
}
