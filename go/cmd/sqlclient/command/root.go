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

// Package command implements the sqlclient command line.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/multigres/sqlclient/go/pools/connpool"
	"github.com/multigres/sqlclient/go/servenv"
	"github.com/multigres/sqlclient/go/sqlclient"
	"github.com/multigres/sqlclient/go/tools/telemetry"
	"github.com/multigres/sqlclient/go/viperutil"
)

// SQLClientCommand holds the configuration shared by sqlclient commands.
type SQLClientCommand struct {
	reg       *viperutil.Registry
	vc        *viperutil.ViperConfig
	lg        *servenv.Logger
	telemetry *telemetry.Telemetry
	fs        afero.Fs
	registry  *sqlclient.Registry

	url             viperutil.Value[string]
	username        viperutil.Value[string]
	password        viperutil.Value[string]
	maxPoolSize     viperutil.Value[int]
	acquireTimeout  viperutil.Value[time.Duration]
	datasourcesFile viperutil.Value[string]
	datasource      viperutil.Value[string]
}

// GetRootCommand creates and returns the root command for sqlclient with all subcommands.
func GetRootCommand() *cobra.Command {
	return newRootCommand(afero.NewOsFs(), sqlclient.DefaultRegistry())
}

func newRootCommand(fs afero.Fs, registry *sqlclient.Registry) *cobra.Command {
	reg := viperutil.NewRegistry()
	reg.SetFs(fs)
	sc := &SQLClientCommand{
		reg:       reg,
		vc:        viperutil.NewViperConfig(reg),
		lg:        servenv.NewLogger(reg),
		telemetry: telemetry.NewTelemetry(),
		fs:        fs,
		registry:  registry,

		url: viperutil.Configure(reg, "datasource.url", viperutil.Options[string]{
			FlagName: "url",
			EnvVars:  []string{"SQLCLIENT_URL"},
		}),
		username: viperutil.Configure(reg, "datasource.username", viperutil.Options[string]{
			FlagName: "username",
			EnvVars:  []string{"SQLCLIENT_USERNAME"},
		}),
		password: viperutil.Configure(reg, "datasource.password", viperutil.Options[string]{
			FlagName: "password",
			EnvVars:  []string{"SQLCLIENT_PASSWORD"},
		}),
		maxPoolSize: viperutil.Configure(reg, "datasource.max-pool-size", viperutil.Options[int]{
			FlagName: "max-pool-size",
			Default:  4,
		}),
		acquireTimeout: viperutil.Configure(reg, "datasource.acquire-timeout", viperutil.Options[time.Duration]{
			FlagName: "acquire-timeout",
			Default:  10 * time.Second,
		}),
		datasourcesFile: viperutil.Configure(reg, "datasources-file", viperutil.Options[string]{
			FlagName: "datasources-file",
			EnvVars:  []string{"SQLCLIENT_DATASOURCES_FILE"},
		}),
		datasource: viperutil.Configure(reg, "datasource.name", viperutil.Options[string]{
			FlagName: "datasource",
		}),
	}

	var span trace.Span
	root := &cobra.Command{
		Use:   "sqlclient",
		Short: "Run SQL against pooled, shareable data sources",
		Long: `sqlclient runs statements against databases reached through pooled
connections. Data sources are defined by --url on the command line, by the
"datasources" section of the config file, or by a YAML file given with
--datasources-file:

  orders:
    url: jdbc:postgresql://localhost:5432/orders
    username: app
    maxPoolSize: 10
  cache:
    url: sqlite:/var/lib/app/cache.db

Configuration:
  sqlclient searches for a config file named 'sqlclient' (.yaml, .yml, .json,
  .toml) in the directories given by --config-path, unless --config-file is
  set.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Silence usage for application errors, but allow it for flag errors
			cmd.SilenceUsage = true

			if err := sc.vc.LoadConfig(sc.reg); err != nil {
				return err
			}
			var err error
			if span, err = sc.telemetry.InitForCommand(cmd, "sqlclient", true); err != nil {
				return err
			}
			sc.lg.SetHandlerWrapper(sc.telemetry.WrapSlogHandler)
			sc.lg.SetupLogging()
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			span.End()

			// Flush spans and metrics before the process exits.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sc.telemetry.ShutdownTelemetry(ctx); err != nil {
				return fmt.Errorf("failed to shutdown OpenTelemetry: %w", err)
			}
			return sc.lg.Close()
		},
	}

	flags := root.PersistentFlags()
	sc.vc.RegisterFlags(flags)
	sc.lg.RegisterFlags(flags)
	flags.String("url", sc.url.Default(), "Database URL (jdbc:postgresql://…, mysql://…, sqlite:…)")
	flags.String("username", sc.username.Default(), "Database user")
	flags.String("password", sc.password.Default(), "Database password")
	flags.Int("max-pool-size", sc.maxPoolSize.Default(), "Pool size of the data source given by --url")
	flags.Duration("acquire-timeout", sc.acquireTimeout.Default(), "How long to wait for a free connection")
	flags.String("datasources-file", sc.datasourcesFile.Default(), "YAML file of named data sources")
	flags.String("datasource", sc.datasource.Default(), "Name of the data source to use")
	viperutil.BindFlags(flags, sc.url, sc.username, sc.password, sc.maxPoolSize, sc.acquireTimeout,
		sc.datasourcesFile, sc.datasource)

	AddQueryCommand(root, sc)
	AddPingCommand(root, sc)
	AddServeCommand(root, sc)

	return root
}

// clientOptions returns the options every client of the command is built with.
func (sc *SQLClientCommand) clientOptions() []sqlclient.Option {
	opts := []sqlclient.Option{
		sqlclient.WithRegistry(sc.registry),
		sqlclient.WithLogger(sc.logger()),
		sqlclient.WithTracerProvider(sc.telemetry.GetTracerProvider()),
	}
	meter := sc.telemetry.GetMeterProvider().Meter("github.com/multigres/sqlclient")
	connCount, err := connpool.NewConnectionCount(meter)
	if err != nil {
		sc.logger().Warn("cannot create connection count metric", "error", err)
	} else {
		opts = append(opts, sqlclient.WithConnectionCount(connCount))
	}
	return opts
}

func (sc *SQLClientCommand) logger() *slog.Logger {
	return sc.lg.GetLogger()
}

// selectDataSource returns the data source chosen by --datasource, or the
// only one defined.
func (sc *SQLClientCommand) selectDataSource() (string, sqlclient.Config, error) {
	sources, err := sc.dataSources()
	if err != nil {
		return "", nil, err
	}

	if name := sc.datasource.Get(); name != "" {
		cfg, ok := sources[name]
		if !ok {
			return "", nil, fmt.Errorf("data source %q is not defined", name)
		}
		return name, cfg, nil
	}
	switch len(sources) {
	case 0:
		return "", nil, fmt.Errorf("no data source defined: use --url, --datasources-file or the config file")
	case 1:
		for name, cfg := range sources {
			return name, cfg, nil
		}
	}
	return "", nil, fmt.Errorf("%d data sources defined: choose one with --datasource", len(sources))
}
