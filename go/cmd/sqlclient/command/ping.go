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

package command

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/multigres/sqlclient/go/sqlclient"
)

// AddPingCommand adds the ping subcommand to root.
func AddPingCommand(root *cobra.Command, sc *SQLClientCommand) {
	var parallel int

	cmd := &cobra.Command{
		Use:   "ping [NAME...]",
		Short: "Check that data sources are reachable",
		Long:  "Open a connection to each named data source, or to all of them, and ping it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if parallel < 1 {
				return fmt.Errorf("--parallel must be at least 1, got %d", parallel)
			}
			sources, err := sc.dataSources()
			if err != nil {
				return err
			}
			names := args
			if len(names) == 0 {
				names = slices.Sorted(maps.Keys(sources))
			}
			if len(names) == 0 {
				return errors.New("no data source defined: use --url, --datasources-file or the config file")
			}

			results := make([]error, len(names))
			elapsed := make([]time.Duration, len(names))
			ctx := cmd.Context()
			var g errgroup.Group
			g.SetLimit(parallel)
			for i, name := range names {
				cfg, ok := sources[name]
				if !ok {
					results[i] = fmt.Errorf("data source %q is not defined", name)
					continue
				}
				g.Go(func() error {
					start := time.Now()
					results[i] = sc.ping(ctx, name, cfg)
					elapsed[i] = time.Since(start)
					// Reported per data source below, without stopping the others.
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var failed []error
			for i, name := range names {
				if results[i] != nil {
					fmt.Fprintf(out, "%s: FAILED: %v\n", name, results[i])
					failed = append(failed, fmt.Errorf("%s: %w", name, results[i]))
					continue
				}
				fmt.Fprintf(out, "%s: ok (%s)\n", name, elapsed[i].Round(time.Millisecond))
			}
			return errors.Join(failed...)
		},
	}

	cmd.Flags().IntVar(&parallel, "parallel", 8, "How many data sources to ping at once")
	root.AddCommand(cmd)
}

func (sc *SQLClientCommand) ping(ctx context.Context, name string, cfg sqlclient.Config) error {
	client := sqlclient.NewSharedNamed(ctx, cfg, name, sc.clientOptions()...)
	defer client.Close()

	conn, err := client.GetConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return conn.Ping(ctx)
}
