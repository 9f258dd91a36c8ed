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
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/multigres/sqlclient/go/servenv"
	"github.com/multigres/sqlclient/go/sqlclient"
)

// AddServeCommand adds the serve subcommand to root.
func AddServeCommand(root *cobra.Command, sc *SQLClientCommand) {
	var (
		addr  string
		pprof bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep every data source's pool open and export pool metrics",
		Long: `Open a shared client for every defined data source and serve
Prometheus metrics for their pools on /metrics, and the registry's state on
/debug/datasources, until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sources, err := sc.dataSources()
			if err != nil {
				return err
			}
			if len(sources) == 0 {
				return fmt.Errorf("no data source defined: use --url, --datasources-file or the config file")
			}

			opts := sc.clientOptions()
			for name, cfg := range sources {
				client := sqlclient.NewSharedNamed(ctx, cfg, name, opts...)
				defer client.Close()
				if err := client.DataSource().Err(); err != nil {
					sc.logger().WarnContext(ctx, "data source will fail every request", "data_source", name, "error", err)
				}
			}

			srv := newMetricsServer(sc.registry)
			if pprof {
				srv.HTTPRegisterProfile()
			}
			l, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			return srv.HTTPServe(ctx, l)
		},
	}

	cmd.Flags().StringVar(&addr, "http-addr", "localhost:15800", "Address to serve metrics on")
	cmd.Flags().BoolVar(&pprof, "pprof", false, "Serve /debug/pprof")
	root.AddCommand(cmd)
}

func newMetricsServer(registry *sqlclient.Registry) *servenv.HTTPServer {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		sqlclient.NewCollector(registry),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := servenv.NewHTTPServer()
	srv.HTTPHandle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	srv.HTTPHandleFunc("/debug/datasources", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(registry.Stats()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	srv.HTTPHandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return srv
}
