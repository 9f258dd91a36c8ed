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
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/multigres/sqlclient/go/sqlclient"
)

// AddQueryCommand adds the query subcommand to root.
func AddQueryCommand(root *cobra.Command, sc *SQLClientCommand) {
	var (
		output string
		update bool
	)

	cmd := &cobra.Command{
		Use:   "query [flags] SQL...",
		Short: "Run SQL statements on one data source",
		Long: `Run each SQL argument, in order, on one pooled connection.

Statements run in a single transaction when --update is given; a failing
statement rolls the transaction back.`,
		Example: `  sqlclient query --url sqlite:app.db "SELECT * FROM users"
  sqlclient query --datasource orders --update "UPDATE orders SET state = 'done' WHERE id = 7"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name, cfg, err := sc.selectDataSource()
			if err != nil {
				return err
			}

			client := sqlclient.NewSharedNamed(ctx, cfg, name, sc.clientOptions()...)
			defer client.Close()

			conn, err := client.GetConnection(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			out := cmd.OutOrStdout()
			if update {
				if err := conn.SetAutoCommit(ctx, false); err != nil {
					return err
				}
				for _, sql := range args {
					res, err := conn.Update(ctx, sql)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%d rows affected\n", res.Updated)
				}
				return conn.Commit(ctx)
			}

			for _, sql := range args {
				rs, err := conn.Query(ctx, sql)
				if err != nil {
					return err
				}
				if err := writeResultSet(out, rs, output); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table, yaml)")
	cmd.Flags().BoolVar(&update, "update", false, "Run statements that change rows, in one transaction")
	root.AddCommand(cmd)
}

func writeResultSet(w io.Writer, rs *sqlclient.ResultSet, format string) error {
	switch format {
	case "yaml":
		rows := make([]map[string]any, 0, rs.NumRows())
		for _, r := range rs.Rows {
			row := make(map[string]any, len(rs.Columns))
			for i, col := range rs.Columns {
				row[col] = r[i]
			}
			rows = append(rows, row)
		}
		enc := yaml.NewEncoder(w)
		if err := enc.Encode(rows); err != nil {
			return err
		}
		return enc.Close()
	case "table":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, strings.Join(rs.Columns, "\t"))
		for _, r := range rs.Rows {
			cells := make([]string, len(r))
			for i, v := range r {
				if v == nil {
					cells[i] = "NULL"
				} else {
					cells[i] = fmt.Sprint(v)
				}
			}
			fmt.Fprintln(tw, strings.Join(cells, "\t"))
		}
		fmt.Fprintf(tw, "(%d rows)\n", rs.NumRows())
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
