package shardviz

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/manifest-network/shardviz/internal/stats"
)

const (
	keyType    = "type"
	keySort    = "sort"
	keyDesc    = "desc"
	keySummary = "summary"
	keyJSON    = "json"
)

func newLogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "List transaction logs or their metric summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := stats.ParseSortKey(viper.GetString(keySort))
			if err != nil {
				return err
			}
			if typ := viper.GetString(keyType); typ != "" {
				if _, ok := stats.Kind(typ); !ok {
					return fmt.Errorf("unknown transaction type %q", typ)
				}
			}

			c, err := loadClient()
			if err != nil {
				return err
			}
			logs, err := c.TransactionLogs(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to load transaction logs: %w", err)
			}
			logs = stats.Sort(stats.Filter(logs, viper.GetString(keyType)), key, viper.GetBool(keyDesc))

			if viper.GetBool(keySummary) {
				summary := stats.Aggregate(logs)
				if viper.GetBool(keyJSON) {
					return printJSON(cmd.OutOrStdout(), summary)
				}
				return printSummary(cmd, summary)
			}
			if viper.GetBool(keyJSON) {
				return printJSON(cmd.OutOrStdout(), logs)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TX\tSOURCE\tTARGET\tTYPE\tEXEC (ms)\tFINALITY (ms)\tLATENCY (ms)\tTPS")
			for _, l := range logs {
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%.2f\t%.2f\t%.2f\t%.2f\n",
					l.TxID, l.Source, l.Target, l.Type, l.ExecTime, l.FinalityTime, l.PropagationLatency, l.TPS)
			}
			return w.Flush()
		},
	}

	cmd.Flags().String(keyType, "", "Only show Sharded or Non-Sharded transactions")
	cmd.Flags().String(keySort, "", "Sort by exec-time, type or source-target")
	cmd.Flags().Bool(keyDesc, false, "Sort descending")
	cmd.Flags().Bool(keySummary, false, "Print per-type metric summary instead of logs")
	cmd.Flags().Bool(keyJSON, false, "Print JSON")
	return cmd
}

func printSummary(cmd *cobra.Command, s stats.Summary) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tCOUNT\tEXEC (ms)\tFINALITY (ms)\tLATENCY (ms)\tTPS")
	for _, row := range []struct {
		name string
		ts   stats.TypeSummary
	}{{"Sharded", s.Sharded}, {"Non-Sharded", s.NonSharded}} {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n", row.name, row.ts.Count,
			row.ts.Mean.ExecTime, row.ts.Mean.FinalityTime, row.ts.Mean.PropagationLatency, row.ts.Mean.TPS)
	}
	fmt.Fprintf(w, "Total\t%d\t\t\t\t\n", s.Total)
	if s.Skipped > 0 {
		fmt.Fprintf(w, "Skipped\t%d\t\t\t\t\n", s.Skipped)
	}
	return w.Flush()
}
