package shardviz

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/manifest-network/shardviz/internal/config"
	"github.com/manifest-network/shardviz/internal/graph"
	"github.com/manifest-network/shardviz/internal/models"
)

const keyShard = "shard"

func newGraphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the laid out ledger graph as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadClient()
			if err != nil {
				return err
			}
			opts := graph.DefaultBuildOptions()
			if opts.EdgeMode, err = graph.ParseEdgeMode(viper.GetString(config.KeyEdgeMode)); err != nil {
				return err
			}

			var blocks []models.Block
			if cmd.Flags().Changed(keyShard) {
				blocks, err = c.FetchShard(cmd.Context(), viper.GetInt(keyShard))
			} else {
				blocks, err = c.FetchChain(cmd.Context())
			}
			if err != nil {
				return fmt.Errorf("failed to fetch blocks: %w", err)
			}

			return printJSON(cmd.OutOrStdout(), graph.Build(blocks, opts))
		},
	}

	cmd.Flags().Int(keyShard, 0, "Only lay out the blocks of this shard")
	cmd.Flags().String(config.KeyEdgeMode, string(graph.EdgeModeIndex), "Edge derivation (index|hash)")
	return cmd
}
