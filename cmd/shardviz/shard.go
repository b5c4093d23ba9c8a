package shardviz

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/manifest-network/shardviz/internal/utils"
)

const keyNodes = "nodes"

func newShardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shard",
		Short: "Manage shard assignment",
	}

	assign := &cobra.Command{
		Use:   "assign",
		Short: "Move nodes into a shard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := utils.ParseNodeIDs(viper.GetString(keyNodes))
			if err != nil {
				return fmt.Errorf("invalid --%s: %w", keyNodes, err)
			}
			e, err := loadEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			shardID := viper.GetInt(keyShard)
			if err := e.AssignShard(cmd.Context(), shardID, nodes); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "assigned %s to shard %d\n", utils.JoinNodeIDs(nodes), shardID)
			return nil
		},
	}
	assign.Flags().Int(keyShard, 0, "Destination shard id")
	assign.Flags().String(keyNodes, "", "Comma-separated node ids")
	if err := assign.MarkFlagRequired(keyShard); err != nil {
		panic(err)
	}

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Reset the ledger to its initial chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ledger reset, %d nodes\n", len(e.Graph().Nodes))
			return nil
		},
	}

	cmd.AddCommand(assign, reset)
	return cmd
}
