package shardviz

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/manifest-network/shardviz/internal/models"
)

const keyMode = "mode"

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Trigger a backend benchmark run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var option int
			switch mode := viper.GetString(keyMode); mode {
			case "sharded":
				option = models.RunSharded
			case "non-sharded":
				option = models.RunNonSharded
			case "stress":
				option = models.RunStress
			default:
				return fmt.Errorf("unknown run mode %q", mode)
			}

			c, err := loadClient()
			if err != nil {
				return err
			}
			msg, err := c.ExecuteRun(cmd.Context(), option)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
	cmd.Flags().String(keyMode, "sharded", "Run mode (sharded|non-sharded|stress)")
	return cmd
}

func newConflictsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "Print concurrency conflicts recorded by the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadClient()
			if err != nil {
				return err
			}
			conflicts, err := c.Conflicts(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), conflicts)
		},
	}
}
