package shardviz

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/manifest-network/shardviz/internal/dispatch"
	"github.com/manifest-network/shardviz/internal/engine"
	"github.com/manifest-network/shardviz/internal/utils"
)

const (
	keySource  = "source"
	keyTargets = "targets"
	keyData    = "data"
	keySharded = "sharded"
	keyWait    = "wait"
	keyFile    = "file"
	keyDraft   = "draft"
)

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit transactions to the ledger",
	}
	cmd.AddCommand(newSubmitSingleCmd(), newSubmitBatchCmd(), newSubmitCrossShardCmd())
	return cmd
}

func addSubmissionFlags(cmd *cobra.Command) {
	cmd.Flags().String(keySource, "", "Source node id")
	cmd.Flags().String(keyTargets, "", "Comma-separated target node ids")
	cmd.Flags().String(keyData, "", "Transaction payload")
	cmd.Flags().Bool(keyWait, false, "Wait until the submitted transactions resolve")
}

func submissionFromCLI() (dispatch.Submission, error) {
	sub := dispatch.Submission{Data: viper.GetString(keyData), IsSharded: viper.GetBool(keySharded)}
	var err error
	if sub.Source, err = utils.ParseNodeID(viper.GetString(keySource)); err != nil {
		return sub, fmt.Errorf("invalid --%s: %w", keySource, err)
	}
	if sub.Targets, err = utils.ParseNodeIDs(viper.GetString(keyTargets)); err != nil {
		return sub, fmt.Errorf("invalid --%s: %w", keyTargets, err)
	}
	return sub, nil
}

// waitIfRequested blocks until e has no pending transactions when --wait is set.
func waitIfRequested(cmd *cobra.Command, e *engine.Engine) error {
	if !viper.GetBool(keyWait) {
		return nil
	}
	slog.Info("Waiting for transactions to resolve", "pending", e.Pending().Len())
	if err := e.Wait(cmd.Context()); err != nil {
		return fmt.Errorf("failed waiting for transactions: %w", err)
	}
	slog.Info("Transactions resolved", "confirmedNodes", len(e.Confirmed()))
	return nil
}

func newSubmitSingleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "single",
		Short: "Submit one transaction from a source to its targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, err := submissionFromCLI()
			if err != nil {
				return err
			}
			e, err := loadEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			id, err := e.Submit(cmd.Context(), sub)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return waitIfRequested(cmd, e)
		},
	}
	addSubmissionFlags(cmd)
	addReconcileFlags(cmd)
	cmd.Flags().Bool(keySharded, false, "Allow targets outside the source shard")
	return cmd
}

func newSubmitCrossShardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cross-shard",
		Short: "Submit a transaction whose targets span other shards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, err := submissionFromCLI()
			if err != nil {
				return err
			}
			e, err := loadEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			msg, err := e.SubmitCrossShard(cmd.Context(), sub)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
	cmd.Flags().String(keySource, "", "Source node id")
	cmd.Flags().String(keyTargets, "", "Comma-separated target node ids")
	cmd.Flags().String(keyData, "", "Transaction payload")
	addReconcileFlags(cmd)
	return cmd
}

// loadDrafts reads drafts from --file (a JSON array) and appends every
// --draft flag, each formatted as "sources;targets;data".
func loadDrafts(cmd *cobra.Command) ([]dispatch.Draft, error) {
	var drafts []dispatch.Draft
	if path := viper.GetString(keyFile); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := json.Unmarshal(b, &drafts); err != nil {
			return nil, fmt.Errorf("failed to decode drafts in %s: %w", path, err)
		}
	}
	raws, err := cmd.Flags().GetStringArray(keyDraft)
	if err != nil {
		return nil, err
	}
	for _, raw := range raws {
		d, err := parseDraftFlag(raw)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, d)
	}
	return drafts, nil
}

func parseDraftFlag(raw string) (dispatch.Draft, error) {
	parts := strings.SplitN(raw, ";", 3)
	if len(parts) != 3 {
		return dispatch.Draft{}, fmt.Errorf("invalid --%s %q: want sources;targets;data", keyDraft, raw)
	}
	return dispatch.Draft{Source: parts[0], Target: parts[1], Data: parts[2]}, nil
}

func newSubmitBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Submit many transactions in concurrent batches",
		Example: `  shardviz submit batch --draft "1,2;3;pay" --draft "4;5,6;fee"
  shardviz submit batch --file drafts.json --batch-size 5 --wait`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			drafts, err := loadDrafts(cmd)
			if err != nil {
				return err
			}
			e, err := loadEngine(cmd.Context(), engine.WithProgress(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer e.Close()

			ids, err := e.SubmitBatch(cmd.Context(), drafts)
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			var batchErr *dispatch.BatchError
			if err != nil && !errors.As(err, &batchErr) {
				return err
			}
			if werr := waitIfRequested(cmd, e); werr != nil {
				return werr
			}
			return err
		},
	}
	addDispatchFlags(cmd)
	addReconcileFlags(cmd)
	cmd.Flags().String(keyFile, "", "JSON file holding an array of {source,target,data} drafts")
	cmd.Flags().StringArray(keyDraft, nil, "Draft as sources;targets;data (repeatable)")
	cmd.Flags().Bool(keyWait, false, "Wait until the submitted transactions resolve")
	return cmd
}
