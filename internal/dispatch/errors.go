package dispatch

import (
	"fmt"
	"strings"

	"github.com/manifest-network/shardviz/internal/models"
	"github.com/pkg/errors"
)

// Validation failure causes. They are wrapped in *ValidationError.
var (
	ErrMissingSource   = errors.New("source node is required")
	ErrMissingTarget   = errors.New("at least one target node is required")
	ErrBlankData       = errors.New("transaction data must not be blank")
	ErrSelfTransaction = errors.New("a node cannot send a transaction to itself")
	ErrUnknownNode     = errors.New("node is not part of the current graph")
	ErrShardMismatch   = errors.New("non-sharded transaction targets another shard")
	ErrNotCrossShard   = errors.New("every target shares the source shard")
	ErrNoTopology      = errors.New("shard topology is required for this check")
	ErrNoTransactions  = errors.New("no transactions to dispatch")
)

// ShardMismatch describes a target outside the source's shard.
type ShardMismatch struct {
	Target      models.NodeID `json:"target"`
	TargetShard int           `json:"target_shard"`
	SourceShard int           `json:"source_shard"`
}

// ValidationError is returned before any network call is made.
type ValidationError struct {
	Err error
	// Draft is the position of the offending draft in a parallel submission, or -1.
	Draft      int
	Nodes      []models.NodeID
	Mismatches []ShardMismatch
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if e.Draft >= 0 {
		fmt.Fprintf(&b, "draft %d: ", e.Draft)
	}
	b.WriteString(e.Err.Error())
	if len(e.Nodes) > 0 {
		ids := make([]string, len(e.Nodes))
		for i, n := range e.Nodes {
			ids[i] = n.String()
		}
		fmt.Fprintf(&b, " (nodes %s)", strings.Join(ids, ","))
	}
	if len(e.Mismatches) > 0 {
		parts := make([]string, len(e.Mismatches))
		for i, m := range e.Mismatches {
			parts[i] = fmt.Sprintf("node %d is in shard %d, source is in shard %d", m.Target, m.TargetShard, m.SourceShard)
		}
		fmt.Fprintf(&b, ": %s", strings.Join(parts, "; "))
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(err error, nodes ...models.NodeID) *ValidationError {
	return &ValidationError{Err: err, Draft: -1, Nodes: nodes}
}

// BatchFailure is one failed batch of a parallel submission.
type BatchFailure struct {
	Batch int
	Size  int
	Err   error
}

// BatchError reports the failed batches of a parallel submission. Ids of the
// batches that succeeded are still returned alongside it.
type BatchError struct {
	Batches  int
	Failures []BatchFailure
}

func (e *BatchError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("batch %d (%d transactions): %v", f.Batch, f.Size, f.Err)
	}
	return fmt.Sprintf("%d of %d batches failed: %s", len(e.Failures), e.Batches, strings.Join(parts, "; "))
}

func (e *BatchError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}
