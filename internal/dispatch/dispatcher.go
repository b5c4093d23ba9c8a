// Package dispatch validates and submits transactions to the ledger backend.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/manifest-network/shardviz/internal/config"
	"github.com/manifest-network/shardviz/internal/models"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

// Dispatch modes, used for logging and metrics.
const (
	ModeSingle     = "single"
	ModeParallel   = "parallel"
	ModeCrossShard = "cross_shard"
)

// Submitter is the subset of the backend client the dispatcher needs.
type Submitter interface {
	SubmitTransaction(ctx context.Context, tx models.TransactionRequest) (string, error)
	SubmitBatch(ctx context.Context, entries []models.BatchEntry) ([]string, error)
	SubmitCrossShard(ctx context.Context, tx models.CrossShardRequest) (string, error)
}

// ShardResolver maps a node to its shard. graph.Graph satisfies it.
type ShardResolver interface {
	ShardOf(id models.NodeID) (int, bool)
}

// Observer receives the outcome of every dispatch.
type Observer interface {
	ObserveDispatch(mode string, accepted int, err error)
}

// Submission is a single transaction from one source to one or more targets.
type Submission struct {
	Source    models.NodeID   `json:"source"`
	Targets   []models.NodeID `json:"targets"`
	Data      string          `json:"data"`
	IsSharded bool            `json:"is_sharded"`
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithProgress renders a progress bar for parallel submissions on w.
func WithProgress(w io.Writer) Option {
	return func(d *Dispatcher) { d.progress = w }
}

// WithObserver reports dispatch outcomes to o.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// Dispatcher submits transactions. It returns as soon as the backend accepts
// a submission and never waits for completion.
type Dispatcher struct {
	backend  Submitter
	cfg      config.DispatchConfig
	progress io.Writer
	observer Observer
}

// New builds a dispatcher.
func New(backend Submitter, cfg config.DispatchConfig, opts ...Option) *Dispatcher {
	d := &Dispatcher{backend: backend, cfg: cfg}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) observe(mode string, accepted int, err error) {
	if d.observer != nil {
		d.observer.ObserveDispatch(mode, accepted, err)
	}
}

// validateBase runs the checks shared by single and cross-shard submissions.
func validateBase(sub Submission, shards ShardResolver) error {
	if sub.Source == models.NoNode {
		return invalid(ErrMissingSource)
	}
	if len(sub.Targets) == 0 {
		return invalid(ErrMissingTarget)
	}
	if strings.TrimSpace(sub.Data) == "" {
		return invalid(ErrBlankData)
	}
	for _, t := range sub.Targets {
		if t == sub.Source {
			return invalid(ErrSelfTransaction, t)
		}
	}
	if shards == nil {
		return nil
	}
	var unknown []models.NodeID
	for _, id := range append([]models.NodeID{sub.Source}, sub.Targets...) {
		if _, ok := shards.ShardOf(id); !ok {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		return invalid(ErrUnknownNode, unknown...)
	}
	return nil
}

// mismatches lists targets whose shard differs from the source shard.
// Both source and targets must resolve.
func mismatches(sub Submission, shards ShardResolver) []ShardMismatch {
	sourceShard, _ := shards.ShardOf(sub.Source)
	var out []ShardMismatch
	for _, t := range sub.Targets {
		targetShard, _ := shards.ShardOf(t)
		if targetShard != sourceShard {
			out = append(out, ShardMismatch{Target: t, TargetShard: targetShard, SourceShard: sourceShard})
		}
	}
	return out
}

// IsCrossShard reports whether any target lives in a different shard than the source.
func IsCrossShard(sub Submission, shards ShardResolver) bool {
	if shards == nil || sub.Source == models.NoNode {
		return false
	}
	if _, ok := shards.ShardOf(sub.Source); !ok {
		return false
	}
	for _, t := range sub.Targets {
		if _, ok := shards.ShardOf(t); !ok {
			return false
		}
	}
	return len(mismatches(sub, shards)) > 0
}

// ValidateSingle checks a single submission without sending it.
func ValidateSingle(sub Submission, shards ShardResolver) error {
	if err := validateBase(sub, shards); err != nil {
		return err
	}
	if sub.IsSharded {
		return nil
	}
	if shards == nil {
		return invalid(ErrNoTopology)
	}
	if mm := mismatches(sub, shards); len(mm) > 0 {
		return &ValidationError{Err: ErrShardMismatch, Draft: -1, Mismatches: mm}
	}
	return nil
}

// Single validates and submits one transaction, returning its id.
func (d *Dispatcher) Single(ctx context.Context, sub Submission, shards ShardResolver) (string, error) {
	if err := ValidateSingle(sub, shards); err != nil {
		d.observe(ModeSingle, 0, err)
		return "", err
	}

	id, err := d.backend.SubmitTransaction(ctx, models.TransactionRequest{
		Source:    sub.Source,
		Target:    sub.Targets,
		Data:      sub.Data,
		IsSharded: sub.IsSharded,
	})
	if err != nil {
		d.observe(ModeSingle, 0, err)
		return "", fmt.Errorf("failed to submit transaction: %w", err)
	}

	slog.Info("Transaction submitted", "id", id, "source", sub.Source, "targets", len(sub.Targets), "sharded", sub.IsSharded)
	d.observe(ModeSingle, 1, nil)
	return id, nil
}

// CrossShard validates and submits a cross-shard transaction. The backend
// replies with a message rather than a transaction id.
func (d *Dispatcher) CrossShard(ctx context.Context, sub Submission, shards ShardResolver) (string, error) {
	err := validateBase(sub, shards)
	if err == nil && shards == nil {
		err = invalid(ErrNoTopology)
	}
	if err == nil && len(mismatches(sub, shards)) == 0 {
		err = invalid(ErrNotCrossShard)
	}
	if err != nil {
		d.observe(ModeCrossShard, 0, err)
		return "", err
	}

	msg, err := d.backend.SubmitCrossShard(ctx, models.CrossShardRequest{
		Source: sub.Source,
		Target: sub.Targets,
		Data:   sub.Data,
	})
	if err != nil {
		d.observe(ModeCrossShard, 0, err)
		return "", fmt.Errorf("failed to submit cross-shard transaction: %w", err)
	}

	slog.Info("Cross-shard transaction submitted", "source", sub.Source, "targets", len(sub.Targets), "message", msg)
	d.observe(ModeCrossShard, 1, nil)
	return msg, nil
}

// Parallel parses drafts and submits them in batches. See SubmitEntries.
func (d *Dispatcher) Parallel(ctx context.Context, drafts []Draft) ([]string, error) {
	entries, err := ParseDrafts(drafts)
	if err != nil {
		d.observe(ModeParallel, 0, err)
		return nil, err
	}
	return d.SubmitEntries(ctx, entries)
}

type batchResult struct {
	ids []string
	err error
}

// SubmitEntries splits entries into batches of the configured size and sends
// every batch concurrently. Batches are independent: the returned ids are
// those of every accepted batch, in batch then intra-batch order, and a
// *BatchError lists the batches that failed.
func (d *Dispatcher) SubmitEntries(ctx context.Context, entries []models.BatchEntry) ([]string, error) {
	if len(entries) == 0 {
		err := invalid(ErrNoTransactions)
		d.observe(ModeParallel, 0, err)
		return nil, err
	}
	for i, e := range entries {
		if err := ValidateEntry(e); err != nil {
			var verr *ValidationError
			if !errors.As(err, &verr) {
				verr = &ValidationError{Err: err}
			}
			verr.Draft = i
			d.observe(ModeParallel, 0, verr)
			return nil, verr
		}
	}

	batches := Batches(entries, d.cfg.BatchSize)
	results := make([]batchResult, len(batches))
	bar := d.newProgressBar(len(batches))

	var eg errgroup.Group
	sem := make(chan struct{}, max(d.cfg.MaxConcurrency, 1))

	for i, batch := range batches {
		sem <- struct{}{}

		eg.Go(func() error {
			defer func() { <-sem }()

			ids, err := d.backend.SubmitBatch(ctx, batch)
			results[i] = batchResult{ids: ids, err: err}
			if err != nil {
				slog.Error("Batch dispatch failed", "batch", i, "size", len(batch), "error", err)
			}

			if bar != nil {
				if err := bar.Add(1); err != nil {
					slog.Warn("Failed to update progress bar", "error", err)
				}
			}
			// Failures are collected per batch so the other batches keep running.
			return nil
		})
	}
	_ = eg.Wait()

	if bar != nil {
		if err := bar.Finish(); err != nil {
			slog.Warn("Failed to finish progress bar", "error", err)
		}
	}

	var ids []string
	var failures []BatchFailure
	for i, r := range results {
		if r.err != nil {
			failures = append(failures, BatchFailure{Batch: i, Size: len(batches[i]), Err: r.err})
			continue
		}
		ids = append(ids, r.ids...)
	}

	slog.Info("Parallel transactions dispatched", "entries", len(entries), "batches", len(batches), "ids", len(ids), "failedBatches", len(failures))

	if len(failures) > 0 {
		err := &BatchError{Batches: len(batches), Failures: failures}
		d.observe(ModeParallel, len(ids), err)
		return ids, err
	}
	d.observe(ModeParallel, len(ids), nil)
	return ids, nil
}

func (d *Dispatcher) newProgressBar(total int) *progressbar.ProgressBar {
	if d.progress == nil || total < 2 {
		return nil
	}
	bar := progressbar.NewOptions(
		total,
		progressbar.OptionSetWriter(d.progress),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetDescription("Dispatching batches..."),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	if err := bar.RenderBlank(); err != nil {
		slog.Warn("Failed to render progress bar", "error", err)
	}
	return bar
}
