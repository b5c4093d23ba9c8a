// Package jsonl writes engine outputs as newline-delimited JSON records.
package jsonl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/manifest-network/shardviz/internal/output"
	"github.com/manifest-network/shardviz/internal/reconcile"
)

// Record kinds.
const (
	KindSnapshot   = "snapshot"
	KindResolution = "resolution"
	KindSummary    = "summary"
)

// Record is one line of output.
type Record struct {
	Kind       string                  `json:"kind"`
	Snapshot   *output.GraphSnapshot   `json:"snapshot,omitempty"`
	Resolution *reconcile.Resolution   `json:"resolution,omitempty"`
	Summary    *output.SummarySnapshot `json:"summary,omitempty"`
}

type JSONLOutputHandler struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
	latest uint64
}

// New writes records to w. w is not closed by Close.
func New(w io.Writer) *JSONLOutputHandler {
	return &JSONLOutputHandler{enc: json.NewEncoder(w)}
}

// Open appends records to the file at path, creating it if needed.
func Open(path string) (*JSONLOutputHandler, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	h := New(f)
	h.closer = f
	return h, nil
}

func (h *JSONLOutputHandler) write(records ...Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range records {
		if err := h.enc.Encode(r); err != nil {
			return fmt.Errorf("failed to write %s record: %w", r.Kind, err)
		}
	}
	return nil
}

func (h *JSONLOutputHandler) WriteSnapshot(_ context.Context, snap *output.GraphSnapshot) error {
	if err := h.write(Record{Kind: KindSnapshot, Snapshot: snap}); err != nil {
		return err
	}
	h.mu.Lock()
	h.latest = max(h.latest, snap.Generation)
	h.mu.Unlock()
	return nil
}

func (h *JSONLOutputHandler) WriteResolutions(_ context.Context, resolutions []reconcile.Resolution) error {
	records := make([]Record, len(resolutions))
	for i := range resolutions {
		records[i] = Record{Kind: KindResolution, Resolution: &resolutions[i]}
	}
	return h.write(records...)
}

func (h *JSONLOutputHandler) WriteSummary(_ context.Context, summary *output.SummarySnapshot) error {
	return h.write(Record{Kind: KindSummary, Summary: summary})
}

func (h *JSONLOutputHandler) LatestGeneration(context.Context) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest, nil
}

func (h *JSONLOutputHandler) Close() error {
	if h.closer == nil {
		return nil
	}
	return h.closer.Close()
}

var _ output.Sink = (*JSONLOutputHandler)(nil)
