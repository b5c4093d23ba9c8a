// Package stats aggregates transaction logs into per-type performance summaries.
package stats

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/manifest-network/shardviz/internal/models"
)

// NotAvailable is the rendering of a mean over zero samples.
const NotAvailable = "N/A"

// Value is a derived metric that may be undefined.
type Value struct {
	Value float64
	Valid bool
}

func mean(sum float64, count int) Value {
	if count == 0 {
		return Value{}
	}
	return Value{Value: sum / float64(count), Valid: true}
}

// Format renders v with prec decimals, or N/A.
func (v Value) Format(prec int) string {
	if !v.Valid {
		return NotAvailable
	}
	return strconv.FormatFloat(v.Value, 'f', prec, 64)
}

func (v Value) String() string {
	return v.Format(2)
}

// MarshalJSON encodes an undefined value as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(v.Value)
}

// Totals holds the sums of each metric.
type Totals struct {
	ExecTime           float64 `json:"execTime"`
	FinalityTime       float64 `json:"finalityTime"`
	PropagationLatency float64 `json:"propagationLatency"`
	TPS                float64 `json:"tps"`
}

// Means holds the average of each metric.
type Means struct {
	ExecTime           Value `json:"execTime"`
	FinalityTime       Value `json:"finalityTime"`
	PropagationLatency Value `json:"propagationLatency"`
	TPS                Value `json:"tps"`
}

// TypeSummary aggregates the logs of one transaction type.
type TypeSummary struct {
	Count int    `json:"count"`
	Sum   Totals `json:"sum"`
	Mean  Means  `json:"mean"`
}

func (t *TypeSummary) add(l models.TransactionLog) {
	t.Count++
	t.Sum.ExecTime += finite(l.ExecTime)
	t.Sum.FinalityTime += finite(l.FinalityTime)
	t.Sum.PropagationLatency += finite(l.PropagationLatency)
	t.Sum.TPS += finite(l.TPS)
}

func (t *TypeSummary) finish() {
	t.Mean = Means{
		ExecTime:           mean(t.Sum.ExecTime, t.Count),
		FinalityTime:       mean(t.Sum.FinalityTime, t.Count),
		PropagationLatency: mean(t.Sum.PropagationLatency, t.Count),
		TPS:                mean(t.Sum.TPS, t.Count),
	}
}

// Bucket is one slice of the type distribution.
type Bucket struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// Summary is the comparative view of sharded and non-sharded transactions.
type Summary struct {
	Sharded      TypeSummary `json:"sharded"`
	NonSharded   TypeSummary `json:"nonSharded"`
	Total        int         `json:"total"`
	Skipped      int         `json:"skipped"`
	Distribution []Bucket    `json:"distribution"`
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// Kind classifies a log type case-insensitively. The second result is false
// for unknown types.
func Kind(typ string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case strings.ToLower(models.TxTypeSharded):
		return models.TxTypeSharded, true
	case strings.ToLower(models.TxTypeNonSharded):
		return models.TxTypeNonSharded, true
	}
	return "", false
}

// Aggregate summarises logs in a single pass. Non-finite metric values count
// as 0 and logs of unknown type are only counted as skipped.
func Aggregate(logs []models.TransactionLog) Summary {
	var s Summary
	for _, l := range logs {
		s.Total++
		kind, ok := Kind(l.Type)
		switch {
		case !ok:
			s.Skipped++
		case kind == models.TxTypeSharded:
			s.Sharded.add(l)
		default:
			s.NonSharded.add(l)
		}
	}
	s.Sharded.finish()
	s.NonSharded.finish()
	s.Distribution = []Bucket{
		{Type: models.TxTypeSharded, Count: s.Sharded.Count},
		{Type: models.TxTypeNonSharded, Count: s.NonSharded.Count},
	}
	return s
}
