package stats

import (
	"fmt"
	"slices"
	"strings"

	"github.com/manifest-network/shardviz/internal/models"
)

// SortKey selects the column logs are ordered by.
type SortKey string

const (
	SortExecTime     SortKey = "exec-time"
	SortType         SortKey = "type"
	SortSourceTarget SortKey = "source-target"
)

// ParseSortKey validates a sort key. An empty key keeps the backend order.
func ParseSortKey(s string) (SortKey, error) {
	switch k := SortKey(strings.ToLower(s)); k {
	case "", SortExecTime, SortType, SortSourceTarget:
		return k, nil
	}
	return "", fmt.Errorf("unknown sort key %q", s)
}

// Filter returns the logs of the given type. An empty type keeps every log.
func Filter(logs []models.TransactionLog, typ string) []models.TransactionLog {
	if typ == "" {
		return logs
	}
	want, ok := Kind(typ)
	if !ok {
		return nil
	}
	var out []models.TransactionLog
	for _, l := range logs {
		if kind, ok := Kind(l.Type); ok && kind == want {
			out = append(out, l)
		}
	}
	return out
}

func sourceTarget(l models.TransactionLog) string {
	return fmt.Sprintf("%d → %d", l.Source, l.Target)
}

// Sort returns a sorted copy of logs. The sort is stable so equal keys keep
// the backend order.
func Sort(logs []models.TransactionLog, key SortKey, desc bool) []models.TransactionLog {
	out := slices.Clone(logs)
	var cmp func(a, b models.TransactionLog) int
	switch key {
	case SortExecTime:
		cmp = func(a, b models.TransactionLog) int {
			switch {
			case a.ExecTime < b.ExecTime:
				return -1
			case a.ExecTime > b.ExecTime:
				return 1
			}
			return 0
		}
	case SortType:
		cmp = func(a, b models.TransactionLog) int { return strings.Compare(a.Type, b.Type) }
	case SortSourceTarget:
		cmp = func(a, b models.TransactionLog) int { return strings.Compare(sourceTarget(a), sourceTarget(b)) }
	default:
		return out
	}
	if desc {
		asc := cmp
		cmp = func(a, b models.TransactionLog) int { return asc(b, a) }
	}
	slices.SortStableFunc(out, cmp)
	return out
}
