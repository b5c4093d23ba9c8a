package dispatch

import (
	"strings"

	"github.com/manifest-network/shardviz/internal/models"
	"github.com/manifest-network/shardviz/internal/utils"
	"github.com/pkg/errors"
)

// Draft is a free-form parallel submission row: comma-separated source and
// target node lists plus a payload.
type Draft struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Data   string `json:"data"`
}

func (d Draft) empty() bool {
	return strings.TrimSpace(d.Source) == "" && strings.TrimSpace(d.Target) == "" && strings.TrimSpace(d.Data) == ""
}

// ParseDrafts normalises drafts into batch entries. Empty drafts are dropped;
// any other malformed draft rejects the whole submission.
func ParseDrafts(drafts []Draft) ([]models.BatchEntry, error) {
	entries := make([]models.BatchEntry, 0, len(drafts))
	for i, d := range drafts {
		if d.empty() {
			continue
		}
		entry, err := parseDraft(d)
		if err != nil {
			var verr *ValidationError
			if !errors.As(err, &verr) {
				verr = &ValidationError{Err: err}
			}
			verr.Draft = i
			return nil, verr
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func parseDraft(d Draft) (models.BatchEntry, error) {
	sources, err := utils.ParseNodeIDs(d.Source)
	if err != nil {
		return models.BatchEntry{}, err
	}
	targets, err := utils.ParseNodeIDs(d.Target)
	if err != nil {
		return models.BatchEntry{}, err
	}
	entry := models.BatchEntry{Source: sources, Target: targets, Data: strings.TrimSpace(d.Data)}
	if err := ValidateEntry(entry); err != nil {
		return models.BatchEntry{}, err
	}
	return entry, nil
}

// ValidateEntry checks a batch entry for missing ids and self transactions.
func ValidateEntry(e models.BatchEntry) error {
	if len(e.Source) == 0 {
		return invalid(ErrMissingSource)
	}
	if len(e.Target) == 0 {
		return invalid(ErrMissingTarget)
	}
	sources := make(map[models.NodeID]bool, len(e.Source))
	for _, s := range e.Source {
		sources[s] = true
	}
	var self []models.NodeID
	for _, t := range e.Target {
		if sources[t] {
			self = append(self, t)
		}
	}
	if len(self) > 0 {
		return invalid(ErrSelfTransaction, self...)
	}
	return nil
}

// Batches splits entries into consecutive chunks of at most size entries.
func Batches(entries []models.BatchEntry, size int) [][]models.BatchEntry {
	if size < 1 {
		size = 1
	}
	var out [][]models.BatchEntry
	for start := 0; start < len(entries); start += size {
		end := min(start+size, len(entries))
		out = append(out, entries[start:end])
	}
	return out
}
