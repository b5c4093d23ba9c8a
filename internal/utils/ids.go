package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/manifest-network/shardviz/internal/models"
	"github.com/pkg/errors"
)

var nodeIDPattern = regexp.MustCompile(`^\d+$`)

// ParseNodeIDs parses a comma-separated list of node identifiers.
// Blank elements are ignored, so "1, ,2," yields [1 2]. An empty input yields nil.
func ParseNodeIDs(s string) ([]models.NodeID, error) {
	var ids []models.NodeID
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := ParseNodeID(part)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ParseNodeID parses a single non-negative node identifier.
func ParseNodeID(s string) (models.NodeID, error) {
	s = strings.TrimSpace(s)
	if !nodeIDPattern.MatchString(s) {
		return models.NoNode, fmt.Errorf("invalid node id %q", s)
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return models.NoNode, errors.WithMessagef(err, "error parsing node id %q", s)
	}
	return models.NodeID(v), nil
}

// JoinNodeIDs formats ids as a comma-separated list.
func JoinNodeIDs(ids []models.NodeID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}
