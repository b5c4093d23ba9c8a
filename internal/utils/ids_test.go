package utils

import (
	"testing"

	"github.com/manifest-network/shardviz/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestParseNodeIDs(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		want    []models.NodeID
		wantErr string
	}{
		{name: "single", input: "4", want: []models.NodeID{4}},
		{name: "list", input: "1,2,3", want: []models.NodeID{1, 2, 3}},
		{name: "spaces and blanks", input: " 1, ,2, ", want: []models.NodeID{1, 2}},
		{name: "empty", input: "", want: nil},
		{name: "only commas", input: ",,", want: nil},
		{name: "negative", input: "1,-2", wantErr: `invalid node id "-2"`},
		{name: "not a number", input: "a", wantErr: `invalid node id "a"`},
		{name: "overflow", input: "99999999999999999999999", wantErr: "error parsing node id"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ids, err := ParseNodeIDs(tc.input)
			if tc.wantErr != "" {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.want, ids)
		})
	}
}

func TestJoinNodeIDs(t *testing.T) {
	assert.Equal(t, "1,20,3", JoinNodeIDs([]models.NodeID{1, 20, 3}))
	assert.Equal(t, "", JoinNodeIDs(nil))
}
