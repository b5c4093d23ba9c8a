package graph

import (
	"fmt"
	"math"
	"testing"

	"github.com/manifest-network/shardviz/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chain(shards ...int) []models.Block {
	blocks := make([]models.Block, len(shards))
	for i, s := range shards {
		prev := models.GenesisPreviousHash
		if i > 0 {
			prev = fmt.Sprintf("h%d", i-1)
		}
		blocks[i] = models.Block{
			Index:        i,
			Hash:         fmt.Sprintf("h%d", i),
			PreviousHash: prev,
			ShardID:      s,
		}
	}
	return blocks
}

func TestPartitionKeepsFirstSeenOrder(t *testing.T) {
	groups := Partition(chain(2, 0, 2, 1, 0))

	require.Len(t, groups, 3)
	assert.Equal(t, 2, groups[0].ShardID)
	assert.Equal(t, 0, groups[1].ShardID)
	assert.Equal(t, 1, groups[2].ShardID)

	assert.Equal(t, 0, groups[0].Blocks[0].Index)
	assert.Equal(t, 2, groups[0].Blocks[1].Index)
	assert.Equal(t, 1, groups[1].Blocks[0].Index)
	assert.Equal(t, 4, groups[1].Blocks[1].Index)
}

func TestPartitionFallsBackForInvalidShard(t *testing.T) {
	blocks := chain(0, 0)
	blocks[1].ShardID = -3

	groups := Partition(blocks)
	require.Len(t, groups, 1)
	assert.Equal(t, FallbackShard, groups[0].ShardID)
	assert.Len(t, groups[0].Blocks, 2)
}

func TestPartitionEmpty(t *testing.T) {
	assert.Empty(t, Partition(nil))
}

func TestRadialIsDeterministic(t *testing.T) {
	blocks := chain(0, 1, 0, 1, 2, 2, 2)
	a := Build(blocks, DefaultBuildOptions())
	b := Build(blocks, DefaultBuildOptions())
	assert.Equal(t, a, b)
}

func TestRadialPositions(t *testing.T) {
	opts := DefaultLayoutOptions()
	layout := Radial(Partition(chain(0, 0, 1)), opts)
	require.Len(t, layout.Blocks, 3)

	// shard 0: two blocks, radius 170, angle step pi
	assert.InDelta(t, 400+170, layout.Blocks[0].Position.X, 1e-9)
	assert.InDelta(t, 300, layout.Blocks[0].Position.Y, 1e-9)
	assert.InDelta(t, 400-170, layout.Blocks[1].Position.X, 1e-9)
	assert.InDelta(t, 300, layout.Blocks[1].Position.Y, 1e-9)

	// shard 1: single block on the ring at angle 0, offset by one spacing
	assert.InDelta(t, 400+160+400, layout.Blocks[2].Position.X, 1e-9)
	assert.InDelta(t, 300, layout.Blocks[2].Position.Y, 1e-9)
}

func TestRadiusEqualWithinShardAndGrowsWithSize(t *testing.T) {
	layout := Radial(Partition(chain(0, 1, 1, 2, 2, 2)), DefaultLayoutOptions())

	radii := map[int][]float64{}
	for _, p := range layout.Blocks {
		radii[p.ShardID] = append(radii[p.ShardID], p.Radius)
	}
	for shard, rs := range radii {
		for _, r := range rs {
			assert.Equal(t, rs[0], r, "shard %d", shard)
		}
	}
	assert.Less(t, radii[0][0], radii[1][0])
	assert.Less(t, radii[1][0], radii[2][0])
}

func TestRegionsEncloseNodes(t *testing.T) {
	opts := DefaultLayoutOptions()
	layout := Radial(Partition(chain(3, 3, 3, 3, 5)), opts)
	require.Len(t, layout.Regions, 2)

	for _, r := range layout.Regions {
		for _, p := range layout.Blocks {
			if p.ShardID != r.ShardID {
				continue
			}
			assert.GreaterOrEqual(t, p.Position.X, r.Origin.X+opts.RegionMargin-1e-9)
			assert.LessOrEqual(t, p.Position.X, r.Origin.X+r.Width-opts.RegionMargin+1e-9)
			assert.GreaterOrEqual(t, p.Position.Y, r.Origin.Y+opts.RegionMargin-1e-9)
			assert.LessOrEqual(t, p.Position.Y, r.Origin.Y+r.Height-opts.RegionMargin+1e-9)
		}
	}

	single := layout.Regions[1]
	assert.Equal(t, 2*opts.RegionMargin, single.Width)
	assert.Equal(t, 2*opts.RegionMargin, single.Height)
}

func TestBuildTwoBlockScenario(t *testing.T) {
	blocks := []models.Block{
		{Index: 0, Hash: "h0", PreviousHash: "0", ShardID: 1},
		{Index: 1, Hash: "h1", PreviousHash: "h0", ShardID: 1},
	}

	g := Build(blocks, DefaultBuildOptions())

	assert.Len(t, g.Nodes, 2)
	require.Len(t, g.Edges, 1)
	assert.Equal(t, Edge{ID: "e1", Source: "0", Target: "1"}, g.Edges[0])
	require.Len(t, g.Regions, 1)
	assert.Equal(t, 1, g.Regions[0].ShardID)
	assert.Equal(t, "shard-1", g.Regions[0].ID)
}

func TestGenesisBlocksHaveNoIncomingEdge(t *testing.T) {
	blocks := chain(0, 1, 0, 1)
	blocks[2].PreviousHash = models.GenesisPreviousHash

	for _, mode := range []EdgeMode{EdgeModeIndex, EdgeModeHash} {
		t.Run(string(mode), func(t *testing.T) {
			opts := DefaultBuildOptions()
			opts.EdgeMode = mode
			g := Build(blocks, opts)
			for _, e := range g.Edges {
				assert.NotEqual(t, "0", e.Target)
				assert.NotEqual(t, "2", e.Target)
			}
		})
	}
}

func TestHashEdgesFollowPreviousHash(t *testing.T) {
	blocks := []models.Block{
		{Index: 0, Hash: "a", PreviousHash: "0"},
		{Index: 5, Hash: "b", PreviousHash: "a"},
		{Index: 9, Hash: "c", PreviousHash: "missing"},
	}
	opts := DefaultBuildOptions()
	opts.EdgeMode = EdgeModeHash

	g := Build(blocks, opts)
	require.Len(t, g.Edges, 1)
	assert.Equal(t, Edge{ID: "e5", Source: "0", Target: "5"}, g.Edges[0])

	indexed := Build(blocks, DefaultBuildOptions())
	assert.Len(t, indexed.Edges, 2)
	assert.Equal(t, "4", indexed.Edges[0].Source)
}

func TestBuildDecoratesNodes(t *testing.T) {
	opts := DefaultBuildOptions()
	opts.Selection = Selection{Source: 0, Targets: []models.NodeID{2}}
	opts.Confirmed = map[models.NodeID]bool{1: true}

	g := Build(chain(0, 1, 2), opts)

	n0, ok := g.Node(0)
	require.True(t, ok)
	assert.Equal(t, SelectionSource, n0.Selection)
	assert.Equal(t, Palette[0], n0.Color)
	assert.Equal(t, "Block 0", n0.Label)

	n1, _ := g.Node(1)
	assert.Equal(t, SelectionNone, n1.Selection)
	assert.True(t, n1.Confirmed)
	assert.Equal(t, Palette[1], n1.Color)

	n2, _ := g.Node(2)
	assert.Equal(t, SelectionTarget, n2.Selection)

	_, ok = g.Node(42)
	assert.False(t, ok)
}

func TestShardColorWraps(t *testing.T) {
	assert.Equal(t, Palette[0], ShardColor(len(Palette)))
	assert.Equal(t, Palette[len(Palette)-1], ShardColor(-1))
}

func TestCandidatesExcludeRegions(t *testing.T) {
	g := Build(chain(0, 1, 1), DefaultBuildOptions())
	assert.Equal(t, []models.NodeID{0, 1, 2}, g.Candidates())
	assert.Equal(t, []int{0, 1}, g.Shards())

	shard, ok := g.ShardOf(2)
	assert.True(t, ok)
	assert.Equal(t, 1, shard)
}

func TestNodeLookupWithoutIndex(t *testing.T) {
	g := Build(chain(0, 0), DefaultBuildOptions())
	decoded := Graph{Nodes: g.Nodes}

	n, ok := decoded.Node(1)
	assert.True(t, ok)
	assert.Equal(t, "1", n.ID)
}

func TestParseEdgeMode(t *testing.T) {
	mode, err := ParseEdgeMode("")
	assert.NoError(t, err)
	assert.Equal(t, EdgeModeIndex, mode)

	mode, err = ParseEdgeMode("hash")
	assert.NoError(t, err)
	assert.Equal(t, EdgeModeHash, mode)

	_, err = ParseEdgeMode("force")
	assert.Error(t, err)
}

func TestLayoutHasNoNaN(t *testing.T) {
	g := Build(chain(0), DefaultBuildOptions())
	require.Len(t, g.Nodes, 1)
	assert.False(t, math.IsNaN(g.Nodes[0].Position.X))
	assert.False(t, math.IsNaN(g.Nodes[0].Position.Y))
}
