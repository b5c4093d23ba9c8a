package graph

import (
	"fmt"
	"strconv"

	"github.com/manifest-network/shardviz/internal/models"
)

// EdgeMode selects how parent links are derived.
type EdgeMode string

const (
	// EdgeModeIndex links index-1 -> index for every non-genesis block.
	// It is a display heuristic and does not check the previous hash.
	EdgeModeIndex EdgeMode = "index"
	// EdgeModeHash links the block whose hash equals previous_hash to the block.
	EdgeModeHash EdgeMode = "hash"
)

// ParseEdgeMode validates an edge mode name.
func ParseEdgeMode(s string) (EdgeMode, error) {
	switch EdgeMode(s) {
	case EdgeModeIndex, EdgeModeHash:
		return EdgeMode(s), nil
	case "":
		return EdgeModeIndex, nil
	}
	return "", fmt.Errorf("unknown edge mode %q", s)
}

// Palette colours shards by shard id modulo its length.
var Palette = []string{"#FF5733", "#33FF57", "#3380FF", "#F3C623", "#B833FF", "#33E0FF"}

// ShardColor returns the palette colour of a shard.
func ShardColor(shardID int) string {
	n := len(Palette)
	return Palette[((shardID%n)+n)%n]
}

// SelectionState is the per-node selection decoration.
type SelectionState string

const (
	SelectionNone   SelectionState = "none"
	SelectionSource SelectionState = "source"
	SelectionTarget SelectionState = "target"
)

// Selection is the user's current source/target pick.
type Selection struct {
	Source  models.NodeID   `json:"source"`
	Targets []models.NodeID `json:"targets"`
}

// EmptySelection has no source and no targets.
func EmptySelection() Selection {
	return Selection{Source: models.NoNode}
}

func (s Selection) stateOf(id models.NodeID) SelectionState {
	if s.Source == id {
		return SelectionSource
	}
	for _, t := range s.Targets {
		if t == id {
			return SelectionTarget
		}
	}
	return SelectionNone
}

// Node is a rendered block.
type Node struct {
	ID        string         `json:"id"`
	Index     models.NodeID  `json:"index"`
	Label     string         `json:"label"`
	ShardID   int            `json:"shardId"`
	Position  Point          `json:"position"`
	Color     string         `json:"color"`
	Selection SelectionState `json:"selection"`
	Confirmed bool           `json:"confirmed"`
	Block     models.Block   `json:"block"`
}

// Edge is a rendered parent -> child link.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// RegionNode is a non-interactive shard background rendered beneath the nodes.
type RegionNode struct {
	Region
	ID    string `json:"id"`
	Color string `json:"color"`
}

// Graph is one immutable layout pass.
type Graph struct {
	Nodes   []Node       `json:"nodes"`
	Edges   []Edge       `json:"edges"`
	Regions []RegionNode `json:"regions"`

	byID map[models.NodeID]int
}

// BuildOptions controls a Build pass.
type BuildOptions struct {
	Layout    LayoutOptions
	EdgeMode  EdgeMode
	Selection Selection
	// Confirmed marks nodes touched by a completed transaction.
	Confirmed map[models.NodeID]bool
}

// DefaultBuildOptions returns the standard layout with index edges and no selection.
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{
		Layout:    DefaultLayoutOptions(),
		EdgeMode:  EdgeModeIndex,
		Selection: EmptySelection(),
	}
}

// Build partitions, lays out and decorates blocks. It has no side effects;
// callers replace their previous graph with the result.
func Build(blocks []models.Block, opts BuildOptions) Graph {
	layout := Radial(Partition(blocks), opts.Layout)

	g := Graph{
		Nodes:   make([]Node, 0, len(layout.Blocks)),
		Edges:   []Edge{},
		Regions: make([]RegionNode, 0, len(layout.Regions)),
		byID:    make(map[models.NodeID]int, len(layout.Blocks)),
	}

	for _, p := range layout.Blocks {
		id := p.Block.NodeID()
		g.byID[id] = len(g.Nodes)
		g.Nodes = append(g.Nodes, Node{
			ID:        id.String(),
			Index:     id,
			Label:     "Block " + id.String(),
			ShardID:   p.ShardID,
			Position:  p.Position,
			Color:     ShardColor(p.ShardID),
			Selection: opts.Selection.stateOf(id),
			Confirmed: opts.Confirmed[id],
			Block:     p.Block,
		})
	}

	switch opts.EdgeMode {
	case EdgeModeHash:
		g.Edges = hashEdges(layout.Blocks)
	default:
		g.Edges = indexEdges(layout.Blocks)
	}

	for _, r := range layout.Regions {
		g.Regions = append(g.Regions, RegionNode{
			Region: r,
			ID:     "shard-" + strconv.Itoa(r.ShardID),
			Color:  ShardColor(r.ShardID),
		})
	}
	return g
}

func indexEdges(placed []PlacedBlock) []Edge {
	edges := []Edge{}
	for _, p := range placed {
		if p.Block.IsGenesis() {
			continue
		}
		edges = append(edges, newEdge(models.NodeID(p.Block.Index-1), p.Block.NodeID()))
	}
	return edges
}

func hashEdges(placed []PlacedBlock) []Edge {
	byHash := make(map[string]models.NodeID, len(placed))
	for _, p := range placed {
		if _, seen := byHash[p.Block.Hash]; !seen {
			byHash[p.Block.Hash] = p.Block.NodeID()
		}
	}
	edges := []Edge{}
	for _, p := range placed {
		if p.Block.IsGenesis() {
			continue
		}
		parent, ok := byHash[p.Block.PreviousHash]
		if !ok {
			continue
		}
		edges = append(edges, newEdge(parent, p.Block.NodeID()))
	}
	return edges
}

func newEdge(source, target models.NodeID) Edge {
	return Edge{
		ID:     "e" + target.String(),
		Source: source.String(),
		Target: target.String(),
	}
}

// Node looks up a rendered node by id.
func (g Graph) Node(id models.NodeID) (Node, bool) {
	if g.byID != nil {
		i, ok := g.byID[id]
		if !ok {
			return Node{}, false
		}
		return g.Nodes[i], true
	}
	for _, n := range g.Nodes {
		if n.Index == id {
			return n, true
		}
	}
	return Node{}, false
}

// ShardOf returns the shard a node belongs to.
func (g Graph) ShardOf(id models.NodeID) (int, bool) {
	n, ok := g.Node(id)
	if !ok {
		return 0, false
	}
	return n.ShardID, true
}

// Candidates lists the node ids eligible for selection and shard assignment.
// Region nodes are never included.
func (g Graph) Candidates() []models.NodeID {
	ids := make([]models.NodeID, len(g.Nodes))
	for i, n := range g.Nodes {
		ids[i] = n.Index
	}
	return ids
}

// Shards lists shard ids in layout order.
func (g Graph) Shards() []int {
	ids := make([]int, len(g.Regions))
	for i, r := range g.Regions {
		ids[i] = r.ShardID
	}
	return ids
}
