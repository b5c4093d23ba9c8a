package graph

import (
	"math"

	"github.com/manifest-network/shardviz/internal/models"
)

// Point is a 2D coordinate in layout space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// LayoutOptions holds the constants of the radial layout.
type LayoutOptions struct {
	CenterX            float64
	CenterY            float64
	BaseRadius         float64
	RadiusGrowthFactor float64
	ShardSpacing       float64
	RegionMargin       float64
}

// DefaultLayoutOptions returns the standard ring geometry.
func DefaultLayoutOptions() LayoutOptions {
	return LayoutOptions{
		CenterX:            400,
		CenterY:            300,
		BaseRadius:         150,
		RadiusGrowthFactor: 10,
		ShardSpacing:       400,
		RegionMargin:       50,
	}
}

// Radius returns the ring radius for a shard holding n blocks.
func (o LayoutOptions) Radius(n int) float64 {
	return o.BaseRadius + float64(n)*o.RadiusGrowthFactor
}

// PlacedBlock is a block with its computed position.
type PlacedBlock struct {
	Block    models.Block
	ShardID  int
	Position Point
	Radius   float64
}

// Region is the bounding box of one shard's nodes, expanded by the region margin.
type Region struct {
	ShardID int     `json:"shardId"`
	Origin  Point   `json:"origin"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
}

// Layout is the result of one layout pass.
type Layout struct {
	Blocks  []PlacedBlock
	Regions []Region
}

// Radial arranges each shard as a ring, the i-th shard offset horizontally by
// i*ShardSpacing. Output order follows the group order, so identical input
// yields identical output.
func Radial(groups []ShardGroup, opts LayoutOptions) Layout {
	var out Layout
	ordinal := 0
	for _, g := range groups {
		n := len(g.Blocks)
		if n == 0 {
			continue
		}
		angleStep := 2 * math.Pi / float64(n)
		radius := opts.Radius(n)
		offset := float64(ordinal) * opts.ShardSpacing

		placed := make([]PlacedBlock, 0, n)
		for j, b := range g.Blocks {
			angle := angleStep * float64(j)
			placed = append(placed, PlacedBlock{
				Block:   b,
				ShardID: g.ShardID,
				Position: Point{
					X: opts.CenterX + math.Cos(angle)*radius + offset,
					Y: opts.CenterY + math.Sin(angle)*radius,
				},
				Radius: radius,
			})
		}
		out.Blocks = append(out.Blocks, placed...)
		out.Regions = append(out.Regions, boundingRegion(g.ShardID, placed, opts.RegionMargin))
		ordinal++
	}
	return out
}

func boundingRegion(shardID int, placed []PlacedBlock, margin float64) Region {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range placed {
		minX = math.Min(minX, p.Position.X)
		minY = math.Min(minY, p.Position.Y)
		maxX = math.Max(maxX, p.Position.X)
		maxY = math.Max(maxY, p.Position.Y)
	}
	return Region{
		ShardID: shardID,
		Origin:  Point{X: minX - margin, Y: minY - margin},
		Width:   maxX - minX + 2*margin,
		Height:  maxY - minY + 2*margin,
	}
}
