// Package graph turns a flat block list into a positioned, shard-partitioned graph.
package graph

import "github.com/manifest-network/shardviz/internal/models"

// FallbackShard is the group key used for blocks with an invalid shard id.
const FallbackShard = models.FallbackShardID

// ShardGroup is the ordered list of blocks belonging to one shard.
type ShardGroup struct {
	ShardID int
	Blocks  []models.Block
}

// Partition groups blocks by shard. Groups appear in first-seen order and
// blocks keep their input order inside each group.
func Partition(blocks []models.Block) []ShardGroup {
	var groups []ShardGroup
	position := make(map[int]int)
	for _, b := range blocks {
		key := ShardKey(b)
		i, ok := position[key]
		if !ok {
			i = len(groups)
			position[key] = i
			groups = append(groups, ShardGroup{ShardID: key})
		}
		groups[i].Blocks = append(groups[i].Blocks, b)
	}
	return groups
}

// ShardKey returns the partition key of a block.
func ShardKey(b models.Block) int {
	if b.ShardID < 0 {
		return FallbackShard
	}
	return b.ShardID
}
