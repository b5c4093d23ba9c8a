package main

import (
	_ "github.com/manifest-network/shardviz/internal/alpnfix"

	"github.com/manifest-network/shardviz/cmd/shardviz"
)

func main() {
	shardviz.Execute()
}
