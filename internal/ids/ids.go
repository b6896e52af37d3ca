// Package ids generates k-sortable identifiers for core entities using
// snowflake, replacing the placeholder fmt.Sprintf("gen-%d", ...) id
// generator in original_source/llm-go/knowledge/knowledge.go.
package ids

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	once sync.Once
	node *snowflake.Node
)

// NodeID identifies this process among concurrent workers; callers
// should set a distinct value per process before the first call to New
// (e.g. derived from a hostname or pod ordinal).
var NodeID int64 = 1

func getNode() *snowflake.Node {
	once.Do(func() {
		n, err := snowflake.NewNode(NodeID)
		if err != nil {
			// NodeID out of the valid 10-bit range; fall back to 0.
			n, err = snowflake.NewNode(0)
			if err != nil {
				panic(err)
			}
		}
		node = n
	})
	return node
}

// New returns a new globally-unique, roughly time-ordered id string.
func New() string {
	return getNode().Generate().String()
}
