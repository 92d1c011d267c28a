// Package ids mints the 64-bit monotone identifiers used for executions,
// events, commands, and catalog entries
package ids

import (
	"crypto/rand"
	"math/big"
	"os"
	"sync"

	"github.com/bwmarrin/snowflake"

	"github.com/noetl/noetl/pkg/api"
)

// Generator mints process-unique, time-ordered IDs
type Generator struct {
	node *snowflake.Node
}

const nodeEnv = "NOETL_NODE_ID"

var (
	defaultGen  *Generator
	defaultOnce sync.Once
)

// NewGenerator creates a generator bound to a snowflake node number
func NewGenerator(node int64) (*Generator, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, err
	}
	return &Generator{node: n}, nil
}

// Next returns a new monotone ID
func (g *Generator) Next() api.ID {
	return api.ID(g.node.Generate().Int64())
}

// Next mints an ID from the process-wide generator. The node number comes
// from NOETL_NODE_ID when set, falling back to a random node so that
// multiple coordinators do not collide by default
func Next() api.ID {
	defaultOnce.Do(func() {
		defaultGen, _ = NewGenerator(nodeNumber())
	})
	return defaultGen.Next()
}

func nodeNumber() int64 {
	if v := os.Getenv(nodeEnv); v != "" {
		if n, ok := new(big.Int).SetString(v, 10); ok {
			return n.Int64() % 1024
		}
	}
	n, err := rand.Int(rand.Reader, big.NewInt(1024))
	if err != nil {
		return 0
	}
	return n.Int64()
}
