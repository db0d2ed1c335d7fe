package ledger

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator hands out client-side message ids. Each id is a per-session
// random nonce followed by a monotonic counter, so two ids from one
// generator never collide and ids from different sessions are distinct.
type IDGenerator struct {
	nonce   string
	counter atomic.Uint64
}

// NewIDGenerator creates a generator with a fresh random nonce.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{nonce: uuid.NewString()}
}

// Next returns the next id.
func (g *IDGenerator) Next() string {
	n := g.counter.Add(1)
	return g.nonce + "-" + strconv.FormatUint(n, 10)
}

// Nonce returns the session nonce shared by every id from this generator.
func (g *IDGenerator) Nonce() string {
	return g.nonce
}
