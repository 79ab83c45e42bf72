package testutil

import (
	"fmt"
	"sync"
)

// SequentialTokens generates correlation tokens "<prefix>-1", "<prefix>-2", ...
//
// Unlike engine.FixedGenerator it never runs out, so a scenario can issue any
// number of mutations and still produce byte-identical journals and traces.
//
// Thread-safety: safe for concurrent use.
type SequentialTokens struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialTokens creates a generator. An empty prefix becomes "tok".
func NewSequentialTokens(prefix string) *SequentialTokens {
	if prefix == "" {
		prefix = "tok"
	}
	return &SequentialTokens{prefix: prefix}
}

// Generate returns the next token. Implements engine.TokenGenerator.
func (g *SequentialTokens) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// Issued returns how many tokens have been generated.
func (g *SequentialTokens) Issued() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}
