package segment

import (
	"strconv"
	"sync/atomic"
)

// Generator hands out utterance IDs that are unique for the lifetime of the
// process. The counter is shared across prefixes.
type Generator struct {
	issued atomic.Uint64
}

func New() *Generator {
	return &Generator{}
}

// Next returns "<prefix>-utt-<n>".
func (g *Generator) Next(prefix string) string {
	return prefix + "-utt-" + strconv.FormatUint(g.issued.Add(1), 10)
}
